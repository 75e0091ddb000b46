package training

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// ErrSeriesLength is returned when paired scatter series differ in length.
var ErrSeriesLength = errors.New("paired series length mismatch")

// TrainSplit names the training split in metric keys.
const TrainSplit = "tr"

// MetricKind identifies what a recorded value measures
type MetricKind int

const (
	InputSNRKind MetricKind = iota
	SISDR
	SISDRi
	BackLoss // training objective reported as SI-SDRi
)

func (mk MetricKind) String() string {
	switch mk {
	case InputSNRKind:
		return "input_snr"
	case SISDR:
		return "SISDR"
	case SISDRi:
		return "SISDRi"
	case BackLoss:
		return "back_loss_SISDRi"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mk))
	}
}

// SourceClass tags per-source values. Speech and Other are only populated
// for two-source batches, where even positions hold the first reference.
type SourceClass int

const (
	AllSources SourceClass = iota
	Speech
	Other
)

func (sc SourceClass) String() string {
	switch sc {
	case AllSources:
		return "all"
	case Speech:
		return "speech"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("Unknown(%d)", int(sc))
	}
}

// MetricKey identifies one metric stream of an epoch.
type MetricKey struct {
	Split string
	Kind  MetricKind
	Class SourceClass
}

// Key builds the key of a split-wide metric.
func Key(split string, kind MetricKind) MetricKey {
	return MetricKey{Split: split, Kind: kind}
}

// WithClass returns a copy of k restricted to class.
func (k MetricKey) WithClass(class SourceClass) MetricKey {
	k.Class = class
	return k
}

// String renders names such as "val_SISDRi_speech" or "tr_input_snr".
func (k MetricKey) String() string {
	name := k.Split + "_" + k.Kind.String()
	if k.Class != AllSources {
		name += "_" + k.Class.String()
	}
	return name
}

// Summary is the population mean and standard deviation of a metric.
type Summary struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Count int     `json:"count"`
}

// MetricSummary is a named Summary inside an EpochReport.
type MetricSummary struct {
	Key MetricKey
	Summary
}

// HistogramSeries is a named list of values inside an EpochReport.
type HistogramSeries struct {
	Key    MetricKey
	Values []float64
}

// EpochReport is an immutable copy of an epoch's aggregated data.
type EpochReport struct {
	Summaries  []MetricSummary
	Histograms []HistogramSeries
}

// Summary looks up the summary of key.
func (r EpochReport) Summary(key MetricKey) (Summary, bool) {
	for _, s := range r.Summaries {
		if s.Key == key {
			return s.Summary, true
		}
	}
	return Summary{}, false
}

// Histogram looks up the values recorded for key.
func (r EpochReport) Histogram(key MetricKey) ([]float64, bool) {
	for _, h := range r.Histograms {
		if h.Key == key {
			return h.Values, true
		}
	}
	return nil, false
}

// ScatterPair names two histograms to be plotted against each other.
type ScatterPair struct {
	X MetricKey
	Y MetricKey
}

// ScatterSeries holds the paired values of a ScatterPair.
type ScatterSeries struct {
	X       MetricKey
	Y       MetricKey
	XValues []float64
	YValues []float64
}

// Aggregator collects per-batch results into epoch-scoped running metrics
// and histograms. It is not safe for concurrent use; the training loop owns
// it and mutates it from its own goroutine only.
type Aggregator struct {
	running        map[MetricKey][]float64
	histograms     map[MetricKey][]float64
	runningOrder   []MetricKey
	histogramOrder []MetricKey
}

// NewAggregator creates an empty aggregator. The zero Aggregator is also
// ready to use.
func NewAggregator() *Aggregator {
	a := &Aggregator{}
	a.Reset()
	return a
}

// Record appends values to both the running accumulation and the histogram
// of key, preserving order.
func (a *Aggregator) Record(key MetricKey, values []float64) {
	if a.running == nil {
		a.running = make(map[MetricKey][]float64)
	}
	if _, ok := a.running[key]; !ok {
		a.runningOrder = append(a.runningOrder, key)
		a.running[key] = []float64{}
	}
	a.running[key] = append(a.running[key], values...)
	a.RecordHistogram(key, values)
}

// RecordHistogram appends values to the histogram of key only.
func (a *Aggregator) RecordHistogram(key MetricKey, values []float64) {
	if a.histograms == nil {
		a.histograms = make(map[MetricKey][]float64)
	}
	if _, ok := a.histograms[key]; !ok {
		a.histogramOrder = append(a.histogramOrder, key)
		a.histograms[key] = []float64{}
	}
	a.histograms[key] = append(a.histograms[key], values...)
}

// RecordPerSource records example-major per-source values. For exactly two
// sources it also fills the Speech (even positions) and Other (odd
// positions) histograms; other source counts are not split.
func (a *Aggregator) RecordPerSource(key MetricKey, values []float64, nSources int) {
	key.Class = AllSources
	a.Record(key, values)
	if nSources != 2 {
		return
	}
	for offset, class := range []SourceClass{Speech, Other} {
		strided := make([]float64, 0, (len(values)+1)/2)
		for i := offset; i < len(values); i += 2 {
			strided = append(strided, values[i])
		}
		a.RecordHistogram(key.WithClass(class), strided)
	}
}

// Summarize returns the population mean and standard deviation of every
// value recorded for key since the last reset. An empty accumulation yields
// the zero Summary.
func (a *Aggregator) Summarize(key MetricKey) Summary {
	values := a.running[key]
	if len(values) == 0 {
		return Summary{}
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	return Summary{Mean: mean, Std: std, Count: len(values)}
}

// Histogram returns a copy of the values recorded for key.
func (a *Aggregator) Histogram(key MetricKey) []float64 {
	return append([]float64(nil), a.histograms[key]...)
}

// ReportScatter resolves each pair to its histogram values. Every pair must
// have series of equal length.
func (a *Aggregator) ReportScatter(pairs []ScatterPair) ([]ScatterSeries, error) {
	series := make([]ScatterSeries, 0, len(pairs))
	for _, p := range pairs {
		x, y := a.histograms[p.X], a.histograms[p.Y]
		if len(x) != len(y) {
			return nil, fmt.Errorf("%w: %s has %d values, %s has %d", ErrSeriesLength, p.X, len(x), p.Y, len(y))
		}
		series = append(series, ScatterSeries{
			X:       p.X,
			Y:       p.Y,
			XValues: append([]float64(nil), x...),
			YValues: append([]float64(nil), y...),
		})
	}
	return series, nil
}

// Snapshot copies the current summaries and histograms in recording order.
func (a *Aggregator) Snapshot() EpochReport {
	report := EpochReport{
		Summaries:  make([]MetricSummary, 0, len(a.runningOrder)),
		Histograms: make([]HistogramSeries, 0, len(a.histogramOrder)),
	}
	for _, key := range a.runningOrder {
		report.Summaries = append(report.Summaries, MetricSummary{Key: key, Summary: a.Summarize(key)})
	}
	for _, key := range a.histogramOrder {
		report.Histograms = append(report.Histograms, HistogramSeries{Key: key, Values: a.Histogram(key)})
	}
	return report
}

// Reset clears all accumulations.
func (a *Aggregator) Reset() {
	a.running = make(map[MetricKey][]float64)
	a.histograms = make(map[MetricKey][]float64)
	a.runningOrder = nil
	a.histogramOrder = nil
}
