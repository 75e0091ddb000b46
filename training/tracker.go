package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Step tags logged data with the training and validation counters and the
// learning rate in effect for the epoch.
type Step struct {
	Epoch        int     `json:"epoch"`
	Train        int     `json:"train_step"`
	Val          int     `json:"val_step"`
	LearningRate float64 `json:"learning_rate"`
}

// For returns the counter that applies to split.
func (s Step) For(split string) int {
	if split == TrainSplit {
		return s.Train
	}
	return s.Val
}

// Tracker receives everything an experiment logs.
type Tracker interface {
	LogParameters(params map[string]interface{}, tags []string) error
	LogMetrics(step Step, metrics []MetricSummary) error
	LogHistograms(step Step, histograms []HistogramSeries) error
	LogScatter(step Step, series []ScatterSeries) error
	LogAsset(step Step, name string, data []byte) error
	LogAudio(step Step, name string, sampleRate int, samples []float64) error
	// EndEpoch marks that everything for step has been logged.
	EndEpoch(step Step) error
	Close() error
}

// MultiTracker forwards every call to all of its trackers, joining errors.
type MultiTracker []Tracker

func (m MultiTracker) each(fn func(Tracker) error) error {
	var errs []error
	for _, t := range m {
		if err := fn(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiTracker) LogParameters(params map[string]interface{}, tags []string) error {
	return m.each(func(t Tracker) error { return t.LogParameters(params, tags) })
}

func (m MultiTracker) LogMetrics(step Step, metrics []MetricSummary) error {
	return m.each(func(t Tracker) error { return t.LogMetrics(step, metrics) })
}

func (m MultiTracker) LogHistograms(step Step, histograms []HistogramSeries) error {
	return m.each(func(t Tracker) error { return t.LogHistograms(step, histograms) })
}

func (m MultiTracker) LogScatter(step Step, series []ScatterSeries) error {
	return m.each(func(t Tracker) error { return t.LogScatter(step, series) })
}

func (m MultiTracker) LogAsset(step Step, name string, data []byte) error {
	return m.each(func(t Tracker) error { return t.LogAsset(step, name, data) })
}

func (m MultiTracker) LogAudio(step Step, name string, sampleRate int, samples []float64) error {
	return m.each(func(t Tracker) error { return t.LogAudio(step, name, sampleRate, samples) })
}

func (m MultiTracker) EndEpoch(step Step) error {
	return m.each(func(t Tracker) error { return t.EndEpoch(step) })
}

func (m MultiTracker) Close() error {
	return m.each(func(t Tracker) error { return t.Close() })
}

// ConsoleTracker prints parameters and metric summaries; other records are
// ignored.
type ConsoleTracker struct {
	out io.Writer
}

// NewConsoleTracker writes to out, or to stdout when out is nil.
func NewConsoleTracker(out io.Writer) *ConsoleTracker {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleTracker{out: out}
}

func (c *ConsoleTracker) LogParameters(params map[string]interface{}, tags []string) error {
	_, err := fmt.Fprintf(c.out, "Experiment parameters: %d values, tags %v\n", len(params), tags)
	return err
}

func (c *ConsoleTracker) LogMetrics(step Step, metrics []MetricSummary) error {
	if _, err := fmt.Fprintf(c.out, "Epoch %d (train step %d, val step %d, lr %.3e)\n",
		step.Epoch, step.Train, step.Val, step.LearningRate); err != nil {
		return err
	}
	for _, m := range metrics {
		if _, err := fmt.Fprintf(c.out, "  %-28s %8.3f ± %.3f (n=%d)\n", m.Key, m.Mean, m.Std, m.Count); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleTracker) LogHistograms(step Step, histograms []HistogramSeries) error {
	return nil
}

func (c *ConsoleTracker) LogScatter(step Step, series []ScatterSeries) error {
	return nil
}

func (c *ConsoleTracker) LogAsset(step Step, name string, data []byte) error {
	return nil
}

func (c *ConsoleTracker) LogAudio(step Step, name string, sampleRate int, samples []float64) error {
	return nil
}

func (c *ConsoleTracker) EndEpoch(step Step) error {
	return nil
}

func (c *ConsoleTracker) Close() error {
	return nil
}

// DirTracker writes a run into a directory: metrics and histograms as JSON
// lines, assets as files and audio as 16-bit PCM WAV.
type DirTracker struct {
	dir   string
	mutex sync.Mutex
}

type dirRecord struct {
	Step   Step                 `json:"step"`
	Kind   string               `json:"kind"`
	Values map[string]float64   `json:"values,omitempty"`
	Series map[string][]float64 `json:"series,omitempty"`
}

// NewDirTracker creates dir if needed.
func NewDirTracker(dir string) (*DirTracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tracker directory: %w", err)
	}
	return &DirTracker{dir: dir}, nil
}

// Dir returns the output directory.
func (d *DirTracker) Dir() string {
	return d.dir
}

func (d *DirTracker) LogParameters(params map[string]interface{}, tags []string) error {
	data, err := json.MarshalIndent(map[string]interface{}{"parameters": params, "tags": tags}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	return d.write("parameters.json", data)
}

func (d *DirTracker) LogMetrics(step Step, metrics []MetricSummary) error {
	rec := dirRecord{Step: step, Kind: "metrics", Values: make(map[string]float64, 2*len(metrics))}
	for _, m := range metrics {
		rec.Values[m.Key.String()+"_mean"] = m.Mean
		rec.Values[m.Key.String()+"_std"] = m.Std
	}
	return d.appendRecord(rec)
}

func (d *DirTracker) LogHistograms(step Step, histograms []HistogramSeries) error {
	rec := dirRecord{Step: step, Kind: "histograms", Series: make(map[string][]float64, len(histograms))}
	for _, h := range histograms {
		rec.Series[h.Key.String()] = h.Values
	}
	return d.appendRecord(rec)
}

func (d *DirTracker) LogScatter(step Step, series []ScatterSeries) error {
	rec := dirRecord{Step: step, Kind: "scatter", Series: make(map[string][]float64, 2*len(series))}
	for _, s := range series {
		name := s.X.String() + "_vs_" + s.Y.String()
		rec.Series[name+"_x"] = s.XValues
		rec.Series[name+"_y"] = s.YValues
	}
	return d.appendRecord(rec)
}

func (d *DirTracker) LogAsset(step Step, name string, data []byte) error {
	return d.write(fmt.Sprintf("epoch%03d_%s", step.Epoch, name), data)
}

func (d *DirTracker) LogAudio(step Step, name string, sampleRate int, samples []float64) error {
	data, err := EncodeWAV(sampleRate, samples)
	if err != nil {
		return err
	}
	return d.write(fmt.Sprintf("epoch%03d_%s.wav", step.Epoch, name), data)
}

func (d *DirTracker) EndEpoch(step Step) error {
	return nil
}

func (d *DirTracker) Close() error {
	return nil
}

func (d *DirTracker) write(name string, data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := os.WriteFile(filepath.Join(d.dir, filepath.Base(name)), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (d *DirTracker) appendRecord(rec dirRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", rec.Kind, err)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	f, err := os.OpenFile(filepath.Join(d.dir, "metrics.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open metrics log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append %s record: %w", rec.Kind, err)
	}
	return nil
}
