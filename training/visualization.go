package training

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	// Per-epoch curves
	MetricCurves         PlotType = "metric_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"

	// Per-epoch distributions
	MetricHistogram PlotType = "metric_histogram"
	SNRScatter      PlotType = "snr_scatter"
)

// DefaultHistogramBins is the bin count used for metric histograms.
const DefaultHistogramBins = 20

// PlotData represents the universal JSON format for the sidecar plotting service
type PlotData struct {
	// Metadata
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`
	RunID     string    `json:"run_id,omitempty"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter", "bar"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// VisualizationCollector turns per-epoch reports into plot payloads. It
// keeps the mean of every metric across epochs and the latest epoch's
// histograms and scatter series.
type VisualizationCollector struct {
	modelName string
	enabled   bool
	bins      int

	epochs        []int
	learningRates []float64
	curves        map[MetricKey][]DataPoint
	curveOrder    []MetricKey

	histograms []HistogramSeries
	scatter    []ScatterSeries
}

// NewVisualizationCollector creates a new visualization collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	vc := &VisualizationCollector{
		modelName: modelName,
		bins:      DefaultHistogramBins,
	}
	vc.Clear()
	return vc
}

// Enable enables visualization data collection
func (vc *VisualizationCollector) Enable() {
	vc.enabled = true
}

// Disable disables visualization data collection
func (vc *VisualizationCollector) Disable() {
	vc.enabled = false
}

// IsEnabled returns whether visualization is enabled
func (vc *VisualizationCollector) IsEnabled() bool {
	return vc.enabled
}

// SetBins changes the histogram bin count; non-positive values are ignored.
func (vc *VisualizationCollector) SetBins(bins int) {
	if bins > 0 {
		vc.bins = bins
	}
}

// RecordEpoch records the epoch's learning rate.
func (vc *VisualizationCollector) RecordEpoch(step Step) {
	if !vc.enabled {
		return
	}
	vc.epochs = append(vc.epochs, step.Epoch)
	vc.learningRates = append(vc.learningRates, step.LearningRate)
}

// RecordMetrics appends each summary's mean to its curve.
func (vc *VisualizationCollector) RecordMetrics(step Step, metrics []MetricSummary) {
	if !vc.enabled {
		return
	}
	for _, m := range metrics {
		if _, ok := vc.curves[m.Key]; !ok {
			vc.curveOrder = append(vc.curveOrder, m.Key)
		}
		vc.curves[m.Key] = append(vc.curves[m.Key], DataPoint{X: float64(step.Epoch), Y: m.Mean})
	}
}

// RecordHistograms replaces the latest histogram values.
func (vc *VisualizationCollector) RecordHistograms(histograms []HistogramSeries) {
	if !vc.enabled {
		return
	}
	vc.histograms = histograms
}

// RecordScatter replaces the latest scatter series.
func (vc *VisualizationCollector) RecordScatter(series []ScatterSeries) {
	if !vc.enabled {
		return
	}
	vc.scatter = series
}

// GenerateMetricCurvesPlot plots the mean of every metric against the epoch.
func (vc *VisualizationCollector) GenerateMetricCurvesPlot() PlotData {
	series := make([]SeriesData, 0, len(vc.curveOrder))
	for _, key := range vc.curveOrder {
		style := map[string]interface{}{"line_width": 2}
		if key.Split != TrainSplit {
			style["line_style"] = "dashed"
		}
		series = append(series, SeriesData{
			Name:  key.String(),
			Type:  "line",
			Data:  append([]DataPoint(nil), vc.curves[key]...),
			Style: style,
		})
	}

	return PlotData{
		PlotType:  MetricCurves,
		Title:     fmt.Sprintf("Separation Metrics - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config:    lineConfig("Epoch", "dB"),
	}
}

// GenerateLearningRateSchedulePlot generates learning rate schedule plot data
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	points := make([]DataPoint, len(vc.learningRates))
	for i, lr := range vc.learningRates {
		points[i] = DataPoint{X: float64(vc.epochs[i]), Y: lr}
	}

	config := lineConfig("Epoch", "Learning Rate")
	config.YAxisScale = "log"
	config.ShowLegend = false

	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{{
			Name:  "Learning Rate",
			Type:  "line",
			Data:  points,
			Style: map[string]interface{}{"color": "#6C5CE7", "line_width": 2},
		}},
		Config: config,
	}
}

// GenerateHistogramPlots bins every non-empty histogram of the latest epoch.
func (vc *VisualizationCollector) GenerateHistogramPlots() []PlotData {
	plots := make([]PlotData, 0, len(vc.histograms))
	for _, h := range vc.histograms {
		if len(h.Values) == 0 {
			continue
		}
		centers, counts := binValues(h.Values, vc.bins)
		points := make([]DataPoint, len(counts))
		for i := range counts {
			points[i] = DataPoint{X: centers[i], Y: counts[i]}
		}

		config := lineConfig(h.Key.String(), "Count")
		config.ShowLegend = false
		plots = append(plots, PlotData{
			PlotType:  MetricHistogram,
			Title:     fmt.Sprintf("%s - %s", h.Key, vc.modelName),
			Timestamp: time.Now(),
			ModelName: vc.modelName,
			Series:    []SeriesData{{Name: h.Key.String(), Type: "bar", Data: points}},
			Config:    config,
			Metrics: map[string]interface{}{
				"mean":  stat.Mean(h.Values, nil),
				"count": len(h.Values),
			},
		})
	}
	return plots
}

// GenerateScatterPlots plots every scatter pair of the latest epoch along
// with the Pearson correlation of the pair.
func (vc *VisualizationCollector) GenerateScatterPlots() []PlotData {
	plots := make([]PlotData, 0, len(vc.scatter))
	for _, s := range vc.scatter {
		points := make([]DataPoint, len(s.XValues))
		for i := range s.XValues {
			points[i] = DataPoint{X: s.XValues[i], Y: s.YValues[i]}
		}

		metrics := map[string]interface{}{"count": len(points)}
		if len(points) > 1 {
			if r := stat.Correlation(s.XValues, s.YValues, nil); !math.IsNaN(r) {
				metrics["correlation"] = r
			}
		}

		plots = append(plots, PlotData{
			PlotType:  SNRScatter,
			Title:     fmt.Sprintf("%s vs %s - %s", s.Y, s.X, vc.modelName),
			Timestamp: time.Now(),
			ModelName: vc.modelName,
			Series:    []SeriesData{{Name: s.Y.String(), Type: "scatter", Data: points}},
			Config:    lineConfig(s.X.String(), s.Y.String()),
			Metrics:   metrics,
		})
	}
	return plots
}

// GenerateAllPlots returns the curves followed by the latest epoch's
// histogram and scatter plots.
func (vc *VisualizationCollector) GenerateAllPlots() []PlotData {
	plots := []PlotData{vc.GenerateMetricCurvesPlot(), vc.GenerateLearningRateSchedulePlot()}
	plots = append(plots, vc.GenerateHistogramPlots()...)
	return append(plots, vc.GenerateScatterPlots()...)
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}

// Clear resets all collected data
func (vc *VisualizationCollector) Clear() {
	vc.epochs = nil
	vc.learningRates = nil
	vc.curves = make(map[MetricKey][]DataPoint)
	vc.curveOrder = nil
	vc.histograms = nil
	vc.scatter = nil
}

func lineConfig(xLabel, yLabel string) PlotConfig {
	return PlotConfig{
		XAxisLabel:  xLabel,
		YAxisLabel:  yLabel,
		XAxisScale:  "linear",
		YAxisScale:  "linear",
		ShowLegend:  true,
		ShowGrid:    true,
		Width:       800,
		Height:      600,
		Interactive: true,
	}
}

// binValues counts values into bins equal-width bins spanning their range
// and returns the bin centers with the counts.
func binValues(values []float64, bins int) ([]float64, []float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi == lo {
		lo, hi = lo-0.5, hi+0.5
	}
	// The upper divider is exclusive in stat.Histogram.
	hi = math.Nextafter(hi, math.Inf(1))

	dividers := floats.Span(make([]float64, bins+1), lo, hi)
	dividers[bins] = hi
	counts := stat.Histogram(nil, dividers, sorted, nil)

	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = (dividers[i] + dividers[i+1]) / 2
	}
	return centers, counts
}
