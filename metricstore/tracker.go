package metricstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tsawler/go-sisdr/checkpoints"
	"github.com/tsawler/go-sisdr/training"
)

// Tracker records one run into a Store. It implements training.Tracker.
type Tracker struct {
	store *Store
	runID string
	name  string
}

var _ training.Tracker = (*Tracker)(nil)

// NewTracker starts a run named name. An empty runID draws a fresh UUID.
func (s *Store) NewTracker(runID, name string) (*Tracker, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	info := RunInfo{ID: runID, Name: name, CreatedAt: time.Now().UTC()}
	if err := s.putRecord("runs/"+runID, info); err != nil {
		return nil, err
	}
	return &Tracker{store: s, runID: runID, name: name}, nil
}

// RunID returns the key of the run.
func (t *Tracker) RunID() string {
	return t.runID
}

func (t *Tracker) LogParameters(params map[string]interface{}, tags []string) error {
	return t.store.putRecord(runKey(t.runID, "params"), RunParameters{Parameters: params, Tags: tags})
}

func (t *Tracker) LogMetrics(step training.Step, metrics []training.MetricSummary) error {
	rec := EpochMetrics{Step: step, Metrics: make(map[string]training.Summary, len(metrics))}
	for _, m := range metrics {
		rec.Metrics[m.Key.String()] = m.Summary
	}
	return t.store.putRecord(epochKey(t.runID, "metrics", step.Epoch), rec)
}

func (t *Tracker) LogHistograms(step training.Step, histograms []training.HistogramSeries) error {
	rec := seriesRecord{Series: make(map[string][]float64, len(histograms))}
	for _, h := range histograms {
		rec.Series[h.Key.String()] = h.Values
	}
	return t.store.putRecord(epochKey(t.runID, "histograms", step.Epoch), rec)
}

func (t *Tracker) LogScatter(step training.Step, series []training.ScatterSeries) error {
	rec := seriesRecord{Series: make(map[string][]float64, 2*len(series))}
	for _, s := range series {
		name := s.X.String() + "_vs_" + s.Y.String()
		rec.Series[name+"_x"] = s.XValues
		rec.Series[name+"_y"] = s.YValues
	}
	return t.store.putRecord(epochKey(t.runID, "scatter", step.Epoch), rec)
}

func (t *Tracker) LogAsset(step training.Step, name string, data []byte) error {
	return t.store.put(map[string][]byte{
		epochKey(t.runID, "assets", step.Epoch) + "/" + name: data,
	})
}

func (t *Tracker) LogAudio(step training.Step, name string, sampleRate int, samples []float64) error {
	data, err := training.EncodeWAV(sampleRate, samples)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return t.LogAsset(step, name+".wav", data)
}

// EndEpoch syncs the epoch's records to disk.
func (t *Tracker) EndEpoch(step training.Step) error {
	return t.store.Sync()
}

// Close is a no-op; the Store is closed by its owner.
func (t *Tracker) Close() error {
	return nil
}

// Summary loads the run's final epoch as checkpoint-style JSON, for
// printing after training.
func (t *Tracker) Summary() ([]byte, error) {
	epochs, err := t.store.Metrics(t.runID)
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, fmt.Errorf("run %s has no metrics: %w", t.runID, ErrNotFound)
	}
	return checkpoints.EncodeAsset(epochs[len(epochs)-1], checkpoints.FormatJSON)
}
