package training

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-sisdr/checkpoints"
)

func newCheckpointFixture(t *testing.T, format checkpoints.CheckpointFormat) (*CheckpointManager, *FIRSeparator, *Adam, CheckpointConfig) {
	t.Helper()

	separator, err := NewFIRSeparator(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	optimizer := NewDefaultAdam(separator.Parameters(), 1e-3)

	config := DefaultCheckpointConfig()
	config.SaveDirectory = t.TempDir()
	config.Format = format
	return NewCheckpointManager(separator, optimizer, config), separator, optimizer, config
}

func TestCheckpointManagerRoundTrip(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			manager, separator, optimizer, _ := newCheckpointFixture(t, format)
			manager.SetRunID("run-1")

			original := append([]float64(nil), separator.Weights().Data...)
			optimizer.SetLR(2.5e-4)

			state := TrainState{Epoch: 3, TrainStep: 4, ValStep: 4, BestValMetric: 6.5}
			path, err := manager.SaveCheckpoint(state, "test")
			if err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			if filepath.Base(path) != "checkpoint_epoch_3_step_4."+format.Extension() {
				t.Errorf("Unexpected checkpoint file %s", filepath.Base(path))
			}

			if err := separator.LoadWeights(make([]float64, len(original))); err != nil {
				t.Fatal(err)
			}
			optimizer.SetLR(1)

			restored, err := manager.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}
			if restored.Epoch != 4 || restored.TrainStep != 4 || restored.ValStep != 4 {
				t.Errorf("Expected to resume at epoch 4, got %+v", restored)
			}
			if !math.IsInf(restored.BestValMetric, -1) {
				t.Errorf("Expected no best metric without a best checkpoint, got %g", restored.BestValMetric)
			}
			for i, w := range separator.Weights().Data {
				if w != original[i] {
					t.Fatalf("Weight %d: expected %g, got %g", i, original[i], w)
				}
			}
			if lr := optimizer.GetLR(); lr != 2.5e-4 {
				t.Errorf("Expected learning rate 2.5e-4, got %g", lr)
			}

			cp, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
			if err != nil {
				t.Fatal(err)
			}
			if cp.Metadata.RunID != "run-1" || cp.Weights[0].Name != "fir.weight" {
				t.Errorf("Unexpected metadata %+v, weight %s", cp.Metadata, cp.Weights[0].Name)
			}
			if cp.OptimizerState == nil || cp.OptimizerState.Type != "Adam" {
				t.Errorf("Expected Adam optimizer state, got %+v", cp.OptimizerState)
			}
		})
	}
}

func TestSaveBestCheckpoint(t *testing.T) {
	manager, _, _, config := newCheckpointFixture(t, checkpoints.FormatJSON)
	best := filepath.Join(config.SaveDirectory, "best_checkpoint.json")

	tests := []struct {
		name   string
		metric float64
		saved  bool
		best   float64
	}{
		{"First", 1.0, true, 1.0},
		{"Worse", 0.5, false, 1.0},
		{"Equal", 1.0, false, 1.0},
		{"Better", 2.5, true, 2.5},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saved, err := manager.SaveBestCheckpoint(TrainState{Epoch: i}, tt.metric, "val_SISDRi")
			if err != nil {
				t.Fatalf("SaveBestCheckpoint failed: %v", err)
			}
			if saved != tt.saved {
				t.Errorf("Expected saved=%t, got %t", tt.saved, saved)
			}
			if got, _ := manager.BestMetric(); got != tt.best {
				t.Errorf("Expected best %g, got %g", tt.best, got)
			}
		})
	}

	cp, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(best)
	if err != nil {
		t.Fatalf("Failed to load best checkpoint: %v", err)
	}
	if cp.TrainingState.Epoch != 3 || cp.TrainingState.BestMetric != 2.5 || cp.TrainingState.BestMetricName != "val_SISDRi" {
		t.Errorf("Unexpected best training state %+v", cp.TrainingState)
	}

	config.SaveBest = false
	disabled := NewCheckpointManager(nil, nil, config)
	if saved, err := disabled.SaveBestCheckpoint(TrainState{}, 100, "val_SISDRi"); saved || err != nil {
		t.Errorf("Expected no save when disabled, got %t, %v", saved, err)
	}
}

func TestSavePeriodicCheckpointRetention(t *testing.T) {
	manager, _, _, config := newCheckpointFixture(t, checkpoints.FormatJSON)
	manager.config.SaveFrequency = 2
	manager.config.MaxCheckpoints = 2

	var savedEpochs []int
	for epoch := 0; epoch < 8; epoch++ {
		saved, err := manager.SavePeriodicCheckpoint(TrainState{Epoch: epoch, TrainStep: epoch + 1})
		if err != nil {
			t.Fatalf("Epoch %d: %v", epoch, err)
		}
		if saved {
			savedEpochs = append(savedEpochs, epoch)
		}
	}
	if len(savedEpochs) != 4 || savedEpochs[0] != 1 || savedEpochs[3] != 7 {
		t.Errorf("Expected saves at epochs 1, 3, 5, 7, got %v", savedEpochs)
	}

	entries, err := os.ReadDir(config.SaveDirectory)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 2 || names[0] != "checkpoint_epoch_5_step_6.json" || names[1] != "checkpoint_epoch_7_step_8.json" {
		t.Errorf("Expected the two newest checkpoints, got %v", names)
	}
}

func TestLoadCheckpointShapeMismatch(t *testing.T) {
	manager, _, _, config := newCheckpointFixture(t, checkpoints.FormatJSON)
	path, err := manager.SaveCheckpoint(TrainState{}, "four taps")
	if err != nil {
		t.Fatal(err)
	}

	wider, err := NewFIRSeparator(2, 8)
	if err != nil {
		t.Fatal(err)
	}
	other := NewCheckpointManager(wider, nil, config)
	if _, err := other.LoadCheckpoint(path); err == nil {
		t.Error("Expected an error loading weights of a different shape")
	}
	if _, err := other.LoadCheckpoint(filepath.Join(config.SaveDirectory, "missing.json")); err == nil {
		t.Error("Expected an error for a missing checkpoint")
	}
}
