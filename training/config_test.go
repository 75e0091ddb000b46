package training

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSeparationConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*SeparationConfig)
		valid  bool
	}{
		{"Defaults", func(c *SeparationConfig) {}, true},
		{"NoEvalExamples", func(c *SeparationConfig) { c.EvalExamples = 0 }, true},
		{"ZeroBatch", func(c *SeparationConfig) { c.BatchSize = 0 }, false},
		{"ZeroLength", func(c *SeparationConfig) { c.SignalLength = 0 }, false},
		{"SNRRange", func(c *SeparationConfig) { c.MinInputSNR, c.MaxInputSNR = 5, -5 }, false},
		{"NegativeClip", func(c *SeparationConfig) { c.ClipGradNorm = -1 }, false},
		{"DivisorBelowOne", func(c *SeparationConfig) { c.DivideLRBy = 0.5 }, false},
		{"UnknownOptimizer", func(c *SeparationConfig) { c.Optimizer = "lbfgs" }, false},
		{"TrainSplitAsEval", func(c *SeparationConfig) { c.EvalSplits = []string{"val", TrainSplit} }, false},
		{"EmptySplitName", func(c *SeparationConfig) { c.EvalSplits = []string{""} }, false},
		{"NegativeVarWeight", func(c *SeparationConfig) { c.VarWeight = -0.1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultSeparationConfig()
			tt.modify(&config)
			err := config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected a valid config, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestSeparationConfigDerivedValues(t *testing.T) {
	tests := []struct {
		task     string
		expected int
	}{
		{"enh_single", 1},
		{"sep_noisy", 2},
		{"sep_clean", 2},
	}
	for _, tt := range tests {
		config := DefaultSeparationConfig()
		config.SeparationTask = tt.task
		if n := config.NSources(); n != tt.expected {
			t.Errorf("%s: expected %d sources, got %d", tt.task, tt.expected, n)
		}
		if loss := config.LossConfig(); loss.NSources != tt.expected || loss.BatchSize != config.BatchSize {
			t.Errorf("%s: unexpected loss config %+v", tt.task, loss)
		}
	}

	config := DefaultSeparationConfig()
	config.ExperimentName = ""
	config.Tags = []string{"fir", "var"}
	if name := config.Name(); name != "fir_var" {
		t.Errorf("Expected name from tags, got %s", name)
	}
	config.Tags = nil
	if name := config.Name(); name != config.ProjectName {
		t.Errorf("Expected project name, got %s", name)
	}

	params := config.Parameters()
	if params["n_sources"] != 2 || params["batch_size"] != config.BatchSize {
		t.Errorf("Unexpected parameters %v", params)
	}

	// Every serialised field is tracked.
	data, err := json.Marshal(config)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	for name := range fields {
		if _, ok := params[name]; !ok {
			t.Errorf("Expected parameter %s", name)
		}
	}
}

func TestLoadSeparationConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"separation_task": "enh_single", "batch_size": 8}`), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadSeparationConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if config.BatchSize != 8 || config.NSources() != 1 {
		t.Errorf("Expected overrides to apply, got batch %d and %d sources", config.BatchSize, config.NSources())
	}
	if config.SampleRate != DefaultSeparationConfig().SampleRate {
		t.Errorf("Expected unset fields to keep defaults, got fs %d", config.SampleRate)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSeparationConfig(bad); err == nil {
		t.Error("Expected a parse error")
	}
	if _, err := LoadSeparationConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Expected a read error")
	}
}

func TestResolveDevices(t *testing.T) {
	tests := []struct {
		name     string
		devices  []string
		expected int
		hasError bool
	}{
		{"Default", nil, 1, false},
		{"CPU", []string{"cpu"}, 1, false},
		{"MixedCase", []string{" CPU ", "cpu"}, 2, false},
		{"GPU", []string{"cuda:0"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices, err := ResolveDevices(tt.devices)
			if tt.hasError {
				if !errors.Is(err, ErrUnsupportedDevice) {
					t.Errorf("Expected ErrUnsupportedDevice, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(devices) != tt.expected {
				t.Fatalf("Expected %d devices, got %d", tt.expected, len(devices))
			}
			if devices[0].Name != "cpu" || devices[0].LogicalCores <= 0 || devices[0].Brand == "" {
				t.Errorf("Unexpected device %s", devices[0])
			}
		})
	}
}
