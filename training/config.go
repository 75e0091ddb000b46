package training

import (
	"encoding/json"
	"fmt"
	"os"
)

// SeparationConfig holds the hyperparameters of a separation experiment.
type SeparationConfig struct {
	// Data
	SeparationTask  string   `json:"separation_task"`
	BatchSize       int      `json:"batch_size"`
	SampleRate      int      `json:"fs"`
	SignalLength    int      `json:"signal_length"`
	TrainExamples   int      `json:"n_train"`
	EvalExamples    int      `json:"n_val"`
	EvalSplits      []string `json:"eval_splits"`
	MinInputSNR     float64  `json:"min_snr"`
	MaxInputSNR     float64  `json:"max_snr"`
	PrefetchBatches int      `json:"prefetch_batches"`
	Seed            int64    `json:"seed"`

	// Model and optimisation
	FilterTaps    int     `json:"filter_taps"`
	Optimizer     string  `json:"optimizer"`
	LearningRate  float64 `json:"learning_rate"`
	ClipGradNorm  float64 `json:"clip_grad_norm"`
	NEpochs       int     `json:"n_epochs"`
	LRSchedule    string  `json:"lr_schedule"`
	ReduceLREvery int     `json:"reduce_lr_every"`
	DivideLRBy    float64 `json:"divide_lr_by"`
	VarWeight     float64 `json:"var_weight"`

	// Placement and tracking
	Devices        []string `json:"devices"`
	ProjectName    string   `json:"project_name"`
	ExperimentName string   `json:"experiment_name"`
	Tags           []string `json:"tags"`
	LogAudio       bool     `json:"log_audio"`
}

// DefaultSeparationConfig returns a small configuration that trains in
// seconds on a CPU.
func DefaultSeparationConfig() SeparationConfig {
	return SeparationConfig{
		SeparationTask:  "sep_noisy",
		BatchSize:       4,
		SampleRate:      8000,
		SignalLength:    4000,
		TrainExamples:   64,
		EvalExamples:    16,
		EvalSplits:      []string{"val", "test"},
		MinInputSNR:     -5,
		MaxInputSNR:     5,
		PrefetchBatches: 2,
		Seed:            7,
		FilterTaps:      32,
		Optimizer:       "adam",
		LearningRate:    1e-3,
		ClipGradNorm:    5,
		NEpochs:         10,
		LRSchedule:      "step",
		ReduceLREvery:   5,
		DivideLRBy:      3,
		Devices:         []string{"cpu"},
		ProjectName:     "sisdr-separation",
		Tags:            []string{"fir", "sisdr"},
		LogAudio:        true,
	}
}

// LoadSeparationConfig reads a JSON file over the defaults.
func LoadSeparationConfig(path string) (SeparationConfig, error) {
	config := DefaultSeparationConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return config, nil
}

// NSources derives the source count from the separation task:
// single-source enhancement has one source, every other task two.
func (c SeparationConfig) NSources() int {
	if c.SeparationTask == "enh_single" {
		return 1
	}
	return 2
}

// Name returns the experiment name, falling back to the joined tags.
func (c SeparationConfig) Name() string {
	if c.ExperimentName != "" {
		return c.ExperimentName
	}
	name := ""
	for i, tag := range c.Tags {
		if i > 0 {
			name += "_"
		}
		name += tag
	}
	if name == "" {
		return c.ProjectName
	}
	return name
}

// Validate checks ranges and combinations.
func (c SeparationConfig) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig)
	case c.SignalLength <= 0:
		return fmt.Errorf("%w: signal_length must be positive", ErrInvalidConfig)
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: fs must be positive", ErrInvalidConfig)
	case c.TrainExamples <= 0:
		return fmt.Errorf("%w: n_train must be positive", ErrInvalidConfig)
	case c.EvalExamples < 0:
		return fmt.Errorf("%w: n_val must be non-negative", ErrInvalidConfig)
	case c.MinInputSNR > c.MaxInputSNR:
		return fmt.Errorf("%w: min_snr exceeds max_snr", ErrInvalidConfig)
	case c.FilterTaps <= 0:
		return fmt.Errorf("%w: filter_taps must be positive", ErrInvalidConfig)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning_rate must be positive", ErrInvalidConfig)
	case c.ClipGradNorm < 0:
		return fmt.Errorf("%w: clip_grad_norm must be non-negative", ErrInvalidConfig)
	case c.NEpochs <= 0:
		return fmt.Errorf("%w: n_epochs must be positive", ErrInvalidConfig)
	case c.ReduceLREvery < 0:
		return fmt.Errorf("%w: reduce_lr_every must be non-negative", ErrInvalidConfig)
	case c.DivideLRBy < 1:
		return fmt.Errorf("%w: divide_lr_by must be at least 1", ErrInvalidConfig)
	case c.VarWeight < 0:
		return fmt.Errorf("%w: var_weight must be non-negative", ErrInvalidConfig)
	case c.Optimizer != "adam" && c.Optimizer != "sgd":
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, c.Optimizer)
	}
	for _, split := range c.EvalSplits {
		if split == "" || split == TrainSplit {
			return fmt.Errorf("%w: invalid evaluation split name %q", ErrInvalidConfig, split)
		}
	}
	return nil
}

// LossConfig returns the configuration of the backward loss.
func (c SeparationConfig) LossConfig() SISDRConfig {
	config := TrainingSISDRConfig(c.BatchSize, c.NSources())
	config.VarWeight = c.VarWeight
	return config
}

// Parameters flattens the configuration for experiment tracking.
func (c SeparationConfig) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"separation_task":  c.SeparationTask,
		"batch_size":       c.BatchSize,
		"fs":               c.SampleRate,
		"signal_length":    c.SignalLength,
		"n_train":          c.TrainExamples,
		"n_val":            c.EvalExamples,
		"eval_splits":      append([]string(nil), c.EvalSplits...),
		"min_snr":          c.MinInputSNR,
		"max_snr":          c.MaxInputSNR,
		"prefetch_batches": c.PrefetchBatches,
		"seed":             c.Seed,
		"filter_taps":      c.FilterTaps,
		"optimizer":        c.Optimizer,
		"learning_rate":    c.LearningRate,
		"clip_grad_norm":   c.ClipGradNorm,
		"n_epochs":         c.NEpochs,
		"lr_schedule":      c.LRSchedule,
		"reduce_lr_every":  c.ReduceLREvery,
		"divide_lr_by":     c.DivideLRBy,
		"var_weight":       c.VarWeight,
		"devices":          append([]string(nil), c.Devices...),
		"project_name":     c.ProjectName,
		"experiment_name":  c.ExperimentName,
		"tags":             append([]string(nil), c.Tags...),
		"log_audio":        c.LogAudio,
		"n_sources":        c.NSources(),
	}
}
