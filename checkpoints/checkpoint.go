package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tsawler/go-sisdr/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "pb"
	default:
		return "json"
	}
}

// ParseFormat maps "json" or "proto" to a format.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "", "json":
		return FormatJSON, nil
	case "proto", "pb":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch          int     `json:"epoch"`
	TrainStep      int     `json:"train_step"`
	ValStep        int     `json:"val_step"`
	LearningRate   float64 `json:"learning_rate"`
	BestMetric     float64 `json:"best_metric"`
	BestMetricName string  `json:"best_metric_name"`
}

// OptimizerState captures the optimizer type and hyperparameters
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the format the saver writes.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	data, err := EncodeAsset(checkpoint, cs.format)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := DecodeAsset(data, cs.format, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// ExtractWeightsFromTensors copies parameter tensors into named weights.
func ExtractWeightsFromTensors(tensors []*tensor.Tensor, names []string) ([]WeightTensor, error) {
	if len(tensors) != len(names) {
		return nil, fmt.Errorf("got %d tensors but %d names", len(tensors), len(names))
	}

	weights := make([]WeightTensor, len(tensors))
	for i, t := range tensors {
		weights[i] = WeightTensor{
			Name:  names[i],
			Shape: append([]int(nil), t.Shape...),
			Data:  t.ToSlice(),
		}
	}
	return weights, nil
}

// LoadWeightsIntoTensors copies weights into tensors in order, checking
// every shape.
func LoadWeightsIntoTensors(weights []WeightTensor, tensors []*tensor.Tensor) error {
	if len(weights) != len(tensors) {
		return fmt.Errorf("weight count mismatch: checkpoint has %d, model has %d", len(weights), len(tensors))
	}

	for i, w := range weights {
		t := tensors[i]
		if len(w.Shape) != len(t.Shape) {
			return fmt.Errorf("weight %s: shape %v does not match %v", w.Name, w.Shape, t.Shape)
		}
		for d := range w.Shape {
			if w.Shape[d] != t.Shape[d] {
				return fmt.Errorf("weight %s: shape %v does not match %v", w.Name, w.Shape, t.Shape)
			}
		}
		if len(w.Data) != t.NumElems {
			return fmt.Errorf("weight %s: %d values for %d elements", w.Name, len(w.Data), t.NumElems)
		}
		copy(t.Data, w.Data)
	}
	return nil
}

// MarshalIndent is the JSON form used for human-readable assets.
func marshalIndent(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
