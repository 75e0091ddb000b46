package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/tsawler/go-sisdr/checkpoints"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory   string                       // Directory to save checkpoints
	SaveFrequency   int                          // Save every N epochs (0 = disabled)
	SaveBest        bool                         // Save checkpoint when the tracked metric improves
	MaxCheckpoints  int                          // Maximum number of periodic checkpoints to keep (0 = unlimited)
	Format          checkpoints.CheckpointFormat // JSON or Proto
	FilenamePattern string                       // Pattern for checkpoint filenames
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   "./checkpoints",
		SaveFrequency:   0,
		SaveBest:        true,
		MaxCheckpoints:  10,
		Format:          checkpoints.FormatJSON,
		FilenamePattern: "checkpoint_epoch_%d_step_%d",
	}
}

// ParameterNamer is implemented by separators that name their parameters.
type ParameterNamer interface {
	ParameterNames() []string
}

// CheckpointManager saves and restores separator weights. The tracked
// metric is maximised.
type CheckpointManager struct {
	config     CheckpointConfig
	separator  Separator
	optimizer  Optimizer
	saver      *checkpoints.CheckpointSaver
	runID      string
	bestMetric float64
	bestName   string
	hasBest    bool
	savedFiles []string // periodic checkpoints, oldest first
}

// NewCheckpointManager creates a new checkpoint manager. optimizer may be nil.
func NewCheckpointManager(separator Separator, optimizer Optimizer, config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config:    config,
		separator: separator,
		optimizer: optimizer,
		saver:     checkpoints.NewCheckpointSaver(config.Format),
	}
}

// SetRunID tags every saved checkpoint with the run id.
func (cm *CheckpointManager) SetRunID(runID string) {
	cm.runID = runID
}

// BestMetric returns the best metric seen so far.
func (cm *CheckpointManager) BestMetric() (float64, bool) {
	return cm.bestMetric, cm.hasBest
}

// SaveCheckpoint saves the current model state and returns the file path
func (cm *CheckpointManager) SaveCheckpoint(state TrainState, description string) (string, error) {
	path := filepath.Join(cm.config.SaveDirectory, cm.generateFilename(state.Epoch, state.TrainStep))
	if err := cm.save(state, description, path); err != nil {
		return "", err
	}

	cm.savedFiles = append(cm.savedFiles, path)
	if err := cm.cleanupOldCheckpoints(); err != nil {
		// Log warning but don't fail the save operation
		fmt.Printf("Warning: failed to cleanup old checkpoints: %v\n", err)
	}
	return path, nil
}

// SaveBestCheckpoint saves best_checkpoint when metric beats every earlier
// value.
func (cm *CheckpointManager) SaveBestCheckpoint(state TrainState, metric float64, metricName string) (bool, error) {
	if !cm.config.SaveBest {
		return false, nil
	}
	if cm.hasBest && metric <= cm.bestMetric {
		return false, nil
	}

	cm.bestMetric, cm.bestName, cm.hasBest = metric, metricName, true

	description := fmt.Sprintf("Best checkpoint - %s: %.4f dB", metricName, metric)
	path := filepath.Join(cm.config.SaveDirectory, "best_checkpoint."+cm.config.Format.Extension())
	if err := cm.save(state, description, path); err != nil {
		return false, fmt.Errorf("failed to save best checkpoint: %w", err)
	}
	return true, nil
}

// SavePeriodicCheckpoint saves a checkpoint if it's time based on frequency
func (cm *CheckpointManager) SavePeriodicCheckpoint(state TrainState) (bool, error) {
	if cm.config.SaveFrequency <= 0 || (state.Epoch+1)%cm.config.SaveFrequency != 0 {
		return false, nil
	}
	if _, err := cm.SaveCheckpoint(state, fmt.Sprintf("Periodic checkpoint - Epoch %d", state.Epoch)); err != nil {
		return false, err
	}
	return true, nil
}

// LoadCheckpoint restores the separator weights, learning rate and best
// metric from path. Checkpoints are written at the end of an epoch, so the
// returned state resumes at the following epoch.
func (cm *CheckpointManager) LoadCheckpoint(path string) (TrainState, error) {
	checkpoint, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return TrainState{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := checkpoints.LoadWeightsIntoTensors(checkpoint.Weights, cm.separator.Parameters()); err != nil {
		return TrainState{}, fmt.Errorf("failed to load weights: %w", err)
	}

	ts := checkpoint.TrainingState
	state := TrainState{
		Epoch:         ts.Epoch + 1,
		TrainStep:     ts.TrainStep,
		ValStep:       ts.ValStep,
		BestValMetric: math.Inf(-1),
	}
	if ts.BestMetricName != "" {
		cm.bestMetric, cm.bestName, cm.hasBest = ts.BestMetric, ts.BestMetricName, true
		state.BestValMetric = ts.BestMetric
	}
	if cm.optimizer != nil && ts.LearningRate > 0 {
		cm.optimizer.SetLR(ts.LearningRate)
	}
	return state, nil
}

func (cm *CheckpointManager) save(state TrainState, description, path string) error {
	checkpoint, err := cm.createCheckpoint(state, description)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	if err := os.MkdirAll(cm.config.SaveDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// createCheckpoint snapshots the separator weights and optimizer settings
func (cm *CheckpointManager) createCheckpoint(state TrainState, description string) (*checkpoints.Checkpoint, error) {
	params := cm.separator.Parameters()
	names := make([]string, len(params))
	if namer, ok := cm.separator.(ParameterNamer); ok {
		names = namer.ParameterNames()
	} else {
		for i := range names {
			names[i] = fmt.Sprintf("param_%d", i)
		}
	}

	weights, err := checkpoints.ExtractWeightsFromTensors(params, names)
	if err != nil {
		return nil, fmt.Errorf("failed to extract weights: %w", err)
	}

	trainingState := checkpoints.TrainingState{
		Epoch:          state.Epoch,
		TrainStep:      state.TrainStep,
		ValStep:        state.ValStep,
		BestMetric:     cm.bestMetric,
		BestMetricName: cm.bestName,
	}
	if cm.optimizer != nil {
		trainingState.LearningRate = cm.optimizer.GetLR()
	}

	return &checkpoints.Checkpoint{
		Weights:        weights,
		TrainingState:  trainingState,
		OptimizerState: optimizerState(cm.optimizer),
		Metadata: checkpoints.CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-sisdr",
			RunID:       cm.runID,
			Description: description,
			Tags:        []string{fmt.Sprintf("epoch_%d", state.Epoch)},
		},
	}, nil
}

// optimizerState describes the optimizer hyperparameters; moment buffers
// are not saved.
func optimizerState(optimizer Optimizer) *checkpoints.OptimizerState {
	switch opt := optimizer.(type) {
	case *Adam:
		return &checkpoints.OptimizerState{
			Type: "Adam",
			Parameters: map[string]interface{}{
				"lr":           opt.GetLR(),
				"beta1":        opt.beta1,
				"beta2":        opt.beta2,
				"eps":          opt.eps,
				"weight_decay": opt.weightDecay,
			},
		}
	case *SGD:
		return &checkpoints.OptimizerState{
			Type: "SGD",
			Parameters: map[string]interface{}{
				"lr":           opt.GetLR(),
				"momentum":     opt.momentum,
				"weight_decay": opt.weightDecay,
			},
		}
	default:
		return nil
	}
}

func (cm *CheckpointManager) generateFilename(epoch int, step int) string {
	pattern := cm.config.FilenamePattern
	if pattern == "" {
		pattern = "checkpoint_epoch_%d_step_%d"
	}
	return fmt.Sprintf(pattern, epoch, step) + "." + cm.config.Format.Extension()
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}

	// Remove oldest checkpoints
	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil {
			return fmt.Errorf("failed to remove old checkpoint %s: %w", cm.savedFiles[i], err)
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]

	return nil
}
