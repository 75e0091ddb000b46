package training

import (
	"fmt"
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// The trainer asks for a new rate once per epoch, after the training phase.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	// This is a pure function - no state modifications
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MetricScheduler is an LRScheduler that also reacts to the epoch's
// validation metric.
type MetricScheduler interface {
	LRScheduler
	Step(metric float64, currentLR float64) float64
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

// NewStepDecayScheduler divides the base rate by divideBy every `every`
// epochs: lr = baseLR / divideBy^(epoch / every). A divisor of 1 keeps the
// rate constant.
func NewStepDecayScheduler(every int, divideBy float64) (*StepLRScheduler, error) {
	if every <= 0 {
		return nil, fmt.Errorf("%w: reduce_lr_every must be positive, got %d", ErrInvalidConfig, every)
	}
	if divideBy < 1 {
		return nil, fmt.Errorf("%w: divide_lr_by must be at least 1, got %g", ErrInvalidConfig, divideBy)
	}
	return &StepLRScheduler{StepSize: every, Gamma: 1 / divideBy}, nil
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// Calculate how many times to apply gamma
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when the validation SI-SDRi has
// stopped improving. Mode "max" suits SI-SDR style metrics.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Epochs with no improvement before reducing
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "max"
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step checks if LR should be reduced based on metric
// This is called once per epoch with the validation metric
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewLRScheduler builds the scheduler named by config.LRSchedule.
func NewLRScheduler(config SeparationConfig) (LRScheduler, error) {
	switch config.LRSchedule {
	case "", "step":
		if config.ReduceLREvery <= 0 {
			return &NoOpScheduler{}, nil
		}
		return NewStepDecayScheduler(config.ReduceLREvery, config.DivideLRBy)
	case "exponential":
		if config.DivideLRBy == 1 {
			return &NoOpScheduler{}, nil
		}
		return NewExponentialLRScheduler(1 / config.DivideLRBy), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(config.NEpochs, 0), nil
	case "plateau":
		if config.DivideLRBy == 1 {
			return &NoOpScheduler{}, nil
		}
		return NewReduceLROnPlateauScheduler(1/config.DivideLRBy, config.ReduceLREvery, 1e-4, "max"), nil
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown lr_schedule %q", ErrInvalidConfig, config.LRSchedule)
	}
}
