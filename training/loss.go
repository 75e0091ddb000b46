package training

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-sisdr/tensor"
)

var (
	// ErrShapeMismatch is returned when estimate, reference and mixture
	// tensors disagree on their (B, N, T) layout.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidConfig is returned for configurations that cannot be used.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Loss interface defines methods that all separation losses must implement.
// Forward returns a differentiable scalar; mixture may be nil when the loss
// does not need it.
type Loss interface {
	Forward(estimates, references, mixture *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// checkSourceShapes validates that estimates and references are both
// (B, N, T) with the same layout, B no larger than maxBatch and N equal to
// nSources.
func checkSourceShapes(estimates, references *tensor.Tensor, maxBatch, nSources int) error {
	if estimates == nil || references == nil {
		return fmt.Errorf("%w: estimates and references are required", ErrShapeMismatch)
	}
	if len(estimates.Shape) != 3 {
		return fmt.Errorf("%w: estimates must be (B, N, T), got %v", ErrShapeMismatch, estimates.Shape)
	}
	if !tensor.SameShape(estimates, references) {
		return fmt.Errorf("%w: estimates %v vs references %v", ErrShapeMismatch, estimates.Shape, references.Shape)
	}
	if estimates.Shape[0] > maxBatch {
		return fmt.Errorf("%w: batch of %d exceeds configured batch size %d", ErrShapeMismatch, estimates.Shape[0], maxBatch)
	}
	if estimates.Shape[1] != nSources {
		return fmt.Errorf("%w: got %d sources, configured for %d", ErrShapeMismatch, estimates.Shape[1], nSources)
	}
	return nil
}

// flattenMixture returns the mixture as (B, T). It accepts (B, T) and
// (B, 1, T) layouts that match the batch and length of the sources.
func flattenMixture(mixture *tensor.Tensor, batch, length int) (*tensor.Tensor, error) {
	if mixture == nil {
		return nil, fmt.Errorf("%w: a mixture is required", ErrShapeMismatch)
	}
	switch {
	case len(mixture.Shape) == 2 && mixture.Shape[0] == batch && mixture.Shape[1] == length:
		return mixture, nil
	case len(mixture.Shape) == 3 && mixture.Shape[0] == batch && mixture.Shape[1] == 1 && mixture.Shape[2] == length:
		return mixture.Reshape([]int{batch, length})
	}
	return nil, fmt.Errorf("%w: mixture %v does not match sources (%d, N, %d)", ErrShapeMismatch, mixture.Shape, batch, length)
}
