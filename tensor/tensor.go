package tensor

import (
	"fmt"
)

// Operation is a node in the autograd graph. Forward computes the output and
// records the inputs; Backward maps the output gradient to one gradient per
// input (nil for inputs that do not need one).
type Operation interface {
	Forward(...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

// Tensor is a dense, row-major float64 array with optional gradient tracking.
type Tensor struct {
	Shape        []int
	Strides      []int
	Data         []float64
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d, requires_grad=%t)",
		t.Shape, t.NumElems, t.requiresGrad)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Creator returns the operation that produced t, or nil for leaves and for
// tensors computed without gradient tracking.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// Dim returns the rank of the tensor.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// calculateNumElements treats the empty shape as a scalar.
func calculateNumElements(shape []int) int {
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return shapesEqual(a.Shape, b.Shape)
}
