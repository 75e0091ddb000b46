package tensor

import (
	"fmt"
	"strings"
)

// Reshape returns a view of t with a new shape. At most one dimension may be
// -1 and is inferred. The view stays connected to the autograd graph.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	newNumElems := 1
	negOneIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d has invalid size %d", i, dim)
		default:
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape with -1: size must be divisible by %d", t.NumElems, newNumElems)
		}
		shape[negOneIdx] = t.NumElems / newNumElems
		newNumElems *= shape[negOneIdx]
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, newNumElems)
	}

	op := &ReshapeOp{shape: shape}
	return op.Forward(t), nil
}

// Unsqueeze inserts a dimension of size one at dim.
func (t *Tensor) Unsqueeze(dim int) (*Tensor, error) {
	if dim < 0 || dim > len(t.Shape) {
		return nil, fmt.Errorf("unsqueeze dimension %d out of range for rank %d", dim, len(t.Shape))
	}
	shape := make([]int, 0, len(t.Shape)+1)
	shape = append(shape, t.Shape[:dim]...)
	shape = append(shape, 1)
	shape = append(shape, t.Shape[dim:]...)
	return t.Reshape(shape)
}

// Clone deep-copies data. The clone is a leaf: it keeps requiresGrad but not
// the gradient or the graph.
func (t *Tensor) Clone() *Tensor {
	clone := zerosLike(t.Shape)
	copy(clone.Data, t.Data)
	clone.requiresGrad = t.requiresGrad
	return clone
}

// Detach returns a view of the same data cut from the autograd graph.
func (t *Tensor) Detach() *Tensor {
	s := make([]int, len(t.Shape))
	copy(s, t.Shape)
	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() only works on single-element tensors, got %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

func (t *Tensor) At(indices ...int) (float64, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d with size %d", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return t.Data[idx], nil
}

// Row returns the b-th slice along the first axis of a rank-2 tensor. The
// returned slice aliases t.Data.
func (t *Tensor) Row(b int) []float64 {
	if len(t.Shape) != 2 {
		panic(fmt.Sprintf("Row requires a rank-2 tensor, got shape %v", t.Shape))
	}
	n := t.Shape[1]
	return t.Data[b*n : (b+1)*n]
}

// Channel returns the (b, c) vector of a rank-3 tensor. The returned slice
// aliases t.Data.
func (t *Tensor) Channel(b, c int) []float64 {
	if len(t.Shape) != 3 {
		panic(fmt.Sprintf("Channel requires a rank-3 tensor, got shape %v", t.Shape))
	}
	n := t.Shape[2]
	off := b*t.Strides[0] + c*t.Strides[1]
	return t.Data[off : off+n]
}

// ToSlice copies the data out of the tensor.
func (t *Tensor) ToSlice() []float64 {
	out := make([]float64, len(t.Data))
	copy(out, t.Data)
	return out
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString("\nData: [")
	n := len(t.Data)
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if n < len(t.Data) {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

// ZeroGrad clears accumulated gradients on every tensor.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.requiresGrad && t.grad != nil {
			for i := range t.grad.Data {
				t.grad.Data[i] = 0
			}
		}
	}
}

func (t *Tensor) accumulateGrad(g *Tensor) {
	if t.grad == nil {
		t.grad = g.Clone()
		t.grad.requiresGrad = false
		return
	}
	for i := range t.grad.Data {
		t.grad.Data[i] += g.Data[i]
	}
}

// Backward runs reverse-mode differentiation from a single-element tensor and
// accumulates gradients into every reachable tensor that requires them.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single-element tensor, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require grad")
	}

	seed := zerosLike(t.Shape)
	seed.Data[0] = 1
	t.accumulateGrad(seed)

	order := topologicalOrder(t)
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || node.grad == nil {
			continue
		}
		grads := node.creator.Backward(node.grad)
		for j, in := range node.creator.Inputs() {
			if in == nil || !in.requiresGrad || j >= len(grads) || grads[j] == nil {
				continue
			}
			in.accumulateGrad(grads[j])
		}
	}
	return nil
}

// topologicalOrder lists the graph below root with inputs before outputs.
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(*Tensor)
	visit = func(n *Tensor) {
		if n == nil || visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(root)
	return order
}
