package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// track attaches op to out when any input requires a gradient. Outputs of
// untracked inputs stay leaves, so evaluation code never builds a graph.
func track(op Operation, out *Tensor, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

func mustMatch(opName string, a, b *Tensor) {
	if !shapesEqual(a.Shape, b.Shape) {
		panic(fmt.Sprintf("%s: shape mismatch %v vs %v", opName, a.Shape, b.Shape))
	}
}

func lastAxis(opName string, t *Tensor) int {
	if len(t.Shape) == 0 {
		panic(fmt.Sprintf("%s requires at least one axis", opName))
	}
	return t.Shape[len(t.Shape)-1]
}

// AddOp implements element-wise addition of equally shaped tensors
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	mustMatch("AddOp", a, b)
	op.inputs = inputs
	result, _ := Add(a, b)
	return track(op, result, a, b)
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂(a + b)/∂a = 1, ∂(a + b)/∂b = 1
	return []*Tensor{gradOut.Clone(), gradOut.Clone()}
}

// SubOp implements element-wise subtraction
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("SubOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	mustMatch("SubOp", a, b)
	op.inputs = inputs
	result, _ := Sub(a, b)
	return track(op, result, a, b)
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂(a - b)/∂a = 1, ∂(a - b)/∂b = -1
	return []*Tensor{gradOut.Clone(), Scale(gradOut, -1)}
}

// MulOp implements element-wise multiplication
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MulOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	mustMatch("MulOp", a, b)
	op.inputs = inputs
	result, _ := Mul(a, b)
	return track(op, result, a, b)
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	// ∂(a * b)/∂a = b, ∂(a * b)/∂b = a
	gradA, _ := Mul(gradOut, b)
	gradB, _ := Mul(gradOut, a)
	return []*Tensor{gradA, gradB}
}

// DivOp implements element-wise division
type DivOp struct {
	inputs []*Tensor
}

func (op *DivOp) Inputs() []*Tensor { return op.inputs }

func (op *DivOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("DivOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	mustMatch("DivOp", a, b)
	op.inputs = inputs
	result, _ := Div(a, b)
	return track(op, result, a, b)
}

func (op *DivOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	// ∂(a / b)/∂a = 1/b, ∂(a / b)/∂b = -a/b²
	gradA := zerosLike(a.Shape)
	gradB := zerosLike(b.Shape)
	for i, g := range gradOut.Data {
		gradA.Data[i] = g / b.Data[i]
		gradB.Data[i] = -g * a.Data[i] / (b.Data[i] * b.Data[i])
	}
	return []*Tensor{gradA, gradB}
}

// AddScalarOp adds a constant to every element
type AddScalarOp struct {
	inputs []*Tensor
	c      float64
}

func (op *AddScalarOp) Inputs() []*Tensor { return op.inputs }

func (op *AddScalarOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	result := zerosLike(a.Shape)
	copy(result.Data, a.Data)
	floats.AddConst(op.c, result.Data)
	return track(op, result, a)
}

func (op *AddScalarOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut.Clone()}
}

// ScaleOp multiplies every element by a constant
type ScaleOp struct {
	inputs []*Tensor
	c      float64
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	return track(op, Scale(a, op.c), a)
}

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Scale(gradOut, op.c)}
}

// Log10Op computes scale·log10(x); with scale=10 this is the decibel map
type Log10Op struct {
	inputs []*Tensor
	scale  float64
}

func (op *Log10Op) Inputs() []*Tensor { return op.inputs }

func (op *Log10Op) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	return track(op, Log10(a, op.scale), a)
}

func (op *Log10Op) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad := zerosLike(a.Shape)
	k := op.scale / math.Ln10
	for i, g := range gradOut.Data {
		grad.Data[i] = g * k / a.Data[i]
	}
	return []*Tensor{grad}
}

// ReshapeOp re-views data under a new shape
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	result := &Tensor{
		Shape:    op.shape,
		Strides:  calculateStrides(op.shape),
		Data:     a.Data,
		NumElems: a.NumElems,
	}
	return track(op, result, a)
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	grad := zerosLike(op.inputs[0].Shape)
	copy(grad.Data, gradOut.Data)
	return []*Tensor{grad}
}

// SelectChannelOp picks channel c of a (B, C, T) tensor, producing (B, T)
type SelectChannelOp struct {
	inputs  []*Tensor
	channel int
}

func (op *SelectChannelOp) Inputs() []*Tensor { return op.inputs }

func (op *SelectChannelOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	if len(x.Shape) != 3 {
		panic(fmt.Sprintf("SelectChannelOp requires a rank-3 tensor, got shape %v", x.Shape))
	}
	if op.channel < 0 || op.channel >= x.Shape[1] {
		panic(fmt.Sprintf("SelectChannelOp: channel %d out of range for shape %v", op.channel, x.Shape))
	}
	op.inputs = inputs
	b, t := x.Shape[0], x.Shape[2]
	result := zerosLike([]int{b, t})
	for i := 0; i < b; i++ {
		copy(result.Data[i*t:(i+1)*t], x.Channel(i, op.channel))
	}
	return track(op, result, x)
}

func (op *SelectChannelOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	grad := zerosLike(x.Shape)
	t := x.Shape[2]
	for i := 0; i < x.Shape[0]; i++ {
		copy(grad.Channel(i, op.channel), gradOut.Data[i*t:(i+1)*t])
	}
	return []*Tensor{grad}
}

// ZeroMeanOp removes the mean along the last axis
type ZeroMeanOp struct {
	inputs []*Tensor
}

func (op *ZeroMeanOp) Inputs() []*Tensor { return op.inputs }

func (op *ZeroMeanOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	n := lastAxis("ZeroMeanOp", x)
	op.inputs = inputs
	result := zerosLike(x.Shape)
	copy(result.Data, x.Data)
	subtractRowMeans(result.Data, n)
	return track(op, result, x)
}

func (op *ZeroMeanOp) Backward(gradOut *Tensor) []*Tensor {
	// The centering projection is symmetric, so the gradient is centered too.
	grad := gradOut.Clone()
	subtractRowMeans(grad.Data, lastAxis("ZeroMeanOp", grad))
	return []*Tensor{grad}
}

func subtractRowMeans(data []float64, n int) {
	for off := 0; off < len(data); off += n {
		row := data[off : off+n]
		floats.AddConst(-floats.Sum(row)/float64(n), row)
	}
}

// DotOp reduces the last axis of two tensors with an inner product
type DotOp struct {
	inputs []*Tensor
}

func (op *DotOp) Inputs() []*Tensor { return op.inputs }

func (op *DotOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("DotOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	mustMatch("DotOp", a, b)
	lastAxis("DotOp", a)
	op.inputs = inputs
	result, _ := DotLastAxis(a, b)
	return track(op, result, a, b)
}

func (op *DotOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	n := lastAxis("DotOp", a)
	gradA := zerosLike(a.Shape)
	gradB := zerosLike(b.Shape)
	for i, g := range gradOut.Data {
		floats.AddScaledTo(gradA.Data[i*n:(i+1)*n], gradA.Data[i*n:(i+1)*n], g, b.Data[i*n:(i+1)*n])
		floats.AddScaledTo(gradB.Data[i*n:(i+1)*n], gradB.Data[i*n:(i+1)*n], g, a.Data[i*n:(i+1)*n])
	}
	return []*Tensor{gradA, gradB}
}

// MulRowsOp scales every last-axis row of x by the matching entry of s,
// where s has x's shape without the last axis
type MulRowsOp struct {
	inputs []*Tensor
}

func (op *MulRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *MulRowsOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MulRowsOp requires exactly 2 inputs")
	}
	s, x := inputs[0], inputs[1]
	n := lastAxis("MulRowsOp", x)
	if !shapesEqual(s.Shape, x.Shape[:len(x.Shape)-1]) {
		panic(fmt.Sprintf("MulRowsOp: scale shape %v does not match rows of %v", s.Shape, x.Shape))
	}
	op.inputs = inputs
	result := zerosLike(x.Shape)
	for i, c := range s.Data {
		floats.ScaleTo(result.Data[i*n:(i+1)*n], c, x.Data[i*n:(i+1)*n])
	}
	return track(op, result, s, x)
}

func (op *MulRowsOp) Backward(gradOut *Tensor) []*Tensor {
	s, x := op.inputs[0], op.inputs[1]
	n := lastAxis("MulRowsOp", x)
	gradS := zerosLike(s.Shape)
	gradX := zerosLike(x.Shape)
	for i, c := range s.Data {
		g := gradOut.Data[i*n : (i+1)*n]
		gradS.Data[i] = floats.Dot(g, x.Data[i*n:(i+1)*n])
		floats.ScaleTo(gradX.Data[i*n:(i+1)*n], c, g)
	}
	return []*Tensor{gradS, gradX}
}

// PickOp builds a rank-1 tensor whose b-th entry comes from
// candidates[choice[b]]. The choice itself is not differentiated; only the
// picked entries receive gradient.
type PickOp struct {
	inputs []*Tensor
	choice []int
}

func (op *PickOp) Inputs() []*Tensor { return op.inputs }

func (op *PickOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) == 0 {
		panic("PickOp requires at least one candidate")
	}
	n := len(op.choice)
	for _, c := range inputs {
		if len(c.Shape) != 1 || c.Shape[0] != n {
			panic(fmt.Sprintf("PickOp: candidate shape %v, want [%d]", c.Shape, n))
		}
	}
	op.inputs = inputs
	result := zerosLike([]int{n})
	for b, k := range op.choice {
		if k < 0 || k >= len(inputs) {
			panic(fmt.Sprintf("PickOp: choice %d out of range for %d candidates", k, len(inputs)))
		}
		result.Data[b] = inputs[k].Data[b]
	}
	return track(op, result, inputs...)
}

func (op *PickOp) Backward(gradOut *Tensor) []*Tensor {
	grads := make([]*Tensor, len(op.inputs))
	for i := range grads {
		grads[i] = zerosLike(op.inputs[i].Shape)
	}
	for b, k := range op.choice {
		grads[k].Data[b] = gradOut.Data[b]
	}
	return grads
}

// StackOp stacks rank-1 columns of length B into a (B, N) tensor
type StackOp struct {
	inputs []*Tensor
}

func (op *StackOp) Inputs() []*Tensor { return op.inputs }

func (op *StackOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) == 0 {
		panic("StackOp requires at least one column")
	}
	rows := inputs[0].NumElems
	for _, c := range inputs {
		if len(c.Shape) != 1 || c.Shape[0] != rows {
			panic(fmt.Sprintf("StackOp: column shape %v, want [%d]", c.Shape, rows))
		}
	}
	op.inputs = inputs
	cols := len(inputs)
	result := zerosLike([]int{rows, cols})
	for j, c := range inputs {
		for b, v := range c.Data {
			result.Data[b*cols+j] = v
		}
	}
	return track(op, result, inputs...)
}

func (op *StackOp) Backward(gradOut *Tensor) []*Tensor {
	cols := len(op.inputs)
	grads := make([]*Tensor, cols)
	for j, c := range op.inputs {
		grads[j] = zerosLike(c.Shape)
		for b := range grads[j].Data {
			grads[j].Data[b] = gradOut.Data[b*cols+j]
		}
	}
	return grads
}

// MeanOp averages all elements into a scalar
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	op.inputs = inputs
	result := FromScalar(floats.Sum(x.Data) / float64(x.NumElems))
	return track(op, result, x)
}

func (op *MeanOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	grad := zerosLike(x.Shape)
	floats.AddConst(gradOut.Data[0]/float64(x.NumElems), grad.Data)
	return []*Tensor{grad}
}

// MeanLastAxisOp averages over the last axis
type MeanLastAxisOp struct {
	inputs []*Tensor
}

func (op *MeanLastAxisOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanLastAxisOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	n := lastAxis("MeanLastAxisOp", x)
	op.inputs = inputs
	result := zerosLike(x.Shape[:len(x.Shape)-1])
	for i := range result.Data {
		result.Data[i] = floats.Sum(x.Data[i*n:(i+1)*n]) / float64(n)
	}
	return track(op, result, x)
}

func (op *MeanLastAxisOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	n := lastAxis("MeanLastAxisOp", x)
	grad := zerosLike(x.Shape)
	for i, g := range gradOut.Data {
		floats.AddConst(g/float64(n), grad.Data[i*n:(i+1)*n])
	}
	return []*Tensor{grad}
}

// VarianceOp is the unbiased sample variance of a rank-1 tensor. A single
// sample has variance 0.
type VarianceOp struct {
	inputs []*Tensor
}

func (op *VarianceOp) Inputs() []*Tensor { return op.inputs }

func (op *VarianceOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	if len(x.Shape) != 1 {
		panic(fmt.Sprintf("VarianceOp requires a rank-1 tensor, got shape %v", x.Shape))
	}
	op.inputs = inputs
	v := 0.0
	if x.NumElems > 1 {
		v = stat.Variance(x.Data, nil)
	}
	return track(op, FromScalar(v), x)
}

func (op *VarianceOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	grad := zerosLike(x.Shape)
	n := x.NumElems
	if n < 2 {
		return []*Tensor{grad}
	}
	mean := stat.Mean(x.Data, nil)
	k := 2 * gradOut.Data[0] / float64(n-1)
	for i, v := range x.Data {
		grad.Data[i] = k * (v - mean)
	}
	return []*Tensor{grad}
}

// CausalFIROp filters every row of x (B, T) with each of the N filters in
// w (N, K): y[b, n, t] = Σ_k w[n, k] · x[b, t-k].
type CausalFIROp struct {
	inputs []*Tensor
}

func (op *CausalFIROp) Inputs() []*Tensor { return op.inputs }

func (op *CausalFIROp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("CausalFIROp requires exactly 2 inputs")
	}
	x, w := inputs[0], inputs[1]
	if len(x.Shape) != 2 || len(w.Shape) != 2 {
		panic(fmt.Sprintf("CausalFIROp: want x (B, T) and w (N, K), got %v and %v", x.Shape, w.Shape))
	}
	op.inputs = inputs
	b, t := x.Shape[0], x.Shape[1]
	n, k := w.Shape[0], w.Shape[1]
	result := zerosLike([]int{b, n, t})
	for i := 0; i < b; i++ {
		row := x.Row(i)
		for c := 0; c < n; c++ {
			out := result.Channel(i, c)
			taps := w.Data[c*k : (c+1)*k]
			for j, tap := range taps {
				if j >= t {
					break
				}
				floats.AddScaledTo(out[j:], out[j:], tap, row[:t-j])
			}
		}
	}
	return track(op, result, x, w)
}

func (op *CausalFIROp) Backward(gradOut *Tensor) []*Tensor {
	x, w := op.inputs[0], op.inputs[1]
	b, t := x.Shape[0], x.Shape[1]
	n, k := w.Shape[0], w.Shape[1]
	gradX := zerosLike(x.Shape)
	gradW := zerosLike(w.Shape)
	for i := 0; i < b; i++ {
		row := x.Row(i)
		gRow := gradX.Row(i)
		for c := 0; c < n; c++ {
			g := gradOut.Channel(i, c)
			for j := 0; j < k && j < t; j++ {
				gradW.Data[c*k+j] += floats.Dot(g[j:], row[:t-j])
				floats.AddScaledTo(gRow[:t-j], gRow[:t-j], w.Data[c*k+j], g[j:])
			}
		}
	}
	return []*Tensor{gradX, gradW}
}

// High-level autograd functions that create and execute operations

func AddAutograd(a, b *Tensor) *Tensor {
	op := &AddOp{}
	return op.Forward(a, b)
}

func SubAutograd(a, b *Tensor) *Tensor {
	op := &SubOp{}
	return op.Forward(a, b)
}

func MulAutograd(a, b *Tensor) *Tensor {
	op := &MulOp{}
	return op.Forward(a, b)
}

func DivAutograd(a, b *Tensor) *Tensor {
	op := &DivOp{}
	return op.Forward(a, b)
}

func AddScalarAutograd(a *Tensor, c float64) *Tensor {
	op := &AddScalarOp{c: c}
	return op.Forward(a)
}

func ScaleAutograd(a *Tensor, c float64) *Tensor {
	op := &ScaleOp{c: c}
	return op.Forward(a)
}

func Log10Autograd(a *Tensor, scale float64) *Tensor {
	op := &Log10Op{scale: scale}
	return op.Forward(a)
}

func SelectChannel(x *Tensor, channel int) *Tensor {
	op := &SelectChannelOp{channel: channel}
	return op.Forward(x)
}

func ZeroMeanLastAxis(x *Tensor) *Tensor {
	op := &ZeroMeanOp{}
	return op.Forward(x)
}

func DotAutograd(a, b *Tensor) *Tensor {
	op := &DotOp{}
	return op.Forward(a, b)
}

func MulRows(s, x *Tensor) *Tensor {
	op := &MulRowsOp{}
	return op.Forward(s, x)
}

func Pick(candidates []*Tensor, choice []int) *Tensor {
	op := &PickOp{choice: choice}
	return op.Forward(candidates...)
}

func StackColumns(columns []*Tensor) *Tensor {
	op := &StackOp{}
	return op.Forward(columns...)
}

func Mean(x *Tensor) *Tensor {
	op := &MeanOp{}
	return op.Forward(x)
}

func MeanLastAxis(x *Tensor) *Tensor {
	op := &MeanLastAxisOp{}
	return op.Forward(x)
}

func Variance(x *Tensor) *Tensor {
	op := &VarianceOp{}
	return op.Forward(x)
}

func CausalFIR(x, w *Tensor) *Tensor {
	op := &CausalFIROp{}
	return op.Forward(x, w)
}
