package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Non-tracking kernels shared by the autograd ops and by callers that only
// need values (metrics, optimizers).

func checkShapesCompatible(t1, t2 *Tensor) error {
	if !shapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("tensor shapes must match: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return nil, err
	}
	result := zerosLike(t1.Shape)
	floats.AddTo(result.Data, t1.Data, t2.Data)
	return result, nil
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return nil, err
	}
	result := zerosLike(t1.Shape)
	floats.SubTo(result.Data, t1.Data, t2.Data)
	return result, nil
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return nil, err
	}
	result := zerosLike(t1.Shape)
	floats.MulTo(result.Data, t1.Data, t2.Data)
	return result, nil
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return nil, err
	}
	result := zerosLike(t1.Shape)
	floats.DivTo(result.Data, t1.Data, t2.Data)
	return result, nil
}

// Scale multiplies every element by c.
func Scale(t *Tensor, c float64) *Tensor {
	result := zerosLike(t.Shape)
	floats.ScaleTo(result.Data, c, t.Data)
	return result
}

// DotLastAxis reduces the last axis of two equally shaped tensors with an
// inner product.
func DotLastAxis(a, b *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(a, b); err != nil {
		return nil, err
	}
	if len(a.Shape) == 0 {
		return nil, fmt.Errorf("dot requires at least one axis")
	}
	n := a.Shape[len(a.Shape)-1]
	result := zerosLike(a.Shape[:len(a.Shape)-1])
	for i := range result.Data {
		result.Data[i] = floats.Dot(a.Data[i*n:(i+1)*n], b.Data[i*n:(i+1)*n])
	}
	return result, nil
}

// EnergyLastAxis is the squared L2 norm along the last axis.
func EnergyLastAxis(t *Tensor) *Tensor {
	r, _ := DotLastAxis(t, t)
	return r
}

// Norm is the L2 norm over all elements.
func Norm(t *Tensor) float64 {
	return floats.Norm(t.Data, 2)
}

// Log10 applies scale·log10(x) element-wise.
func Log10(t *Tensor, scale float64) *Tensor {
	result := zerosLike(t.Shape)
	for i, v := range t.Data {
		result.Data[i] = scale * math.Log10(v)
	}
	return result
}
