package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data (not copied) in a tensor of the given shape. A nil data
// slice allocates zeros.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float64, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float64) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// RandomNormal draws every element from N(mean, std²) using rng.
func RandomNormal(shape []int, mean, std float64, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = mean + std*rng.NormFloat64()
	}
	return t, nil
}

// FromScalar creates a scalar (rank 0) tensor.
func FromScalar(value float64) *Tensor {
	return &Tensor{
		Shape:    []int{},
		Strides:  []int{},
		Data:     []float64{value},
		NumElems: 1,
	}
}

// zerosLike never fails because shape comes from an existing tensor.
func zerosLike(shape []int) *Tensor {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     make([]float64, calculateNumElements(s)),
		NumElems: calculateNumElements(s),
	}
}
