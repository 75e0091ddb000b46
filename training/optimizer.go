package training

import (
	"math"
	"sync"

	"github.com/tsawler/go-sisdr/tensor"
	"gonum.org/v1/gonum/floats"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// SGD implements Stochastic Gradient Descent with optional momentum and
// weight decay
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*tensor.Tensor][]float64
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*tensor.Tensor][]float64),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		grad := append([]float64(nil), param.Grad().Data...)
		if sgd.weightDecay > 0 {
			floats.AddScaled(grad, sgd.weightDecay, param.Data)
		}

		if sgd.momentum > 0 {
			velocity, ok := sgd.velocities[param]
			if !ok {
				velocity = make([]float64, len(grad))
				sgd.velocities[param] = velocity
			}
			// velocity = momentum * velocity + grad
			floats.Scale(sgd.momentum, velocity)
			floats.Add(velocity, grad)
			copy(grad, velocity)
		}

		floats.AddScaled(param.Data, -sgd.learningRate, grad)
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float64 // First moment estimates
	v           map[*tensor.Tensor][]float64 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float64),
		v:           make(map[*tensor.Tensor][]float64),
	}
}

// NewDefaultAdam uses β1=0.9, β2=0.999, ε=1e-8 and no weight decay.
func NewDefaultAdam(parameters []*tensor.Tensor, lr float64) *Adam {
	return NewAdam(parameters, lr, 0.9, 0.999, 1e-8, 0)
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++
	bias1 := 1 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		m, ok := adam.m[param]
		if !ok {
			m = make([]float64, param.NumElems)
			adam.m[param] = m
		}
		v, ok := adam.v[param]
		if !ok {
			v = make([]float64, param.NumElems)
			adam.v[param] = v
		}

		for i, g := range param.Grad().Data {
			if adam.weightDecay > 0 {
				g += adam.weightDecay * param.Data[i]
			}
			m[i] = adam.beta1*m[i] + (1-adam.beta1)*g
			v[i] = adam.beta2*v[i] + (1-adam.beta2)*g*g

			mHat := m[i] / bias1
			vHat := v[i] / bias2
			param.Data[i] -= adam.lr * mHat / (math.Sqrt(vHat) + adam.eps)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// ClipGradNorm rescales the gradients of parameters in place so their
// global L2 norm is at most maxNorm, and returns the norm before clipping.
func ClipGradNorm(parameters []*tensor.Tensor, maxNorm float64) float64 {
	total := 0.0
	for _, p := range parameters {
		if g := p.Grad(); g != nil {
			total += floats.Dot(g.Data, g.Data)
		}
	}
	norm := math.Sqrt(total)

	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, p := range parameters {
		if g := p.Grad(); g != nil {
			floats.Scale(scale, g.Data)
		}
	}
	return norm
}
