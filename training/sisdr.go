package training

import (
	"fmt"

	"github.com/tsawler/go-sisdr/tensor"
)

// DefaultEpsilon stabilises every SI-SDR ratio and logarithm.
const DefaultEpsilon = 1e-8

// maxPermutationSources bounds N so that N! candidate assignments stay small.
const maxPermutationSources = 8

// SISDRConfig contains the construction options of the permutation-invariant
// SI-SDR engine.
type SISDRConfig struct {
	BatchSize int `json:"batch_size"`
	NSources  int `json:"n_sources"`

	// ZeroMean removes the per-example, per-source mean before projecting.
	ZeroMean bool `json:"zero_mean"`

	// BackwardLoss selects training mode: Loss returns a differentiable
	// scalar. Otherwise Evaluate returns detached per-example values.
	BackwardLoss bool `json:"backward_loss"`

	// Improvement reports SI-SDR minus the SI-SDR of the unprocessed mixture.
	Improvement bool `json:"improvement"`

	// ReturnIndividualResults keeps one value per example and source in
	// evaluation mode instead of the per-example mean.
	ReturnIndividualResults bool `json:"return_individual_results"`

	// VarWeight scales the batch variance of per-example scores added to the
	// training loss.
	VarWeight float64 `json:"var_weight"`

	Epsilon float64 `json:"epsilon"`
}

// TrainingSISDRConfig returns the configuration used for the backward loss:
// zero-mean, improvement-based and without variance reweighting.
func TrainingSISDRConfig(batchSize, nSources int) SISDRConfig {
	return SISDRConfig{
		BatchSize:    batchSize,
		NSources:     nSources,
		ZeroMean:     true,
		BackwardLoss: true,
		Improvement:  true,
		Epsilon:      DefaultEpsilon,
	}
}

// EvaluationSISDRConfig returns the configuration used on validation splits.
func EvaluationSISDRConfig(batchSize, nSources int) SISDRConfig {
	return SISDRConfig{
		BatchSize:               batchSize,
		NSources:                nSources,
		ZeroMean:                true,
		Improvement:             true,
		ReturnIndividualResults: true,
		Epsilon:                 DefaultEpsilon,
	}
}

// Validate checks the option combination.
func (c SISDRConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.NSources <= 0 || c.NSources > maxPermutationSources {
		return fmt.Errorf("%w: number of sources must be in [1, %d], got %d", ErrInvalidConfig, maxPermutationSources, c.NSources)
	}
	if c.ReturnIndividualResults && c.BackwardLoss {
		return fmt.Errorf("%w: individual results are only available in evaluation mode", ErrInvalidConfig)
	}
	if c.VarWeight < 0 {
		return fmt.Errorf("%w: variance weight must be non-negative, got %g", ErrInvalidConfig, c.VarWeight)
	}
	if c.VarWeight != 0 && !c.BackwardLoss {
		return fmt.Errorf("%w: variance weight only applies to the backward loss", ErrInvalidConfig)
	}
	if c.Epsilon < 0 {
		return fmt.Errorf("%w: epsilon must be non-negative, got %g", ErrInvalidConfig, c.Epsilon)
	}
	return nil
}

// PermInvariantSISDR scores separated sources against references under the
// best per-example assignment of estimate channels to reference channels.
type PermInvariantSISDR struct {
	config       SISDRConfig
	permutations [][]int
}

// Evaluation holds detached evaluation-mode results. Values are per example,
// or per example and source (source index fastest) when individual results
// are requested. Improvement is nil unless enabled.
type Evaluation struct {
	SISDR       []float64
	Improvement []float64
}

// NewPermInvariantSISDR validates config and precomputes the candidate
// permutations. A zero Epsilon is replaced by DefaultEpsilon.
func NewPermInvariantSISDR(config SISDRConfig) (*PermInvariantSISDR, error) {
	if config.Epsilon == 0 {
		config.Epsilon = DefaultEpsilon
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &PermInvariantSISDR{
		config:       config,
		permutations: Permutations(config.NSources),
	}, nil
}

// Config returns the engine configuration.
func (s *PermInvariantSISDR) Config() SISDRConfig {
	return s.config
}

// Name implements Loss.
func (s *PermInvariantSISDR) Name() string {
	if s.config.Improvement {
		return "SISDRi"
	}
	return "SISDR"
}

// Forward implements Loss.
func (s *PermInvariantSISDR) Forward(estimates, references, mixture *tensor.Tensor) (*tensor.Tensor, error) {
	return s.Loss(estimates, references, mixture)
}

// Loss returns −mean over (B, N) of the permutation-aligned SI-SDR (or
// SI-SDRi), plus VarWeight times the unbiased batch variance of the
// per-example means. The result is differentiable with respect to estimates.
func (s *PermInvariantSISDR) Loss(estimates, references, mixture *tensor.Tensor) (*tensor.Tensor, error) {
	if !s.config.BackwardLoss {
		return nil, fmt.Errorf("%w: Loss requires backward_loss, use Evaluate", ErrInvalidConfig)
	}

	selected, improvement, err := s.compute(estimates, references, mixture)
	if err != nil {
		return nil, err
	}

	objective := selected
	if improvement != nil {
		objective = improvement
	}

	loss := tensor.ScaleAutograd(tensor.Mean(objective), -1)
	if s.config.VarWeight > 0 {
		spread := tensor.Variance(tensor.MeanLastAxis(objective))
		loss = tensor.AddAutograd(loss, tensor.ScaleAutograd(spread, s.config.VarWeight))
	}
	return loss, nil
}

// Evaluate scores a batch without tracking gradients.
func (s *PermInvariantSISDR) Evaluate(estimates, references, mixture *tensor.Tensor) (*Evaluation, error) {
	if s.config.BackwardLoss {
		return nil, fmt.Errorf("%w: Evaluate requires evaluation mode, use Loss", ErrInvalidConfig)
	}
	if estimates == nil || references == nil {
		return nil, fmt.Errorf("%w: estimates and references are required", ErrShapeMismatch)
	}

	estimates = estimates.Detach()
	references = references.Detach()
	if mixture != nil {
		mixture = mixture.Detach()
	}

	selected, improvement, err := s.compute(estimates, references, mixture)
	if err != nil {
		return nil, err
	}

	result := &Evaluation{SISDR: s.reduce(selected)}
	if improvement != nil {
		result.Improvement = s.reduce(improvement)
	}
	return result, nil
}

func (s *PermInvariantSISDR) reduce(values *tensor.Tensor) []float64 {
	if s.config.ReturnIndividualResults {
		return values.ToSlice()
	}
	return tensor.MeanLastAxis(values).ToSlice()
}

// compute returns the reference-aligned SI-SDR of the best permutation as a
// (B, N) tensor and, when enabled, the matching improvement.
func (s *PermInvariantSISDR) compute(estimates, references, mixture *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkSourceShapes(estimates, references, s.config.BatchSize, s.config.NSources); err != nil {
		return nil, nil, err
	}
	batch, length := estimates.Shape[0], estimates.Shape[2]

	var mix *tensor.Tensor
	if s.config.Improvement {
		var err error
		if mix, err = flattenMixture(mixture, batch, length); err != nil {
			return nil, nil, err
		}
	}

	n := s.config.NSources
	est := make([]*tensor.Tensor, n)
	ref := make([]*tensor.Tensor, n)
	for c := 0; c < n; c++ {
		est[c] = s.prepare(tensor.SelectChannel(estimates, c))
		ref[c] = s.prepare(tensor.SelectChannel(references, c))
	}

	// pairs[i][j] is SI-SDR(estimate i, reference j), shape (B).
	pairs := make([][]*tensor.Tensor, n)
	for i := range pairs {
		pairs[i] = make([]*tensor.Tensor, n)
		for j := range pairs[i] {
			pairs[i][j] = s.pairSISDR(est[i], ref[j])
		}
	}

	// For every example, column j takes the pair score of the estimate the
	// best permutation assigns to reference j.
	owners := s.bestAssignments(pairs, batch)
	columns := make([]*tensor.Tensor, n)
	for j := 0; j < n; j++ {
		candidates := make([]*tensor.Tensor, n)
		for i := 0; i < n; i++ {
			candidates[i] = pairs[i][j]
		}
		choice := make([]int, batch)
		for b := 0; b < batch; b++ {
			choice[b] = owners[b][j]
		}
		columns[j] = tensor.Pick(candidates, choice)
	}
	selected := tensor.StackColumns(columns)

	if !s.config.Improvement {
		return selected, nil, nil
	}

	// All mixture copies are identical, so the baseline permutation search
	// reduces to pairing the mixture with each reference.
	m := s.prepare(mix)
	baseline := make([]*tensor.Tensor, n)
	for j := 0; j < n; j++ {
		baseline[j] = s.pairSISDR(m, ref[j])
	}
	improvement := tensor.SubAutograd(selected, tensor.StackColumns(baseline))
	return selected, improvement, nil
}

func (s *PermInvariantSISDR) prepare(x *tensor.Tensor) *tensor.Tensor {
	if s.config.ZeroMean {
		return tensor.ZeroMeanLastAxis(x)
	}
	return x
}

// pairSISDR computes 10·log10(‖αr‖² / (‖e − αr‖² + ε) + ε) row-wise for
// e and r of shape (B, T), with α = ⟨e, r⟩ / (⟨r, r⟩ + ε).
func (s *PermInvariantSISDR) pairSISDR(e, r *tensor.Tensor) *tensor.Tensor {
	eps := s.config.Epsilon

	alpha := tensor.DivAutograd(
		tensor.DotAutograd(e, r),
		tensor.AddScalarAutograd(tensor.DotAutograd(r, r), eps),
	)
	target := tensor.MulRows(alpha, r)
	residual := tensor.SubAutograd(e, target)

	ratio := tensor.DivAutograd(
		tensor.DotAutograd(target, target),
		tensor.AddScalarAutograd(tensor.DotAutograd(residual, residual), eps),
	)
	return tensor.Log10Autograd(tensor.AddScalarAutograd(ratio, eps), 10)
}

// bestAssignments picks, per example, the permutation with the highest mean
// pair score and returns its inverse: owners[b][j] is the estimate assigned
// to reference j. Only raw values are read, so the choice is not
// differentiated.
func (s *PermInvariantSISDR) bestAssignments(pairs [][]*tensor.Tensor, batch int) [][]int {
	n := s.config.NSources
	owners := make([][]int, batch)
	for b := 0; b < batch; b++ {
		best := -1
		bestScore := 0.0
		for p, perm := range s.permutations {
			score := 0.0
			for i, j := range perm {
				score += pairs[i][j].Data[b]
			}
			score /= float64(n)
			if best < 0 || score > bestScore {
				best, bestScore = p, score
			}
		}
		owners[b] = make([]int, n)
		for i, j := range s.permutations[best] {
			owners[b][j] = i
		}
	}
	return owners
}

// Permutations lists all orderings of 0..n-1 in lexicographic order, starting
// with the identity.
func Permutations(n int) [][]int {
	if n <= 0 {
		return nil
	}
	var out [][]int
	current := make([]int, 0, n)
	used := make([]bool, n)
	var build func()
	build = func() {
		if len(current) == n {
			perm := make([]int, n)
			copy(perm, current)
			out = append(out, perm)
			return
		}
		for v := 0; v < n; v++ {
			if used[v] {
				continue
			}
			used[v] = true
			current = append(current, v)
			build()
			current = current[:len(current)-1]
			used[v] = false
		}
	}
	build()
	return out
}
