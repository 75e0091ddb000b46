package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/tsawler/go-sisdr/tensor"
	"gonum.org/v1/gonum/floats"
)

// Dataset interface defines methods that all separation datasets must
// implement. Get returns the mixture (T) and its sources (N, T).
type Dataset interface {
	Len() int
	Get(idx int) (mixture *tensor.Tensor, sources *tensor.Tensor, err error)
}

// Batch holds B mixtures (B, T) and their reference sources (B, N, T).
type Batch struct {
	Mixture *tensor.Tensor
	Sources *tensor.Tensor
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return b.Mixture.Shape[0]
}

// DataLoader provides batching, shuffling and background prefetching
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	prefetch  int
	rng       *rand.Rand
	indices   []int
	position  int
	err       error
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. prefetch is the number of batches
// the producer goroutine may run ahead of the consumer.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, prefetch int, seed int64) *DataLoader {
	if prefetch <= 0 {
		prefetch = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		prefetch:  prefetch,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// BatchSize returns the maximum number of examples per batch.
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	dl.err = nil

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}

	return batch, nil
}

// loadBatch stacks the samples at indices into batch tensors
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	var mixture, sources []float64
	var length, nSources int
	for i, idx := range indices {
		mix, src, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if len(mix.Shape) != 1 || len(src.Shape) != 2 || src.Shape[1] != mix.Shape[0] {
			return nil, fmt.Errorf("%w: sample %d has mixture %v and sources %v", ErrShapeMismatch, idx, mix.Shape, src.Shape)
		}
		if i == 0 {
			length, nSources = mix.Shape[0], src.Shape[0]
			mixture = make([]float64, 0, len(indices)*length)
			sources = make([]float64, 0, len(indices)*nSources*length)
		} else if mix.Shape[0] != length || src.Shape[0] != nSources {
			return nil, fmt.Errorf("%w: sample %d has sources %v, batch expects (%d, %d)", ErrShapeMismatch, idx, src.Shape, nSources, length)
		}
		mixture = append(mixture, mix.Data...)
		sources = append(sources, src.Data...)
	}

	mixT, err := tensor.NewTensor([]int{len(indices), length}, mixture)
	if err != nil {
		return nil, err
	}
	srcT, err := tensor.NewTensor([]int{len(indices), nSources, length}, sources)
	if err != nil {
		return nil, err
	}
	return &Batch{Mixture: mixT, Sources: srcT}, nil
}

// Iterator resets the loader and streams the epoch's batches from a
// producer goroutine. The channel closes at the end of the epoch, on a load
// error (reported by Err) or when ctx is cancelled.
func (dl *DataLoader) Iterator(ctx context.Context) <-chan *Batch {
	batchChan := make(chan *Batch, dl.prefetch)

	dl.Reset()
	go func() {
		defer close(batchChan)

		for {
			batch, err := dl.Next()
			if err != nil {
				dl.setErr(err)
				return
			}
			if batch == nil {
				return
			}

			select {
			case batchChan <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return batchChan
}

// Err returns the error that stopped the last Iterator, if any.
func (dl *DataLoader) Err() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.err
}

func (dl *DataLoader) setErr(err error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.err = err
}

// NamedLoader is an evaluation split. A nil Loader marks an absent split.
type NamedLoader struct {
	Name   string
	Loader *DataLoader
}

// Splits groups the training loader and the evaluation splits.
type Splits struct {
	Train *DataLoader
	Eval  []NamedLoader
}

// ActiveEval returns the evaluation splits that have a loader.
func (s Splits) ActiveEval() []NamedLoader {
	active := make([]NamedLoader, 0, len(s.Eval))
	for _, split := range s.Eval {
		if split.Loader != nil {
			active = append(active, split)
		}
	}
	return active
}

// SyntheticMixtures generates deterministic separation examples. The first
// source is a voiced, harmonic "speech" signal; the second is low-pass
// coloured noise mixed at a random input SNR. With one source the noise is
// only part of the mixture.
type SyntheticMixtures struct {
	size       int
	nSources   int
	length     int
	sampleRate float64
	minSNR     float64
	maxSNR     float64
	seed       int64
}

// NewSyntheticMixtures creates a dataset of size examples.
func NewSyntheticMixtures(size, nSources, length, sampleRate int, minSNR, maxSNR float64, seed int64) (*SyntheticMixtures, error) {
	if size < 0 || length <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("%w: synthetic dataset needs a non-negative size and positive length and rate", ErrInvalidConfig)
	}
	if nSources != 1 && nSources != 2 {
		return nil, fmt.Errorf("%w: synthetic dataset supports one or two sources, got %d", ErrInvalidConfig, nSources)
	}
	if minSNR > maxSNR {
		return nil, fmt.Errorf("%w: min SNR %g exceeds max SNR %g", ErrInvalidConfig, minSNR, maxSNR)
	}
	return &SyntheticMixtures{
		size:       size,
		nSources:   nSources,
		length:     length,
		sampleRate: float64(sampleRate),
		minSNR:     minSNR,
		maxSNR:     maxSNR,
		seed:       seed,
	}, nil
}

// Len returns the size of the dataset
func (sm *SyntheticMixtures) Len() int {
	return sm.size
}

// Get generates the example at idx; the same index always yields the same
// example.
func (sm *SyntheticMixtures) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= sm.size {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, sm.size)
	}
	rng := rand.New(rand.NewSource(sm.seed*1_000_003 + int64(idx)))

	speech := sm.voiced(rng)
	noise := sm.coloured(rng)

	// Scale the noise so that 10·log10(Es/En) equals the drawn SNR.
	snr := sm.minSNR + rng.Float64()*(sm.maxSNR-sm.minSNR)
	es, en := floats.Dot(speech, speech), floats.Dot(noise, noise)
	floats.Scale(math.Sqrt(es/(en*math.Pow(10, snr/10))), noise)

	mixture := make([]float64, sm.length)
	floats.AddTo(mixture, speech, noise)

	sourceData := append([]float64(nil), speech...)
	if sm.nSources == 2 {
		sourceData = append(sourceData, noise...)
	}

	mixT, err := tensor.NewTensor([]int{sm.length}, mixture)
	if err != nil {
		return nil, nil, err
	}
	srcT, err := tensor.NewTensor([]int{sm.nSources, sm.length}, sourceData)
	if err != nil {
		return nil, nil, err
	}
	return mixT, srcT, nil
}

// voiced builds three harmonics of a random pitch under a syllabic envelope.
func (sm *SyntheticMixtures) voiced(rng *rand.Rand) []float64 {
	f0 := 100 + 200*rng.Float64()
	rate := 3 + 3*rng.Float64()
	phase := 2 * math.Pi * rng.Float64()

	out := make([]float64, sm.length)
	for t := range out {
		ts := float64(t) / sm.sampleRate
		envelope := 0.6 + 0.4*math.Sin(2*math.Pi*rate*ts+phase)
		v := 0.0
		for h := 1; h <= 3; h++ {
			v += math.Sin(2*math.Pi*f0*float64(h)*ts) / float64(h)
		}
		out[t] = envelope * v
	}
	return out
}

// coloured is white noise through a one-pole low-pass filter.
func (sm *SyntheticMixtures) coloured(rng *rand.Rand) []float64 {
	out := make([]float64, sm.length)
	prev := 0.0
	for t := range out {
		prev = 0.9*prev + rng.NormFloat64()
		out[t] = prev
	}
	return out
}

// NewSyntheticSplits builds the training loader and one loader per
// configured evaluation split. The evaluation splits are disjoint windows of
// a single held-out pool drawn from a different seed than the training set.
func NewSyntheticSplits(config SeparationConfig) (Splits, error) {
	generate := func(size int, seed int64) (*SyntheticMixtures, error) {
		return NewSyntheticMixtures(size, config.NSources(), config.SignalLength, config.SampleRate,
			config.MinInputSNR, config.MaxInputSNR, seed)
	}

	trainSet, err := generate(config.TrainExamples, config.Seed)
	if err != nil {
		return Splits{}, fmt.Errorf("failed to build training split: %w", err)
	}
	splits := Splits{Train: NewDataLoader(trainSet, config.BatchSize, true, config.PrefetchBatches, config.Seed)}

	if config.EvalExamples == 0 {
		for _, name := range config.EvalSplits {
			splits.Eval = append(splits.Eval, NamedLoader{Name: name})
		}
		return splits, nil
	}

	pool, err := generate(config.EvalExamples*len(config.EvalSplits), config.Seed+7919)
	if err != nil {
		return Splits{}, fmt.Errorf("failed to build held-out pool: %w", err)
	}
	for i, name := range config.EvalSplits {
		subset, err := NewSubsetDataset(pool, i*config.EvalExamples, config.EvalExamples)
		if err != nil {
			return Splits{}, fmt.Errorf("failed to build %s split: %w", name, err)
		}
		splits.Eval = append(splits.Eval, NamedLoader{
			Name:   name,
			Loader: NewDataLoader(subset, config.BatchSize, false, config.PrefetchBatches, config.Seed),
		})
	}
	return splits, nil
}
