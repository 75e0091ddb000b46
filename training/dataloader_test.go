package training

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/tsawler/go-sisdr/tensor"
)

// indexDataset fills example idx with the value idx and fails at failAt.
type indexDataset struct {
	size, length int
	failAt       int
}

func (d *indexDataset) Len() int { return d.size }

func (d *indexDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx == d.failAt {
		return nil, nil, errors.New("corrupt example")
	}
	mixture, err := tensor.Full([]int{d.length}, float64(idx))
	if err != nil {
		return nil, nil, err
	}
	sources, err := tensor.Full([]int{1, d.length}, float64(idx))
	if err != nil {
		return nil, nil, err
	}
	return mixture, sources, nil
}

func firstValues(t *testing.T, batches []*Batch) []int {
	t.Helper()
	var seen []int
	for _, b := range batches {
		for i := 0; i < b.Size(); i++ {
			seen = append(seen, int(b.Mixture.Row(i)[0]))
		}
	}
	return seen
}

func TestDataLoaderBatching(t *testing.T) {
	loader := NewDataLoader(&indexDataset{size: 5, length: 3, failAt: -1}, 2, false, 1, 0)
	if loader.Len() != 3 {
		t.Fatalf("Expected 3 batches, got %d", loader.Len())
	}

	var batches []*Batch
	for {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch == nil {
			break
		}
		batches = append(batches, batch)
	}

	sizes := []int{2, 2, 1}
	for i, b := range batches {
		if b.Size() != sizes[i] {
			t.Errorf("Batch %d: expected %d examples, got %d", i, sizes[i], b.Size())
		}
		if len(b.Sources.Shape) != 3 || b.Sources.Shape[1] != 1 || b.Sources.Shape[2] != 3 {
			t.Errorf("Batch %d: unexpected sources shape %v", i, b.Sources.Shape)
		}
	}
	if seen := firstValues(t, batches); len(seen) != 5 || seen[4] != 4 {
		t.Errorf("Expected examples in order, got %v", seen)
	}
}

func TestDataLoaderShuffle(t *testing.T) {
	loader := NewDataLoader(&indexDataset{size: 16, length: 1, failAt: -1}, 4, true, 2, 3)

	var epochs [][]int
	for epoch := 0; epoch < 2; epoch++ {
		var batches []*Batch
		for batch := range loader.Iterator(context.Background()) {
			batches = append(batches, batch)
		}
		if err := loader.Err(); err != nil {
			t.Fatal(err)
		}
		epochs = append(epochs, firstValues(t, batches))
	}

	for i, seen := range epochs {
		sorted := append([]int(nil), seen...)
		sort.Ints(sorted)
		for j, v := range sorted {
			if v != j {
				t.Fatalf("Epoch %d: expected every example exactly once, got %v", i, seen)
			}
		}
	}

	same := true
	for i := range epochs[0] {
		if epochs[0][i] != epochs[1][i] {
			same = false
		}
	}
	if same {
		t.Error("Expected a different order in the second epoch")
	}
}

func TestDataLoaderIteratorError(t *testing.T) {
	loader := NewDataLoader(&indexDataset{size: 6, length: 2, failAt: 3}, 2, false, 1, 0)

	count := 0
	for range loader.Iterator(context.Background()) {
		count++
	}
	if count != 1 {
		t.Errorf("Expected 1 batch before the failure, got %d", count)
	}
	if err := loader.Err(); err == nil {
		t.Error("Expected the load error to be reported")
	}

	// A new epoch clears the error.
	loader.dataset = &indexDataset{size: 6, length: 2, failAt: -1}
	for range loader.Iterator(context.Background()) {
	}
	if err := loader.Err(); err != nil {
		t.Errorf("Expected no error after a clean epoch, got %v", err)
	}
}

func TestDataLoaderIteratorCancel(t *testing.T) {
	loader := NewDataLoader(&indexDataset{size: 100, length: 2, failAt: -1}, 1, false, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	batches := loader.Iterator(ctx)
	<-batches
	cancel()

	done := make(chan struct{})
	go func() {
		for range batches {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the producer to stop after cancellation")
	}
}

func TestSyntheticMixtures(t *testing.T) {
	ds, err := NewSyntheticMixtures(4, 2, 400, 8000, -5, 5, 11)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}

	mix, src, err := ds.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	again, _, _ := ds.Get(2)
	for i := range mix.Data {
		if mix.Data[i] != again.Data[i] {
			t.Fatal("Expected the same index to give the same example")
		}
		if sum := src.Data[i] + src.Data[400+i]; math.Abs(sum-mix.Data[i]) > 1e-12 {
			t.Fatalf("Sample %d: expected mixture to equal the source sum", i)
		}
	}

	loader := NewDataLoader(ds, 4, false, 1, 0)
	batch, err := loader.Next()
	if err != nil {
		t.Fatal(err)
	}
	snr, err := InputSNR(batch.Sources, batch.Mixture)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range snr {
		if v < -5-1e-6 || v > 5+1e-6 {
			t.Errorf("Example %d: input SNR %g outside [-5, 5]", i, v)
		}
	}

	if _, _, err := ds.Get(4); err == nil {
		t.Error("Expected an out-of-range error")
	}
	if _, err := NewSyntheticMixtures(4, 2, 0, 8000, 0, 0, 1); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for a zero length, got %v", err)
	}
}

func TestSyntheticMixturesSingleSource(t *testing.T) {
	ds, err := NewSyntheticMixtures(1, 1, 200, 8000, 0, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	mix, src, err := ds.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if src.Shape[0] != 1 {
		t.Fatalf("Expected one source, got shape %v", src.Shape)
	}

	// The noise is in the mixture only, at 0 dB.
	var signal, noise float64
	for i := range mix.Data {
		signal += src.Data[i] * src.Data[i]
		r := mix.Data[i] - src.Data[i]
		noise += r * r
	}
	if snr := 10 * math.Log10(signal/noise); math.Abs(snr) > 1e-9 {
		t.Errorf("Expected 0 dB input SNR, got %g", snr)
	}
}

func TestSubsetDataset(t *testing.T) {
	base := &indexDataset{size: 10, length: 1, failAt: -1}

	tests := []struct {
		name          string
		offset, limit int
		expectedLen   int
		first         int
	}{
		{"Window", 2, 3, 3, 2},
		{"Truncated", 8, 5, 2, 8},
		{"Empty", 10, 3, 0, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subset, err := NewSubsetDataset(base, tt.offset, tt.limit)
			if err != nil {
				t.Fatalf("Failed to create subset: %v", err)
			}
			if subset.Len() != tt.expectedLen {
				t.Errorf("Expected %d examples, got %d", tt.expectedLen, subset.Len())
			}
			if tt.first >= 0 {
				mix, _, err := subset.Get(0)
				if err != nil {
					t.Fatal(err)
				}
				if int(mix.Data[0]) != tt.first {
					t.Errorf("Expected first example %d, got %g", tt.first, mix.Data[0])
				}
			}
			if _, _, err := subset.Get(tt.expectedLen); err == nil {
				t.Error("Expected an out-of-range error")
			}
		})
	}

	if _, err := NewSubsetDataset(base, 11, 1); err == nil {
		t.Error("Expected an error for an offset past the end")
	}
	if _, err := NewSubsetDataset(base, 0, -1); err == nil {
		t.Error("Expected an error for a negative limit")
	}
}

func TestNewSyntheticSplits(t *testing.T) {
	config := DefaultSeparationConfig()
	config.TrainExamples = 6
	config.EvalExamples = 3
	config.BatchSize = 2
	config.SignalLength = 64

	splits, err := NewSyntheticSplits(config)
	if err != nil {
		t.Fatalf("Failed to build splits: %v", err)
	}
	if splits.Train.Len() != 3 {
		t.Errorf("Expected 3 training batches, got %d", splits.Train.Len())
	}

	active := splits.ActiveEval()
	if len(active) != 2 || active[0].Name != "val" || active[1].Name != "test" {
		t.Fatalf("Unexpected evaluation splits %+v", active)
	}

	val, err := active[0].Loader.Next()
	if err != nil {
		t.Fatal(err)
	}
	test, err := active[1].Loader.Next()
	if err != nil {
		t.Fatal(err)
	}
	if val.Mixture.Data[0] == test.Mixture.Data[0] {
		t.Error("Expected val and test to hold different examples")
	}

	config.EvalExamples = 0
	splits, err = NewSyntheticSplits(config)
	if err != nil {
		t.Fatal(err)
	}
	if len(splits.Eval) != 2 || len(splits.ActiveEval()) != 0 {
		t.Errorf("Expected two skipped splits, got %d active of %d", len(splits.ActiveEval()), len(splits.Eval))
	}
}
