package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-sisdr/tensor"
	"gonum.org/v1/gonum/floats"
)

// InputSNR returns the per-example input SNR in dB of a batch. With two
// sources it is the energy ratio of source 0 to source 1; with one source it
// is the reference against the residual (mixture − reference).
func InputSNR(sources, mixture *tensor.Tensor) ([]float64, error) {
	if sources == nil || len(sources.Shape) != 3 {
		return nil, fmt.Errorf("%w: sources must be (B, N, T)", ErrShapeMismatch)
	}
	batch, n, length := sources.Shape[0], sources.Shape[1], sources.Shape[2]

	snr := make([]float64, batch)
	switch n {
	case 2:
		for b := 0; b < batch; b++ {
			first := sources.Channel(b, 0)
			second := sources.Channel(b, 1)
			snr[b] = energyRatioDB(floats.Dot(first, first), floats.Dot(second, second))
		}
	case 1:
		mix, err := flattenMixture(mixture, batch, length)
		if err != nil {
			return nil, err
		}
		residual := make([]float64, length)
		for b := 0; b < batch; b++ {
			ref := sources.Channel(b, 0)
			floats.SubTo(residual, mix.Row(b), ref)
			snr[b] = energyRatioDB(floats.Dot(ref, ref), floats.Dot(residual, residual))
		}
	default:
		return nil, fmt.Errorf("%w: input SNR is defined for one or two sources, got %d", ErrShapeMismatch, n)
	}
	return snr, nil
}

// InterleavedInputSNR lays the input SNR out like per-source evaluation
// results: for two sources each example contributes (+snr, −snr), so the
// i-th value pairs with the i-th per-source SI-SDR.
func InterleavedInputSNR(sources, mixture *tensor.Tensor) ([]float64, error) {
	snr, err := InputSNR(sources, mixture)
	if err != nil {
		return nil, err
	}
	if sources.Shape[1] == 1 {
		return snr, nil
	}
	out := make([]float64, 0, 2*len(snr))
	for _, v := range snr {
		out = append(out, v, -v)
	}
	return out, nil
}

// energyRatioDB stays finite when either side is silent.
func energyRatioDB(signal, noise float64) float64 {
	return 10 * math.Log10((signal+DefaultEpsilon)/(noise+DefaultEpsilon))
}
