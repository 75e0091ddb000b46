package training

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth  = 16
	wavPCMFormat = 1
)

// WriteWAV encodes mono samples as 16-bit PCM, peak-normalised so the
// loudest sample sits just below full scale. Silence stays silent.
func WriteWAV(w io.WriteSeeker, sampleRate int, samples []float64) error {
	if sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive", ErrInvalidConfig)
	}

	peak := 0.0
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(s))
	}
	gain := 0.0
	if peak > 0 {
		gain = 0.99 * math.MaxInt16 / peak
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: wavBitDepth,
	}
	for i, s := range samples {
		buf.Data[i] = int(math.Round(s * gain))
	}

	enc := wav.NewEncoder(w, sampleRate, wavBitDepth, 1, wavPCMFormat)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write WAV samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish WAV file: %w", err)
	}
	return nil
}

// EncodeWAV is WriteWAV into memory.
func EncodeWAV(sampleRate int, samples []float64) ([]byte, error) {
	var buf seekBuffer
	if err := WriteWAV(&buf, sampleRate, samples); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(b.pos) + offset
	case io.SeekEnd:
		pos = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, errors.New("negative seek position")
	}
	b.pos = int(pos)
	return pos, nil
}
