package audio

import (
	"errors"
	"fmt"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"
)

// ErrMalformedAudio is returned when a chunk's raw PCM cannot be interpreted
// as little-endian 16-bit mono samples.
var ErrMalformedAudio = errors.New("malformed PCM input")

// Transcoder converts raw PCM16 mono chunks at the source rate into
// self-describing WAV blobs at the device rate. It is a pure transform: the
// same input always yields the same blob and the same playable duration.
type Transcoder struct {
	sourceRate int
	deviceRate int
}

// NewTranscoder creates a transcoder between the two rates. When the rates
// match, chunks are wrapped without resampling.
func NewTranscoder(sourceRate, deviceRate int) (*Transcoder, error) {
	if sourceRate <= 0 || deviceRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", sourceRate, deviceRate)
	}
	return &Transcoder{sourceRate: sourceRate, deviceRate: deviceRate}, nil
}

// Transcode resamples and wraps one chunk. The returned duration is computed
// from the output byte length (samples / device rate), exactly the value the
// scheduler must use for its fallback timer.
func (t *Transcoder) Transcode(pcm []byte) ([]byte, time.Duration, error) {
	if len(pcm) == 0 {
		return nil, 0, fmt.Errorf("%w: empty chunk", ErrMalformedAudio)
	}
	if len(pcm)%2 != 0 {
		return nil, 0, fmt.Errorf("%w: odd byte length %d", ErrMalformedAudio, len(pcm))
	}

	samples := bytesToSamples(pcm)
	if t.sourceRate != t.deviceRate {
		var err error
		samples, err = t.resample(samples)
		if err != nil {
			return nil, 0, err
		}
		if len(samples) == 0 {
			return nil, 0, fmt.Errorf("%w: chunk too short to resample", ErrMalformedAudio)
		}
	}

	blob, err := EncodeWAV(samples, t.deviceRate)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode WAV: %w", err)
	}

	playable := time.Duration(len(samples)) * time.Second / time.Duration(t.deviceRate)
	return blob, playable, nil
}

// resample converts samples from the source rate to the device rate using a
// fresh high-quality resampler per chunk.
func (t *Transcoder) resample(samples []int16) ([]int16, error) {
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(t.sourceRate),
		OutputRate: float64(t.deviceRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}

	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	out := make([]int16, len(output))
	for i, s := range output {
		switch {
		case s > 1.0:
			out[i] = 32767
		case s < -1.0:
			out[i] = -32768
		default:
			out[i] = int16(s * 32767.0)
		}
	}
	return out, nil
}

func bytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}
