// Package audio provides the sample sources that feed the listening
// coordinator: the live microphone and WAV replay.
package audio

import (
	"context"
	"errors"

	"sensed/internal/vad"
)

// ErrNoPortAudio is returned by microphone helpers in builds without the
// whisper tag.
var ErrNoPortAudio = errors.New("microphone support requires building with -tags whisper (PortAudio)")

// Source pushes volume samples in arrival order until ctx is done or the
// input ends. Run closes nothing; the caller owns out.
type Source interface {
	SampleRate() int
	Run(ctx context.Context, out chan<- vad.Sample) error
}

// Device describes one input device.
type Device struct {
	Index     int     `json:"index"`
	Name      string  `json:"name"`
	Channels  int     `json:"channels"`
	LatencyMs float64 `json:"latency_ms"`
	Default   bool    `json:"default"`
}

func int16ToFloat(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// send delivers s unless ctx ends first.
func send(ctx context.Context, out chan<- vad.Sample, s vad.Sample) error {
	select {
	case out <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
