package audio

import (
	"context"
	"fmt"
	"os"
	"time"

	"sensed/internal/vad"

	"github.com/go-audio/wav"
)

// WAVSource replays a WAV file as if it were the microphone. Timestamps are
// derived from sample offsets, so replays are deterministic regardless of
// pacing.
type WAVSource struct {
	samples    []float32
	sampleRate int
	frame      int
	realtime   bool
	start      time.Time
}

// OpenWAV decodes path into mono float samples. frameMS sets the sample
// granularity; realtime paces delivery at the recording's speed.
func OpenWAV(path string, frameMS int, realtime bool) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(int(1) << (bitDepth - 1))

	// Downmix by averaging channels.
	mono := make([]float32, len(buf.Data)/channels)
	for i := range mono {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		mono[i] = sum / float32(channels)
	}
	rate := buf.Format.SampleRate
	if frameMS <= 0 {
		frameMS = 20
	}
	return &WAVSource{
		samples:    mono,
		sampleRate: rate,
		frame:      max(1, rate*frameMS/1000),
		realtime:   realtime,
		start:      time.Now(),
	}, nil
}

// SampleRate is the file's rate.
func (w *WAVSource) SampleRate() int { return w.sampleRate }

// Duration is the length of the recording.
func (w *WAVSource) Duration() time.Duration {
	if w.sampleRate == 0 {
		return 0
	}
	return time.Duration(float64(len(w.samples)) / float64(w.sampleRate) * float64(time.Second))
}

// Run emits one sample per frame and returns nil at the end of the file.
func (w *WAVSource) Run(ctx context.Context, out chan<- vad.Sample) error {
	frameDur := time.Duration(float64(w.frame) / float64(w.sampleRate) * float64(time.Second))
	var ticker *time.Ticker
	if w.realtime {
		ticker = time.NewTicker(frameDur)
		defer ticker.Stop()
	}
	for off := 0; off < len(w.samples); off += w.frame {
		end := min(off+w.frame, len(w.samples))
		pcm := w.samples[off:end]
		at := w.start.Add(time.Duration(float64(off) / float64(w.sampleRate) * float64(time.Second)))
		if err := send(ctx, out, vad.Sample{At: at, Volume: vad.RMS(pcm), PCM: pcm}); err != nil {
			return err
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
