package vad

import "time"

// Utterance is one finalized span of speech.
type Utterance struct {
	Samples     []float32
	SampleRate  int
	StartedAt   time.Time
	LastVoiceAt time.Time
	Duration    time.Duration
}

// Buffer accumulates PCM while the detector is Speaking.
type Buffer struct {
	samples    []float32
	sampleRate int
}

// NewBuffer creates a buffer sized for a few seconds of audio.
func NewBuffer(sampleRate int) *Buffer {
	return &Buffer{
		samples:    make([]float32, 0, sampleRate*5),
		sampleRate: sampleRate,
	}
}

// Append adds new audio samples to the buffer.
func (b *Buffer) Append(samples []float32) {
	b.samples = append(b.samples, samples...)
}

// Take returns the buffered samples and leaves the buffer empty.
func (b *Buffer) Take() []float32 {
	if len(b.samples) == 0 {
		return nil
	}
	out := make([]float32, len(b.samples))
	copy(out, b.samples)
	b.samples = b.samples[:0]
	return out
}

// Clear empties the buffer completely.
func (b *Buffer) Clear() {
	b.samples = b.samples[:0]
}

// Len returns the number of samples currently in the buffer.
func (b *Buffer) Len() int {
	return len(b.samples)
}

// Duration returns the audio length of the buffered samples.
func (b *Buffer) Duration() time.Duration {
	if len(b.samples) == 0 || b.sampleRate == 0 {
		return 0
	}
	return time.Duration(float64(len(b.samples)) / float64(b.sampleRate) * float64(time.Second))
}
