// Package vad implements the volume-threshold voice activity detector that
// drives the listening loop.
package vad

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid vad config")

// State is the detector state.
type State int

const (
	Idle State = iota
	Speaking
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	case Processing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = Idle
	case "speaking":
		*s = Speaking
	case "processing":
		*s = Processing
	default:
		return fmt.Errorf("unknown vad state %q", string(b))
	}
	return nil
}

// Config holds the detector thresholds. It is fixed for a listening session.
type Config struct {
	VolumeThreshold       float64 `json:"volume_threshold"`
	SilenceDurationSecs   float64 `json:"silence_duration_secs"`
	MinSpeechDurationSecs float64 `json:"min_speech_duration_secs"`
	MaxSpeechDurationSecs float64 `json:"max_speech_duration_secs"`
}

// DefaultConfig matches the desktop defaults.
func DefaultConfig() Config {
	return Config{
		VolumeThreshold:       0.02,
		SilenceDurationSecs:   1.5,
		MinSpeechDurationSecs: 0.3,
		MaxSpeechDurationSecs: 30,
	}
}

// Validate rejects thresholds the state machine cannot honor.
func (c Config) Validate() error {
	switch {
	case c.VolumeThreshold <= 0:
		return fmt.Errorf("%w: volume_threshold must be > 0", ErrInvalidConfig)
	case c.SilenceDurationSecs <= 0:
		return fmt.Errorf("%w: silence_duration_secs must be > 0", ErrInvalidConfig)
	case c.MinSpeechDurationSecs < 0:
		return fmt.Errorf("%w: min_speech_duration_secs must be >= 0", ErrInvalidConfig)
	case c.MaxSpeechDurationSecs <= c.MinSpeechDurationSecs:
		return fmt.Errorf("%w: max_speech_duration_secs must exceed min_speech_duration_secs", ErrInvalidConfig)
	}
	return nil
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Sample is one audio frame and its RMS volume.
type Sample struct {
	At     time.Time
	Volume float64
	PCM    []float32
}

// Transition describes what a sample did to the detector.
type Transition int

const (
	None Transition = iota
	// Started: Idle -> Speaking.
	Started
	// Ended: Speaking -> Processing after enough silence.
	Ended
	// Cutoff: Speaking -> Processing at the maximum duration.
	Cutoff
	// Discarded: Speaking -> Idle, speech too short.
	Discarded
)

func (t Transition) String() string {
	switch t {
	case None:
		return "none"
	case Started:
		return "started"
	case Ended:
		return "ended"
	case Cutoff:
		return "cutoff"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("transition(%d)", int(t))
	}
}

// Result is returned for every processed sample. Utterance is set for
// Ended and Cutoff.
type Result struct {
	Transition Transition
	Utterance  *Utterance
	// Duration is the voiced span for Ended/Discarded, elapsed time for Cutoff.
	Duration time.Duration
}

// Detector is the Idle/Speaking/Processing state machine. It is not safe for
// concurrent use; the listening coordinator serializes access.
type Detector struct {
	cfg        Config
	sampleRate int

	state       State
	speechStart time.Time
	lastVoice   time.Time
	lastSample  time.Time
	buf         *Buffer
}

// NewDetector validates cfg and returns a detector in Idle.
func NewDetector(cfg Config, sampleRate int) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:        cfg,
		sampleRate: sampleRate,
		buf:        NewBuffer(sampleRate),
	}, nil
}

// State returns the current state.
func (d *Detector) State() State { return d.state }

// Config returns the thresholds.
func (d *Detector) Config() Config { return d.cfg }

// Process advances the machine with one sample. Samples during Processing
// are ignored until Settle is called.
func (d *Detector) Process(s Sample) Result {
	d.lastSample = s.At
	voiced := s.Volume >= d.cfg.VolumeThreshold

	switch d.state {
	case Idle:
		if !voiced {
			return Result{}
		}
		d.state = Speaking
		d.speechStart = s.At
		d.lastVoice = s.At
		d.buf.Clear()
		d.buf.Append(s.PCM)
		return Result{Transition: Started}

	case Speaking:
		d.buf.Append(s.PCM)
		if voiced {
			d.lastVoice = s.At
		}
		elapsed := s.At.Sub(d.speechStart)
		if elapsed >= secs(d.cfg.MaxSpeechDurationSecs) {
			return d.finish(Cutoff, elapsed)
		}
		if s.At.Sub(d.lastVoice) < secs(d.cfg.SilenceDurationSecs) {
			return Result{}
		}
		voicedSpan := d.lastVoice.Sub(d.speechStart)
		if voicedSpan < secs(d.cfg.MinSpeechDurationSecs) {
			d.reset()
			return Result{Transition: Discarded, Duration: voicedSpan}
		}
		return d.finish(Ended, voicedSpan)

	default:
		return Result{}
	}
}

func (d *Detector) finish(t Transition, dur time.Duration) Result {
	d.state = Processing
	utt := &Utterance{
		Samples:     d.buf.Take(),
		SampleRate:  d.sampleRate,
		StartedAt:   d.speechStart,
		LastVoiceAt: d.lastVoice,
		Duration:    dur,
	}
	return Result{Transition: t, Utterance: utt, Duration: dur}
}

// Settle returns a Processing detector to Idle once recognition resolved.
func (d *Detector) Settle() {
	if d.state == Processing {
		d.reset()
	}
}

// Reset forces Idle and drops any buffered speech.
func (d *Detector) Reset() {
	d.reset()
	d.lastSample = time.Time{}
}

func (d *Detector) reset() {
	d.state = Idle
	d.speechStart = time.Time{}
	d.lastVoice = time.Time{}
	d.buf.Clear()
}

// RecordingDuration is the time since entering Speaking, measured at the
// latest sample. Zero outside Speaking.
func (d *Detector) RecordingDuration() time.Duration {
	if d.state != Speaking {
		return 0
	}
	return d.lastSample.Sub(d.speechStart)
}

// BufferedSamples is the number of PCM samples held for the current utterance.
func (d *Detector) BufferedSamples() int {
	return d.buf.Len()
}

// RMS calculates the root mean square of audio samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
