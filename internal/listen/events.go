package listen

import (
	"time"

	"sensed/internal/asr"
	"sensed/internal/vad"
)

// EventType names a notification.
type EventType string

const (
	EventSpeechStarted       EventType = "speech_started"
	EventSpeechEnded         EventType = "speech_ended"
	EventVoiceRecognized     EventType = "voice_recognized"
	EventError               EventType = "error"
	EventDuplicateSuppressed EventType = "duplicate_suppressed"
	EventRecognition         EventType = "recognition_event"
	EventTestUpdate          EventType = "test_update"
	EventTestFinished        EventType = "test_finished"
)

// Event is one notification from the coordinator.
type Event struct {
	Type         EventType    `json:"type"`
	At           time.Time    `json:"at"`
	SessionID    string       `json:"session_id,omitempty"`
	DurationSecs float64      `json:"duration_secs,omitempty"`
	Cutoff       bool         `json:"cutoff,omitempty"`
	Text         string       `json:"text,omitempty"`
	Error        string       `json:"error,omitempty"`
	Fingerprint  string       `json:"fingerprint,omitempty"`
	Recognition  *asr.Event   `json:"recognition,omitempty"`
	Test         *TestSummary `json:"test,omitempty"`
}

// Sink receives notifications. It is always called without coordinator
// locks held, so it may call back into the coordinator.
type Sink interface {
	Notify(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

// Notify calls f.
func (f SinkFunc) Notify(ev Event) { f(ev) }

// ListenerState is the snapshot the UI polls.
type ListenerState struct {
	VadState              vad.State `json:"vad_state"`
	IsListening           bool      `json:"is_listening"`
	RecordingDurationSecs float64   `json:"recording_duration_secs"`
	BufferedSampleCount   int       `json:"buffered_sample_count"`
	LastTranscription     *string   `json:"last_transcription"`
	SessionID             string    `json:"session_id,omitempty"`
	Generation            uint64    `json:"generation"`
	TestRunning           bool      `json:"test_running"`
}

// TestSummary reports the microphone test counters.
type TestSummary struct {
	SampleCount   int     `json:"sample_count"`
	AverageVolume float64 `json:"average_volume"`
	MaxVolume     float64 `json:"max_volume"`
	DurationSecs  float64 `json:"duration_secs"`
}

// Stats are cumulative counters since the coordinator was created.
type Stats struct {
	Utterances          uint64 `json:"utterances"`
	Discarded           uint64 `json:"discarded"`
	Cutoffs             uint64 `json:"cutoffs"`
	DuplicateUtterances uint64 `json:"duplicate_utterances"`
	DuplicateEvents     uint64 `json:"duplicate_events"`
	StaleResults        uint64 `json:"stale_results"`
	Recognized          uint64 `json:"recognized"`
	Empty               uint64 `json:"empty"`
	Failed              uint64 `json:"failed"`
	RecognitionEvents   uint64 `json:"recognition_events"`
}
