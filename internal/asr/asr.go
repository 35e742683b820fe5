// Package asr turns finalized utterances into text through a configured
// provider and carries the recognition-service event stream.
package asr

import (
	"context"
	"fmt"
	"strings"

	"sensed/internal/config"
	"sensed/internal/logging"
)

// ErrConfigurationMissing reports missing credentials or provider settings.
var ErrConfigurationMissing = config.ErrConfigurationMissing

// Request is one utterance to transcribe.
type Request struct {
	Samples     []float32
	SampleRate  int
	Language    string
	Fingerprint string
	Credentials config.Credentials
}

// Transcriber converts an utterance into text. An empty string with a nil
// error means nothing intelligible was said.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (string, error)
}

// Event is a status message from a streaming recognition service. The same
// event may be delivered more than once.
type Event struct {
	TaskID     string `json:"task_id"`
	MessageID  string `json:"message_id"`
	Name       string `json:"name"`
	Status     int    `json:"status"`
	StatusText string `json:"status_text,omitempty"`
	Result     string `json:"result,omitempty"`
}

// EventSink receives recognition-service events.
type EventSink interface {
	HandleRecognitionEvent(ev Event)
}

// CredentialSource resolves provider secrets at dispatch time.
type CredentialSource interface {
	Resolve() (config.Credentials, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func() (config.Credentials, error)

// Resolve calls f.
func (f CredentialFunc) Resolve() (config.Credentials, error) { return f() }

// ConfigCredentials resolves against the env and .env file for cfg.
func ConfigCredentials(cfg *config.Config) CredentialSource {
	return CredentialFunc(func() (config.Credentials, error) {
		return config.ResolveCredentials(cfg)
	})
}

// New returns the provider named by asr.provider, wrapped with the audio dump
// when asr.save_audio is set.
func New(cfg *config.Config, logger *logging.Logger, sink EventSink) (Transcriber, error) {
	var (
		t   Transcriber
		err error
	)
	switch strings.ToLower(cfg.ASR.Provider) {
	case "openai":
		t = NewOpenAI(cfg.ASR.Model, cfg.ASR.BaseURL, logger)
	case "nls":
		t = NewNLS(cfg.ASR.Endpoint, logger, sink)
	case "whisper":
		t, err = NewWhisper(cfg.ASR.ModelPath, logger)
	case "command":
		t, err = NewCommand(cfg.ASR.Command, cfg.ASR.Args, logger)
	default:
		return nil, fmt.Errorf("unknown asr.provider %q: %w", cfg.ASR.Provider, ErrConfigurationMissing)
	}
	if err != nil {
		return nil, err
	}
	if cfg.ASR.SaveAudio {
		t = WithAudioDump(t, cfg.UtteranceDir(), logger)
	}
	return t, nil
}
