package asr

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"
)

const defaultOpenAIModel = "whisper-1"

// OpenAI transcribes through the OpenAI audio transcription endpoint, or any
// server that speaks the same API when a base URL is set.
type OpenAI struct {
	model   string
	baseURL string
	logger  *logrus.Logger
}

// NewOpenAI returns a remote transcriber. The API key arrives per request.
func NewOpenAI(model, baseURL string, logger *logrus.Logger) *OpenAI {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{model: model, baseURL: baseURL, logger: logger}
}

func (o *OpenAI) Transcribe(ctx context.Context, req Request) (string, error) {
	if req.Credentials.OpenAIKey == "" {
		return "", fmt.Errorf("openai api key: %w", ErrConfigurationMissing)
	}
	wavData, err := EncodeWAV(Normalize(req), TargetSampleRate)
	if err != nil {
		return "", err
	}

	opts := []option.RequestOption{option.WithAPIKey(req.Credentials.OpenAIKey)}
	if o.baseURL != "" {
		opts = append(opts, option.WithBaseURL(o.baseURL))
	}
	client := openai.NewClient(opts...)

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wavData), "utterance.wav", "audio/wav"),
		Model: openai.AudioModel(o.model),
	}
	// The API treats a missing language as auto-detect and rejects "auto".
	if lang := strings.TrimSpace(req.Language); lang != "" && lang != "auto" {
		params.Language = openai.String(lang)
	}
	resp, err := client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	o.logger.Debugf("openai transcription: %d bytes in, %d chars out", len(wavData), len(resp.Text))
	return strings.TrimSpace(resp.Text), nil
}
