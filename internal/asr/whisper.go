//go:build whisper

package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/sirupsen/logrus"
)

// Whisper transcribes locally with whisper.cpp. The model is loaded once;
// contexts are not shared so calls are serialized.
type Whisper struct {
	logger *logrus.Logger

	mu    sync.Mutex
	model whisper.Model
}

// NewWhisper loads the ggml model at path.
func NewWhisper(path string, logger *logrus.Logger) (Transcriber, error) {
	path = os.ExpandEnv(path)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, ErrConfigurationMissing)
	}
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return &Whisper{logger: logger, model: model}, nil
}

func (w *Whisper) Transcribe(ctx context.Context, req Request) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wctx, err := w.model.NewContext()
	if err != nil {
		return "", err
	}
	wctx.SetThreads(uint(runtime.NumCPU()))
	if lang := strings.TrimSpace(req.Language); lang != "" {
		if err := wctx.SetLanguage(lang); err != nil {
			w.logger.Warnf("set language: %v", err)
		}
	}

	if err := wctx.Process(Normalize(req), nil, nil, nil); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		b.WriteString(seg.Text)
		if !strings.HasSuffix(seg.Text, " ") {
			b.WriteRune(' ')
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// Close releases the model.
func (w *Whisper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.model.Close()
}
