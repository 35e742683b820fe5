package asr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Command hands each utterance to an external program as a WAV path and
// reads the transcript from its stdout.
type Command struct {
	name   string
	args   []string
	logger *logrus.Logger
}

// NewCommand parses asr.command (which may carry flags) plus asr.args.
func NewCommand(command string, args []string, logger *logrus.Logger) (*Command, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse asr.command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("asr.command not set: %w", ErrConfigurationMissing)
	}
	return &Command{
		name:   argv[0],
		args:   append(argv[1:], args...),
		logger: logger,
	}, nil
}

func (c *Command) Transcribe(ctx context.Context, req Request) (string, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("sensed-utterance-%s.wav", uuid.NewString()))
	if err := SaveWAV(path, Normalize(req), TargetSampleRate); err != nil {
		return "", err
	}
	defer os.Remove(path)

	args := make([]string, 0, len(c.args)+1)
	placed := false
	for _, a := range c.args {
		if strings.Contains(a, "${path}") {
			placed = true
			a = strings.ReplaceAll(a, "${path}", path)
		}
		args = append(args, a)
	}
	if !placed {
		args = append(args, path)
	}

	cmd := exec.CommandContext(ctx, c.name, args...)
	cmd.Env = append(os.Environ(), "SENSED_AUDIO_PATH="+path, "SENSED_LANGUAGE="+req.Language)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if s := strings.TrimSpace(stderr.String()); s != "" {
		c.logger.Debugf("asr command stderr: %s", s)
	}
	if err != nil {
		return "", fmt.Errorf("asr command %s: %w", c.name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// audioDump saves every forwarded utterance before transcribing it.
type audioDump struct {
	next   Transcriber
	dir    string
	logger *logrus.Logger
}

// WithAudioDump wraps t so each utterance is also written to dir as a
// 16 kHz mono WAV. Save failures are logged and never block recognition.
func WithAudioDump(t Transcriber, dir string, logger *logrus.Logger) Transcriber {
	return &audioDump{next: t, dir: dir, logger: logger}
}

func (d *audioDump) Transcribe(ctx context.Context, req Request) (string, error) {
	name := fmt.Sprintf("utterance-%s.wav", time.Now().Format("20060102-150405.000"))
	path := filepath.Join(d.dir, name)
	if err := SaveWAV(path, Normalize(req), TargetSampleRate); err != nil {
		d.logger.Warnf("save utterance: %v", err)
	} else {
		d.logger.Debugf("saved utterance %s (%.2fs)", path, float64(len(req.Samples))/float64(max(req.SampleRate, 1)))
	}
	return d.next.Transcribe(ctx, req)
}
