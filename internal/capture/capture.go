// Package capture runs the external screenshot command on behalf of the
// cadence controller.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sensed/internal/config"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrCaptureFailed wraps every failure of a single capture attempt.
var ErrCaptureFailed = errors.New("capture failed")

// PathPlaceholder is replaced with the output file in capture args.
const PathPlaceholder = "${path}"

// Result describes one successful capture.
type Result struct {
	Path    string        `json:"path"`
	TakenAt time.Time     `json:"taken_at"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Capturer produces one screenshot per call.
type Capturer interface {
	Capture(ctx context.Context) (Result, error)
}

// CommandCapturer shells out to a configured program. Only the most recent
// result is kept; the previous file is removed when a new one lands.
type CommandCapturer struct {
	command   string
	args      []string
	outputDir string
	timeout   time.Duration
	logger    *logrus.Logger

	mu   sync.Mutex
	last *Result
}

// NewCommandCapturer builds a capturer from the [capture] section.
func NewCommandCapturer(cfg *config.Config, logger *logrus.Logger) (*CommandCapturer, error) {
	argv, err := ParseCommand(cfg.Capture.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture.command: %w", err)
	}
	c := &CommandCapturer{
		outputDir: cfg.Capture.OutputDir,
		timeout:   cfg.CaptureTimeout(),
		logger:    logger,
	}
	if len(argv) > 0 {
		c.command = argv[0]
		c.args = append(argv[1:], cfg.Capture.Args...)
	}
	return c, nil
}

// ParseCommand splits a command line the way a shell would, so
// capture.command may carry its own flags.
func ParseCommand(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	return shlex.Split(raw)
}

// Capture runs the command once and verifies the output file.
func (c *CommandCapturer) Capture(ctx context.Context) (Result, error) {
	if c.command == "" {
		return Result{}, fmt.Errorf("%w: no capture.command configured", ErrCaptureFailed)
	}
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	started := time.Now()
	name := fmt.Sprintf("capture-%s-%s.png", started.Format("20060102-150405.000"), uuid.NewString()[:8])
	path := filepath.Join(c.outputDir, name)

	args := expandArgs(c.args, path)

	runCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, c.command, args...)
	cmd.Env = append(os.Environ(), "SENSED_CAPTURE_PATH="+path)
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		c.logger.Debugf("capture output: %s", strings.TrimSpace(string(out)))
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %s timed out after %s", ErrCaptureFailed, c.command, c.timeout)
		}
		return Result{}, fmt.Errorf("%w: %s: %v", ErrCaptureFailed, c.command, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: no output at %s", ErrCaptureFailed, path)
	}
	if info.Size() == 0 {
		_ = os.Remove(path)
		return Result{}, fmt.Errorf("%w: empty output at %s", ErrCaptureFailed, path)
	}

	res := Result{Path: path, TakenAt: started, Elapsed: time.Since(started)}
	c.mu.Lock()
	prev := c.last
	c.last = &res
	c.mu.Unlock()
	if prev != nil && prev.Path != path {
		if err := os.Remove(prev.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Debugf("remove previous capture: %v", err)
		}
	}
	return res, nil
}

// Inherit takes over prev's latest result so a replacement capturer still
// removes that file on its first capture.
func (c *CommandCapturer) Inherit(prev *CommandCapturer) {
	if prev == nil || prev == c {
		return
	}
	last, ok := prev.Last()
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		c.last = &last
	}
}

// Last returns the most recent successful capture.
func (c *CommandCapturer) Last() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// expandArgs substitutes the placeholder; when no arg carries it the path is
// appended, matching how most screenshot tools take their target.
func expandArgs(args []string, path string) []string {
	out := make([]string, 0, len(args)+1)
	found := false
	for _, a := range args {
		if strings.Contains(a, PathPlaceholder) {
			found = true
			a = strings.ReplaceAll(a, PathPlaceholder, path)
		}
		out = append(out, a)
	}
	if !found {
		out = append(out, path)
	}
	return out
}
