package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sensed/internal/config"
	"sensed/internal/logging"
)

func testConfig(t *testing.T, command string, args ...string) *config.Config {
	t.Helper()
	cfg, _ := config.Default()
	cfg.Capture.Command = command
	cfg.Capture.Args = args
	cfg.Capture.OutputDir = filepath.Join(t.TempDir(), "captures")
	cfg.Capture.TimeoutSec = 2
	return cfg
}

func newCapturer(t *testing.T, cfg *config.Config) *CommandCapturer {
	t.Helper()
	c, err := NewCommandCapturer(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("new capturer: %v", err)
	}
	return c
}

func TestCaptureWritesFileAndKeepsLatest(t *testing.T) {
	cfg := testConfig(t, "/bin/sh", "-c", `printf png > "$SENSED_CAPTURE_PATH"`)
	c := newCapturer(t, cfg)

	first, err := c.Capture(context.Background())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := os.Stat(first.Path); err != nil {
		t.Fatalf("capture file missing: %v", err)
	}
	second, err := c.Capture(context.Background())
	if err != nil {
		t.Fatalf("second capture: %v", err)
	}
	if second.Path == first.Path {
		t.Fatalf("captures should use distinct paths")
	}
	if _, err := os.Stat(first.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("previous capture should be removed, stat err = %v", err)
	}
	last, ok := c.Last()
	if !ok || last.Path != second.Path {
		t.Fatalf("last = %+v, want %s", last, second.Path)
	}
}

func TestInheritedCaptureIsReplaced(t *testing.T) {
	cfg := testConfig(t, "/bin/sh", "-c", `printf png > "$SENSED_CAPTURE_PATH"`)
	old := newCapturer(t, cfg)
	first, err := old.Capture(context.Background())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	next := newCapturer(t, cfg)
	next.Inherit(old)
	if last, ok := next.Last(); !ok || last.Path != first.Path {
		t.Fatalf("inherited last = %+v, %v", last, ok)
	}
	if _, err := next.Capture(context.Background()); err != nil {
		t.Fatalf("capture after inherit: %v", err)
	}
	if _, err := os.Stat(first.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file from the replaced capturer should be removed, stat err = %v", err)
	}
}

func TestCapturePlaceholderInArgs(t *testing.T) {
	cfg := testConfig(t, "/bin/sh", "-c", `printf png > "$1"`, "sh", PathPlaceholder)
	c := newCapturer(t, cfg)
	res, err := c.Capture(context.Background())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if filepath.Dir(res.Path) != cfg.Capture.OutputDir {
		t.Fatalf("capture written outside output dir: %s", res.Path)
	}
}

func TestCaptureFailures(t *testing.T) {
	cases := []struct {
		name    string
		command string
		args    []string
		timeout float64
	}{
		{"missing command", "", nil, 1},
		{"non-zero exit", "/bin/sh", []string{"-c", "exit 3"}, 1},
		{"no output file", "/bin/sh", []string{"-c", "true"}, 1},
		{"empty output file", "/bin/sh", []string{"-c", `: > "$SENSED_CAPTURE_PATH"`}, 1},
		{"timeout", "/bin/sh", []string{"-c", "exec sleep 5"}, 0.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, tc.command, tc.args...)
			cfg.Capture.TimeoutSec = tc.timeout
			c := newCapturer(t, cfg)
			start := time.Now()
			_, err := c.Capture(context.Background())
			if !errors.Is(err, ErrCaptureFailed) {
				t.Fatalf("expected ErrCaptureFailed, got %v", err)
			}
			if time.Since(start) > 3*time.Second {
				t.Fatalf("capture did not honor timeout")
			}
			if _, ok := c.Last(); ok {
				t.Fatalf("failed capture must not become the last result")
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	argv, err := ParseCommand(`screencapture -x -t "png"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(argv) != 4 || argv[0] != "screencapture" || argv[3] != "png" {
		t.Fatalf("argv = %q", argv)
	}
	if argv, _ := ParseCommand("   "); len(argv) != 0 {
		t.Fatalf("blank command should parse empty, got %q", argv)
	}
}

func TestExpandArgsAppendsPath(t *testing.T) {
	got := expandArgs([]string{"-x"}, "/tmp/a.png")
	if len(got) != 2 || got[1] != "/tmp/a.png" {
		t.Fatalf("got %q", got)
	}
	got = expandArgs([]string{"--out=${path}"}, "/tmp/a.png")
	if len(got) != 1 || got[0] != "--out=/tmp/a.png" {
		t.Fatalf("got %q", got)
	}
}
