package logging

import (
	"path/filepath"
	"testing"
	"time"

	"sensed/internal/config"

	"github.com/sirupsen/logrus"
)

func TestConfigureLevelAndFormat(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := config.Default()
	cfg.Paths.StateDir = dir
	cfg.Paths.LogPath = filepath.Join(dir, "sensed.log")
	cfg.Paths.TranscriptPath = filepath.Join(dir, "transcripts.log")
	cfg.Capture.OutputDir = filepath.Join(dir, "captures")
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	logger, err := Configure(cfg)
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("formatter = %T", logger.Formatter)
	}
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(time.Hour)
	n := 0
	for i := 0; i < 5; i++ {
		th.Do(func() { n++ })
	}
	if n != 1 {
		t.Fatalf("throttle ran %d times, want 1", n)
	}
}
