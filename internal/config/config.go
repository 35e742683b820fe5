package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultActiveIntervalSec = 5.0
	defaultDedupWindowSec    = 5.0
	defaultEventCacheSize    = 100
	defaultStatusTail        = 10
	defaultEventTail         = 50
	defaultStateDirLinux     = ".local/state/sensed"
	defaultConfigDir         = ".config/sensed"
)

// VAD presets.
const (
	PresetDefault    = "default"
	PresetLivestream = "livestream"
	PresetCustom     = "custom"
)

// Config holds user configuration loaded from TOML.
type Config struct {
	Capture struct {
		Enabled           bool     `toml:"enabled"`
		Command           string   `toml:"command"`
		Args              []string `toml:"args"`
		OutputDir         string   `toml:"output_dir"`
		ActiveIntervalSec float64  `toml:"active_interval_sec"`
		TimeoutSec        float64  `toml:"timeout_sec"`
		OnSpeech          bool     `toml:"on_speech"`
	} `toml:"capture"`

	VAD struct {
		Preset                string  `toml:"preset"` // default, livestream, custom
		VolumeThreshold       float64 `toml:"volume_threshold"`
		SilenceDurationSecs   float64 `toml:"silence_duration_secs"`
		MinSpeechDurationSecs float64 `toml:"min_speech_duration_secs"`
		MaxSpeechDurationSecs float64 `toml:"max_speech_duration_secs"`
	} `toml:"vad"`

	Audio struct {
		DeviceName         string `toml:"device_name"`
		SampleRate         int    `toml:"sample_rate"`
		Channels           int    `toml:"channels"`
		FrameMS            int    `toml:"frame_ms"`
		GateAggressiveness int    `toml:"gate_aggressiveness"` // -1 disables the webrtc gate
	} `toml:"audio"`

	Listen struct {
		AutoStart      bool    `toml:"auto_start"`
		DedupWindowSec float64 `toml:"dedup_window_sec"`
		EventCacheSize int     `toml:"event_cache_size"`
		Language       string  `toml:"language"`
	} `toml:"listen"`

	ASR struct {
		Provider   string   `toml:"provider"` // openai, nls, whisper, command
		Model      string   `toml:"model"`
		ModelPath  string   `toml:"model_path"`
		BaseURL    string   `toml:"base_url"`
		Endpoint   string   `toml:"endpoint"`
		Command    string   `toml:"command"`
		Args       []string `toml:"args"`
		TimeoutSec float64  `toml:"timeout_sec"`
		SaveAudio  bool     `toml:"save_audio"`
	} `toml:"asr"`

	Logging struct {
		Level  string `toml:"level"`  // debug, info, warn, error
		Format string `toml:"format"` // text, json
		Stdout bool   `toml:"stdout"`
	} `toml:"logging"`

	Paths struct {
		StateDir       string `toml:"state_dir"`
		LogPath        string `toml:"log_path"`
		TranscriptPath string `toml:"transcript_path"`
		SocketPath     string `toml:"socket_path"`
		PidPath        string `toml:"pid_path"`
		EnvPath        string `toml:"env_path"`
		ConfigPath     string `toml:"-"`
	} `toml:"paths"`

	UI struct {
		StatusTail int `toml:"status_tail"`
		EventTail  int `toml:"event_tail"`
	} `toml:"ui"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"metrics"`

	Transcripts struct {
		Enabled bool `toml:"enabled"`
	} `toml:"transcripts"`
}

// Default returns Config populated with defaults.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	stateDir := filepath.Join(home, defaultStateDirLinux)
	// macOS prefers ~/Library/Application Support/sensed for state/logs
	if isMac() {
		stateDir = filepath.Join(home, "Library", "Application Support", "sensed")
	}

	cfg := &Config{}

	cfg.Capture.Enabled = true
	cfg.Capture.Command = defaultCaptureCommand()
	cfg.Capture.Args = defaultCaptureArgs()
	cfg.Capture.OutputDir = filepath.Join(stateDir, "captures")
	cfg.Capture.ActiveIntervalSec = defaultActiveIntervalSec
	cfg.Capture.TimeoutSec = 10
	cfg.Capture.OnSpeech = false

	cfg.VAD.Preset = PresetDefault
	applyPreset(cfg)

	cfg.Audio.SampleRate = 16000
	cfg.Audio.Channels = 1
	cfg.Audio.FrameMS = 20
	cfg.Audio.GateAggressiveness = -1

	cfg.Listen.AutoStart = true
	cfg.Listen.DedupWindowSec = defaultDedupWindowSec
	cfg.Listen.EventCacheSize = defaultEventCacheSize
	cfg.Listen.Language = "auto"

	cfg.ASR.Provider = "openai"
	cfg.ASR.Model = "whisper-1"
	cfg.ASR.ModelPath = filepath.Join(stateDir, "models", "ggml-base-q5_1.bin")
	cfg.ASR.Endpoint = "wss://nls-gateway-cn-shanghai.aliyuncs.com/ws/v1"
	cfg.ASR.TimeoutSec = 30
	cfg.ASR.SaveAudio = false

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Paths.StateDir = stateDir
	cfg.Paths.LogPath = filepath.Join(stateDir, "sensed.log")
	cfg.Paths.TranscriptPath = filepath.Join(stateDir, "transcripts.log")
	cfg.Paths.SocketPath = filepath.Join(stateDir, "sensed.sock")
	cfg.Paths.PidPath = filepath.Join(stateDir, "sensed.pid")
	cfg.Paths.EnvPath = filepath.Join(stateDir, ".env")

	cfg.UI.StatusTail = defaultStatusTail
	cfg.UI.EventTail = defaultEventTail

	cfg.Metrics.Enabled = false
	cfg.Metrics.Addr = "127.0.0.1:9318"

	cfg.Transcripts.Enabled = true

	return cfg, nil
}

// Load loads config from file, applying defaults.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, defaultConfigDir, "config.toml")
	}

	// Read if exists; otherwise write template.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := Save(cfg, path); err != nil {
				return nil, err
			}
			cfg.Paths.ConfigPath = path
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Paths.ConfigPath = path
	applyPreset(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes cfg to path.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// ActiveInterval is the capture cadence used while the activity signal is
// active and carries no suggestion.
func (c *Config) ActiveInterval() time.Duration {
	return seconds(c.Capture.ActiveIntervalSec)
}

// CaptureTimeout bounds a single capture command run.
func (c *Config) CaptureTimeout() time.Duration {
	return seconds(c.Capture.TimeoutSec)
}

// DedupWindow is how long a completed fingerprint keeps suppressing repeats.
func (c *Config) DedupWindow() time.Duration {
	return seconds(c.Listen.DedupWindowSec)
}

// ASRTimeout bounds a single transcription call.
func (c *Config) ASRTimeout() time.Duration {
	return seconds(c.ASR.TimeoutSec)
}

// UtteranceDir holds debug WAV dumps of forwarded utterances.
func (c *Config) UtteranceDir() string {
	return filepath.Join(c.Paths.StateDir, "utterances")
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// applyPreset overwrites the VAD thresholds for the named presets. A custom
// preset keeps whatever the file set.
func applyPreset(cfg *Config) {
	switch strings.ToLower(cfg.VAD.Preset) {
	case PresetLivestream:
		// Tolerates game audio and thinking pauses while streaming.
		cfg.VAD.VolumeThreshold = 0.035
		cfg.VAD.SilenceDurationSecs = 2.5
		cfg.VAD.MinSpeechDurationSecs = 0.5
		cfg.VAD.MaxSpeechDurationSecs = 60
	case PresetCustom:
	default:
		cfg.VAD.VolumeThreshold = 0.02
		cfg.VAD.SilenceDurationSecs = 1.5
		cfg.VAD.MinSpeechDurationSecs = 0.3
		cfg.VAD.MaxSpeechDurationSecs = 30
	}
}

func isMac() bool {
	return runtime.GOOS == "darwin"
}

func defaultCaptureCommand() string {
	if isMac() {
		return "screencapture"
	}
	return "grim"
}

func defaultCaptureArgs() []string {
	if isMac() {
		return []string{"-x", "${path}"}
	}
	return []string{"${path}"}
}

// MustStatePaths ensures state dirs exist.
func MustStatePaths(cfg *Config) error {
	for _, p := range []string{
		cfg.Paths.StateDir,
		filepath.Dir(cfg.Paths.LogPath),
		filepath.Dir(cfg.Paths.TranscriptPath),
		cfg.Capture.OutputDir,
	} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENSED_CAPTURE_ENABLED"); v != "" {
		cfg.Capture.Enabled = truthy(v)
	}
	if v := os.Getenv("SENSED_LISTEN_AUTOSTART"); v != "" {
		cfg.Listen.AutoStart = truthy(v)
	}
	if v := os.Getenv("SENSED_ASR_PROVIDER"); v != "" {
		cfg.ASR.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("SENSED_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("SENSED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENSED_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SENSED_TRANSCRIPTS_ENABLED"); v != "" {
		cfg.Transcripts.Enabled = truthy(v)
	}
}

func truthy(v string) bool {
	return v != "0" && strings.ToLower(v) != "false"
}
