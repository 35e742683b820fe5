package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ErrConfigurationMissing reports that a transcription provider lacks the
// credentials or settings it needs.
var ErrConfigurationMissing = errors.New("configuration missing")

// Credentials carries provider secrets. They never live in config.toml.
type Credentials struct {
	OpenAIKey string
	NLSAppKey string
	NLSToken  string
}

const (
	envOpenAIKey = "SENSED_OPENAI_API_KEY"
	envNLSAppKey = "SENSED_NLS_APPKEY"
	envNLSToken  = "SENSED_NLS_TOKEN"
)

// ResolveCredentials reads provider secrets from the process environment,
// falling back to the optional .env file under the state dir. The file is
// re-read on every call so a fixed .env takes effect without a restart.
func ResolveCredentials(cfg *Config) (Credentials, error) {
	fileEnv := map[string]string{}
	if cfg.Paths.EnvPath != "" {
		if m, err := godotenv.Read(cfg.Paths.EnvPath); err == nil {
			fileEnv = m
		} else if !errors.Is(err, os.ErrNotExist) {
			return Credentials{}, fmt.Errorf("read %s: %w", cfg.Paths.EnvPath, err)
		}
	}
	lookup := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(fileEnv[key])
	}
	creds := Credentials{
		OpenAIKey: lookup(envOpenAIKey),
		NLSAppKey: lookup(envNLSAppKey),
		NLSToken:  lookup(envNLSToken),
	}

	switch strings.ToLower(cfg.ASR.Provider) {
	case "openai":
		if creds.OpenAIKey == "" {
			return creds, fmt.Errorf("%s not set: %w", envOpenAIKey, ErrConfigurationMissing)
		}
	case "nls":
		if creds.NLSAppKey == "" || creds.NLSToken == "" {
			return creds, fmt.Errorf("%s/%s not set: %w", envNLSAppKey, envNLSToken, ErrConfigurationMissing)
		}
	case "whisper":
		if _, err := os.Stat(os.ExpandEnv(cfg.ASR.ModelPath)); err != nil {
			return creds, fmt.Errorf("model %s: %w", cfg.ASR.ModelPath, ErrConfigurationMissing)
		}
	case "command":
		if strings.TrimSpace(cfg.ASR.Command) == "" {
			return creds, fmt.Errorf("asr.command not set: %w", ErrConfigurationMissing)
		}
	default:
		return creds, fmt.Errorf("unknown asr.provider %q: %w", cfg.ASR.Provider, ErrConfigurationMissing)
	}
	return creds, nil
}
