// Package doctor runs the environment checks behind `sensed doctor`.
package doctor

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"sensed/internal/capture"
	"sensed/internal/config"
)

// Result represents a diagnostic check.
type Result struct {
	Name   string
	Pass   bool
	Detail string
}

// Run executes doctor checks.
func Run(cfg *config.Config) []Result {
	results := []Result{
		checkFile("config path", cfg.Paths.ConfigPath),
		checkCommand("capture.command", cfg.Capture.Command),
		checkWritableDir("capture dir", cfg.Capture.OutputDir),
		checkWritableDir("state dir", cfg.Paths.StateDir),
		checkCredentials(cfg),
	}
	switch strings.ToLower(cfg.ASR.Provider) {
	case "whisper":
		results = append(results, checkFile("model file", cfg.ASR.ModelPath))
	case "command":
		results = append(results, checkCommand("asr.command", cfg.ASR.Command))
	}
	results = append(results, checkPortAudioPkgConfig(), checkPortAudio())
	return results
}

func checkFile(label, path string) Result {
	if path == "" {
		return Result{Name: label, Pass: false, Detail: "not set"}
	}
	if _, err := os.Stat(os.ExpandEnv(path)); err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	return Result{Name: label, Pass: true, Detail: path}
}

// checkCommand resolves the program named by a command line that may carry
// flags.
func checkCommand(label, raw string) Result {
	argv, err := capture.ParseCommand(raw)
	if err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	if len(argv) == 0 {
		return Result{Name: label, Pass: false, Detail: "not set"}
	}
	path := os.ExpandEnv(argv[0])
	// If contains a path separator, treat as explicit path.
	if strings.ContainsRune(path, filepath.Separator) {
		info, err := os.Stat(path)
		if err != nil {
			return Result{Name: label, Pass: false, Detail: err.Error()}
		}
		if info.IsDir() {
			return Result{Name: label, Pass: false, Detail: "is a directory; set " + label + " to an executable file"}
		}
		if info.Mode().Perm()&0o111 == 0 {
			return Result{Name: label, Pass: false, Detail: "not executable; chmod +x or choose another command"}
		}
		return Result{Name: label, Pass: true, Detail: path}
	}
	// Else search PATH.
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	return Result{Name: label, Pass: true, Detail: resolved}
}

func checkWritableDir(label, dir string) Result {
	if dir == "" {
		return Result{Name: label, Pass: false, Detail: "not set"}
	}
	dir = os.ExpandEnv(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return Result{Name: label, Pass: true, Detail: dir}
}

func checkCredentials(cfg *config.Config) Result {
	label := "credentials"
	if _, err := config.ResolveCredentials(cfg); err != nil {
		detail := err.Error()
		if errors.Is(err, config.ErrConfigurationMissing) {
			detail += " (set it in the environment or " + cfg.Paths.EnvPath + ")"
		}
		return Result{Name: label, Pass: false, Detail: detail}
	}
	return Result{Name: label, Pass: true, Detail: "asr.provider " + cfg.ASR.Provider}
}

func checkPortAudioPkgConfig() Result {
	pkg, err := exec.LookPath("pkg-config")
	if err != nil {
		return Result{Name: "pkg-config", Pass: false, Detail: "pkg-config not found (brew install pkg-config)"}
	}
	cmd := exec.Command(pkg, "--exists", "portaudio-2.0")
	if err := cmd.Run(); err != nil {
		return Result{Name: "portaudio", Pass: false, Detail: "portaudio-2.0 not found (brew install portaudio)"}
	}
	// Optional display version
	versionCmd := exec.Command(pkg, "--modversion", "portaudio-2.0")
	if out, err := versionCmd.Output(); err == nil {
		return Result{Name: "portaudio", Pass: true, Detail: strings.TrimSpace(string(out))}
	}
	return Result{Name: "portaudio", Pass: true, Detail: "found via pkg-config"}
}
