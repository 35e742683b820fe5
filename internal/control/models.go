package control

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sensed/internal/config"

	"github.com/spf13/cobra"
)

const defaultModel = "ggml-base-q5_1.bin"

// simple registry of known ggml models.
var modelRegistry = map[string]string{
	"ggml-base-q5_1.bin":           "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base-q5_1.bin",
	"ggml-small-q5_1.bin":          "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small-q5_1.bin",
	"ggml-medium-q5_1.bin":         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium-q5_1.bin",
	"ggml-large-v3-turbo-q8_0.bin": "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3-turbo-q8_0.bin",
}

// NewModelsCmd wires up the models subcommands (list/download/set) for the
// local whisper provider.
func NewModelsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List/download/set whisper models",
	}
	cmd.AddCommand(newModelsListCmd(cfgPath))
	cmd.AddCommand(newModelsDownloadCmd(cfgPath))
	cmd.AddCommand(newModelsSetCmd(cfgPath))
	return cmd
}

func modelDir(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, "models")
}

// resolveModelPath maps a bare registry name into the model dir.
func resolveModelPath(cfg *config.Config, val string) string {
	if strings.ContainsRune(val, filepath.Separator) {
		return os.ExpandEnv(val)
	}
	return filepath.Join(modelDir(cfg), val)
}

func newModelsListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known models and those present locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			local := map[string]bool{}
			entries, _ := os.ReadDir(modelDir(cfg))
			for _, e := range entries {
				if !e.IsDir() {
					local[e.Name()] = true
				}
			}
			names := make([]string, 0, len(modelRegistry))
			for n := range modelRegistry {
				names = append(names, n)
			}
			sort.Strings(names)
			current := filepath.Base(cfg.ASR.ModelPath)
			for _, n := range names {
				var marks []string
				if local[n] {
					marks = append(marks, "downloaded")
				}
				if n == current {
					marks = append(marks, "configured")
				}
				if len(marks) > 0 {
					cmd.Printf("- %s (%s)\n", n, strings.Join(marks, ", "))
				} else {
					cmd.Printf("- %s\n", n)
				}
			}
			return nil
		},
	}
}

func newModelsDownloadCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "download [model]",
		Short: "Download a model from the registry (default: the configured one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			name := filepath.Base(cfg.ASR.ModelPath)
			dest := os.ExpandEnv(cfg.ASR.ModelPath)
			if len(args) == 1 {
				name = args[0]
				dest = resolveModelPath(cfg, name)
			}
			if _, ok := modelRegistry[name]; !ok {
				if len(args) == 1 {
					return fmt.Errorf("unknown model %q; run models list", name)
				}
				name = defaultModel
				dest = resolveModelPath(cfg, name)
			}
			if _, err := os.Stat(dest); err == nil {
				cmd.Println("model already present at", dest)
				return nil
			}
			cmd.Printf("downloading %s -> %s\n", name, dest)
			return download(cmd.Context(), modelRegistry[name], dest)
		},
	}
}

// download fetches url into dest through a .part file.
func download(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

func newModelsSetCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <model-name-or-path>",
		Short: "Set asr.model_path in config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			cfg.ASR.ModelPath = resolveModelPath(cfg, args[0])
			if err := config.Save(cfg, cfg.Paths.ConfigPath); err != nil {
				return err
			}
			cmd.Printf("model set to %s\n", cfg.ASR.ModelPath)
			return nil
		},
	}
}
