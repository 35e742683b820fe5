package main

import (
	"flag"
	"fmt"
	"os"

	"sensed/internal/config"

	"github.com/pelletier/go-toml/v2"
)

// showcfg prints the effective config after presets and env overrides.
func main() {
	path := flag.String("config", "", "config file")
	flag.Parse()
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("# %s\n%s", cfg.Paths.ConfigPath, out)
	fmt.Printf("# capture every %s while active, dedup window %s, vad preset %s\n",
		cfg.ActiveInterval(), cfg.DedupWindow(), cfg.VAD.Preset)
}
