package main

import (
	"fmt"
	"os"

	"sensed/internal/control"
	"sensed/internal/daemon"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	root := &cobra.Command{
		Use:   "sensed",
		Short: "sensed: adaptive screen capture and listening daemon",
		Long: `sensed captures the screen on an adaptive cadence (fast while you are active,
every 15s when idle) and listens on the mic: speech is segmented by volume,
duplicates are suppressed and each utterance is transcribed by the configured provider.

Key commands:
  start|stop|restart          Daemon lifecycle
  status|state|schedule       Snapshot, listener state, capture cadence
  signal|refresh|capture      Drive the capture cadence
  listen start|stop           Listening session
  mictest start|stop|status   Microphone level test
  events [--json]             Recent coordinator events
  replay <wav>                Run a recording through VAD and transcription
  mic|models|doctor           Devices, whisper models, environment checks

Notable flags/env:
  --metrics-addr <addr>       Enable /metrics (Prometheus text)
  --no-capture, --no-listen   Start with capture or listening off
  Env overrides: SENSED_CAPTURE_ENABLED, SENSED_LISTEN_AUTOSTART,
                 SENSED_ASR_PROVIDER, SENSED_METRICS_ADDR,
                 SENSED_LOG_LEVEL/FORMAT, SENSED_TRANSCRIPTS_ENABLED`,
		Example: `  sensed start --metrics-addr 127.0.0.1:9318
  sensed signal --idle
  sensed listen start
  sensed mictest start --watch
  sensed replay ~/clip.wav`,
		DisableFlagsInUseLine: true,
	}

	root.Version = version
	root.SetVersionTemplate("sensed v{{.Version}}\n")

	cfgPath := root.PersistentFlags().StringP("config", "c", "", "Path to config file (TOML). Defaults to ~/.config/sensed/config.toml")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(daemon.NewStartCmd(cfgPath))
	root.AddCommand(daemon.NewStopCmd(cfgPath))
	root.AddCommand(daemon.NewRestartCmd(cfgPath))
	root.AddCommand(control.NewStatusCmd(cfgPath))
	root.AddCommand(control.NewStateCmd(cfgPath))
	root.AddCommand(control.NewScheduleCmd(cfgPath))
	root.AddCommand(control.NewSignalCmd(cfgPath))
	root.AddCommand(control.NewRefreshCmd(cfgPath))
	root.AddCommand(control.NewCaptureCmd(cfgPath))
	root.AddCommand(control.NewListenCmd(cfgPath))
	root.AddCommand(control.NewMicTestCmd(cfgPath))
	root.AddCommand(control.NewEventsCmd(cfgPath))
	root.AddCommand(control.NewReloadCmd(cfgPath))
	root.AddCommand(control.NewHealthCmd(cfgPath))
	root.AddCommand(control.NewTailLogCmd(cfgPath))
	root.AddCommand(control.NewTestCaptureCmd(cfgPath))
	root.AddCommand(control.NewReplayCmd(cfgPath))
	root.AddCommand(control.NewMicCmd(cfgPath))
	root.AddCommand(control.NewModelsCmd(cfgPath))
	root.AddCommand(control.NewDoctorCmd(cfgPath))

	// Hidden internal serve command used by start.
	root.AddCommand(daemon.NewServeCmd(cfgPath))

	applyColorHelp(root)

	return root.Execute()
}

func applyColorHelp(root *cobra.Command) {
	const (
		boldBlue = "\033[1;34m"
		green    = "\033[32m"
		bold     = "\033[1m"
		dim      = "\033[2m"
		reset    = "\033[0m"
	)
	defaultHelp := root.HelpFunc()
	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != root {
			defaultHelp(cmd, args)
			return
		}
		out := cmd.OutOrStdout()
		write := func(format string, args ...any) { _, _ = fmt.Fprintf(out, format, args...) }
		writeln := func(line string) { _, _ = fmt.Fprintln(out, line) }

		write("%ssensed%s: adaptive capture and listening daemon %s(v%s)%s\n", boldBlue, reset, dim, version, reset)
		write("%sCaptures the screen on an activity-driven cadence and transcribes what it hears.%s\n\n", dim, reset)

		write("%sUsage%s\n", bold, reset)
		write("  sensed [command] [flags]\n\n")

		write("%sKey commands%s\n", bold, reset)
		writeln("  start|stop|restart          daemon lifecycle")
		writeln("  status [--json]             uptime, cadence, listener, last transcripts")
		writeln("  signal --active|--idle      report user activity to the capture cadence")
		writeln("  listen start|stop           open or close a listening session")
		writeln("  mictest start|stop|status   measure microphone levels")
		writeln("  events [--json]             recent speech/recognition events")
		writeln("  replay <wav>                feed a recording through the pipeline")
		writeln("  mic list|set                select input device (alias: microphone, mics)")
		writeln("  models list|download|set    manage whisper.cpp models")
		writeln("  doctor                      check capture command, credentials, portaudio")
		writeln("")

		write("%sNotable flags & env%s\n", bold, reset)
		writeln("  --metrics-addr <addr>   enable /metrics (Prometheus)")
		writeln("  --no-capture            keep the capture loop stopped")
		writeln("  --no-listen             skip listening at startup")
		writeln("  -c, --config <path>     config file (default ~/.config/sensed/config.toml)")
		writeln("  Env: SENSED_CAPTURE_ENABLED=0, SENSED_LISTEN_AUTOSTART=0,")
		writeln("       SENSED_ASR_PROVIDER=command, SENSED_METRICS_ADDR=host:port,")
		writeln("       SENSED_LOG_LEVEL=debug, SENSED_LOG_FORMAT=json")
		writeln("")

		write("%sExamples%s\n", bold, reset)
		writeln("  sensed start --metrics-addr 127.0.0.1:9318")
		writeln("  sensed signal --active --interval 3")
		writeln("  sensed schedule")
		writeln("  sensed listen start")
		writeln("  sensed mictest start --watch")
		writeln("  sensed replay ~/clip.wav --json")
		writeln("  sensed models download ggml-small-q5_1.bin")
		writeln("")

		write("%sCommands%s\n", bold, reset)
		for _, c := range cmd.Commands() {
			if c.Hidden {
				continue
			}
			write("  %s%-15s%s %s\n", green, c.Name(), reset, c.Short)
		}
	})
}
