package control

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"sensed/internal/cadence"
	"sensed/internal/capture"
	"sensed/internal/config"
	"sensed/internal/doctor"
	"sensed/internal/listen"
	"sensed/internal/logging"

	"github.com/spf13/cobra"
)

// call loads the config and sends one request to the daemon.
func call(cfgPath string, req Request, resp any) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	return Call(cfg.Paths.SocketPath, req, resp)
}

// simple sends req and prints the daemon's message, failing on !OK.
func simple(cmd *cobra.Command, cfgPath string, req Request) error {
	var resp SimpleResponse
	if err := call(cfgPath, req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", req.Op, resp.Message)
	}
	cmd.Println(resp.Message)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewStatusCmd queries daemon status.
func NewStatusCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status Status
			if err := call(*cfgPath, Request{Op: OpStatus}, &status); err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(status)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "running: %v\nuptime: %.1fs\n", status.Running, status.UptimeSec)
			printSchedule(out, status.Schedule)
			printListener(out, status.Listener)
			if c := status.LastCapture; c != nil {
				fmt.Fprintf(out, "last capture: %s (%s)\n", c.Path, c.TakenAt.Format("15:04:05"))
			}
			s := status.Stats
			fmt.Fprintf(out, "utterances: %d (discarded %d, cutoff %d, duplicates %d)\n",
				s.Utterances, s.Discarded, s.Cutoffs, s.DuplicateUtterances)
			fmt.Fprintf(out, "recognized: %d (empty %d, failed %d, stale %d)\n",
				s.Recognized, s.Empty, s.Failed, s.StaleResults)
			for _, t := range status.Transcripts {
				fmt.Fprintf(out, "%s  %s\n", t.Timestamp.Format("15:04:05"), t.Text)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

func printSchedule(out io.Writer, s cadence.Schedule) {
	if !s.Running {
		fmt.Fprintln(out, "capture: stopped")
		return
	}
	fmt.Fprintf(out, "capture: %s every %.1fs\n", s.Mode, s.IntervalSeconds)
}

func printListener(out io.Writer, st listen.ListenerState) {
	switch {
	case st.TestRunning:
		fmt.Fprintln(out, "listening: microphone test running")
	case !st.IsListening:
		fmt.Fprintln(out, "listening: off")
	default:
		fmt.Fprintf(out, "listening: %s (session %s)", st.VadState, st.SessionID)
		if st.RecordingDurationSecs > 0 {
			fmt.Fprintf(out, " recording %.1fs, %d samples", st.RecordingDurationSecs, st.BufferedSampleCount)
		}
		fmt.Fprintln(out)
	}
	if st.LastTranscription != nil {
		fmt.Fprintf(out, "last heard: %q\n", *st.LastTranscription)
	}
}

// NewStateCmd prints the listener snapshot.
func NewStateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the listener state (VAD, recording, last transcription)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st listen.ListenerState
			if err := call(*cfgPath, Request{Op: OpState}, &st); err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}

// NewScheduleCmd prints the capture schedule.
func NewScheduleCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Show the capture mode and interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			var s cadence.Schedule
			if err := call(*cfgPath, Request{Op: OpSchedule}, &s); err != nil {
				return err
			}
			return printJSON(cmd, s)
		},
	}
}

// NewEventsCmd prints the recent notifications kept by the daemon.
func NewEventsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent listener events",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp EventsResponse
			if err := call(*cfgPath, Request{Op: OpEvents}, &resp); err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return printJSON(cmd, resp.Events)
			}
			for _, ev := range resp.Events {
				cmd.Printf("%s  %-20s %s\n", ev.At.Format("15:04:05.000"), ev.Type, describeEvent(ev))
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

func describeEvent(ev listen.Event) string {
	switch ev.Type {
	case listen.EventSpeechEnded:
		if ev.Cutoff {
			return fmt.Sprintf("%.2fs (cut off)", ev.DurationSecs)
		}
		return fmt.Sprintf("%.2fs", ev.DurationSecs)
	case listen.EventVoiceRecognized:
		return fmt.Sprintf("%q", ev.Text)
	case listen.EventError:
		return ev.Error
	case listen.EventDuplicateSuppressed:
		return ev.Fingerprint
	case listen.EventRecognition:
		if r := ev.Recognition; r != nil {
			return fmt.Sprintf("%s task %s status %d", r.Name, r.TaskID, r.Status)
		}
	case listen.EventTestUpdate, listen.EventTestFinished:
		if t := ev.Test; t != nil {
			return fmt.Sprintf("%d samples avg %.4f max %.4f", t.SampleCount, t.AverageVolume, t.MaxVolume)
		}
	}
	return ""
}

// NewHealthCmd pings the control socket.
func NewHealthCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ping the daemon control socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simple(cmd, *cfgPath, Request{Op: OpHealth})
		},
	}
}

// NewTailLogCmd tails the main log file (simple last N lines).
func NewTailLogCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail-log",
		Short: "Show the last log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			n, _ := cmd.Flags().GetInt("lines")
			lines, err := tailFile(cfg.Paths.LogPath, n)
			if err != nil {
				return err
			}
			for _, l := range lines {
				cmd.Println(l)
			}
			return nil
		},
	}
	cmd.Flags().IntP("lines", "n", 50, "number of lines")
	return cmd
}

func tailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// NewTestCaptureCmd runs the capture command once, outside the daemon.
func NewTestCaptureCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "test-capture",
		Short: "Run the capture command once and report the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.Configure(cfg)
			if err != nil {
				return err
			}
			c, err := capture.NewCommandCapturer(cfg, logger)
			if err != nil {
				return err
			}
			res, err := c.Capture(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("captured %s in %s\n", res.Path, res.Elapsed)
			return nil
		},
	}
}

// NewDoctorCmd runs environment checks.
func NewDoctorCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check dependencies and config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			results := doctor.Run(cfg)
			exitCode := 0
			for _, r := range results {
				status := "ok"
				if !r.Pass {
					status = "fail"
					exitCode = 1
				}
				cmd.Printf("%-16s %-4s %s\n", r.Name, status, r.Detail)
			}
			if exitCode != 0 {
				return fmt.Errorf("doctor found issues")
			}
			return nil
		},
	}
}
