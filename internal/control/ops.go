package control

import (
	"fmt"
	"time"

	"sensed/internal/cadence"
	"sensed/internal/listen"

	"github.com/spf13/cobra"
)

// NewCaptureCmd starts or stops the capture cadence in the running daemon.
func NewCaptureCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Start or stop periodic screen capture",
	}
	for _, action := range []string{"start", "stop"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: action + " the capture timer",
			RunE: func(cmd *cobra.Command, args []string) error {
				return simple(cmd, *cfgPath, Request{Op: OpCapture, Action: action})
			},
		})
	}
	return cmd
}

// NewSignalCmd pushes one activity signal to the capture controller.
func NewSignalCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Send an activity signal (active/idle, interval hint, capture now)",
		Example: `  sensed signal --active --interval 3
  sensed signal --idle
  sensed signal --active --now`,
		RunE: func(cmd *cobra.Command, args []string) error {
			idle, _ := cmd.Flags().GetBool("idle")
			now, _ := cmd.Flags().GetBool("now")
			sig := cadence.ActivitySignal{Active: !idle, CaptureNow: now}
			if cmd.Flags().Changed("interval") {
				secs, _ := cmd.Flags().GetFloat64("interval")
				if secs <= 0 {
					return fmt.Errorf("--interval must be > 0")
				}
				sig.SuggestedIntervalSeconds = &secs
			}
			return simple(cmd, *cfgPath, Request{Op: OpSignal, Signal: &sig})
		},
	}
	cmd.Flags().Bool("active", true, "user is active")
	cmd.Flags().Bool("idle", false, "user is idle")
	cmd.Flags().Float64("interval", 0, "suggested active interval in seconds")
	cmd.Flags().Bool("now", false, "capture immediately as well")
	cmd.MarkFlagsMutuallyExclusive("active", "idle")
	return cmd
}

// NewRefreshCmd takes one out-of-band capture.
func NewRefreshCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Capture once now without touching the schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simple(cmd, *cfgPath, Request{Op: OpRefresh})
		},
	}
}

// NewListenCmd starts or stops the listening session.
func NewListenCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Start or stop listening for speech",
	}
	for _, action := range []string{"start", "stop"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: action + " the listening session",
			RunE: func(cmd *cobra.Command, args []string) error {
				return simple(cmd, *cfgPath, Request{Op: OpListen, Action: action})
			},
		})
	}
	return cmd
}

// NewMicTestCmd drives the diagnostic microphone test.
func NewMicTestCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mictest",
		Short: "Measure microphone volume (auto-stops after 10s)",
	}
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the test; with --watch, print updates until it ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := micTest(*cfgPath, "start")
			if err != nil {
				return err
			}
			watch, _ := cmd.Flags().GetBool("watch")
			if !watch {
				cmd.Println("microphone test started")
				return nil
			}
			deadline := time.Now().Add(listen.MaxTestDuration + 2*time.Second)
			for resp.Running && time.Now().Before(deadline) {
				time.Sleep(500 * time.Millisecond)
				if resp, err = micTest(*cfgPath, "status"); err != nil {
					return err
				}
				if resp.Summary != nil {
					printTestSummary(cmd, *resp.Summary)
				}
			}
			return nil
		},
	}
	start.Flags().Bool("watch", false, "poll and print progress")
	cmd.AddCommand(start)
	for _, action := range []string{"stop", "status"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: action + " the microphone test",
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := micTest(*cfgPath, action)
				if err != nil {
					return err
				}
				if action == "status" && !resp.Running {
					cmd.Println("no test running")
					return nil
				}
				if resp.Summary != nil {
					printTestSummary(cmd, *resp.Summary)
				}
				return nil
			},
		})
	}
	return cmd
}

func micTest(cfgPath, action string) (MicTestResponse, error) {
	var resp MicTestResponse
	if err := call(cfgPath, Request{Op: OpMicTest, Action: action}, &resp); err != nil {
		return resp, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("mictest %s: %s", action, resp.Message)
	}
	return resp, nil
}

func printTestSummary(cmd *cobra.Command, s listen.TestSummary) {
	cmd.Printf("%5.1fs  %4d samples  avg %.4f  max %.4f\n", s.DurationSecs, s.SampleCount, s.AverageVolume, s.MaxVolume)
}
