package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"sensed/internal/asr"
	"sensed/internal/audio"
	"sensed/internal/config"
	"sensed/internal/dedup"
	"sensed/internal/listen"
	"sensed/internal/logging"
	"sensed/internal/vad"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewReplayCmd runs a WAV file through the listening pipeline without the
// daemon: VAD, dedup guard and the configured transcriber.
func NewReplayCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <wavfile>",
		Short: "Feed a WAV file through VAD and transcription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.Configure(cfg)
			if err != nil {
				return err
			}
			realtime, _ := cmd.Flags().GetBool("realtime")
			jsonOut, _ := cmd.Flags().GetBool("json")
			src, err := audio.OpenWAV(args[0], cfg.Audio.FrameMS, realtime)
			if err != nil {
				return err
			}
			show := func(ev listen.Event) {
				if jsonOut {
					_ = json.NewEncoder(cmd.OutOrStdout()).Encode(ev)
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", ev.Type, describeEvent(ev))
			}
			return replay(cmd.Context(), cfg, logger, src, show)
		},
	}
	cmd.Flags().Bool("realtime", false, "pace samples at recording speed")
	cmd.Flags().Bool("json", false, "print events as JSON lines")
	return cmd
}

// replay drives one listening session over src and reports every event.
func replay(ctx context.Context, cfg *config.Config, logger *logrus.Logger, src audio.Source, emit func(listen.Event)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var mu sync.Mutex
	coord := listen.New(listen.Options{
		Credentials:       asr.ConfigCredentials(cfg),
		Guard:             dedup.NewGuard(cfg.DedupWindow()),
		Events:            dedup.NewEventCache(cfg.Listen.EventCacheSize),
		Logger:            logger,
		Language:          cfg.Listen.Language,
		TranscribeTimeout: cfg.ASRTimeout(),
		Sink: listen.SinkFunc(func(ev listen.Event) {
			mu.Lock()
			defer mu.Unlock()
			emit(ev)
		}),
	})
	t, err := asr.New(cfg, logger, coord)
	if err != nil {
		return err
	}
	coord.SetTranscriber(t, cfg.Listen.Language)

	vcfg := vad.Config{
		VolumeThreshold:       cfg.VAD.VolumeThreshold,
		SilenceDurationSecs:   cfg.VAD.SilenceDurationSecs,
		MinSpeechDurationSecs: cfg.VAD.MinSpeechDurationSecs,
		MaxSpeechDurationSecs: cfg.VAD.MaxSpeechDurationSecs,
	}
	if _, err := coord.StartListening(vcfg, src.SampleRate()); err != nil {
		return err
	}

	samples := make(chan vad.Sample, 64)
	runErr := make(chan error, 1)
	go func() {
		defer close(samples)
		runErr <- src.Run(ctx, samples)
	}()
	var last time.Time
	for s := range samples {
		coord.Feed(s)
		last = s.At
	}
	if err := <-runErr; err != nil {
		return err
	}
	// Trailing silence closes speech that runs to the end of the file.
	if !last.IsZero() {
		step := time.Duration(cfg.Audio.FrameMS) * time.Millisecond
		if step <= 0 {
			step = 20 * time.Millisecond
		}
		tail := time.Duration(vcfg.SilenceDurationSecs*float64(time.Second)) + step
		for at := last.Add(step); !at.After(last.Add(tail)); at = at.Add(step) {
			coord.Feed(vad.Sample{At: at})
		}
	}
	coord.Wait()
	return coord.StopListening()
}
