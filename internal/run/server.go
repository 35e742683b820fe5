package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"sensed/internal/asr"
	"sensed/internal/audio"
	"sensed/internal/cadence"
	"sensed/internal/capture"
	"sensed/internal/config"
	"sensed/internal/control"
	"sensed/internal/dedup"
	"sensed/internal/listen"
	"sensed/internal/logging"
	"sensed/internal/vad"

	"github.com/sirupsen/logrus"
)

const captureWarnInterval = time.Minute

// SourceFunc opens the audio sample source for a listening session or test.
type SourceFunc func(cfg *config.Config, logger *logrus.Logger) (audio.Source, error)

// deps are the pieces tests replace.
type deps struct {
	timer     cadence.Timer
	capturer  capture.Capturer
	newSource SourceFunc
	newASR    func(cfg *config.Config, sink asr.EventSink) (asr.Transcriber, error)
}

// Server wires the capture cadence, the listening coordinator, metrics and
// the control socket.
type Server struct {
	logger    *logrus.Logger
	startedAt time.Time
	lastHeard atomic.Int64

	cfgMu    sync.RWMutex
	cfg      *config.Config
	capturer capture.Capturer

	cadence   *cadence.Controller
	coord     *listen.Coordinator
	signals   chan cadence.ActivitySignal
	newSource SourceFunc
	newASR    func(cfg *config.Config, sink asr.EventSink) (asr.Transcriber, error)

	captureWarn *logging.Throttle
	metrics     *metrics

	lastCaptureMu sync.Mutex
	lastCapture   *capture.Result

	eventsMu sync.Mutex
	events   []listen.Event

	transcriptsMu sync.Mutex
	transcripts   []control.Transcript

	audioMu sync.Mutex
	audio   *pump

	ctx context.Context
	wg  sync.WaitGroup
}

// Serve runs the daemon until interrupted.
func Serve(cfg *config.Config, logger *logrus.Logger) error {
	if err := config.MustStatePaths(cfg); err != nil {
		return err
	}
	// Write pid file.
	if err := os.WriteFile(cfg.Paths.PidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(cfg.Paths.PidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("remove pid file: %v", err)
		}
	}()
	// Ensure socket removed
	if err := os.Remove(cfg.Paths.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debugf("remove stale socket: %v", err)
	}

	timer, err := cadence.NewSchedulerTimer()
	if err != nil {
		return fmt.Errorf("capture scheduler: %w", err)
	}
	defer func() {
		if err := timer.Shutdown(); err != nil {
			logger.Warnf("capture scheduler shutdown: %v", err)
		}
	}()
	capturer, err := capture.NewCommandCapturer(cfg, logger)
	if err != nil {
		// Keep listening; captures fail until the config is fixed and reloaded.
		logger.Errorf("capture init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newServer(ctx, cfg, logger, deps{
		timer:     timer,
		capturer:  capturerOrNil(capturer),
		newSource: audio.NewMic,
		newASR: func(cfg *config.Config, sink asr.EventSink) (asr.Transcriber, error) {
			return asr.New(cfg, logger, sink)
		},
	})

	// Control socket
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.controlLoop(ctx)
	}()

	// Metrics server
	if cfg.Metrics.Enabled {
		go srv.metrics.serve(ctx, cfg.Metrics.Addr, logger)
	}

	// Config hot reload
	go func() {
		if err := config.Watch(ctx, cfg.Paths.ConfigPath, logger, srv.applyConfig); err != nil {
			logger.Warnf("config watch: %v", err)
		}
	}()

	srv.startComponents()

	// Handle signals
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case s := <-sigCh:
		logger.Infof("received signal %s, shutting down", s)
	case <-ctx.Done():
	}
	cancel()
	srv.shutdown()
	return nil
}

// capturerOrNil keeps a nil *CommandCapturer from becoming a non-nil
// interface.
func capturerOrNil(c *capture.CommandCapturer) capture.Capturer {
	if c == nil {
		return nil
	}
	return c
}

func newServer(ctx context.Context, cfg *config.Config, logger *logrus.Logger, d deps) *Server {
	s := &Server{
		logger:      logger,
		startedAt:   time.Now(),
		cfg:         cfg,
		capturer:    d.capturer,
		signals:     make(chan cadence.ActivitySignal, 16),
		newSource:   d.newSource,
		newASR:      d.newASR,
		captureWarn: logging.NewThrottle(captureWarnInterval),
		transcripts: make([]control.Transcript, 0, cfg.UI.StatusTail),
		ctx:         ctx,
	}
	s.cadence = cadence.New(cadence.Options{
		ActiveInterval: cfg.ActiveInterval(),
		Timer:          d.timer,
		Capturer:       s,
		Logger:         logger,
		OnResult:       s.onCapture,
	})
	s.coord = listen.New(listen.Options{
		Credentials:       asr.CredentialFunc(func() (config.Credentials, error) { return config.ResolveCredentials(s.config()) }),
		Guard:             dedup.NewGuard(cfg.DedupWindow()),
		Events:            dedup.NewEventCache(cfg.Listen.EventCacheSize),
		Sink:              s,
		Logger:            logger,
		Language:          cfg.Listen.Language,
		TranscribeTimeout: cfg.ASRTimeout(),
	})
	s.installTranscriber(cfg)
	s.metrics = newMetrics(s.cadence.Schedule, s.coord.State, s.coord.Stats)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cadence.Subscribe(ctx, s.signals)
	}()
	return s
}

func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// startComponents applies the auto-start settings.
func (s *Server) startComponents() {
	cfg := s.config()
	if cfg.Capture.Enabled {
		if err := s.cadence.Start(0); err != nil {
			s.logger.Errorf("capture start: %v", err)
		}
	}
	if cfg.Listen.AutoStart {
		if _, err := s.startListening(); err != nil {
			s.logger.Errorf("listen start: %v", err)
		}
	}
}

func (s *Server) shutdown() {
	s.cadence.Stop()
	if err := s.coord.StopListening(); err != nil && !errors.Is(err, listen.ErrNotListening) {
		s.logger.Warnf("stop listening: %v", err)
	}
	_, _ = s.coord.StopTest()
	s.stopAudio()
	s.coord.Close()
	s.wg.Wait()
}

func (s *Server) installTranscriber(cfg *config.Config) {
	t, err := s.newASR(cfg, s.coord)
	if err != nil {
		// Dispatches report the problem as error events until a reload fixes it.
		s.logger.Errorf("asr init: %v", err)
		t = nil
	}
	s.coord.SetTranscriber(t, cfg.Listen.Language)
}

// Capture runs the current capturer; it lets a reload swap the command
// without restarting the cadence controller.
func (s *Server) Capture(ctx context.Context) (capture.Result, error) {
	s.cfgMu.RLock()
	c := s.capturer
	s.cfgMu.RUnlock()
	if c == nil {
		return capture.Result{}, fmt.Errorf("%w: capture command not configured", capture.ErrCaptureFailed)
	}
	return c.Capture(ctx)
}

func (s *Server) onCapture(reason string, res capture.Result, err error) {
	s.metrics.observeCapture(reason, res.Elapsed, err)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.captureWarn.Do(func() {
			s.logger.Warnf("capture (%s): %v", reason, err)
		})
		return
	}
	s.logger.Debugf("capture (%s): %s in %s", reason, res.Path, res.Elapsed.Round(time.Millisecond))
	s.lastCaptureMu.Lock()
	s.lastCapture = &res
	s.lastCaptureMu.Unlock()
}

func (s *Server) copyLastCapture() *capture.Result {
	s.lastCaptureMu.Lock()
	defer s.lastCaptureMu.Unlock()
	if s.lastCapture == nil {
		return nil
	}
	res := *s.lastCapture
	return &res
}

// Notify receives every coordinator notification.
func (s *Server) Notify(ev listen.Event) {
	s.metrics.observeEvent(ev)
	s.recordEvent(ev)
	switch ev.Type {
	case listen.EventSpeechStarted:
		if s.config().Capture.OnSpeech {
			s.cadence.Refresh()
		}
	case listen.EventVoiceRecognized:
		s.lastHeard.Store(time.Now().UnixNano())
		s.recordTranscript(ev.Text)
	case listen.EventTestFinished:
		// Called from the sample pump; release the source off that goroutine.
		go s.releaseAudio()
	}
}

func (s *Server) recordEvent(ev listen.Event) {
	limit := s.config().UI.EventTail
	if limit <= 0 {
		return
	}
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events = append(s.events, ev)
	if len(s.events) > limit {
		s.events = s.events[len(s.events)-limit:]
	}
}

func (s *Server) copyEvents() []listen.Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	out := make([]listen.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Server) recordTranscript(text string) {
	cfg := s.config()
	if !cfg.Transcripts.Enabled {
		return
	}
	entry := control.Transcript{
		Text:      text,
		Timestamp: time.Now(),
	}
	s.transcriptsMu.Lock()
	defer s.transcriptsMu.Unlock()
	s.transcripts = append(s.transcripts, entry)
	if len(s.transcripts) > cfg.UI.StatusTail {
		s.transcripts = s.transcripts[len(s.transcripts)-cfg.UI.StatusTail:]
	}
	// append to file
	f, err := os.OpenFile(cfg.Paths.TranscriptPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		if _, err := fmt.Fprintf(f, "%s\t%s\n", entry.Timestamp.Format(time.RFC3339), entry.Text); err != nil {
			s.logger.Warnf("write transcript: %v", err)
		}
		_ = f.Close()
	}
}

func (s *Server) copyTranscripts() []control.Transcript {
	s.transcriptsMu.Lock()
	defer s.transcriptsMu.Unlock()
	out := make([]control.Transcript, len(s.transcripts))
	copy(out, s.transcripts)
	return out
}

// vadConfig builds the thresholds for the next listening session.
func vadConfig(cfg *config.Config) vad.Config {
	return vad.Config{
		VolumeThreshold:       cfg.VAD.VolumeThreshold,
		SilenceDurationSecs:   cfg.VAD.SilenceDurationSecs,
		MinSpeechDurationSecs: cfg.VAD.MinSpeechDurationSecs,
		MaxSpeechDurationSecs: cfg.VAD.MaxSpeechDurationSecs,
	}
}

func (s *Server) startListening() (string, error) {
	cfg := s.config()
	id, err := s.coord.StartListening(vadConfig(cfg), cfg.Audio.SampleRate)
	if err != nil {
		return "", err
	}
	if err := s.startAudio(); err != nil {
		_ = s.coord.StopListening()
		return "", err
	}
	return id, nil
}

func (s *Server) stopListening() error {
	if err := s.coord.StopListening(); err != nil {
		return err
	}
	s.releaseAudio()
	return nil
}

func (s *Server) startTest() error {
	if err := s.coord.StartTest(); err != nil {
		return err
	}
	if err := s.startAudio(); err != nil {
		_, _ = s.coord.StopTest()
		return err
	}
	return nil
}

func (s *Server) stopTest() (listen.TestSummary, error) {
	sum, err := s.coord.StopTest()
	s.releaseAudio()
	return sum, err
}

// applyConfig takes a reloaded config. Paths stay fixed for the daemon's
// lifetime; VAD thresholds apply to the next listening session.
func (s *Server) applyConfig(next *config.Config) {
	s.cfgMu.Lock()
	prev := s.cfg
	next.Paths = prev.Paths
	var capturer capture.Capturer
	if c, err := capture.NewCommandCapturer(next, s.logger); err != nil {
		s.logger.Errorf("capture reload: %v", err)
		capturer = s.capturer
	} else {
		if prevCap, ok := s.capturer.(*capture.CommandCapturer); ok {
			c.Inherit(prevCap)
		}
		capturer = c
	}
	s.cfg = next
	s.capturer = capturer
	s.cfgMu.Unlock()

	s.cadence.SetActiveInterval(next.ActiveInterval())
	s.installTranscriber(next)

	running := s.cadence.Schedule().Running
	switch {
	case next.Capture.Enabled && !running:
		if err := s.cadence.Start(0); err != nil {
			s.logger.Errorf("capture start: %v", err)
		}
	case !next.Capture.Enabled && running:
		s.cadence.Stop()
	}
	s.logger.Infof("config applied: provider %s, active interval %s, vad preset %s",
		next.ASR.Provider, next.ActiveInterval(), next.VAD.Preset)
}

func (s *Server) reload() error {
	cfg, err := config.Load(s.config().Paths.ConfigPath)
	if err != nil {
		return err
	}
	s.applyConfig(cfg)
	return nil
}
