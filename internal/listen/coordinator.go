// Package listen runs the listening loop: it feeds volume samples through the
// VAD state machine, forwards finalized utterances for recognition with
// duplicate protection, and hosts the diagnostic microphone test.
package listen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sensed/internal/asr"
	"sensed/internal/config"
	"sensed/internal/dedup"
	"sensed/internal/vad"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyListening = errors.New("already listening")
	ErrNotListening     = errors.New("not listening")
	ErrTestRunning      = errors.New("microphone test running")
)

const defaultTranscribeTimeout = 30 * time.Second

// Options configure a Coordinator.
type Options struct {
	Transcriber       asr.Transcriber
	Credentials       asr.CredentialSource
	Guard             *dedup.Guard
	Events            *dedup.EventCache
	Sink              Sink
	Logger            *logrus.Logger
	Language          string
	TranscribeTimeout time.Duration
}

// session is one StartListening..StopListening span. Results from an older
// generation are dropped on arrival.
type session struct {
	id         string
	generation uint64
	detector   *vad.Detector
	lastAt     time.Time
}

// Coordinator owns the listening session and the microphone test.
type Coordinator struct {
	creds   asr.CredentialSource
	guard   *dedup.Guard
	events  *dedup.EventCache
	sink    Sink
	logger  *logrus.Logger
	timeout time.Duration

	testCeiling time.Duration // ends a microphone test in wall time

	// ctx bounds every recognition call; only Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	transcriber       asr.Transcriber
	language          string
	session           *session
	generation        uint64
	lastTranscription *string
	test              *micTest

	inflight sync.WaitGroup
	stats    struct {
		utterances    atomic.Uint64
		discarded     atomic.Uint64
		cutoffs       atomic.Uint64
		dupUtterances atomic.Uint64
		dupEvents     atomic.Uint64
		stale         atomic.Uint64
		recognized    atomic.Uint64
		empty         atomic.Uint64
		failed        atomic.Uint64
		recogEvents   atomic.Uint64
	}
}

// New returns an idle coordinator.
func New(opts Options) *Coordinator {
	if opts.Guard == nil {
		opts.Guard = dedup.NewGuard(dedup.DefaultWindow)
	}
	if opts.Events == nil {
		opts.Events = dedup.NewEventCache(dedup.DefaultEventCapacity)
	}
	if opts.TranscribeTimeout <= 0 {
		opts.TranscribeTimeout = defaultTranscribeTimeout
	}
	if opts.Credentials == nil {
		opts.Credentials = asr.CredentialFunc(func() (config.Credentials, error) {
			return config.Credentials{}, nil
		})
	}
	if opts.Sink == nil {
		opts.Sink = SinkFunc(func(Event) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ctx:         ctx,
		cancel:      cancel,
		transcriber: opts.Transcriber,
		creds:       opts.Credentials,
		guard:       opts.Guard,
		events:      opts.Events,
		sink:        opts.Sink,
		logger:      opts.Logger,
		language:    opts.Language,
		timeout:     opts.TranscribeTimeout,
		testCeiling: MaxTestDuration,
	}
}

// SetTranscriber swaps the provider for later dispatches.
func (c *Coordinator) SetTranscriber(t asr.Transcriber, language string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcriber = t
	c.language = language
}

// StartListening opens a session with thresholds fixed for its lifetime.
func (c *Coordinator) StartListening(cfg vad.Config, sampleRate int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.test != nil {
		return "", ErrTestRunning
	}
	if c.session != nil {
		return "", ErrAlreadyListening
	}
	det, err := vad.NewDetector(cfg, sampleRate)
	if err != nil {
		return "", err
	}
	c.generation++
	c.session = &session{
		id:         uuid.NewString(),
		generation: c.generation,
		detector:   det,
	}
	c.logger.Infof("listening started: session %s (gen %d) threshold %.3f silence %.1fs",
		c.session.id, c.generation, cfg.VolumeThreshold, cfg.SilenceDurationSecs)
	return c.session.id, nil
}

// StopListening ends the session. In-flight recognitions run to completion
// and their results are discarded on arrival.
func (c *Coordinator) StopListening() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ErrNotListening
	}
	c.logger.Infof("listening stopped: session %s", c.session.id)
	c.session = nil
	return nil
}

// Listening reports whether a session is open.
func (c *Coordinator) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// dispatchJob carries a finalized utterance out of the lock.
type dispatchJob struct {
	sessionID  string
	generation uint64
	utt        *vad.Utterance
}

// Feed processes one sample. Samples are handled strictly in call order;
// one older than its predecessor is dropped.
func (c *Coordinator) Feed(s vad.Sample) {
	c.mu.Lock()
	if c.test != nil {
		evs := c.observeTest(s)
		c.mu.Unlock()
		c.notify(evs...)
		return
	}
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return
	}
	if !sess.lastAt.IsZero() && s.At.Before(sess.lastAt) {
		c.mu.Unlock()
		c.logger.Warnf("dropping out-of-order sample (%s before %s)", s.At.Format(time.RFC3339Nano), sess.lastAt.Format(time.RFC3339Nano))
		return
	}
	sess.lastAt = s.At

	r := sess.detector.Process(s)
	var (
		evs []Event
		job *dispatchJob
	)
	switch r.Transition {
	case vad.Started:
		evs = append(evs, Event{Type: EventSpeechStarted, At: s.At, SessionID: sess.id})
	case vad.Discarded:
		c.stats.discarded.Add(1)
		c.logger.Debugf("speech discarded: %.2fs voiced", r.Duration.Seconds())
	case vad.Ended, vad.Cutoff:
		c.stats.utterances.Add(1)
		if r.Transition == vad.Cutoff {
			c.stats.cutoffs.Add(1)
		}
		evs = append(evs, Event{
			Type:         EventSpeechEnded,
			At:           s.At,
			SessionID:    sess.id,
			DurationSecs: r.Duration.Seconds(),
			Cutoff:       r.Transition == vad.Cutoff,
		})
		job = &dispatchJob{sessionID: sess.id, generation: sess.generation, utt: r.Utterance}
	}
	c.mu.Unlock()

	c.notify(evs...)
	if job != nil {
		c.dispatch(job)
	}
}

// dispatch claims the utterance fingerprint, resolves credentials and hands
// the audio to the transcriber in the background.
func (c *Coordinator) dispatch(job *dispatchJob) {
	utt := job.utt
	fp := dedup.Fingerprint(len(utt.Samples), utt.SampleRate, utt.Duration)
	if !c.guard.Acquire(fp) {
		c.stats.dupUtterances.Add(1)
		c.logger.Infof("duplicate utterance suppressed: %s", fp)
		c.settle(job.generation)
		c.notify(Event{Type: EventDuplicateSuppressed, At: time.Now(), SessionID: job.sessionID, Fingerprint: fp})
		return
	}

	creds, err := c.creds.Resolve()
	if err != nil {
		c.guard.Release(fp)
		c.stats.failed.Add(1)
		c.logger.Warnf("recognition abandoned: %v", err)
		c.settle(job.generation)
		c.notify(Event{Type: EventError, At: time.Now(), SessionID: job.sessionID, Fingerprint: fp, Error: err.Error()})
		return
	}

	c.mu.Lock()
	transcriber, language := c.transcriber, c.language
	c.mu.Unlock()
	if transcriber == nil {
		c.guard.Release(fp)
		c.stats.failed.Add(1)
		c.settle(job.generation)
		err := fmt.Errorf("no transcriber: %w", asr.ErrConfigurationMissing)
		c.notify(Event{Type: EventError, At: time.Now(), SessionID: job.sessionID, Fingerprint: fp, Error: err.Error()})
		return
	}

	req := asr.Request{
		Samples:     utt.Samples,
		SampleRate:  utt.SampleRate,
		Language:    language,
		Fingerprint: fp,
		Credentials: creds,
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		started := time.Now()
		text, err := transcriber.Transcribe(ctx, req)
		c.guard.Complete(fp)
		c.finish(job, fp, text, err, time.Since(started))
	}()
}

// finish applies a recognition result unless its session is gone.
func (c *Coordinator) finish(job *dispatchJob, fp, text string, err error, took time.Duration) {
	c.mu.Lock()
	if c.session == nil || c.session.generation != job.generation {
		c.mu.Unlock()
		c.stats.stale.Add(1)
		c.logger.Debugf("discarding result from stale session %s", job.sessionID)
		return
	}
	c.session.detector.Settle()
	var ev Event
	switch {
	case err != nil:
		c.stats.failed.Add(1)
		ev = Event{Type: EventError, Error: err.Error()}
	case text == "":
		c.stats.empty.Add(1)
	default:
		c.stats.recognized.Add(1)
		t := text
		c.lastTranscription = &t
		ev = Event{Type: EventVoiceRecognized, Text: text}
	}
	c.mu.Unlock()

	switch {
	case err != nil:
		c.logger.Errorf("transcription failed after %s: %v", took.Round(time.Millisecond), err)
	case text == "":
		c.logger.Debugf("empty transcription for %s", fp)
		return
	default:
		c.logger.Infof("recognized in %s: %q", took.Round(time.Millisecond), text)
	}
	ev.At = time.Now()
	ev.SessionID = job.sessionID
	ev.Fingerprint = fp
	c.notify(ev)
}

// settle returns the detector to Idle if the session is still current.
func (c *Coordinator) settle(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session.generation == generation {
		c.session.detector.Settle()
	}
}

// HandleRecognitionEvent applies one recognition-service status event.
// Redelivered events are ignored.
func (c *Coordinator) HandleRecognitionEvent(ev asr.Event) {
	if !c.events.Observe(ev.TaskID, ev.MessageID, ev.Name) {
		c.stats.dupEvents.Add(1)
		c.logger.Debugf("duplicate recognition event %s/%s/%s ignored", ev.TaskID, ev.MessageID, ev.Name)
		return
	}
	switch ev.Name {
	case asr.NLSRecognitionCompleted, asr.NLSTaskFailed, asr.NLSSentenceEnd:
		c.stats.recogEvents.Add(1)
		c.logger.Infof("recognition event %s task %s status %d", ev.Name, ev.TaskID, ev.Status)
		e := ev
		c.notify(Event{Type: EventRecognition, At: time.Now(), Recognition: &e})
	default:
		c.logger.Debugf("recognition event %s task %s absorbed", ev.Name, ev.TaskID)
	}
}

// State returns the polled snapshot.
func (c *Coordinator) State() ListenerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ListenerState{
		VadState:    vad.Idle,
		Generation:  c.generation,
		TestRunning: c.test != nil,
	}
	if c.lastTranscription != nil {
		t := *c.lastTranscription
		st.LastTranscription = &t
	}
	if s := c.session; s != nil {
		st.IsListening = true
		st.SessionID = s.id
		st.VadState = s.detector.State()
		st.RecordingDurationSecs = s.detector.RecordingDuration().Seconds()
		st.BufferedSampleCount = s.detector.BufferedSamples()
	}
	return st
}

// Stats returns the cumulative counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Utterances:          c.stats.utterances.Load(),
		Discarded:           c.stats.discarded.Load(),
		Cutoffs:             c.stats.cutoffs.Load(),
		DuplicateUtterances: c.stats.dupUtterances.Load(),
		DuplicateEvents:     c.stats.dupEvents.Load(),
		StaleResults:        c.stats.stale.Load(),
		Recognized:          c.stats.recognized.Load(),
		Empty:               c.stats.empty.Load(),
		Failed:              c.stats.failed.Load(),
		RecognitionEvents:   c.stats.recogEvents.Load(),
	}
}

// Wait blocks until every in-flight recognition has returned.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

// Close cancels in-flight recognitions and waits for them. Used at daemon
// shutdown; the coordinator must not be fed afterwards.
func (c *Coordinator) Close() {
	c.cancel()
	c.inflight.Wait()
}

func (c *Coordinator) notify(evs ...Event) {
	for _, ev := range evs {
		c.sink.Notify(ev)
	}
}
