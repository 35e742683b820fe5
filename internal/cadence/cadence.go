// Package cadence decides when screenshots are taken. One repeating timer is
// armed at a time; its interval follows the activity signal.
package cadence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sensed/internal/capture"

	"github.com/sirupsen/logrus"
)

// IdleInterval is the capture interval whenever the activity signal is inactive.
const IdleInterval = 15 * time.Second

// ErrAlreadyRunning is returned by Start when a session is live.
var ErrAlreadyRunning = errors.New("capture already running")

// Mode mirrors the last activity signal.
type Mode int

const (
	Active Mode = iota
	Idle
)

func (m Mode) String() string {
	switch m {
	case Active:
		return "active"
	case Idle:
		return "idle"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText renders the mode as its name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a mode name.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*m = Active
	case "idle":
		*m = Idle
	default:
		return fmt.Errorf("unknown capture mode %q", string(b))
	}
	return nil
}

// ActivitySignal is pushed by whatever observes the user (the desktop UI,
// the CLI `signal` command, or speech onset).
type ActivitySignal struct {
	Active                   bool     `json:"active"`
	CaptureNow               bool     `json:"capture_now"`
	SuggestedIntervalSeconds *float64 `json:"suggested_interval_seconds,omitempty"`
}

// Schedule is a snapshot of the controller.
type Schedule struct {
	Mode            Mode    `json:"mode"`
	IntervalSeconds float64 `json:"interval_seconds"`
	Running         bool    `json:"running"`
}

// Timer fires tick every interval. Arm replaces whatever was armed before so
// at most one schedule is live.
type Timer interface {
	Arm(interval time.Duration, tick func()) error
	Disarm()
}

// ResultFunc receives the outcome of every capture attempt.
type ResultFunc func(reason string, res capture.Result, err error)

// Options configure a Controller.
type Options struct {
	ActiveInterval time.Duration
	Timer          Timer
	Capturer       capture.Capturer
	Logger         *logrus.Logger
	OnResult       ResultFunc
}

// Controller owns the capture timer.
type Controller struct {
	timer    Timer
	capturer capture.Capturer
	logger   *logrus.Logger
	onResult ResultFunc

	mu             sync.Mutex
	activeInterval time.Duration
	running        bool
	mode           Mode
	interval       time.Duration
	session        *session
}

// session is one Start..Stop span with its own WaitGroup for the captures it
// spawned.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// spawn runs one capture tracked by the session. Caller holds c.mu.
func (c *Controller) spawn(reason string) {
	sess := c.session
	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		c.runCapture(sess.ctx, reason)
	}()
}

// New returns a stopped controller.
func New(opts Options) *Controller {
	if opts.ActiveInterval <= 0 {
		opts.ActiveInterval = 5 * time.Second
	}
	return &Controller{
		timer:          opts.Timer,
		capturer:       opts.Capturer,
		logger:         opts.Logger,
		onResult:       opts.OnResult,
		activeInterval: opts.ActiveInterval,
		mode:           Idle,
	}
}

// Start captures once right away and arms the timer at initial (the
// configured active interval when zero). The session starts in Active mode.
func (c *Controller) Start(initial time.Duration) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if initial <= 0 {
		initial = c.activeInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.timer.Arm(initial, func() { c.runCapture(ctx, "timer") }); err != nil {
		c.mu.Unlock()
		cancel()
		return err
	}
	c.running = true
	c.mode = Active
	c.interval = initial
	c.session = &session{ctx: ctx, cancel: cancel}
	c.spawn("start")
	c.mu.Unlock()

	c.logger.Infof("capture started: interval %s", initial)
	return nil
}

// Stop disarms the timer and cancels in-flight captures. No-op when stopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.timer.Disarm()
	sess := c.session
	sess.cancel()
	c.running = false
	c.interval = 0
	c.session = nil
	c.mu.Unlock()

	sess.wg.Wait()
	c.logger.Info("capture stopped")
}

// OnActivitySignal applies one signal. The timer is re-armed only when the
// target interval differs from the current one.
func (c *Controller) OnActivitySignal(sig ActivitySignal) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.logger.Debug("activity signal ignored: capture not running")
		return
	}
	target := IdleInterval
	c.mode = Idle
	if sig.Active {
		c.mode = Active
		target = c.activeInterval
		if s := sig.SuggestedIntervalSeconds; s != nil && *s > 0 {
			target = time.Duration(*s * float64(time.Second))
		}
	}
	if target != c.interval {
		ctx := c.session.ctx
		if err := c.timer.Arm(target, func() { c.runCapture(ctx, "timer") }); err != nil {
			c.logger.Errorf("re-arm capture timer at %s: %v", target, err)
		} else {
			c.logger.Debugf("capture interval %s -> %s (%s)", c.interval, target, c.mode)
			c.interval = target
		}
	}
	if sig.CaptureNow {
		c.spawn("signal")
	}
	c.mu.Unlock()
}

// Refresh takes one out-of-band capture. It reports false when stopped.
func (c *Controller) Refresh() bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	c.spawn("refresh")
	c.mu.Unlock()
	return true
}

// Subscribe applies signals from ch until ctx is done or ch closes.
func (c *Controller) Subscribe(ctx context.Context, ch <-chan ActivitySignal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			c.OnActivitySignal(sig)
		}
	}
}

// Schedule returns a snapshot for polling.
func (c *Controller) Schedule() Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Schedule{
		Mode:            c.mode,
		IntervalSeconds: c.interval.Seconds(),
		Running:         c.running,
	}
}

// SetActiveInterval changes the interval used by the next Active signal
// without suggestion. The live timer is left alone.
func (c *Controller) SetActiveInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.activeInterval = d
	c.mu.Unlock()
}

// runCapture never touches the timer: a failing capturer keeps its cadence.
func (c *Controller) runCapture(ctx context.Context, reason string) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	res, err := c.capturer.Capture(ctx)
	if c.onResult != nil {
		c.onResult(reason, res, err)
	}
}
