package cadence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sensed/internal/capture"
	"sensed/internal/logging"
)

type fakeTimer struct {
	mu       sync.Mutex
	arms     int
	disarms  int
	interval time.Duration
	tick     func()
	armed    bool
}

func (f *fakeTimer) Arm(interval time.Duration, tick func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arms++
	f.interval = interval
	f.tick = tick
	f.armed = true
	return nil
}

func (f *fakeTimer) Disarm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disarms++
	f.armed = false
}

func (f *fakeTimer) fire() {
	f.mu.Lock()
	tick := f.tick
	armed := f.armed
	f.mu.Unlock()
	if armed && tick != nil {
		tick()
	}
}

func (f *fakeTimer) snapshot() (int, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.arms, f.interval
}

type fakeCapturer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCapturer) Capture(ctx context.Context) (capture.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return capture.Result{}, f.err
	}
	return capture.Result{Path: "/tmp/x.png", TakenAt: time.Now()}, nil
}

func newTestController(t *testing.T, capErr error) (*Controller, *fakeTimer, *fakeCapturer, *atomic.Int32) {
	t.Helper()
	timer := &fakeTimer{}
	capt := &fakeCapturer{err: capErr}
	var failures atomic.Int32
	c := New(Options{
		ActiveInterval: 5 * time.Second,
		Timer:          timer,
		Capturer:       capt,
		Logger:         logging.NewTestLogger(),
		OnResult: func(reason string, res capture.Result, err error) {
			if err != nil {
				failures.Add(1)
			}
		},
	})
	t.Cleanup(c.Stop)
	return c, timer, capt, &failures
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ptr(v float64) *float64 { return &v }

func TestStartCapturesImmediatelyAndArms(t *testing.T) {
	c, timer, capt, _ := newTestController(t, nil)
	if err := c.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "initial capture", func() bool { return capt.calls.Load() == 1 })
	arms, interval := timer.snapshot()
	if arms != 1 || interval != 5*time.Second {
		t.Fatalf("arms=%d interval=%s", arms, interval)
	}
	s := c.Schedule()
	if !s.Running || s.Mode != Active || s.IntervalSeconds != 5 {
		t.Fatalf("schedule = %+v", s)
	}
	if err := c.Start(time.Second); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: %v", err)
	}
}

func TestIdleIntervalIgnoresSuggestion(t *testing.T) {
	c, timer, _, _ := newTestController(t, nil)
	_ = c.Start(5 * time.Second)

	c.OnActivitySignal(ActivitySignal{Active: false, SuggestedIntervalSeconds: ptr(2)})
	if _, interval := timer.snapshot(); interval != IdleInterval {
		t.Fatalf("interval = %s, want %s", interval, IdleInterval)
	}
	if s := c.Schedule(); s.Mode != Idle || s.IntervalSeconds != 15 {
		t.Fatalf("schedule = %+v", s)
	}
}

func TestActiveUsesSuggestionThenConfigured(t *testing.T) {
	c, timer, _, _ := newTestController(t, nil)
	_ = c.Start(5 * time.Second)

	c.OnActivitySignal(ActivitySignal{Active: true, SuggestedIntervalSeconds: ptr(2)})
	if _, interval := timer.snapshot(); interval != 2*time.Second {
		t.Fatalf("interval = %s, want 2s", interval)
	}
	c.OnActivitySignal(ActivitySignal{Active: true})
	if _, interval := timer.snapshot(); interval != 5*time.Second {
		t.Fatalf("interval = %s, want configured 5s", interval)
	}
}

func TestEqualIntervalDoesNotRearm(t *testing.T) {
	c, timer, _, _ := newTestController(t, nil)
	_ = c.Start(5 * time.Second)
	c.OnActivitySignal(ActivitySignal{Active: false})
	before, _ := timer.snapshot()

	c.OnActivitySignal(ActivitySignal{Active: false})
	c.OnActivitySignal(ActivitySignal{Active: false, SuggestedIntervalSeconds: ptr(1)})
	after, _ := timer.snapshot()
	if after != before {
		t.Fatalf("timer re-armed %d times for an unchanged interval", after-before)
	}
}

func TestModeTracksSignalWithUnchangedInterval(t *testing.T) {
	c, timer, _, _ := newTestController(t, nil)
	_ = c.Start(IdleInterval)
	before, _ := timer.snapshot()

	c.OnActivitySignal(ActivitySignal{Active: false})
	if got, _ := timer.snapshot(); got != before {
		t.Fatalf("unexpected re-arm")
	}
	if c.Schedule().Mode != Idle {
		t.Fatalf("mode should follow the signal")
	}
}

func TestCaptureNowLeavesTimerAlone(t *testing.T) {
	c, timer, capt, _ := newTestController(t, nil)
	_ = c.Start(5 * time.Second)
	waitFor(t, "initial capture", func() bool { return capt.calls.Load() == 1 })
	before, _ := timer.snapshot()

	c.OnActivitySignal(ActivitySignal{Active: true, CaptureNow: true})
	waitFor(t, "capture_now", func() bool { return capt.calls.Load() == 2 })
	if after, _ := timer.snapshot(); after != before {
		t.Fatalf("capture_now re-armed the timer")
	}
}

func TestFailuresNeverDisarm(t *testing.T) {
	c, timer, capt, failures := newTestController(t, errors.New("boom"))
	_ = c.Start(5 * time.Second)
	waitFor(t, "initial failure", func() bool { return failures.Load() == 1 })

	for i := 0; i < 3; i++ {
		timer.fire()
	}
	if capt.calls.Load() != 4 || failures.Load() != 4 {
		t.Fatalf("calls=%d failures=%d", capt.calls.Load(), failures.Load())
	}
	if timer.disarms != 0 || !c.Schedule().Running {
		t.Fatalf("capture failure disarmed the timer")
	}
}

func TestSignalsWhileStoppedAreIgnored(t *testing.T) {
	c, timer, capt, _ := newTestController(t, nil)
	c.OnActivitySignal(ActivitySignal{Active: true, CaptureNow: true})
	if arms, _ := timer.snapshot(); arms != 0 {
		t.Fatalf("stopped controller armed a timer")
	}
	if c.Refresh() {
		t.Fatalf("refresh should report false when stopped")
	}
	time.Sleep(20 * time.Millisecond)
	if capt.calls.Load() != 0 {
		t.Fatalf("stopped controller captured")
	}
}

func TestStopDisarmsAndAllowsRestart(t *testing.T) {
	c, timer, _, _ := newTestController(t, nil)
	_ = c.Start(5 * time.Second)
	c.Stop()
	if timer.armed || c.Schedule().Running {
		t.Fatalf("stop left the timer armed")
	}
	c.Stop()
	if err := c.Start(5 * time.Second); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

// ctxCapturer holds each capture until its context is cancelled.
type ctxCapturer struct {
	active atomic.Int32
}

func (c *ctxCapturer) Capture(ctx context.Context) (capture.Result, error) {
	c.active.Add(1)
	defer c.active.Add(-1)
	<-ctx.Done()
	return capture.Result{}, ctx.Err()
}

func TestConcurrentStartStopDrainsCaptures(t *testing.T) {
	capt := &ctxCapturer{}
	c := New(Options{
		ActiveInterval: time.Second,
		Timer:          &fakeTimer{},
		Capturer:       capt,
		Logger:         logging.NewTestLogger(),
	})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = c.Start(0)
				c.Refresh()
				c.OnActivitySignal(ActivitySignal{Active: true, CaptureNow: true})
				c.Stop()
			}
		}()
	}
	wg.Wait()
	c.Stop()

	if n := capt.active.Load(); n != 0 {
		t.Fatalf("%d captures still running after Stop", n)
	}
	if c.Schedule().Running {
		t.Fatalf("controller still running")
	}
}

func TestRefreshAndSubscribe(t *testing.T) {
	c, timer, capt, _ := newTestController(t, nil)
	_ = c.Start(5 * time.Second)
	waitFor(t, "initial capture", func() bool { return capt.calls.Load() == 1 })
	if !c.Refresh() {
		t.Fatalf("refresh on running controller")
	}
	waitFor(t, "refresh capture", func() bool { return capt.calls.Load() == 2 })

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan ActivitySignal)
	done := make(chan struct{})
	go func() {
		c.Subscribe(ctx, ch)
		close(done)
	}()
	ch <- ActivitySignal{Active: false}
	waitFor(t, "subscribed signal", func() bool {
		_, interval := timer.snapshot()
		return interval == IdleInterval
	})
	cancel()
	<-done
}

func TestSetActiveIntervalAppliesOnNextSignal(t *testing.T) {
	c, timer, _, _ := newTestController(t, nil)
	_ = c.Start(5 * time.Second)
	c.SetActiveInterval(3 * time.Second)
	if _, interval := timer.snapshot(); interval != 5*time.Second {
		t.Fatalf("live timer changed on reload")
	}
	c.OnActivitySignal(ActivitySignal{Active: true})
	if _, interval := timer.snapshot(); interval != 3*time.Second {
		t.Fatalf("interval = %s, want 3s", interval)
	}
}

func TestActivitySignalJSON(t *testing.T) {
	var sig ActivitySignal
	if err := json.Unmarshal([]byte(`{"active":true,"capture_now":true,"suggested_interval_seconds":2.5}`), &sig); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !sig.Active || !sig.CaptureNow || sig.SuggestedIntervalSeconds == nil || *sig.SuggestedIntervalSeconds != 2.5 {
		t.Fatalf("signal = %+v", sig)
	}
	out, _ := json.Marshal(Schedule{Mode: Idle, IntervalSeconds: 15, Running: true})
	if string(out) != `{"mode":"idle","interval_seconds":15,"running":true}` {
		t.Fatalf("schedule json = %s", out)
	}
}

func TestSchedulerTimerFiresAndDisarms(t *testing.T) {
	timer, err := NewSchedulerTimer()
	if err != nil {
		t.Fatalf("new timer: %v", err)
	}
	defer timer.Shutdown()

	var ticks atomic.Int32
	if err := timer.Arm(50*time.Millisecond, func() { ticks.Add(1) }); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := timer.Arm(40*time.Millisecond, func() { ticks.Add(1) }); err != nil {
		t.Fatalf("re-arm: %v", err)
	}
	if timer.Jobs() != 1 {
		t.Fatalf("jobs = %d, want exactly one live timer", timer.Jobs())
	}
	waitFor(t, "ticks", func() bool { return ticks.Load() >= 2 })

	timer.Disarm()
	if timer.Jobs() != 0 {
		t.Fatalf("jobs after disarm = %d", timer.Jobs())
	}
	settled := ticks.Load()
	time.Sleep(150 * time.Millisecond)
	if ticks.Load() > settled+1 {
		t.Fatalf("timer kept firing after disarm")
	}
	if err := timer.Arm(0, func() {}); err == nil {
		t.Fatalf("zero interval should be rejected")
	}
}
