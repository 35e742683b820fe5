package listen

import (
	"errors"
	"time"

	"sensed/internal/vad"
)

// ErrNoTestData is returned by StopTest when no sample arrived, or when the
// test already finished on its own.
var ErrNoTestData = errors.New("no microphone test data")

const (
	// MaxTestDuration ends a microphone test automatically.
	MaxTestDuration = 10 * time.Second
	// testUpdateInterval spaces test_update notifications in sample time.
	testUpdateInterval = 100 * time.Millisecond
)

type micTest struct {
	count      int
	sum        float64
	max        float64
	first      time.Time
	last       time.Time
	lastUpdate time.Time
	// deadline ends the test in wall time when samples stop arriving.
	deadline *time.Timer
}

func (t *micTest) summary() TestSummary {
	s := TestSummary{SampleCount: t.count, MaxVolume: t.max}
	if t.count > 0 {
		s.AverageVolume = t.sum / float64(t.count)
		s.DurationSecs = t.last.Sub(t.first).Seconds()
	}
	return s
}

// StartTest begins measuring input volume. Samples fed while the test runs
// update the running counters instead of the VAD.
func (c *Coordinator) StartTest() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return ErrAlreadyListening
	}
	if c.test != nil {
		return ErrTestRunning
	}
	t := &micTest{}
	t.deadline = time.AfterFunc(c.testCeiling, func() { c.expireTest(t) })
	c.test = t
	c.logger.Info("microphone test started")
	return nil
}

// expireTest finishes t if it is still the running test.
func (c *Coordinator) expireTest(t *micTest) {
	c.mu.Lock()
	if c.test != t {
		c.mu.Unlock()
		return
	}
	c.test = nil
	sum := t.summary()
	c.mu.Unlock()
	c.logger.Infof("microphone test finished after %s: %d samples avg %.4f max %.4f",
		c.testCeiling, sum.SampleCount, sum.AverageVolume, sum.MaxVolume)
	c.notify(Event{Type: EventTestFinished, At: time.Now(), Test: &sum})
}

// StopTest ends the test and returns its counters.
func (c *Coordinator) StopTest() (TestSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.test
	c.test = nil
	if t != nil {
		t.deadline.Stop()
	}
	if t == nil || t.count == 0 {
		return TestSummary{}, ErrNoTestData
	}
	s := t.summary()
	c.logger.Infof("microphone test stopped: %d samples avg %.4f max %.4f", s.SampleCount, s.AverageVolume, s.MaxVolume)
	return s, nil
}

// TestStatus returns the running counters and whether a test is active.
func (c *Coordinator) TestStatus() (TestSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.test == nil {
		return TestSummary{}, false
	}
	return c.test.summary(), true
}

// observeTest folds s into the running test. Caller holds c.mu.
func (c *Coordinator) observeTest(s vad.Sample) []Event {
	t := c.test
	if t.count == 0 {
		t.first = s.At
		t.lastUpdate = s.At
	}
	t.count++
	t.sum += s.Volume
	if s.Volume > t.max {
		t.max = s.Volume
	}
	if s.At.After(t.last) {
		t.last = s.At
	}

	if t.last.Sub(t.first) >= c.testCeiling {
		t.deadline.Stop()
		sum := t.summary()
		c.test = nil
		c.logger.Infof("microphone test finished: %d samples avg %.4f max %.4f", sum.SampleCount, sum.AverageVolume, sum.MaxVolume)
		return []Event{{Type: EventTestFinished, At: s.At, Test: &sum}}
	}
	if t.count == 1 || s.At.Sub(t.lastUpdate) >= testUpdateInterval {
		t.lastUpdate = s.At
		sum := t.summary()
		return []Event{{Type: EventTestUpdate, At: s.At, Test: &sum}}
	}
	return nil
}
