package cadence

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// SchedulerTimer backs the capture timer with a gocron duration job.
type SchedulerTimer struct {
	scheduler gocron.Scheduler

	mu  sync.Mutex
	job gocron.Job
}

// NewSchedulerTimer starts a scheduler with no jobs.
func NewSchedulerTimer() (*SchedulerTimer, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	scheduler.Start()
	return &SchedulerTimer{scheduler: scheduler}, nil
}

// Arm schedules tick every interval, first firing one interval from now.
// The new job is registered before the old one is removed, so a failed Arm
// leaves the previous cadence running.
func (t *SchedulerTimer) Arm(interval time.Duration, tick func()) error {
	if interval <= 0 {
		return fmt.Errorf("arm capture timer: interval must be positive, got %s", interval)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	job, err := t.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(tick),
		gocron.WithName("capture"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("arm capture timer: %w", err)
	}
	if t.job != nil {
		_ = t.scheduler.RemoveJob(t.job.ID())
	}
	t.job = job
	return nil
}

// Disarm removes the live job, if any.
func (t *SchedulerTimer) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil {
		return
	}
	_ = t.scheduler.RemoveJob(t.job.ID())
	t.job = nil
}

// Jobs reports how many jobs the scheduler holds.
func (t *SchedulerTimer) Jobs() int {
	return len(t.scheduler.Jobs())
}

// Shutdown stops the scheduler and every job.
func (t *SchedulerTimer) Shutdown() error {
	return t.scheduler.Shutdown()
}
