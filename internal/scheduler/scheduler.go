// Package scheduler fires the daily analytics pipeline at local midnight and
// a periodic health check in between. Runs are single-flight: a tick or a
// manual trigger that arrives while a run is active is rejected, never queued.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zsombor-n/open-webui/internal/logger"
	"github.com/zsombor-n/open-webui/internal/models"
)

// ErrRunInFlight is returned by TriggerRun while another run is active.
var ErrRunInFlight = errors.New("a processing run is already in flight")

// Runner executes one pipeline run. *analytics.Processor satisfies it.
type Runner interface {
	Run(ctx context.Context, runDate time.Time, force bool, triggeredBy string) (*models.RunResult, error)
}

// HealthFunc is called on the health interval; it should be cheap and must
// not block.
type HealthFunc func(ctx context.Context)

// Config tunes the schedule.
type Config struct {
	Timezone       *time.Location
	MisfireGrace   time.Duration // ticks older than this are skipped, not run late
	HealthInterval time.Duration
}

// DefaultConfig returns the production schedule: midnight runs with an hour
// of misfire grace and a health check every six hours.
func DefaultConfig(tz *time.Location) Config {
	if tz == nil {
		tz = time.UTC
	}
	return Config{
		Timezone:       tz,
		MisfireGrace:   time.Hour,
		HealthInterval: 6 * time.Hour,
	}
}

// Scheduler owns the timing loop around the pipeline.
type Scheduler struct {
	runner Runner
	health HealthFunc
	cfg    Config

	mu       sync.Mutex
	inFlight bool
	next     time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// now is replaceable in tests
	now func() time.Time
}

// New creates a scheduler. health may be nil.
func New(runner Runner, health HealthFunc, cfg Config) *Scheduler {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = time.Hour
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 6 * time.Hour
	}
	return &Scheduler{
		runner: runner,
		health: health,
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the timing loop. It returns immediately; Stop shuts the
// loop down and waits for an in-flight run to finish.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
	logger.Info("scheduler started",
		"timezone", s.cfg.Timezone.String(),
		"health_interval", s.cfg.HealthInterval.String())
}

// Stop shuts the loop down and blocks until it exits. An in-flight run keeps
// its context and is allowed to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
	logger.Info("scheduler stopped")
}

// NextRun reports when the next scheduled run will fire. Nil before Start.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next.IsZero() {
		return nil
	}
	next := s.next
	return &next
}

// TriggerRun starts a run immediately, outside the schedule. It fails fast
// with ErrRunInFlight when a run is already active.
func (s *Scheduler) TriggerRun(ctx context.Context, runDate time.Time, force bool, triggeredBy string) (*models.RunResult, error) {
	if !s.acquire() {
		return nil, ErrRunInFlight
	}
	defer s.release()
	return s.runner.Run(ctx, runDate, force, triggeredBy)
}

// TriggerRunAsync claims the single-flight slot and runs in the background.
// The claim happens before returning, so a caller that gets nil back owns
// the run; concurrent callers get ErrRunInFlight.
func (s *Scheduler) TriggerRunAsync(runDate time.Time, force bool, triggeredBy string) error {
	if !s.acquire() {
		return ErrRunInFlight
	}
	go func() {
		defer s.release()
		if _, err := s.runner.Run(context.Background(), runDate, force, triggeredBy); err != nil {
			logger.Error("triggered run failed",
				"run_date", runDate.Format("2006-01-02"),
				"triggered_by", triggeredBy,
				"error", err)
		}
	}()
	return nil
}

func (s *Scheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func (s *Scheduler) setNext(next time.Time) {
	s.mu.Lock()
	s.next = next
	s.mu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	healthTicker := time.NewTicker(s.cfg.HealthInterval)
	defer healthTicker.Stop()

	for {
		next := nextMidnight(s.now(), s.cfg.Timezone)
		s.setNext(next)
		timer := time.NewTimer(next.Sub(s.now()))

		select {
		case <-timer.C:
			s.fire(ctx, next)
		case <-healthTicker.C:
			timer.Stop()
			if s.health != nil {
				s.health(ctx)
			}
		case <-s.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// fire runs the pipeline for the day that just ended. A tick that arrives
// past the misfire grace (the host slept, the process was paused) is skipped
// so a stale run does not land in the middle of the day.
func (s *Scheduler) fire(ctx context.Context, scheduled time.Time) {
	delay := s.now().Sub(scheduled)
	if delay > s.cfg.MisfireGrace {
		logger.Warn("skipping misfired run",
			"scheduled", scheduled.Format(time.RFC3339),
			"delay", delay.String())
		return
	}

	if !s.acquire() {
		logger.Warn("skipping scheduled run, another run is in flight",
			"scheduled", scheduled.Format(time.RFC3339))
		return
	}
	defer s.release()

	runDate := scheduled.AddDate(0, 0, -1)
	if _, err := s.runner.Run(ctx, runDate, false, "scheduler"); err != nil {
		logger.Error("scheduled run failed",
			"run_date", runDate.Format("2006-01-02"),
			"error", err)
	}
}

// nextMidnight returns the first midnight in loc strictly after now.
func nextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if !midnight.After(now) {
		midnight = midnight.AddDate(0, 0, 1)
	}
	return midnight
}
