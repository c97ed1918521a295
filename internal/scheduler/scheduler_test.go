package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsombor-n/open-webui/internal/models"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	dates   []time.Time
	sources []string
	block   chan struct{} // when set, Run waits until closed
	err     error
}

func (f *fakeRunner) Run(_ context.Context, runDate time.Time, _ bool, triggeredBy string) (*models.RunResult, error) {
	f.mu.Lock()
	f.calls++
	f.dates = append(f.dates, runDate)
	f.sources = append(f.sources, triggeredBy)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.RunResult{RunDate: runDate.Format("2006-01-02")}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNextMidnight(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Budapest")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			"afternoon rolls to next day",
			time.Date(2026, 1, 15, 14, 30, 0, 0, loc),
			time.Date(2026, 1, 16, 0, 0, 0, 0, loc),
		},
		{
			"exactly midnight rolls forward",
			time.Date(2026, 1, 15, 0, 0, 0, 0, loc),
			time.Date(2026, 1, 16, 0, 0, 0, 0, loc),
		},
		{
			"one second before midnight",
			time.Date(2026, 1, 15, 23, 59, 59, 0, loc),
			time.Date(2026, 1, 16, 0, 0, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextMidnight(tt.now, loc); !got.Equal(tt.want) {
				t.Errorf("nextMidnight(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestTriggerRun(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, nil, DefaultConfig(time.UTC))

	date := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	result, err := s.TriggerRun(context.Background(), date, false, "api")
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	if result.RunDate != "2026-01-15" {
		t.Errorf("run date = %s, want 2026-01-15", result.RunDate)
	}
	if runner.sources[0] != "api" {
		t.Errorf("triggered_by = %s, want api", runner.sources[0])
	}
}

func TestTriggerRunSingleFlight(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	s := New(runner, nil, DefaultConfig(time.UTC))

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		s.TriggerRun(context.Background(), time.Now(), false, "api")
	}()

	// Wait for the first run to be in flight.
	deadline := time.After(time.Second)
	for runner.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := s.TriggerRun(context.Background(), time.Now(), false, "api"); !errors.Is(err, ErrRunInFlight) {
		t.Errorf("second trigger err = %v, want ErrRunInFlight", err)
	}

	close(block)
	<-firstDone

	if _, err := s.TriggerRun(context.Background(), time.Now(), false, "api"); err != nil {
		t.Errorf("trigger after completion failed: %v", err)
	}
}

func TestFireSkipsMisfire(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, nil, DefaultConfig(time.UTC))

	scheduled := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return scheduled.Add(2 * time.Hour) } // past the grace

	s.fire(context.Background(), scheduled)

	if runner.callCount() != 0 {
		t.Error("a misfired tick must be skipped, not run late")
	}
}

func TestFireRunsPreviousDay(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, nil, DefaultConfig(time.UTC))

	scheduled := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return scheduled.Add(time.Second) }

	s.fire(context.Background(), scheduled)

	if runner.callCount() != 1 {
		t.Fatal("an on-time tick must run")
	}
	want := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	if !runner.dates[0].Equal(want) {
		t.Errorf("run date = %v, want the day that just ended (%v)", runner.dates[0], want)
	}
	if runner.sources[0] != "scheduler" {
		t.Errorf("triggered_by = %s, want scheduler", runner.sources[0])
	}
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, nil, DefaultConfig(time.UTC))

	s.Start(context.Background())

	// The next run must be published for the health endpoint.
	deadline := time.After(time.Second)
	for s.NextRun() == nil {
		select {
		case <-deadline:
			t.Fatal("NextRun never became available")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	next := s.NextRun()
	if !next.After(time.Now()) {
		t.Errorf("next run %v is not in the future", next)
	}

	s.Stop() // must not hang
}

func TestHealthFuncInvoked(t *testing.T) {
	runner := &fakeRunner{}
	var mu sync.Mutex
	healthCalls := 0
	cfg := DefaultConfig(time.UTC)
	cfg.HealthInterval = 5 * time.Millisecond

	s := New(runner, func(context.Context) {
		mu.Lock()
		healthCalls++
		mu.Unlock()
	}, cfg)

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		calls := healthCalls
		mu.Unlock()
		if calls > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("health check never ran")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
