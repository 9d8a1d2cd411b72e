package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type jobTimings struct {
	mu   sync.Mutex
	runs map[string]int
}

func (j *jobTimings) ObserveJob(job string, _ time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs[job]++
}

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	var milestone, buyback atomic.Int32
	timings := &jobTimings{runs: map[string]int{}}
	s := New([]Job{
		{Name: "milestones", Interval: 5 * time.Millisecond, RunOnStart: true, Run: func(context.Context) error {
			milestone.Add(1)
			return nil
		}},
		{Name: "buyback", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			buyback.Add(1)
			return errors.New("venue down")
		}},
		{Name: "disabled", Interval: 0, Run: func(context.Context) error {
			t.Error("disabled job ran")
			return nil
		}},
	}, WithMetrics(timings))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for milestone.Load() < 3 || buyback.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("jobs did not tick: milestones=%d buyback=%d", milestone.Load(), buyback.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}

	timings.mu.Lock()
	defer timings.mu.Unlock()
	if timings.runs["milestones"] < 3 || timings.runs["buyback"] < 3 {
		t.Fatalf("unexpected timings %v", timings.runs)
	}
}

func TestSchedulerNeverOverlapsAJob(t *testing.T) {
	var active, maxActive, runs atomic.Int32
	s := New([]Job{{
		Name:       "recon",
		Interval:   time.Millisecond,
		RunOnStart: true,
		Run: func(context.Context) error {
			n := active.Add(1)
			for {
				current := maxActive.Load()
				if n <= current || maxActive.CompareAndSwap(current, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			runs.Add(1)
			return nil
		},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if maxActive.Load() != 1 {
		t.Fatalf("job overlapped: max concurrency %d", maxActive.Load())
	}
	if runs.Load() < 2 {
		t.Fatalf("expected repeated runs, got %d", runs.Load())
	}
}

func TestSchedulerLetsInFlightTickFinish(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	s := New([]Job{{
		Name:       "milestones",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-started
	cancel()
	<-done
	if !finished.Load() {
		t.Fatalf("scheduler returned before the in-flight tick finished")
	}
}
