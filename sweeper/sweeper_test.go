package sweeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestStartRunsEagerly(t *testing.T) {
	calls := make(chan time.Time, 4)
	s := New(time.Hour, 24*time.Hour, func(ctx context.Context, cutoff time.Time) (int, error) {
		calls <- cutoff
		return 0, nil
	}, nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	s.Start(context.Background())
	defer s.Stop()

	select {
	case cutoff := <-calls:
		if want := now.Add(-24 * time.Hour); !cutoff.Equal(want) {
			t.Errorf("Expected cutoff %v, got %v", want, cutoff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a sweep at startup")
	}
}

func TestPeriodicRunsAndCallback(t *testing.T) {
	var swept atomic.Int64
	s := New(10*time.Millisecond, time.Hour, func(ctx context.Context, cutoff time.Time) (int, error) {
		return 2, nil
	}, func(n int) { swept.Add(int64(n)) })

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	st := s.Stats()
	if st.Runs < 2 {
		t.Errorf("Expected several runs, got %d", st.Runs)
	}
	if st.Removed != swept.Load() || st.Removed != 2*st.Runs {
		t.Errorf("Removed %d, callback saw %d, runs %d", st.Removed, swept.Load(), st.Runs)
	}
	if st.LastRun.IsZero() {
		t.Error("Expected LastRun set")
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := New(0, time.Hour, func(ctx context.Context, cutoff time.Time) (int, error) {
		close(started)
		<-release
		return 1, nil
	}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ran, _ := s.RunOnce(context.Background()); !ran {
			t.Error("Expected first run to execute")
		}
	}()
	<-started

	if _, ran, _ := s.RunOnce(context.Background()); ran {
		t.Error("Expected overlapping run to be skipped")
	}
	close(release)
	<-done

	if st := s.Stats(); st.Runs != 1 {
		t.Errorf("Expected 1 run, got %d", st.Runs)
	}
}

func TestStopWaitsForInFlightSweep(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	s := New(time.Hour, time.Hour, func(ctx context.Context, cutoff time.Time) (int, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return 0, nil
	}, nil)

	s.Start(context.Background())
	<-started
	s.Stop()
	if !finished.Load() {
		t.Error("Stop returned before the sweep finished")
	}
}

func TestErrorIsReported(t *testing.T) {
	called := false
	s := New(0, time.Hour, func(ctx context.Context, cutoff time.Time) (int, error) {
		return 0, errors.New("db down")
	}, func(int) { called = true })

	_, ran, err := s.RunOnce(context.Background())
	if !ran || err == nil {
		t.Errorf("Expected ran with error, got ran=%v err=%v", ran, err)
	}
	if called {
		t.Error("Callback must not run on failure")
	}
}
