// Package sweeper periodically drops messages that fell out of the
// retention window.
package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chatrelay/logger"
)

// SweepFunc removes everything with a timestamp <= cutoff and reports how
// much it removed.
type SweepFunc func(ctx context.Context, cutoff time.Time) (int, error)

type Sweeper struct {
	interval time.Duration
	window   time.Duration
	sweep    SweepFunc
	onSwept  func(removed int)
	clock    func() time.Time

	running sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	runs    atomic.Int64
	removed atomic.Int64
	lastRun atomic.Int64 // unix ms
}

// New creates a sweeper. onSwept is called after a run that removed at least
// one message.
func New(interval, window time.Duration, fn SweepFunc, onSwept func(removed int)) *Sweeper {
	return &Sweeper{
		interval: interval,
		window:   window,
		sweep:    fn,
		onSwept:  onSwept,
		clock:    time.Now,
	}
}

// Start runs one sweep right away and then one per interval until ctx is
// done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunOnce(ctx)

		if s.interval <= 0 {
			<-ctx.Done()
			return
		}
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce sweeps now. ran is false when another sweep was already in
// progress.
func (s *Sweeper) RunOnce(ctx context.Context) (removed int, ran bool, err error) {
	if !s.running.TryLock() {
		logger.Debug("sweep already running, skipping")
		return 0, false, nil
	}
	defer s.running.Unlock()

	now := s.clock()
	cutoff := now.Add(-s.window)
	removed, err = s.sweep(ctx, cutoff)
	s.runs.Add(1)
	s.lastRun.Store(now.UnixMilli())
	if err != nil {
		logger.Error("retention sweep failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0, true, err
	}
	if removed > 0 {
		s.removed.Add(int64(removed))
		logger.Info("retention sweep", zap.Int("removed", removed), zap.Time("cutoff", cutoff))
		if s.onSwept != nil {
			s.onSwept(removed)
		}
	}
	return removed, true, nil
}

// Stop cancels the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Lock()
	s.running.Unlock()
}

type Stats struct {
	Runs    int64
	Removed int64
	LastRun time.Time
}

func (s *Sweeper) Stats() Stats {
	st := Stats{Runs: s.runs.Load(), Removed: s.removed.Load()}
	if ms := s.lastRun.Load(); ms > 0 {
		st.LastRun = time.UnixMilli(ms)
	}
	return st
}
