/*
scheduler.go - Periodic background sync

PURPOSE:
  Runs SyncAll on a fixed interval while the app is online, so queued
  operations drain even when connectivity never visibly flaps (e.g. a
  backend outage that ended while the device stayed on the network).

DESIGN:
  - Runs a background goroutine with configurable interval
  - Skips ticks while offline or while a previous run is still going
  - Sync errors are logged; ops stay queued for the next tick

USAGE:
  scheduler := syncer.NewScheduler(engine, monitor.Online, 5*time.Minute, log)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - engine.go: SyncAll
  - connectivity/monitor.go: the online predicate
*/
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler triggers SyncAll periodically.
type Scheduler struct {
	Engine   *Engine
	Online   func() bool
	Interval time.Duration

	log     logrus.FieldLogger
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	busy    atomic.Bool
	runs    atomic.Int64
}

// NewScheduler creates a scheduler. A nil online predicate means always online.
func NewScheduler(engine *Engine, online func() bool, interval time.Duration, log logrus.FieldLogger) *Scheduler {
	if online == nil {
		online = func() bool { return true }
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		Engine:   engine,
		Online:   online,
		Interval: interval,
		log:      log.WithField("component", "sync-scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.Interval <= 0 {
		if s.Interval <= 0 {
			s.log.Info("periodic sync disabled")
		}
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(ctx)

	s.log.WithField("interval", s.Interval).Info("periodic sync started")
}

// Stop stops the scheduler and waits for a running sync to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.started = false
	s.log.Info("periodic sync stopped")
}

// Runs returns how many syncs the scheduler has started.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.Online() {
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		return
	}
	defer s.busy.Store(false)

	s.runs.Add(1)
	res, err := s.Engine.SyncAll(ctx)
	entry := s.log.WithFields(logrus.Fields{
		"replayed":  res.Replayed,
		"remaining": res.Remaining,
	})
	if err != nil {
		entry.WithError(err).Warn("periodic sync incomplete")
		return
	}
	if res.Replayed > 0 {
		entry.Info("periodic sync finished")
	}
}
