/*
scheduler.go - Expired session cleanup

PURPOSE:
  Periodically deletes access tokens whose expiry has passed so the
  auth_sessions table does not grow without bound.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Stop waits for the goroutine to exit

CONFIGURATION:
  - CheckInterval: How often to purge (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSessionScheduler(backend, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - store/sqlite/backend.go: PurgeExpiredSessions
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/coachdesk/store/sqlite"
)

// SessionScheduler purges expired sessions on a ticker.
type SessionScheduler struct {
	Backend       *sqlite.Backend
	CheckInterval time.Duration
	Enabled       bool
	Log           logrus.FieldLogger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSessionScheduler creates a new scheduler.
func NewSessionScheduler(backend *sqlite.Backend, log logrus.FieldLogger) *SessionScheduler {
	return &SessionScheduler{
		Backend:       backend,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Log:           log.WithField("component", "session_scheduler"),
	}
}

// Start begins the scheduler.
func (ss *SessionScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled || ss.CheckInterval <= 0 {
		ss.Log.Info("disabled, not starting")
		return
	}
	if ss.ticker != nil {
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.stop = make(chan struct{})
	ss.wg.Add(1)

	go ss.run()

	ss.Log.WithField("interval", ss.CheckInterval).Info("started")
}

// Stop stops the scheduler.
func (ss *SessionScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		ss.ticker = nil
		ss.Log.Info("stopped")
	}
}

func (ss *SessionScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.RunNow()

	for {
		select {
		case <-ss.ticker.C:
			ss.RunNow()
		case <-ss.stop:
			return
		}
	}
}

// RunNow purges immediately and returns the number of sessions removed.
func (ss *SessionScheduler) RunNow() int64 {
	n, err := ss.Backend.PurgeExpiredSessions(context.Background())
	if err != nil {
		ss.Log.WithError(err).Error("purge failed")
		return 0
	}
	if n > 0 {
		ss.Log.WithField("removed", n).Info("purged expired sessions")
	}
	return n
}
