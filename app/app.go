/*
Package app wires one device's offline sync stack together.

PURPOSE:
  Builds the shared context every screen-level component needs: the session,
  the mirror, the remote client, the connectivity monitor and the sync
  engine, and keeps them connected for the life of the process.

WIRING:
  Prober ----------> Monitor <---- remote.Client (transport failures)
                        |
             offline -> online
                        v
                 Engine.SyncAll ----> EventIDRewritten ----> Collection.RewriteID
                        |
                    Scheduler (periodic, online only)

LIFECYCLE:
  New     opens the mirror and restores the saved session
  Start   starts the prober and the periodic scheduler
  Close   stops both, waits for in-flight syncs, closes the mirror

SEE ALSO:
  - cmd/coachctl: the CLI built on App
  - collection/collection.go: the façade App hands out
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/warp/coachdesk/auth"
	"github.com/warp/coachdesk/collection"
	"github.com/warp/coachdesk/config"
	"github.com/warp/coachdesk/connectivity"
	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/remote"
	"github.com/warp/coachdesk/store/sqlite"
	"github.com/warp/coachdesk/syncer"
)

// App is the per-process context.
type App struct {
	Config    config.Config
	Session   *auth.Holder
	Sessions  auth.FileStore
	Mirror    *sqlite.Store
	Remote    *remote.Client
	Monitor   *connectivity.Monitor
	Prober    *connectivity.Prober
	Engine    *syncer.Engine
	Scheduler *syncer.Scheduler
	Notifier  collection.Notifier

	log           logrus.FieldLogger
	reconnectSync bool

	mu          sync.Mutex
	collections []*collection.Collection
	syncs       sync.WaitGroup
	cancel      context.CancelFunc
	base        context.Context
	stopBase    context.CancelFunc
	unsubscribe func()
}

// Option customizes New.
type Option func(*App)

// WithReconnectSync controls whether going online starts a sync. It is on
// by default; one-shot commands turn it off and sync explicitly.
func WithReconnectSync(on bool) Option {
	return func(a *App) { a.reconnectSync = on }
}

// WithNotifier replaces the default logging notifier.
func WithNotifier(n collection.Notifier) Option {
	return func(a *App) { a.Notifier = n }
}

// New builds the stack from cfg. A missing session file leaves the app
// signed out.
func New(cfg config.Config, log logrus.FieldLogger, opts ...Option) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{
		Config:   cfg,
		Session:  auth.NewHolder(),
		Sessions: auth.FileStore{Path: cfg.Auth.SessionFile},
		log:      log.WithField("component", "app"),

		reconnectSync: true,
	}
	a.base, a.stopBase = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(a)
	}
	if a.Notifier == nil {
		a.Notifier = collection.LogNotifier{Log: log}
	}

	if cfg.Auth.SessionFile != "" {
		s, err := a.Sessions.Load()
		switch {
		case err == nil:
			a.Session.Set(s)
		case errors.Is(err, generic.ErrUnauthenticated):
		default:
			return nil, fmt.Errorf("restore session: %w", err)
		}
	}

	if cfg.Mirror.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Mirror.Path), 0o700); err != nil {
			return nil, fmt.Errorf("mirror directory: %w", err)
		}
	}
	mirror, err := sqlite.New(cfg.Mirror.Path)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	a.Mirror = mirror

	a.Monitor = connectivity.NewMonitor(connectivity.Offline, log)
	a.Prober = connectivity.NewProber(
		strings.TrimRight(cfg.Remote.URL, "/")+"/health", cfg.Probe.Interval, cfg.Probe.MaxInterval, log)
	a.Monitor.AddSource(a.Prober)

	a.Remote = remote.NewClient(cfg.Remote.URL, a.Session,
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithHealthReporter(a.Monitor),
		remote.WithLogger(log))

	a.Engine = syncer.NewEngine(mirror, a.Remote, log)
	a.Engine.SetEventHandler(a.onSyncEvent)
	a.Scheduler = syncer.NewScheduler(a.Engine, a.Monitor.Online, cfg.Sync.Interval, log)

	a.unsubscribe = a.Monitor.Subscribe(a.onConnectivity)
	return a, nil
}

// Start begins probing connectivity and periodic sync.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.Monitor.Init(ctx); err != nil {
		cancel()
		return err
	}
	a.Scheduler.Start(ctx)
	return nil
}

// Close stops background work and closes the mirror.
func (a *App) Close() error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	a.Scheduler.Stop()
	a.unsubscribe()
	a.Monitor.Dispose()
	if cancel != nil {
		cancel()
	}
	a.stopBase()
	a.syncs.Wait()
	return a.Mirror.Close()
}

// Collection creates a façade over table and keeps it informed of id
// rewrites.
func (a *App) Collection(table generic.Table, opts collection.Options) *collection.Collection {
	c := collection.New(a.Deps(), table, opts)
	a.mu.Lock()
	a.collections = append(a.collections, c)
	a.mu.Unlock()
	return c
}

// Deps returns the collaborators shared by every collection.
func (a *App) Deps() collection.Deps {
	return collection.Deps{
		Mirror:   a.Mirror,
		Remote:   a.Remote,
		Conn:     a.Monitor,
		Identity: a.Session,
		Notifier: a.Notifier,
		Schemas:  a.Mirror.Schemas(),
		Log:      a.log,
	}
}

// =============================================================================
// SESSION
// =============================================================================

// Login redeems code and persists the session.
func (a *App) Login(ctx context.Context, code string) (auth.Session, error) {
	s, err := auth.NewExchanger(a.Config.Remote.URL, a.log).ExchangeCode(ctx, code)
	if err != nil {
		return auth.Session{}, err
	}
	a.Session.Set(&s)
	if a.Config.Auth.SessionFile != "" {
		if err := a.Sessions.Save(s); err != nil {
			return s, fmt.Errorf("save session: %w", err)
		}
	}
	a.log.WithField("user_id", s.UserID).Info("signed in")
	return s, nil
}

// Logout forgets the session. Queued changes stay in the mirror.
func (a *App) Logout() error {
	a.Session.Set(nil)
	if a.Config.Auth.SessionFile == "" {
		return nil
	}
	return a.Sessions.Clear()
}

// =============================================================================
// SYNC TRIGGERS
// =============================================================================

// SyncNow drains every table and refreshes open collections.
func (a *App) SyncNow(ctx context.Context) (syncer.Result, error) {
	res, err := a.Engine.SyncAll(ctx)
	if err != nil {
		return res, err
	}
	a.refresh(ctx)
	return res, nil
}

// Probe checks the backend once and updates the monitor. One-shot commands
// use it instead of Start.
func (a *App) Probe(ctx context.Context) bool {
	err := a.Prober.Probe(ctx)
	if err != nil {
		a.log.WithError(err).Debug("backend unreachable")
	}
	a.Monitor.Set(err == nil)
	return err == nil
}

// Pending lists every queued op, grouped by table in FIFO order.
func (a *App) Pending(ctx context.Context) ([]generic.PendingOperation, error) {
	tables, err := a.Mirror.PendingTables(ctx)
	if err != nil {
		return nil, err
	}
	var out []generic.PendingOperation
	for _, table := range tables {
		ops, err := a.Mirror.PendingOps(ctx, table)
		if err != nil {
			return nil, err
		}
		out = append(out, ops...)
	}
	return out, nil
}

func (a *App) onConnectivity(s connectivity.State) {
	if s != connectivity.Online || !a.reconnectSync {
		return
	}
	a.syncs.Add(1)
	go func() {
		defer a.syncs.Done()
		res, err := a.SyncNow(a.base)
		entry := a.log.WithField("remaining", res.Remaining)
		if err != nil {
			entry.WithError(err).Warn("sync after reconnect failed")
			return
		}
		entry.Info("synced after reconnect")
	}()
}

func (a *App) onSyncEvent(ev syncer.Event) {
	if ev.Kind != syncer.EventIDRewritten || ev.Op == nil {
		return
	}
	for _, c := range a.snapshot() {
		c.RewriteID(ev.Op.RecordID, ev.NewID)
	}
}

func (a *App) refresh(ctx context.Context) {
	for _, c := range a.snapshot() {
		if _, err := c.Read(ctx); err != nil && !errors.Is(err, generic.ErrStaleRead) {
			a.log.WithError(err).WithField("table", c.Table()).Debug("refresh after sync")
		}
	}
}

func (a *App) snapshot() []*collection.Collection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*collection.Collection(nil), a.collections...)
}
