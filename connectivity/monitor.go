/*
Package connectivity tracks whether the hosted backend is reachable.

PURPOSE:
  Monitor is the single online/offline signal of an app context. The
  collection façade consults it to choose the online or offline path, and
  the sync engine is triggered when it flips back to online.

STATE MACHINE:
  Online  --Set(false) / ReportFailure(unavailable)--> Offline
  Offline --Set(true)  / ReportSuccess()-------------> Online

  Subscribers are notified on transitions only, in registration order.
  Transitions raised while subscribers are being notified (including from
  inside a subscriber) are delivered after the current one, never dropped
  or reordered.

LIFECYCLE:
  m := connectivity.NewMonitor(connectivity.Online, log)
  m.AddSource(prober)   // optional: something that calls Set
  m.Init(ctx)           // starts sources
  unsubscribe := m.Subscribe(func(s connectivity.State) { ... })
  ...
  m.Dispose()           // stops sources, drops subscribers

SEE ALSO:
  - prober.go: HTTP health probe source
  - app/app.go: wires the online transition to the sync engine
*/
package connectivity

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/warp/coachdesk/generic"
)

// State is the connectivity state.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Source drives a Monitor until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, m *Monitor)
}

// ErrAlreadyStarted is returned by Init when called twice.
var ErrAlreadyStarted = errors.New("monitor already initialized")

type subscription struct {
	id int
	fn func(State)
}

// Monitor holds the process-wide connectivity state.
type Monitor struct {
	mu          sync.Mutex
	state       State
	subs        []subscription
	nextID      int
	pending     []State
	dispatching bool
	sources     []Source
	started     bool
	disposed    bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	log         logrus.FieldLogger
}

// NewMonitor creates a monitor in the given initial state.
func NewMonitor(initial State, log logrus.FieldLogger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{state: initial, log: log.WithField("component", "connectivity")}
}

// AddSource registers a source to be started by Init.
func (m *Monitor) AddSource(s Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, s)
}

// Init starts the registered sources.
func (m *Monitor) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, s := range m.sources {
		m.wg.Add(1)
		go func(s Source) {
			defer m.wg.Done()
			s.Run(ctx, m)
		}(s)
	}
	m.log.WithField("state", m.state).Info("connectivity monitor started")
	return nil
}

// Dispose stops the sources and drops every subscriber. Later Set calls are
// ignored.
func (m *Monitor) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.subs = nil
	m.pending = nil
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the backend is believed reachable.
func (m *Monitor) Online() bool {
	return m.State() == Online
}

// Subscribe registers fn for transitions and returns its unsubscribe func.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscription{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Set is the runtime reachability signal.
func (m *Monitor) Set(online bool) {
	next := Offline
	if online {
		next = Online
	}

	m.mu.Lock()
	if m.disposed || m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.pending = append(m.pending, next)
	m.log.WithField("state", next).Info("connectivity changed")
	if m.dispatching {
		m.mu.Unlock()
		return
	}

	m.dispatching = true
	for len(m.pending) > 0 {
		s := m.pending[0]
		m.pending = m.pending[1:]
		subs := append([]subscription(nil), m.subs...)
		m.mu.Unlock()
		for _, sub := range subs {
			sub.fn(s)
		}
		m.mu.Lock()
	}
	m.dispatching = false
	m.mu.Unlock()
}

// ReportFailure flips to offline when err says the backend is unreachable.
// Refusals and local errors say nothing about reachability.
func (m *Monitor) ReportFailure(err error) {
	if !generic.IsRetryable(err) {
		return
	}
	if m.Online() {
		m.log.WithError(err).Warn("remote unreachable, going offline")
	}
	m.Set(false)
}

// ReportSuccess flips to online after any answered request.
func (m *Monitor) ReportSuccess() {
	m.Set(true)
}
