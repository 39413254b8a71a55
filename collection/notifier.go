package collection

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/warp/coachdesk/generic"
)

// =============================================================================
// NOTIFIER - User-facing messages about writes
// =============================================================================

// Notifier receives the messages a UI would show as toasts.
type Notifier interface {
	// PendingSync reports a change saved locally that will sync later.
	PendingSync(table generic.Table, message string)
	// Error reports a failed operation whose optimistic change was reverted.
	Error(table generic.Table, message string, err error)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) PendingSync(table generic.Table, message string) {
	n.Log.WithField("table", table).Info(message)
}

func (n LogNotifier) Error(table generic.Table, message string, err error) {
	n.Log.WithField("table", table).WithError(err).Error(message)
}

// Notification is one message captured by a Recorder.
type Notification struct {
	Table   generic.Table
	Pending bool
	Message string
	Err     error
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) PendingSync(table generic.Table, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, Notification{Table: table, Pending: true, Message: message})
}

func (r *Recorder) Error(table generic.Table, message string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, Notification{Table: table, Message: message, Err: err})
}

// All returns the notifications received so far.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Errors returns only the error notifications.
func (r *Recorder) Errors() []Notification {
	var out []Notification
	for _, n := range r.All() {
		if !n.Pending {
			out = append(out, n)
		}
	}
	return out
}
