/*
Package syncer replays queued offline mutations against the remote store.

PURPOSE:
  The Engine drains the mirror's pending-operation queue table by table,
  strictly in FIFO order, and reconciles the mirror with the authoritative
  rows the remote returns (remote wins).

REPLAY RULES (per op, head of the table's queue):
  INSERT  remote.Insert without the temporary id, then RewriteID so the
          mirror key, later queued ops and foreign keys in other rows all
          carry the remote id
  UPDATE  remote.Update(id, patch)
  DELETE  remote.Delete(id); "not found" counts as done

  Success: op completed, mirror row refreshed from the remote row unless
  later ops for it are still queued.
  Unavailable / unauthenticated: op retained (attempts++), table stops.
  Rejected: op retained and flagged rejected; the table stays paused until
  the op is discarded.
  Payload references another unconfirmed row: the table is deferred until
  that row's table has replayed; SyncAll runs further passes while
  progress is made.

CONCURRENCY:
  Tables are independent and drain concurrently. At most one drain per
  table is in flight; concurrent callers share its result.

SEE ALSO:
  - scheduler.go: periodic background sync
  - generic/store.go: OpQueue
  - app/app.go: online-transition trigger
*/
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/coachdesk/generic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// RESULTS AND EVENTS
// =============================================================================

// TableResult summarizes one drain of one table.
type TableResult struct {
	Table     generic.Table
	Replayed  int
	Remaining int
	// Deferred is set when the head op waits on a row of another table.
	Deferred bool
	// Blocked is the rejected op pausing the table, if any.
	Blocked *generic.PendingOperation
	Err     error
}

// Done reports whether the table's queue is empty.
func (r TableResult) Done() bool { return r.Remaining == 0 }

// Result aggregates a SyncAll run.
type Result struct {
	Tables    []TableResult
	Replayed  int
	Remaining int
	Passes    int
}

// EventKind identifies engine events.
type EventKind string

const (
	EventStarted      EventKind = "started"
	EventOpReplayed   EventKind = "op_replayed"
	EventOpFailed     EventKind = "op_failed"
	EventOpDeferred   EventKind = "op_deferred"
	EventIDRewritten  EventKind = "id_rewritten"
	EventTableBlocked EventKind = "table_blocked"
	EventFinished     EventKind = "finished"
)

// Event is emitted during replay. Op is nil for table-level events.
type Event struct {
	Kind   EventKind
	Table  generic.Table
	Op     *generic.PendingOperation
	NewID  string // EventIDRewritten only
	Err    error
	Result *TableResult // EventFinished only
}

// Status is a snapshot for "sync now" affordances.
type Status struct {
	Pending  int
	Rejected int
	Running  bool
	LastSync time.Time
	LastErr  error
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine replays the mirror's queue against the remote store.
type Engine struct {
	mirror generic.MirrorStore
	remote generic.RemoteStore
	log    logrus.FieldLogger
	group  singleflight.Group

	mu       sync.RWMutex
	handler  func(Event)
	running  int
	lastSync time.Time
	lastErr  error
	now      func() time.Time
}

// NewEngine creates a sync engine.
func NewEngine(mirror generic.MirrorStore, remote generic.RemoteStore, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		mirror: mirror,
		remote: remote,
		log:    log.WithField("component", "syncer"),
		now:    time.Now,
	}
}

// SetEventHandler registers fn for replay events. Pass nil to remove it.
// fn runs on the draining goroutine and must not block.
func (e *Engine) SetEventHandler(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = fn
}

func (e *Engine) emit(ev Event) {
	e.mu.RLock()
	fn := e.handler
	e.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// SyncTable drains one table. A drain already in flight for the table is
// joined rather than duplicated.
func (e *Engine) SyncTable(ctx context.Context, table generic.Table) (TableResult, error) {
	v, err, shared := e.group.Do(string(table), func() (any, error) {
		return e.drain(ctx, table)
	})
	if shared {
		e.log.WithField("table", table).Debug("joined in-flight drain")
	}
	res, _ := v.(TableResult)
	return res, err
}

// SyncAll drains every table with queued ops, concurrently. Tables deferred
// on rows of other tables are retried while a pass makes progress.
func (e *Engine) SyncAll(ctx context.Context) (Result, error) {
	e.begin()
	var result Result
	var err error
	defer func() { e.finish(err) }()

	latest := make(map[generic.Table]TableResult)
	var order []generic.Table

	for {
		var tables []generic.Table
		tables, err = e.mirror.PendingTables(ctx)
		if err != nil {
			return result, err
		}
		if len(tables) == 0 {
			break
		}
		result.Passes++

		results := make([]TableResult, len(tables))
		var g errgroup.Group
		for i, table := range tables {
			g.Go(func() error {
				res, err := e.SyncTable(ctx, table)
				res.Table = table
				res.Err = err
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()

		progress, deferred := 0, false
		for _, res := range results {
			if _, ok := latest[res.Table]; !ok {
				order = append(order, res.Table)
			}
			prev := latest[res.Table]
			res.Replayed += prev.Replayed
			latest[res.Table] = res
			progress += res.Replayed - prev.Replayed
			if res.Deferred {
				deferred = true
			}
		}
		if !deferred || progress == 0 || ctx.Err() != nil {
			break
		}
	}

	var errs []error
	for _, table := range order {
		res := latest[table]
		result.Tables = append(result.Tables, res)
		result.Replayed += res.Replayed
		result.Remaining += res.Remaining
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	err = errors.Join(errs...)
	return result, err
}

func (e *Engine) begin() {
	e.mu.Lock()
	e.running++
	e.mu.Unlock()
}

func (e *Engine) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running--
	e.lastSync = e.now()
	e.lastErr = err
}

// drain replays the head of table's queue until it is empty or an op cannot
// be replayed now. The queue is re-read after every op because a confirmed
// INSERT rewrites the ids of the ops behind it.
func (e *Engine) drain(ctx context.Context, table generic.Table) (TableResult, error) {
	res := TableResult{Table: table}
	log := e.log.WithField("table", table)
	e.emit(Event{Kind: EventStarted, Table: table})

	finish := func(err error) (TableResult, error) {
		ops, qerr := e.mirror.PendingOps(ctx, table)
		if qerr == nil {
			res.Remaining = len(ops)
		}
		if err == nil {
			err = qerr
		}
		res.Err = err
		log.WithFields(logrus.Fields{
			"replayed":  res.Replayed,
			"remaining": res.Remaining,
			"deferred":  res.Deferred,
		}).Info("table drain finished")
		e.emit(Event{Kind: EventFinished, Table: table, Err: err, Result: &res})
		return res, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		ops, err := e.mirror.PendingOps(ctx, table)
		if err != nil {
			return finish(err)
		}
		if len(ops) == 0 {
			return finish(nil)
		}
		op := ops[0]

		if op.Status == generic.OpStatusRejected {
			res.Blocked = &op
			e.emit(Event{Kind: EventTableBlocked, Table: table, Op: &op})
			return finish(&generic.ReplayError{Op: op, Err: fmt.Errorf("%w: %s", generic.ErrRemoteRejected, op.LastError)})
		}

		if refs := generic.TempRefs(op.Payload); len(refs) > 0 {
			res.Deferred = true
			log.WithFields(logrus.Fields{"op": op.String(), "columns": refs}).Debug("waiting on unconfirmed references")
			e.emit(Event{Kind: EventOpDeferred, Table: table, Op: &op})
			return finish(nil)
		}

		if err := e.replay(ctx, op); err != nil {
			return finish(e.fail(ctx, op, err))
		}
		res.Replayed++
		e.emit(Event{Kind: EventOpReplayed, Table: table, Op: &op})
	}
}

// replay sends one op to the remote and settles the mirror.
func (e *Engine) replay(ctx context.Context, op generic.PendingOperation) error {
	switch op.Kind {
	case generic.OpInsert:
		payload := op.Payload.Clone()
		if generic.IsTempID(payload.ID()) {
			delete(payload, generic.ColumnID)
		}
		row, err := e.remote.Insert(ctx, op.Table, payload)
		if err != nil {
			return remoteErr(err)
		}
		if err := e.mirror.CompleteOp(ctx, op.Seq); err != nil {
			return err
		}
		if generic.IsTempID(op.RecordID) {
			if err := e.mirror.RewriteID(ctx, op.Table, op.RecordID, row); err != nil {
				return err
			}
			e.log.WithFields(logrus.Fields{"table": op.Table, "temp_id": op.RecordID, "id": row.ID()}).Info("temporary id confirmed")
			e.emit(Event{Kind: EventIDRewritten, Table: op.Table, Op: &op, NewID: row.ID()})
			return nil
		}
		return e.refresh(ctx, op.Table, row)

	case generic.OpUpdate:
		patch := op.Payload.Clone()
		delete(patch, generic.ColumnID)
		row, err := e.remote.Update(ctx, op.Table, op.RecordID, patch)
		if err != nil {
			return remoteErr(err)
		}
		if err := e.mirror.CompleteOp(ctx, op.Seq); err != nil {
			return err
		}
		return e.refresh(ctx, op.Table, row)

	case generic.OpDelete:
		if err := e.remote.Delete(ctx, op.Table, op.RecordID); err != nil && !generic.IsNotFound(err) {
			return remoteErr(err)
		}
		if err := e.mirror.CompleteOp(ctx, op.Seq); err != nil {
			return err
		}
		return e.mirror.DeleteItem(ctx, op.Table, op.RecordID, true)
	}
	return fmt.Errorf("unknown op kind %q", op.Kind)
}

// refresh writes the authoritative row through unless later local edits to
// it are still queued.
func (e *Engine) refresh(ctx context.Context, table generic.Table, row generic.Record) error {
	ops, err := e.mirror.PendingOps(ctx, table)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.RecordID == row.ID() {
			return nil
		}
	}
	_, err = e.mirror.SaveItem(ctx, table, row, generic.OpUpdate, true)
	return err
}

// fail records the failed attempt and returns the replay error.
func (e *Engine) fail(ctx context.Context, op generic.PendingOperation, cause error) error {
	var remote *remoteFailure
	if !errors.As(cause, &remote) {
		// local failure after a successful remote call
		e.log.WithError(cause).WithField("op", op.String()).Error("local storage failed during replay")
		return cause
	}

	status := generic.OpStatusPending
	if !generic.IsRetryable(cause) && !errors.Is(cause, generic.ErrUnauthenticated) {
		status = generic.OpStatusRejected
	}
	if err := e.mirror.FailOp(ctx, op.Seq, status, remote.err); err != nil {
		return errors.Join(remote.err, err)
	}
	op.Attempts++
	op.Status = status
	op.LastError = remote.err.Error()

	entry := e.log.WithError(remote.err).WithFields(logrus.Fields{
		"op":       op.String(),
		"attempts": op.Attempts,
		"status":   status,
	})
	if status == generic.OpStatusRejected {
		entry.Warn("remote rejected queued operation")
	} else {
		entry.Info("replay deferred, remote unavailable")
	}

	rerr := &generic.ReplayError{Op: op, Err: remote.err}
	e.emit(Event{Kind: EventOpFailed, Table: op.Table, Op: &op, Err: rerr})
	return rerr
}

// remoteFailure marks errors returned by the remote store, as opposed to
// mirror failures while settling a replayed op.
type remoteFailure struct{ err error }

func (r *remoteFailure) Error() string { return r.err.Error() }
func (r *remoteFailure) Unwrap() error { return r.err }

func remoteErr(err error) error { return &remoteFailure{err: err} }

// =============================================================================
// REJECTED OPS AND STATUS
// =============================================================================

// Rejected lists queued ops the remote refused, oldest first.
func (e *Engine) Rejected(ctx context.Context) ([]generic.PendingOperation, error) {
	tables, err := e.mirror.PendingTables(ctx)
	if err != nil {
		return nil, err
	}
	var out []generic.PendingOperation
	for _, table := range tables {
		ops, err := e.mirror.PendingOps(ctx, table)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if op.Status == generic.OpStatusRejected {
				out = append(out, op)
			}
		}
	}
	return out, nil
}

// Discard drops a queued op so its table can drain again.
func (e *Engine) Discard(ctx context.Context, seq int64) error {
	if err := e.mirror.DiscardOp(ctx, seq); err != nil {
		return err
	}
	e.log.WithField("seq", seq).Info("queued operation discarded")
	return nil
}

// Status reports queue size and the last run.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.mirror.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	rejected, err := e.Rejected(ctx)
	if err != nil {
		return Status{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Pending:  pending,
		Rejected: len(rejected),
		Running:  e.running > 0,
		LastSync: e.lastSync,
		LastErr:  e.lastErr,
	}, nil
}
