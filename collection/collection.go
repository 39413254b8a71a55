/*
Package collection is the offline-aware data façade over one table.

PURPOSE:
  A Collection exposes a table the way a screen consumes it: a current view
  of rows plus create/update/delete that work the same online and offline.
  It decides per call whether to go to the remote store or the mirror, applies
  changes optimistically, and reverts them when the backend refuses.

READ:
  Online:  remote select -> mirror write-through -> view
  Offline: mirror rows, filtered/ordered/projected client-side -> view
  Online failure falls back to the mirror and returns a *generic.Warning
  alongside a populated view.

WRITE (online):
  optimistic view change -> remote call -> confirmed mirror write.
  Unavailable: the write is queued as if offline and connectivity is
  reported lost. Rejected: the optimistic change is reverted.

WRITE (offline, temp-id rows, rows with queued ops):
  unconfirmed mirror write (row + PendingOperation) -> view -> pending-sync
  notice. Rows with queued ops always take this path so the remote sees
  their changes in order.

READ SEQUENCING:
  Every read and mutation takes a token. A read result is applied only if
  no newer token has been applied; otherwise it is discarded with
  generic.ErrStaleRead.

SEE ALSO:
  - workflows.go: named remote procedures
  - syncer/engine.go: replay of what this package queues
*/
package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/coachdesk/generic"
)

var timeNow = time.Now

// Identity resolves the authenticated user. auth.Holder implements it.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// Connectivity is the online signal. connectivity.Monitor implements it.
type Connectivity interface {
	Online() bool
	ReportFailure(err error)
}

// Deps are the collaborators shared by every collection of an app context.
type Deps struct {
	Mirror   generic.MirrorStore
	Remote   generic.RemoteStore
	Conn     Connectivity
	Identity Identity
	Notifier Notifier
	Schemas  *generic.SchemaRegistry
	Log      logrus.FieldLogger
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Log: d.Log}
	}
	if d.Schemas == nil {
		d.Schemas = generic.DefaultSchemas()
	}
	return d
}

// Options shape the rows a collection exposes.
type Options struct {
	Select  []string
	Filters []generic.Filter
	Order   []generic.OrderBy
}

// Query returns the options as a generic.Query.
func (o Options) Query() generic.Query {
	return generic.Query{Columns: o.Select, Filters: o.Filters, Order: o.Order}
}

// View is the collection's current rows.
type View struct {
	Rows []generic.Record
	// FromMirror is set when the rows came from the local mirror.
	FromMirror bool
}

// Len returns the number of rows.
func (v View) Len() int { return len(v.Rows) }

// Find returns the row with id, if present.
func (v View) Find(id string) (generic.Record, bool) {
	for _, r := range v.Rows {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}

func (v View) clone() View {
	rows := make([]generic.Record, len(v.Rows))
	for i, r := range v.Rows {
		rows[i] = r.Clone()
	}
	return View{Rows: rows, FromMirror: v.FromMirror}
}

// Messages shown through the notifier.
const (
	msgSavedOffline   = "Saved offline. Changes will sync when you're back online."
	msgDeletedOffline = "Deleted offline. Changes will sync when you're back online."
	msgCreateFailed   = "Could not create item"
	msgUpdateFailed   = "Could not update item"
	msgDeleteFailed   = "Could not delete item"
)

// =============================================================================
// COLLECTION
// =============================================================================

// Collection is the offline-aware façade over one table.
type Collection struct {
	deps  Deps
	table generic.Table
	query generic.Query
	log   logrus.FieldLogger

	mu      sync.Mutex
	view    View
	issued  uint64
	applied uint64
	subs    []subscriber
	nextSub int
}

type subscriber struct {
	id int
	fn func(View)
}

// New creates a collection over table.
func New(deps Deps, table generic.Table, opts Options) *Collection {
	deps = deps.withDefaults()
	return &Collection{
		deps:  deps,
		table: table,
		query: opts.Query(),
		log:   deps.Log.WithFields(logrus.Fields{"component": "collection", "table": table}),
	}
}

// Table returns the collection's table.
func (c *Collection) Table() generic.Table { return c.table }

// View returns a copy of the current rows.
func (c *Collection) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.clone()
}

// Subscribe registers fn for view changes and returns its unsubscribe func.
func (c *Collection) Subscribe(fn func(View)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// token issues the next sequence number.
func (c *Collection) token() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
	return c.issued
}

// update applies fn to the view under token tok and notifies subscribers.
// It returns false, leaving the view untouched, when a newer token was
// already applied.
func (c *Collection) update(tok uint64, fn func(v *View)) bool {
	c.mu.Lock()
	if tok < c.applied {
		c.mu.Unlock()
		return false
	}
	c.applied = tok
	fn(&c.view)
	snapshot := c.view.clone()
	subs := append([]subscriber(nil), c.subs...)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(snapshot)
	}
	return true
}

// mutate changes the view unconditionally. Mutations always win over reads
// still in flight.
func (c *Collection) mutate(fn func(v *View)) {
	c.update(c.token(), fn)
}

// =============================================================================
// READ
// =============================================================================

// Read refreshes the view. On an online failure the mirror's rows are
// returned together with a *generic.Warning.
func (c *Collection) Read(ctx context.Context) (View, error) {
	tok := c.token()
	owner, err := c.deps.Identity.UserID(ctx)
	if err != nil {
		return View{}, err
	}

	var warning error
	if c.deps.Conn.Online() {
		rows, err := c.readRemote(ctx, owner)
		if err == nil {
			return c.applyRead(tok, View{Rows: rows})
		}
		if errors.Is(err, generic.ErrUnauthenticated) {
			return View{}, err
		}
		c.log.WithError(err).Warn("remote read failed, using local data")
		warning = &generic.Warning{Message: "showing locally saved data", Err: err}
	}

	rows, err := c.readMirror(ctx, owner)
	if err != nil {
		c.log.WithError(err).Error("local read failed")
		if warning != nil {
			return View{}, errors.Join(warning, err)
		}
		return View{}, err
	}
	view, err := c.applyRead(tok, View{Rows: rows, FromMirror: true})
	if err != nil {
		return view, err
	}
	if warning != nil {
		return view, warning
	}
	return view, nil
}

func (c *Collection) readRemote(ctx context.Context, owner string) ([]generic.Record, error) {
	rows, err := c.deps.Remote.Select(ctx, c.table, c.query)
	if err != nil {
		c.deps.Conn.ReportFailure(err)
		return nil, err
	}

	if err := c.deps.Mirror.ReplaceAll(ctx, c.table, owner, c.query, rows); err != nil {
		// the remote answer is still good; the mirror catches up next read
		c.log.WithError(err).Warn("mirror write-through failed")
		return rows, nil
	}

	// Local changes not yet replayed stay visible on top of the remote rows.
	ops, err := c.deps.Mirror.PendingOps(ctx, c.table)
	if err != nil || len(ops) == 0 {
		return rows, nil
	}
	merged, err := c.readMirror(ctx, owner)
	if err != nil {
		return rows, nil
	}
	return merged, nil
}

func (c *Collection) readMirror(ctx context.Context, owner string) ([]generic.Record, error) {
	rows, err := c.deps.Mirror.GetAll(ctx, c.table, owner)
	if err != nil {
		return nil, err
	}
	return c.query.Apply(rows), nil
}

func (c *Collection) applyRead(tok uint64, v View) (View, error) {
	if !c.update(tok, func(cur *View) { *cur = v }) {
		c.log.WithField("token", tok).Debug("discarding stale read")
		return c.View(), generic.ErrStaleRead
	}
	return v.clone(), nil
}

// =============================================================================
// CREATE
// =============================================================================

// CreateItem inserts a row owned by the current user and returns its id:
// the remote id when online, a temporary id when queued.
func (c *Collection) CreateItem(ctx context.Context, partial generic.Record) (string, error) {
	owner, err := c.deps.Identity.UserID(ctx)
	if err != nil {
		return "", err
	}
	rec := partial.Clone()
	if rec == nil {
		rec = generic.Record{}
	}
	delete(rec, generic.ColumnID)
	rec[generic.ColumnTrainerID] = owner

	if err := c.deps.Schemas.Validate(c.table, rec, generic.OpInsert); err != nil {
		c.deps.Notifier.Error(c.table, msgCreateFailed, err)
		return "", err
	}

	// Rows referencing unconfirmed rows queue behind them so the engine
	// sends the reference only after it has been rewritten.
	if c.deps.Conn.Online() && len(generic.TempRefs(rec)) == 0 {
		id, err := c.createOnline(ctx, rec)
		if !generic.IsRetryable(err) {
			return id, err
		}
		c.log.WithError(err).Warn("remote insert unavailable, queueing")
	}
	return c.createOffline(ctx, rec)
}

func (c *Collection) createOnline(ctx context.Context, rec generic.Record) (string, error) {
	placeholder := rec.Clone()
	placeholderID := generic.NewTempID(timeNow())
	placeholder[generic.ColumnID] = placeholderID
	if c.query.Match(placeholder) {
		c.mutate(func(v *View) { v.Rows = append(v.Rows, c.shape(placeholder)) })
	}

	row, err := c.deps.Remote.Insert(ctx, c.table, rec)
	if err != nil {
		c.mutate(func(v *View) { removeRow(v, placeholderID) })
		if generic.IsRetryable(err) {
			c.deps.Conn.ReportFailure(err)
			return "", err
		}
		c.deps.Notifier.Error(c.table, msgCreateFailed, err)
		return "", err
	}

	c.mutate(func(v *View) {
		i := indexOf(v, placeholderID)
		switch {
		case !c.query.Match(row):
			removeRow(v, placeholderID)
		case i >= 0:
			v.Rows[i] = c.shape(row)
		default:
			v.Rows = append(v.Rows, c.shape(row))
		}
	})

	if _, err := c.deps.Mirror.SaveItem(ctx, c.table, row, generic.OpInsert, true); err != nil {
		c.log.WithError(err).WithField("id", row.ID()).Warn("created remotely but not mirrored")
		return row.ID(), &generic.Warning{Message: "created but not saved for offline use", Err: err}
	}
	return row.ID(), nil
}

func (c *Collection) createOffline(ctx context.Context, rec generic.Record) (string, error) {
	id, err := c.deps.Mirror.SaveItem(ctx, c.table, rec, generic.OpInsert, false)
	if err != nil {
		c.deps.Notifier.Error(c.table, msgCreateFailed, err)
		return "", err
	}
	row := rec.Clone()
	row[generic.ColumnID] = id
	if c.query.Match(row) {
		c.mutate(func(v *View) { v.Rows = append(v.Rows, c.shape(row)) })
	}
	c.deps.Notifier.PendingSync(c.table, msgSavedOffline)
	return id, nil
}

// =============================================================================
// UPDATE
// =============================================================================

// UpdateItem patches row id.
func (c *Collection) UpdateItem(ctx context.Context, id string, patch generic.Record) error {
	if _, err := c.deps.Identity.UserID(ctx); err != nil {
		return err
	}
	patch = patch.Clone()
	delete(patch, generic.ColumnID)
	delete(patch, generic.ColumnTrainerID)
	if err := c.deps.Schemas.Validate(c.table, patch, generic.OpUpdate); err != nil {
		c.deps.Notifier.Error(c.table, msgUpdateFailed, err)
		return err
	}

	prev, hadRow := c.View().Find(id)
	c.mutate(func(v *View) {
		if i := indexOf(v, id); i >= 0 {
			v.Rows[i] = c.shape(v.Rows[i].Merge(patch))
		}
	})
	revert := func() {
		if hadRow {
			c.mutate(func(v *View) {
				if i := indexOf(v, id); i >= 0 {
					v.Rows[i] = prev
				}
			})
		}
	}

	online, err := c.goOnline(ctx, id, patch)
	if err != nil {
		revert()
		c.deps.Notifier.Error(c.table, msgUpdateFailed, err)
		return err
	}
	if online {
		row, err := c.deps.Remote.Update(ctx, c.table, id, patch)
		switch {
		case err == nil:
			c.mutate(func(v *View) {
				if i := indexOf(v, id); i >= 0 {
					v.Rows[i] = c.shape(row)
				}
			})
			if _, err := c.deps.Mirror.SaveItem(ctx, c.table, row, generic.OpUpdate, true); err != nil {
				c.log.WithError(err).WithField("id", id).Warn("updated remotely but not mirrored")
				return &generic.Warning{Message: "updated but not saved for offline use", Err: err}
			}
			return nil
		case generic.IsRetryable(err):
			c.deps.Conn.ReportFailure(err)
			c.log.WithError(err).Warn("remote update unavailable, queueing")
		default:
			revert()
			c.deps.Notifier.Error(c.table, msgUpdateFailed, err)
			return err
		}
	}

	queued := patch.Clone()
	queued[generic.ColumnID] = id
	if _, err := c.deps.Mirror.SaveItem(ctx, c.table, queued, generic.OpUpdate, false); err != nil {
		revert()
		c.deps.Notifier.Error(c.table, msgUpdateFailed, err)
		return err
	}
	c.deps.Notifier.PendingSync(c.table, msgSavedOffline)
	return nil
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteItem removes row id.
func (c *Collection) DeleteItem(ctx context.Context, id string) error {
	if _, err := c.deps.Identity.UserID(ctx); err != nil {
		return err
	}

	var removed generic.Record
	var at int
	c.mutate(func(v *View) {
		at = indexOf(v, id)
		if at >= 0 {
			removed = v.Rows[at]
			removeRow(v, id)
		}
	})
	revert := func() {
		if removed == nil {
			return
		}
		c.mutate(func(v *View) {
			if indexOf(v, id) >= 0 {
				return
			}
			i := min(at, len(v.Rows))
			v.Rows = append(v.Rows[:i], append([]generic.Record{removed}, v.Rows[i:]...)...)
		})
	}

	online, err := c.goOnline(ctx, id, nil)
	if err != nil {
		revert()
		c.deps.Notifier.Error(c.table, msgDeleteFailed, err)
		return err
	}
	if online {
		err := c.deps.Remote.Delete(ctx, c.table, id)
		switch {
		case err == nil || generic.IsNotFound(err):
			if err := c.deps.Mirror.DeleteItem(ctx, c.table, id, true); err != nil {
				c.log.WithError(err).WithField("id", id).Warn("deleted remotely but not mirrored")
				return &generic.Warning{Message: "deleted but local copy remains", Err: err}
			}
			return nil
		case generic.IsRetryable(err):
			c.deps.Conn.ReportFailure(err)
			c.log.WithError(err).Warn("remote delete unavailable, queueing")
		default:
			revert()
			c.deps.Notifier.Error(c.table, msgDeleteFailed, err)
			return err
		}
	}

	if err := c.deps.Mirror.DeleteItem(ctx, c.table, id, false); err != nil {
		revert()
		c.deps.Notifier.Error(c.table, msgDeleteFailed, err)
		return err
	}
	c.deps.Notifier.PendingSync(c.table, msgDeletedOffline)
	return nil
}

// RewriteID replaces a confirmed temporary id in the view, both as a row id
// and in reference columns. The app calls it for every id the sync engine
// confirms.
func (c *Collection) RewriteID(tempID, newID string) {
	c.mutate(func(v *View) {
		for _, r := range v.Rows {
			generic.ReplaceRefs(r, tempID, newID)
		}
	})
}

// goOnline reports whether a write to id may go straight to the remote.
// Rows never confirmed remotely, rows with queued ops, and payloads that
// reference unconfirmed rows must queue behind them.
func (c *Collection) goOnline(ctx context.Context, id string, payload generic.Record) (bool, error) {
	if !c.deps.Conn.Online() || generic.IsTempID(id) || len(generic.TempRefs(payload)) > 0 {
		return false, nil
	}
	ops, err := c.deps.Mirror.PendingOps(ctx, c.table)
	if err != nil {
		return false, fmt.Errorf("check queued ops: %w", err)
	}
	for _, op := range ops {
		if op.RecordID == id {
			return false, nil
		}
	}
	return true, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// shape projects r to the collection's selected columns.
func (c *Collection) shape(r generic.Record) generic.Record {
	return c.query.Project(r)
}

func indexOf(v *View, id string) int {
	for i, r := range v.Rows {
		if r.ID() == id {
			return i
		}
	}
	return -1
}

func removeRow(v *View, id string) {
	if i := indexOf(v, id); i >= 0 {
		v.Rows = append(v.Rows[:i:i], v.Rows[i+1:]...)
	}
}
