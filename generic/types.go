/*
Package generic provides the table-agnostic core of the offline sync layer.

PURPOSE:
  This package contains the types shared by every component: the JSON-shaped
  Record, the PendingOperation queued while offline, the Query used against
  both the remote store and the local mirror, and the interfaces that connect
  them. Whether a row is a client, a scheduled session or an invoice, the same
  code path mirrors it locally and replays its mutations remotely.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record: an arbitrary row tagged with "id" and "trainer_id"
  - Table: the named collection a Record belongs to
  - OpKind / PendingOperation: a queued INSERT, UPDATE or DELETE
  - Temporary ids: locally generated ids for rows not yet confirmed remotely

DESIGN PRINCIPLES:
  1. The remote store is the system of record and wins once reachable
  2. The queue is FIFO per table (Seq is monotonic across the whole store)
  3. Every row carries its tenant; nothing crosses tenant boundaries

SEE ALSO:
  - query.go: filter/order/projection applied remotely and client-side
  - schema.go: per-table validation at the store boundary
  - store.go: MirrorStore and RemoteStore interfaces
  - errors.go: error taxonomy
*/
package generic

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// COLUMNS - Reserved column names every table carries
// =============================================================================

const (
	ColumnID        = "id"
	ColumnTrainerID = "trainer_id"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
)

// =============================================================================
// TABLES
// =============================================================================

// Table names a remote relational table and its local mirror.
type Table string

const (
	TableClients             Table = "clients"
	TableSchedules           Table = "schedules"
	TableWorkouts            Table = "workouts"
	TablePackages            Table = "packages"
	TableClientPackages      Table = "client_packages"
	TableInvoices            Table = "invoices"
	TableSessionParticipants Table = "session_participants"
)

func (t Table) String() string { return string(t) }

// =============================================================================
// RECORD - JSON-shaped row
// =============================================================================

// Record is a row of application data. Values follow encoding/json decoding
// rules (numbers are float64, objects are map[string]any).
type Record map[string]any

// ID returns the record id, or "" if absent.
func (r Record) ID() string { return r.String(ColumnID) }

// TrainerID returns the tenant id the record belongs to.
func (r Record) TrainerID() string { return r.String(ColumnTrainerID) }

// String returns the column as a string. Numbers are formatted without
// exponent so numeric ids survive the round trip.
func (r Record) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// Clone returns a shallow copy. Nested values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with patch applied on top.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// =============================================================================
// PENDING OPERATIONS - Mutations awaiting remote replay
// =============================================================================

// OpKind is the kind of a queued mutation.
type OpKind string

const (
	OpInsert OpKind = "INSERT"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"
)

// Valid reports whether k is one of the three known kinds.
func (k OpKind) Valid() bool {
	return k == OpInsert || k == OpUpdate || k == OpDelete
}

// OpStatus tracks whether a queued op is still replayable.
type OpStatus string

const (
	OpStatusPending  OpStatus = "pending"
	OpStatusRejected OpStatus = "rejected" // backend refused it; blocks its table until discarded
)

// PendingOperation is one queued mutation. Seq orders the queue: within a
// table, ops replay in ascending Seq.
type PendingOperation struct {
	Seq       int64
	Table     Table
	RecordID  string
	Kind      OpKind
	Payload   Record // full row for INSERT, changed columns for UPDATE, nil for DELETE
	Status    OpStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
}

func (op PendingOperation) String() string {
	return fmt.Sprintf("%s %s/%s (seq %d)", op.Kind, op.Table, op.RecordID, op.Seq)
}

// =============================================================================
// TEMPORARY IDS
// =============================================================================

// TempIDPrefix marks ids generated locally for rows the remote has not seen.
const TempIDPrefix = "tmp_"

// NewTempID returns a locally unique id: prefix, unix millis, random token.
func NewTempID(now time.Time) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s%d_%s", TempIDPrefix, now.UnixMilli(), token)
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
