/*
store.go - Persistence interfaces for the mirror and the remote store

PURPOSE:
  Defines the two stores the sync layer moves rows between:
  the on-device MirrorStore and the hosted RemoteStore.

KEY INTERFACES:
  MirrorStore: last-known rows per table plus the pending-operation queue
  OpQueue:     the queue surface the sync engine drains
  RemoteStore: tenant-scoped table access plus named procedures

CONFIRMED vs UNCONFIRMED WRITES:
  A confirmed write already succeeded remotely and is written through
  without queuing. An unconfirmed write is persisted locally and a
  PendingOperation is appended in the same local transaction, so a crash
  can never leave a row without its op or an op without its row.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: durable SQLite mirror
  - generic/store/memory.go: in-memory mirror for testing
  - remote/client.go: HTTP remote
  - remote/memory.go: in-memory remote for testing

SEE ALSO:
  - syncer/engine.go: drains OpQueue against RemoteStore
  - collection/collection.go: the façade over both
*/
package generic

import (
	"context"
	"encoding/json"
)

// =============================================================================
// MIRROR STORE - On-device cache of rows and queued mutations
// =============================================================================

// MirrorStore is the Local Mirror Store.
type MirrorStore interface {
	// GetAll returns the non-tombstoned rows of table owned by ownerID.
	// An unknown or empty table yields an empty slice.
	GetAll(ctx context.Context, table Table, ownerID string) ([]Record, error)

	// GetByID returns one row, tombstoned or not. ErrNotFound if absent.
	GetByID(ctx context.Context, table Table, id string) (Record, error)

	// SaveItem upserts record keyed by its id, generating a temporary id when
	// absent. Unless confirmed, a PendingOperation of kind is appended.
	SaveItem(ctx context.Context, table Table, record Record, kind OpKind, confirmed bool) (string, error)

	// DeleteItem removes (confirmed) or tombstones and queues (unconfirmed) a row.
	DeleteItem(ctx context.Context, table Table, id string, confirmed bool) error

	// ReplaceAll writes through the result of an online read of q: every row
	// is upserted as confirmed, except rows that still have queued operations,
	// which keep their local state until the queue drains. Confirmed rows that
	// match q but were not returned are removed. Projected reads (q.Columns)
	// merge onto the existing row instead of replacing it.
	ReplaceAll(ctx context.Context, table Table, ownerID string, q Query, records []Record) error

	OpQueue
}

// OpQueue is the pending-operation queue.
type OpQueue interface {
	// PendingOps returns table's queued ops in FIFO order.
	PendingOps(ctx context.Context, table Table) ([]PendingOperation, error)

	// PendingTables lists tables with at least one queued op.
	PendingTables(ctx context.Context) ([]Table, error)

	// PendingCount returns the total number of queued ops.
	PendingCount(ctx context.Context) (int, error)

	// CompleteOp removes a successfully replayed op.
	CompleteOp(ctx context.Context, seq int64) error

	// FailOp records a failed attempt and the op's new status. Kind, record id
	// and payload are left unchanged.
	FailOp(ctx context.Context, seq int64, status OpStatus, cause error) error

	// DiscardOp drops an op without replaying it. Discarding the INSERT of a
	// temporary row removes the row and its later ops; discarding a DELETE
	// restores the tombstoned row.
	DiscardOp(ctx context.Context, seq int64) error

	// RewriteID replaces tempID with the id of the confirmed remote row in the
	// mirror key, in every queued op's record id and in payload columns that
	// reference it. The confirmed row replaces the local one.
	RewriteID(ctx context.Context, table Table, tempID string, confirmed Record) error
}

// =============================================================================
// REMOTE STORE - Hosted relational backend (system of record)
// =============================================================================

// RemoteStore is the contract the client relies on. Every call is scoped to
// the authenticated tenant by the backend.
type RemoteStore interface {
	Select(ctx context.Context, table Table, q Query) ([]Record, error)

	// Insert returns the authoritative row, including the server-assigned id.
	Insert(ctx context.Context, table Table, record Record) (Record, error)

	// Update patches a row by id and returns the authoritative row.
	Update(ctx context.Context, table Table, id string, patch Record) (Record, error)

	// Delete removes a row by id. ErrNotFound if it does not exist.
	Delete(ctx context.Context, table Table, id string) error

	// Call invokes a named procedure as one atomic operation.
	Call(ctx context.Context, fn string, args any) (json.RawMessage, error)
}
