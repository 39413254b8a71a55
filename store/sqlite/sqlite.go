/*
Package sqlite provides the SQLite-backed Local Mirror Store.

PURPOSE:
  Implements generic.MirrorStore using SQLite: a durable per-device copy of
  the last-known rows of every table plus the queue of mutations made while
  offline. The file survives restarts and is owned by one process at a time.

INTERFACES IMPLEMENTED:
  generic.MirrorStore: rows per table
  generic.OpQueue:     pending operations, FIFO per table

KEY TABLES:
  mirror_records: one row per (table_name, id), JSON payload, tombstone flag
  pending_ops:    queued INSERT/UPDATE/DELETE ordered by seq

ATOMICITY:
  An unconfirmed write and its queued op are committed in one SQL
  transaction. Temp-id rewrites touch the row, every queued op and every
  referencing row in one transaction.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within the process and a flock on
  "<path>.lock" so a second process cannot open the same mirror.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so readers don't block
  the single writer.

USAGE:
  mirror, err := sqlite.New("./data/coachdesk.db")
  if err != nil {
      log.Fatal(err)
  }
  defer mirror.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - store/sqlite/backend.go: tables of the reference backend
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/coachdesk/generic"
)

// Store implements generic.MirrorStore using SQLite.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	lock    *flock.Flock
	schemas *generic.SchemaRegistry
	now     func() time.Time
}

// New opens (creating if needed) the mirror at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return NewWithSchemas(dbPath, generic.DefaultSchemas())
}

// NewWithSchemas opens the mirror validating rows against schemas.
func NewWithSchemas(dbPath string, schemas *generic.SchemaRegistry) (*Store, error) {
	if err := schemas.Err(); err != nil {
		return nil, err
	}
	var lock *flock.Flock
	if dbPath != ":memory:" {
		lock = flock.New(dbPath + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock mirror: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("mirror %s is in use by another process", dbPath)
		}
	}

	db, err := openDB(dbPath)
	if err != nil {
		unlock(lock)
		return nil, err
	}

	store := &Store{db: db, lock: lock, schemas: schemas, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		unlock(lock)
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func openDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)
	return db, nil
}

func unlock(lock *flock.Flock) {
	if lock != nil {
		_ = lock.Unlock()
	}
}

// Close closes the database connection and releases the file lock.
func (s *Store) Close() error {
	err := s.db.Close()
	unlock(s.lock)
	return err
}

// Schemas returns the registry rows are validated against.
func (s *Store) Schemas() *generic.SchemaRegistry { return s.schemas }

// SetTimeFunc overrides the clock used for temp ids and timestamps.
func (s *Store) SetTimeFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = fn
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Last-known copy of every row the client has seen or written
	CREATE TABLE IF NOT EXISTS mirror_records (
		table_name TEXT NOT NULL,
		id TEXT NOT NULL,
		trainer_id TEXT NOT NULL DEFAULT '',
		data_json TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		confirmed INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (table_name, id)
	);

	-- Owner-scoped reads (hot path for offline collections)
	CREATE INDEX IF NOT EXISTS idx_mirror_records_owner
		ON mirror_records(table_name, trainer_id) WHERE deleted = 0;

	-- Mutations awaiting remote replay; seq gives FIFO order
	CREATE TABLE IF NOT EXISTS pending_ops (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		op TEXT NOT NULL CHECK (op IN ('INSERT', 'UPDATE', 'DELETE')),
		payload_json TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_ops_table
		ON pending_ops(table_name, seq);
	CREATE INDEX IF NOT EXISTS idx_pending_ops_record
		ON pending_ops(table_name, record_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ROWS (generic.MirrorStore interface)
// =============================================================================

// GetAll returns the owner's live rows in first-write order.
func (s *Store) GetAll(ctx context.Context, table generic.Table, ownerID string) ([]generic.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT data_json FROM mirror_records
		WHERE table_name = ? AND trainer_id = ? AND deleted = 0
		ORDER BY rowid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, table, ownerID)
	if err != nil {
		return nil, storageErr("get all", err)
	}
	defer rows.Close()

	result := []generic.Record{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr("get all", err)
		}
		r, err := decodeRecord(raw)
		if err != nil {
			return nil, storageErr("get all", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get all", err)
	}
	return result, nil
}

// GetByID returns one row, including tombstoned ones.
func (s *Store) GetByID(ctx context.Context, table generic.Table, id string) (generic.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, _, err := s.getRow(ctx, s.db, table, id)
	return r, err
}

type rowState struct {
	deleted   bool
	confirmed bool
}

func (s *Store) getRow(ctx context.Context, db execer, table generic.Table, id string) (generic.Record, rowState, error) {
	var raw string
	var st rowState
	err := db.QueryRowContext(ctx,
		`SELECT data_json, deleted, confirmed FROM mirror_records WHERE table_name = ? AND id = ?`,
		table, id,
	).Scan(&raw, &st.deleted, &st.confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, st, fmt.Errorf("%s/%s: %w", table, id, generic.ErrNotFound)
	}
	if err != nil {
		return nil, st, storageErr("get", err)
	}
	r, err := decodeRecord(raw)
	if err != nil {
		return nil, st, storageErr("get", err)
	}
	return r, st, nil
}

// SaveItem upserts a row and, unless confirmed, queues it for replay.
func (s *Store) SaveItem(ctx context.Context, table generic.Table, record generic.Record, kind generic.OpKind, confirmed bool) (string, error) {
	if !kind.Valid() || kind == generic.OpDelete {
		return "", fmt.Errorf("save %s: invalid op kind %q", table, kind)
	}
	validateAs := kind
	if confirmed {
		validateAs = generic.OpUpdate
	}
	if err := s.schemas.Validate(table, record, validateAs); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record = record.Clone()
	id := record.ID()
	if id == "" {
		id = generic.NewTempID(s.now())
		record[generic.ColumnID] = id
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storageErr("begin", err)
	}
	defer tx.Rollback()

	data := record
	if kind == generic.OpUpdate && !confirmed {
		existing, st, err := s.getRow(ctx, tx, table, id)
		switch {
		case err == nil && st.deleted:
			return "", fmt.Errorf("update %s/%s: deleted locally: %w", table, id, generic.ErrNotFound)
		case err == nil:
			data = existing.Merge(record)
		case !errors.Is(err, generic.ErrNotFound):
			return "", err
		}
	}

	if err := s.putRow(ctx, tx, table, data, confirmed); err != nil {
		return "", err
	}
	if !confirmed {
		if err := s.enqueue(ctx, tx, table, id, kind, record); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", storageErr("commit", err)
	}
	return id, nil
}

func (s *Store) putRow(ctx context.Context, db execer, table generic.Table, data generic.Record, confirmed bool) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, data.ID(), err)
	}

	query := `
		INSERT INTO mirror_records (table_name, id, trainer_id, data_json, deleted, confirmed, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			trainer_id = excluded.trainer_id,
			data_json = excluded.data_json,
			deleted = 0,
			confirmed = excluded.confirmed,
			updated_at = excluded.updated_at
	`
	_, err = db.ExecContext(ctx, query,
		table, data.ID(), data.TrainerID(), string(raw), confirmed, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("put", err)
	}
	return nil
}

func (s *Store) enqueue(ctx context.Context, db execer, table generic.Table, id string, kind generic.OpKind, payload generic.Record) error {
	var raw sql.NullString
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode op payload: %w", err)
		}
		raw = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO pending_ops (table_name, record_id, op, payload_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		table, id, kind, raw, generic.OpStatusPending, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("enqueue", err)
	}
	return nil
}

// DeleteItem removes (confirmed) or tombstones and queues (unconfirmed) a row.
func (s *Store) DeleteItem(ctx context.Context, table generic.Table, id string, confirmed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback()

	if confirmed {
		if err := s.removeRecord(ctx, tx, table, id); err != nil {
			return err
		}
		return commit(tx)
	}

	if _, _, err := s.getRow(ctx, tx, table, id); err != nil {
		return err
	}

	// A row that never reached the remote just disappears with its ops.
	if generic.IsTempID(id) {
		var inserts int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pending_ops WHERE table_name = ? AND record_id = ? AND op = 'INSERT'`,
			table, id).Scan(&inserts)
		if err != nil {
			return storageErr("delete", err)
		}
		if inserts > 0 {
			if err := s.removeRecord(ctx, tx, table, id); err != nil {
				return err
			}
			return commit(tx)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE mirror_records SET deleted = 1, confirmed = 0, updated_at = ? WHERE table_name = ? AND id = ?`,
		s.now().UTC().Format(time.RFC3339Nano), table, id)
	if err != nil {
		return storageErr("tombstone", err)
	}
	if err := s.enqueue(ctx, tx, table, id, generic.OpDelete, nil); err != nil {
		return err
	}
	return commit(tx)
}

// removeRecord deletes a row and any ops still queued for it.
func (s *Store) removeRecord(ctx context.Context, db execer, table generic.Table, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM mirror_records WHERE table_name = ? AND id = ?`, table, id); err != nil {
		return storageErr("delete", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM pending_ops WHERE table_name = ? AND record_id = ?`, table, id); err != nil {
		return storageErr("delete ops", err)
	}
	return nil
}

// ReplaceAll writes through the rows returned by an online read.
func (s *Store) ReplaceAll(ctx context.Context, table generic.Table, ownerID string, q generic.Query, records []generic.Record) error {
	for _, r := range records {
		if err := s.schemas.Validate(table, r, generic.OpUpdate); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback()

	pending, err := s.pendingIDs(ctx, tx, table)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(records))
	for _, r := range records {
		id := r.ID()
		if id == "" {
			continue
		}
		seen[id] = true
		if pending[id] {
			continue
		}
		data := r
		if len(q.Columns) > 0 {
			existing, _, err := s.getRow(ctx, tx, table, id)
			switch {
			case err == nil:
				data = existing.Merge(r)
			case !errors.Is(err, generic.ErrNotFound):
				return err
			}
		}
		if err := s.putRow(ctx, tx, table, data, true); err != nil {
			return err
		}
	}

	// Confirmed rows the remote no longer returns for this query are gone.
	rows, err := tx.QueryContext(ctx,
		`SELECT id, data_json FROM mirror_records WHERE table_name = ? AND trainer_id = ? AND confirmed = 1`,
		table, ownerID)
	if err != nil {
		return storageErr("prune", err)
	}
	var stale []string
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return storageErr("prune", err)
		}
		if seen[id] || pending[id] {
			continue
		}
		r, err := decodeRecord(raw)
		if err != nil {
			rows.Close()
			return storageErr("prune", err)
		}
		if q.Match(r) {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storageErr("prune", err)
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mirror_records WHERE table_name = ? AND id = ?`, table, id); err != nil {
			return storageErr("prune", err)
		}
	}

	return commit(tx)
}

func (s *Store) pendingIDs(ctx context.Context, db execer, table generic.Table) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT record_id FROM pending_ops WHERE table_name = ?`, table)
	if err != nil {
		return nil, storageErr("pending ids", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("pending ids", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// =============================================================================
// QUEUE (generic.OpQueue interface)
// =============================================================================

// PendingOps returns table's queued ops in FIFO order.
func (s *Store) PendingOps(ctx context.Context, table generic.Table) ([]generic.PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT seq, table_name, record_id, op, payload_json, status, attempts, last_error, created_at
		FROM pending_ops
		WHERE table_name = ?
		ORDER BY seq ASC
	`
	return s.queryOps(ctx, s.db, query, table)
}

func (s *Store) queryOps(ctx context.Context, db execer, query string, args ...any) ([]generic.PendingOperation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list ops", err)
	}
	defer rows.Close()

	var ops []generic.PendingOperation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, storageErr("list ops", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanOp(rows *sql.Rows) (generic.PendingOperation, error) {
	var (
		op        generic.PendingOperation
		table     string
		kind      string
		status    string
		payload   sql.NullString
		lastError sql.NullString
		createdAt string
	)
	if err := rows.Scan(&op.Seq, &table, &op.RecordID, &kind, &payload, &status, &op.Attempts, &lastError, &createdAt); err != nil {
		return op, err
	}
	op.Table = generic.Table(table)
	op.Kind = generic.OpKind(kind)
	op.Status = generic.OpStatus(status)
	op.LastError = lastError.String
	if payload.Valid {
		r, err := decodeRecord(payload.String)
		if err != nil {
			return op, err
		}
		op.Payload = r
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		op.CreatedAt = t
	}
	return op, nil
}

// PendingTables lists tables with queued ops, oldest first.
func (s *Store) PendingTables(ctx context.Context) ([]generic.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name FROM pending_ops GROUP BY table_name ORDER BY MIN(seq) ASC`)
	if err != nil {
		return nil, storageErr("pending tables", err)
	}
	defer rows.Close()

	var tables []generic.Table
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, storageErr("pending tables", err)
		}
		tables = append(tables, generic.Table(t))
	}
	return tables, rows.Err()
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_ops`).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

func (s *Store) CompleteOp(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE seq = ?`, seq)
	if err != nil {
		return storageErr("complete", err)
	}
	return expectOne(res, seq)
}

func (s *Store) FailOp(ctx context.Context, seq int64, status generic.OpStatus, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_ops SET attempts = attempts + 1, status = ?, last_error = ? WHERE seq = ?`,
		status, nullString(msg), seq)
	if err != nil {
		return storageErr("fail", err)
	}
	return expectOne(res, seq)
}

func (s *Store) DiscardOp(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback()

	ops, err := s.queryOps(ctx, tx, `
		SELECT seq, table_name, record_id, op, payload_json, status, attempts, last_error, created_at
		FROM pending_ops WHERE seq = ?`, seq)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return fmt.Errorf("op %d: %w", seq, generic.ErrNotFound)
	}
	op := ops[0]

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_ops WHERE seq = ?`, seq); err != nil {
		return storageErr("discard", err)
	}

	switch op.Kind {
	case generic.OpInsert:
		if generic.IsTempID(op.RecordID) {
			if err := s.removeRecord(ctx, tx, op.Table, op.RecordID); err != nil {
				return err
			}
		}
	case generic.OpDelete:
		_, err := tx.ExecContext(ctx,
			`UPDATE mirror_records SET deleted = 0 WHERE table_name = ? AND id = ?`, op.Table, op.RecordID)
		if err != nil {
			return storageErr("discard", err)
		}
	}
	return commit(tx)
}

// RewriteID swaps a temporary id for the remote-assigned one everywhere.
func (s *Store) RewriteID(ctx context.Context, table generic.Table, tempID string, confirmed generic.Record) error {
	newID := confirmed.ID()
	if newID == "" {
		return fmt.Errorf("rewrite %s/%s: confirmed row has no id", table, tempID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE pending_ops SET record_id = ? WHERE table_name = ? AND record_id = ?`, newID, table, tempID)
	if err != nil {
		return storageErr("rewrite ops", err)
	}
	n, _ := res.RowsAffected()
	stillQueued := n > 0

	if err := s.rewritePayloads(ctx, tx, tempID, newID); err != nil {
		return err
	}

	local, st, err := s.getRow(ctx, tx, table, tempID)
	found := err == nil
	if err != nil && !errors.Is(err, generic.ErrNotFound) {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mirror_records WHERE table_name = ? AND id = ?`, table, newID); err != nil {
		return storageErr("rewrite", err)
	}

	data, isConfirmed, deleted := confirmed, true, false
	if found && stillQueued {
		// later local edits are still queued; keep them visible
		data = local
		generic.ReplaceRefs(data, tempID, newID)
		isConfirmed, deleted = false, st.deleted
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, newID, err)
	}

	if found {
		// update in place so the row keeps its position
		_, err = tx.ExecContext(ctx, `
			UPDATE mirror_records
			SET id = ?, trainer_id = ?, data_json = ?, deleted = ?, confirmed = ?, updated_at = ?
			WHERE table_name = ? AND id = ?`,
			newID, data.TrainerID(), string(raw), deleted, isConfirmed, s.now().UTC().Format(time.RFC3339Nano),
			table, tempID)
		if err != nil {
			return storageErr("rewrite", err)
		}
	} else if err := s.putRow(ctx, tx, table, data, true); err != nil {
		return err
	}

	if err := s.rewriteRows(ctx, tx, tempID, newID); err != nil {
		return err
	}
	return commit(tx)
}

func (s *Store) rewritePayloads(ctx context.Context, tx *sql.Tx, tempID, newID string) error {
	ops, err := s.queryOps(ctx, tx, `
		SELECT seq, table_name, record_id, op, payload_json, status, attempts, last_error, created_at
		FROM pending_ops WHERE payload_json LIKE ?`, "%"+tempID+"%")
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.Payload == nil || !generic.ReplaceRefs(op.Payload, tempID, newID) {
			continue
		}
		raw, err := json.Marshal(op.Payload)
		if err != nil {
			return fmt.Errorf("encode op payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE pending_ops SET payload_json = ? WHERE seq = ?`, string(raw), op.Seq); err != nil {
			return storageErr("rewrite payload", err)
		}
	}
	return nil
}

// rewriteRows fixes foreign-key columns of rows in any table.
func (s *Store) rewriteRows(ctx context.Context, tx *sql.Tx, tempID, newID string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT table_name, id, data_json FROM mirror_records WHERE data_json LIKE ?`, "%"+tempID+"%")
	if err != nil {
		return storageErr("rewrite refs", err)
	}
	type change struct {
		table, id, raw string
	}
	var changes []change
	for rows.Next() {
		var table, id, raw string
		if err := rows.Scan(&table, &id, &raw); err != nil {
			rows.Close()
			return storageErr("rewrite refs", err)
		}
		r, err := decodeRecord(raw)
		if err != nil {
			rows.Close()
			return storageErr("rewrite refs", err)
		}
		if !generic.ReplaceRefs(r, tempID, newID) {
			continue
		}
		b, err := json.Marshal(r)
		if err != nil {
			rows.Close()
			return fmt.Errorf("encode %s/%s: %w", table, id, err)
		}
		changes = append(changes, change{table, id, string(b)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storageErr("rewrite refs", err)
	}

	for _, c := range changes {
		if _, err := tx.ExecContext(ctx,
			`UPDATE mirror_records SET data_json = ? WHERE table_name = ? AND id = ?`, c.raw, c.table, c.id); err != nil {
			return storageErr("rewrite refs", err)
		}
	}
	return nil
}

// Helper functions

func decodeRecord(raw string) (generic.Record, error) {
	var r generic.Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

func encodeRecord(r generic.Record) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(raw), nil
}

func storageErr(op string, err error) error {
	return &generic.StorageError{Op: op, Err: err}
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func expectOne(res sql.Result, seq int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("op %d: %w", seq, generic.ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
