// Package store provides MirrorStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/coachdesk/generic"
)

// =============================================================================
// MEMORY STORE - In-memory mirror (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	schemas *generic.SchemaRegistry
	rows    map[key]*row
	ops     []generic.PendingOperation // ascending Seq
	nextSeq int64
	nextPos int64
	now     func() time.Time
}

type key struct {
	Table generic.Table
	ID    string
}

type row struct {
	data      generic.Record
	deleted   bool
	confirmed bool
	pos       int64 // insertion order, kept across upserts
}

// NewMemory creates an empty mirror validating against the default schemas.
func NewMemory() *Memory {
	return NewMemoryWithSchemas(generic.DefaultSchemas())
}

func NewMemoryWithSchemas(schemas *generic.SchemaRegistry) *Memory {
	return &Memory{
		schemas: schemas,
		rows:    make(map[key]*row),
		nextSeq: 1,
		now:     time.Now,
	}
}

// SetTimeFunc overrides the clock used for temp ids and op timestamps.
func (m *Memory) SetTimeFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = fn
}

func (m *Memory) GetAll(_ context.Context, table generic.Table, ownerID string) ([]generic.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []*row
	for k, r := range m.rows {
		if k.Table != table || r.deleted || r.data.TrainerID() != ownerID {
			continue
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].pos < rows[j].pos })

	result := make([]generic.Record, len(rows))
	for i, r := range rows {
		result[i] = r.data.Clone()
	}
	return result, nil
}

func (m *Memory) GetByID(_ context.Context, table generic.Table, id string) (generic.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rows[key{table, id}]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", table, id, generic.ErrNotFound)
	}
	return r.data.Clone(), nil
}

func (m *Memory) SaveItem(_ context.Context, table generic.Table, record generic.Record, kind generic.OpKind, confirmed bool) (string, error) {
	if !kind.Valid() || kind == generic.OpDelete {
		return "", fmt.Errorf("save %s: invalid op kind %q", table, kind)
	}
	validateAs := kind
	if confirmed {
		validateAs = generic.OpUpdate
	}
	if err := m.schemas.Validate(table, record, validateAs); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record = record.Clone()
	id := record.ID()
	if id == "" {
		id = generic.NewTempID(m.now())
		record[generic.ColumnID] = id
	}

	k := key{table, id}
	existing, ok := m.rows[k]
	data := record
	if ok && kind == generic.OpUpdate && !confirmed {
		if existing.deleted {
			return "", fmt.Errorf("update %s/%s: deleted locally: %w", table, id, generic.ErrNotFound)
		}
		data = existing.data.Merge(record)
	}
	m.putLocked(k, data, confirmed)

	if !confirmed {
		m.enqueueLocked(table, id, kind, record)
	}
	return id, nil
}

func (m *Memory) putLocked(k key, data generic.Record, confirmed bool) {
	if existing, ok := m.rows[k]; ok {
		existing.data = data
		existing.deleted = false
		existing.confirmed = confirmed
		return
	}
	m.nextPos++
	m.rows[k] = &row{data: data, confirmed: confirmed, pos: m.nextPos}
}

func (m *Memory) enqueueLocked(table generic.Table, id string, kind generic.OpKind, payload generic.Record) {
	m.ops = append(m.ops, generic.PendingOperation{
		Seq:       m.nextSeq,
		Table:     table,
		RecordID:  id,
		Kind:      kind,
		Payload:   payload.Clone(),
		Status:    generic.OpStatusPending,
		CreatedAt: m.now().UTC(),
	})
	m.nextSeq++
}

func (m *Memory) DeleteItem(_ context.Context, table generic.Table, id string, confirmed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{table, id}
	r, ok := m.rows[k]

	if confirmed {
		delete(m.rows, k)
		m.dropOpsLocked(table, id)
		return nil
	}
	if !ok {
		return fmt.Errorf("%s/%s: %w", table, id, generic.ErrNotFound)
	}

	// A row that never reached the remote just disappears with its ops.
	if generic.IsTempID(id) && m.hasQueuedInsertLocked(table, id) {
		delete(m.rows, k)
		m.dropOpsLocked(table, id)
		return nil
	}

	r.deleted = true
	r.confirmed = false
	m.enqueueLocked(table, id, generic.OpDelete, nil)
	return nil
}

func (m *Memory) hasQueuedInsertLocked(table generic.Table, id string) bool {
	for _, op := range m.ops {
		if op.Table == table && op.RecordID == id && op.Kind == generic.OpInsert {
			return true
		}
	}
	return false
}

func (m *Memory) dropOpsLocked(table generic.Table, id string) {
	kept := m.ops[:0]
	for _, op := range m.ops {
		if op.Table == table && op.RecordID == id {
			continue
		}
		kept = append(kept, op)
	}
	m.ops = kept
}

func (m *Memory) ReplaceAll(_ context.Context, table generic.Table, ownerID string, q generic.Query, records []generic.Record) error {
	for _, r := range records {
		if err := m.schemas.Validate(table, r, generic.OpUpdate); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make(map[string]bool)
	for _, op := range m.ops {
		if op.Table == table {
			pending[op.RecordID] = true
		}
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
		k := key{table, id}
		data := r.Clone()
		if existing, ok := m.rows[k]; ok && len(q.Columns) > 0 {
			data = existing.data.Merge(r)
		}
		m.putLocked(k, data, true)
	}

	// Confirmed rows the remote no longer returns for this query are gone.
	for k, r := range m.rows {
		if k.Table != table || seen[k.ID] || pending[k.ID] || !r.confirmed {
			continue
		}
		if r.data.TrainerID() == ownerID && q.Match(r.data) {
			delete(m.rows, k)
		}
	}
	return nil
}

// =============================================================================
// QUEUE (generic.OpQueue)
// =============================================================================

func (m *Memory) PendingOps(_ context.Context, table generic.Table) ([]generic.PendingOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.PendingOperation
	for _, op := range m.ops {
		if op.Table == table {
			op.Payload = op.Payload.Clone()
			result = append(result, op)
		}
	}
	return result, nil
}

func (m *Memory) PendingTables(_ context.Context) ([]generic.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[generic.Table]bool)
	var tables []generic.Table
	for _, op := range m.ops {
		if !seen[op.Table] {
			seen[op.Table] = true
			tables = append(tables, op.Table)
		}
	}
	return tables, nil
}

func (m *Memory) PendingCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ops), nil
}

func (m *Memory) CompleteOp(_ context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.opIndexLocked(seq)
	if i < 0 {
		return fmt.Errorf("op %d: %w", seq, generic.ErrNotFound)
	}
	m.ops = append(m.ops[:i], m.ops[i+1:]...)
	return nil
}

func (m *Memory) FailOp(_ context.Context, seq int64, status generic.OpStatus, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.opIndexLocked(seq)
	if i < 0 {
		return fmt.Errorf("op %d: %w", seq, generic.ErrNotFound)
	}
	m.ops[i].Attempts++
	m.ops[i].Status = status
	if cause != nil {
		m.ops[i].LastError = cause.Error()
	}
	return nil
}

func (m *Memory) DiscardOp(_ context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.opIndexLocked(seq)
	if i < 0 {
		return fmt.Errorf("op %d: %w", seq, generic.ErrNotFound)
	}
	op := m.ops[i]
	m.ops = append(m.ops[:i], m.ops[i+1:]...)

	k := key{op.Table, op.RecordID}
	switch op.Kind {
	case generic.OpInsert:
		if generic.IsTempID(op.RecordID) {
			delete(m.rows, k)
			m.dropOpsLocked(op.Table, op.RecordID)
		}
	case generic.OpDelete:
		if r, ok := m.rows[k]; ok {
			r.deleted = false
		}
	}
	return nil
}

func (m *Memory) RewriteID(_ context.Context, table generic.Table, tempID string, confirmed generic.Record) error {
	newID := confirmed.ID()
	if newID == "" {
		return fmt.Errorf("rewrite %s/%s: confirmed row has no id", table, tempID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stillQueued := false
	for i := range m.ops {
		op := &m.ops[i]
		if op.Table == table && op.RecordID == tempID {
			op.RecordID = newID
			stillQueued = true
		}
		if op.Payload != nil {
			generic.ReplaceRefs(op.Payload, tempID, newID)
		}
	}

	old, ok := m.rows[key{table, tempID}]
	delete(m.rows, key{table, tempID})
	if ok && stillQueued {
		// later local edits are still queued; keep them visible
		data := old.data.Clone()
		generic.ReplaceRefs(data, tempID, newID)
		m.rows[key{table, newID}] = &row{data: data, deleted: old.deleted, pos: old.pos}
	} else {
		pos := int64(0)
		if ok {
			pos = old.pos
		} else {
			m.nextPos++
			pos = m.nextPos
		}
		m.rows[key{table, newID}] = &row{data: confirmed.Clone(), confirmed: true, pos: pos}
	}

	for _, r := range m.rows {
		generic.ReplaceRefs(r.data, tempID, newID)
	}
	return nil
}

func (m *Memory) opIndexLocked(seq int64) int {
	for i, op := range m.ops {
		if op.Seq == seq {
			return i
		}
	}
	return -1
}
