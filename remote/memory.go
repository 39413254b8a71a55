package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/warp/coachdesk/generic"
)

// =============================================================================
// MEMORY REMOTE - In-process backend (for testing/dev)
// =============================================================================

// Procedure implements a named remote procedure for Memory.
type Procedure func(ctx context.Context, m *Memory, args json.RawMessage) (any, error)

// Memory is a RemoteStore holding one tenant's tables in memory.
// Failures can be injected per operation to simulate outages and refusals.
type Memory struct {
	mu       sync.Mutex
	tenant   string
	tables   map[generic.Table][]generic.Record
	procs    map[string]Procedure
	failNext []error
	failAll  error
	calls    []string
}

// NewMemory creates an empty remote scoped to tenant.
func NewMemory(tenant string) *Memory {
	return &Memory{
		tenant: tenant,
		tables: make(map[generic.Table][]generic.Record),
		procs:  make(map[string]Procedure),
	}
}

var _ generic.RemoteStore = (*Memory)(nil)

// Handle registers a procedure reachable through Call.
func (m *Memory) Handle(fn string, p Procedure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[fn] = p
}

// FailNext makes the next calls fail with errs, one per call.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

// SetDown makes every call fail with ErrRemoteUnavailable until cleared.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if down {
		m.failAll = &generic.RemoteError{Op: "connect", Err: fmt.Errorf("connection refused")}
	} else {
		m.failAll = nil
	}
}

// Calls returns the operations performed so far, e.g. "insert clients".
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Rows returns a copy of a table's rows in insertion order.
func (m *Memory) Rows(table generic.Table) []generic.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]generic.Record, len(m.tables[table]))
	for i, r := range m.tables[table] {
		out[i] = r.Clone()
	}
	return out
}

// Seed stores rows as-is, bypassing call accounting and failures.
func (m *Memory) Seed(table generic.Table, rows ...generic.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], r.Clone())
	}
}

func (m *Memory) begin(op string, table generic.Table) error {
	m.calls = append(m.calls, fmt.Sprintf("%s %s", op, table))
	if m.failAll != nil {
		return m.failAll
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return err
	}
	return nil
}

func (m *Memory) Select(_ context.Context, table generic.Table, q generic.Query) ([]generic.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("select", table); err != nil {
		return nil, err
	}
	return q.Apply(m.tables[table]), nil
}

func (m *Memory) Insert(_ context.Context, table generic.Table, record generic.Record) (generic.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("insert", table); err != nil {
		return nil, err
	}

	row := record.Clone()
	if row.ID() == "" {
		row[generic.ColumnID] = uuid.NewString()
	}
	if m.indexLocked(table, row.ID()) >= 0 {
		return nil, &generic.RemoteError{Op: "insert", Table: table, Status: http.StatusConflict, Code: "23505", Message: "duplicate key"}
	}
	row[generic.ColumnTrainerID] = m.tenant
	m.tables[table] = append(m.tables[table], row)
	return row.Clone(), nil
}

func (m *Memory) Update(_ context.Context, table generic.Table, id string, patch generic.Record) (generic.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("update", table); err != nil {
		return nil, err
	}

	i := m.indexLocked(table, id)
	if i < 0 {
		return nil, &generic.RemoteError{Op: "update", Table: table, Status: http.StatusNotFound, Message: "no row returned"}
	}
	row := m.tables[table][i].Merge(patch)
	row[generic.ColumnID] = id
	row[generic.ColumnTrainerID] = m.tenant
	m.tables[table][i] = row
	return row.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, table generic.Table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("delete", table); err != nil {
		return err
	}

	i := m.indexLocked(table, id)
	if i < 0 {
		return &generic.RemoteError{Op: "delete", Table: table, Status: http.StatusNotFound, Message: "not found"}
	}
	rows := m.tables[table]
	m.tables[table] = append(rows[:i], rows[i+1:]...)
	return nil
}

// Call runs a registered procedure. The store lock is not held while the
// procedure runs, so it may use the table operations itself.
func (m *Memory) Call(ctx context.Context, fn string, args any) (json.RawMessage, error) {
	m.mu.Lock()
	err := m.begin("rpc:"+fn, "")
	proc, ok := m.procs[fn]
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &generic.RemoteError{Op: "rpc:" + fn, Status: http.StatusNotFound, Code: "PGRST202", Message: "function not found"}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: encode args: %w", fn, err)
	}
	result, err := proc(ctx, m, raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (m *Memory) indexLocked(table generic.Table, id string) int {
	for i, r := range m.tables[table] {
		if r.ID() == id {
			return i
		}
	}
	return -1
}
