/*
backend.go - Tables of the reference backend

PURPOSE:
  A small system of record used by cmd/server and the api tests: tenant
  scoped tables, the three named procedures and code-for-session auth. It
  plays the hosted backend's role so the client can be exercised end to end.

TENANCY:
  Every read and write takes the tenant (trainer id) resolved from the
  bearer token. Rows of other tenants are invisible: they read as not found
  and never match a select. Ids are unique per tenant, so an id taken by
  another tenant neither collides nor leaks. Inserts stamp trainer_id and assign a uuid id
  when the client did not send one.

KEY TABLES:
  backend_rows:     one row per (table_name, trainer_id, id), JSON payload
  backend_counters: per-tenant invoice numbering
  auth_codes:       authorization codes accepted by ExchangeCode
  auth_sessions:    issued access tokens

PROCEDURES:
  GenerateInvoice:   prices the package, numbers the invoice, records the
                     client's package purchase. One transaction.
  AddParticipant:    books a client into a session, enforcing capacity.
  RemoveParticipant: removes a booking.

SEE ALSO:
  - api/server.go: HTTP surface over this
  - pricing/pricing.go: invoice amounts
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/pricing"
)

// Backend errors, mapped to HTTP statuses by the api package.
var (
	// ErrDuplicate is returned when an insert reuses an existing id.
	ErrDuplicate = errors.New("duplicate key")

	// ErrCheck is returned when a procedure's business rule refuses the call.
	ErrCheck = errors.New("check violation")
)

// sortableTime formats timestamps at fixed width so they compare as text.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// DefaultSessionTTL is the lifetime of issued access tokens.
const DefaultSessionTTL = 12 * time.Hour

// Backend is the reference backend's storage.
type Backend struct {
	db         *sql.DB
	mu         sync.Mutex
	schemas    *generic.SchemaRegistry
	now        func() time.Time
	sessionTTL time.Duration
}

// NewBackend opens (creating if needed) the backend database at dbPath.
func NewBackend(dbPath string) (*Backend, error) {
	schemas := generic.DefaultSchemas()
	if err := schemas.Err(); err != nil {
		return nil, err
	}
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		db:         db,
		schemas:    schemas,
		now:        time.Now,
		sessionTTL: DefaultSessionTTL,
	}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return b, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// SetTimeFunc overrides the clock.
func (b *Backend) SetTimeFunc(fn func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = fn
}

// Schemas returns the table schemas the backend enforces.
func (b *Backend) Schemas() *generic.SchemaRegistry { return b.schemas }

func (b *Backend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS backend_rows (
		table_name TEXT NOT NULL,
		id TEXT NOT NULL,
		trainer_id TEXT NOT NULL,
		data_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (table_name, trainer_id, id)
	);

	CREATE TABLE IF NOT EXISTS backend_counters (
		trainer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value INTEGER NOT NULL,
		PRIMARY KEY (trainer_id, name)
	);

	CREATE TABLE IF NOT EXISTS auth_codes (
		code TEXT PRIMARY KEY,
		user_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

// =============================================================================
// TABLE ACCESS
// =============================================================================

// Select returns the tenant's rows of table matching q, in insertion order.
func (b *Backend) Select(ctx context.Context, tenant string, table generic.Table, q generic.Query) ([]generic.Record, error) {
	if !b.schemas.Known(table) {
		return nil, fmt.Errorf("%s: %w", table, generic.ErrTableUnknown)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, `
		SELECT data_json FROM backend_rows
		WHERE table_name = ? AND trainer_id = ?
		ORDER BY rowid ASC
	`, table, tenant)
	if err != nil {
		return nil, storageErr("select", err)
	}
	defer rows.Close()

	var all []generic.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr("select", err)
		}
		r, err := decodeRecord(raw)
		if err != nil {
			return nil, storageErr("select", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("select", err)
	}
	return q.Apply(all), nil
}

// Get returns one of the tenant's rows.
func (b *Backend) Get(ctx context.Context, tenant string, table generic.Table, id string) (generic.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(ctx, b.db, tenant, table, id)
}

func (b *Backend) get(ctx context.Context, db execer, tenant string, table generic.Table, id string) (generic.Record, error) {
	var raw string
	err := db.QueryRowContext(ctx,
		`SELECT data_json FROM backend_rows WHERE table_name = ? AND id = ? AND trainer_id = ?`,
		table, id, tenant,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", table, id, generic.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	r, err := decodeRecord(raw)
	if err != nil {
		return nil, storageErr("get", err)
	}
	return r, nil
}

// Insert stores a new row for tenant and returns it as stored.
func (b *Backend) Insert(ctx context.Context, tenant string, table generic.Table, rec generic.Record) (generic.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback()

	row, err := b.insert(ctx, tx, tenant, table, rec)
	if err != nil {
		return nil, err
	}
	return row, commit(tx)
}

func (b *Backend) insert(ctx context.Context, db execer, tenant string, table generic.Table, rec generic.Record) (generic.Record, error) {
	row := rec.Clone()
	if row == nil {
		row = generic.Record{}
	}
	if row.ID() == "" {
		row[generic.ColumnID] = uuid.NewString()
	}
	row[generic.ColumnTrainerID] = tenant
	stamp := b.now().UTC().Format(time.RFC3339Nano)
	row[generic.ColumnCreatedAt] = stamp
	row[generic.ColumnUpdatedAt] = stamp

	if err := b.schemas.Validate(table, row, generic.OpInsert); err != nil {
		return nil, err
	}
	data, err := encodeRecord(row)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO backend_rows (table_name, id, trainer_id, data_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, table, row.ID(), tenant, data, stamp, stamp)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s/%s: %w", table, row.ID(), ErrDuplicate)
		}
		return nil, storageErr("insert", err)
	}
	return row, nil
}

// Update patches one of the tenant's rows. The id and owner cannot change.
func (b *Backend) Update(ctx context.Context, tenant string, table generic.Table, id string, patch generic.Record) (generic.Record, error) {
	patch = patch.Clone()
	delete(patch, generic.ColumnID)
	delete(patch, generic.ColumnTrainerID)
	delete(patch, generic.ColumnCreatedAt)
	if err := b.schemas.Validate(table, patch, generic.OpUpdate); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback()

	cur, err := b.get(ctx, tx, tenant, table, id)
	if err != nil {
		return nil, err
	}
	row := cur.Merge(patch)
	stamp := b.now().UTC().Format(time.RFC3339Nano)
	row[generic.ColumnUpdatedAt] = stamp
	data, err := encodeRecord(row)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE backend_rows SET data_json = ?, updated_at = ? WHERE table_name = ? AND id = ? AND trainer_id = ?`,
		data, stamp, table, id, tenant,
	); err != nil {
		return nil, storageErr("update", err)
	}
	return row, commit(tx)
}

// Delete removes one of the tenant's rows.
func (b *Backend) Delete(ctx context.Context, tenant string, table generic.Table, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delete(ctx, b.db, tenant, table, id)
}

func (b *Backend) delete(ctx context.Context, db execer, tenant string, table generic.Table, id string) error {
	res, err := db.ExecContext(ctx,
		`DELETE FROM backend_rows WHERE table_name = ? AND id = ? AND trainer_id = ?`,
		table, id, tenant,
	)
	if err != nil {
		return storageErr("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete", err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", table, id, generic.ErrNotFound)
	}
	return nil
}

// =============================================================================
// PROCEDURES
// =============================================================================

// InvoiceRequest are the arguments of generate_invoice.
type InvoiceRequest struct {
	ClientID  string `json:"client_id"`
	PackageID string `json:"package_id"`
	DueDate   string `json:"due_date"`
}

// ParticipantRequest are the arguments of the participant procedures.
type ParticipantRequest struct {
	ScheduleID string `json:"schedule_id"`
	ClientID   string `json:"client_id"`
}

// GenerateInvoice invoices a client for a package and records the purchase.
func (b *Backend) GenerateInvoice(ctx context.Context, tenant string, req InvoiceRequest) (generic.Record, error) {
	if _, err := time.Parse("2006-01-02", req.DueDate); err != nil {
		return nil, &generic.SchemaError{Table: generic.TableInvoices, Column: "due_date", Reason: "expected YYYY-MM-DD"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback()

	if _, err := b.get(ctx, tx, tenant, generic.TableClients, req.ClientID); err != nil {
		return nil, err
	}
	pkg, err := b.get(ctx, tx, tenant, generic.TablePackages, req.PackageID)
	if err != nil {
		return nil, err
	}
	quote, err := pricing.QuotePackage(pkg)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrCheck)
	}
	n, err := b.nextCounter(ctx, tx, tenant, "invoice")
	if err != nil {
		return nil, err
	}

	invoice := generic.Record{
		"client_id":  req.ClientID,
		"package_id": req.PackageID,
		"number":     pricing.InvoiceNumber(n),
		"status":     "issued",
		"due_date":   req.DueDate,
		"issued_at":  b.now().UTC().Format(time.RFC3339),
	}
	quote.Apply(invoice)
	row, err := b.insert(ctx, tx, tenant, generic.TableInvoices, invoice)
	if err != nil {
		return nil, err
	}

	purchase := generic.Record{
		"client_id":          req.ClientID,
		"package_id":         req.PackageID,
		"sessions_remaining": pkg["sessions"],
		"purchased_at":       invoice["issued_at"],
	}
	if _, err := b.insert(ctx, tx, tenant, generic.TableClientPackages, purchase); err != nil {
		return nil, err
	}
	return row, commit(tx)
}

// AddParticipant books a client into a session.
func (b *Backend) AddParticipant(ctx context.Context, tenant string, req ParticipantRequest) (generic.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback()

	session, err := b.get(ctx, tx, tenant, generic.TableSchedules, req.ScheduleID)
	if err != nil {
		return nil, err
	}
	if _, err := b.get(ctx, tx, tenant, generic.TableClients, req.ClientID); err != nil {
		return nil, err
	}
	booked, err := b.participants(ctx, tx, tenant, req.ScheduleID)
	if err != nil {
		return nil, err
	}
	for _, p := range booked {
		if p.String("client_id") == req.ClientID {
			return nil, fmt.Errorf("client %s already booked: %w", req.ClientID, ErrCheck)
		}
	}
	if capacity, ok := session["capacity"].(float64); ok && capacity > 0 && float64(len(booked)) >= capacity {
		return nil, fmt.Errorf("session %s is full: %w", req.ScheduleID, ErrCheck)
	}

	row, err := b.insert(ctx, tx, tenant, generic.TableSessionParticipants, generic.Record{
		"schedule_id": req.ScheduleID,
		"client_id":   req.ClientID,
		"status":      "booked",
	})
	if err != nil {
		return nil, err
	}
	return row, commit(tx)
}

// RemoveParticipant removes a client's booking from a session.
func (b *Backend) RemoveParticipant(ctx context.Context, tenant string, req ParticipantRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback()

	booked, err := b.participants(ctx, tx, tenant, req.ScheduleID)
	if err != nil {
		return err
	}
	removed := 0
	for _, p := range booked {
		if p.String("client_id") != req.ClientID {
			continue
		}
		if err := b.delete(ctx, tx, tenant, generic.TableSessionParticipants, p.ID()); err != nil {
			return err
		}
		removed++
	}
	if removed == 0 {
		return fmt.Errorf("participant %s/%s: %w", req.ScheduleID, req.ClientID, generic.ErrNotFound)
	}
	return commit(tx)
}

func (b *Backend) participants(ctx context.Context, db execer, tenant, scheduleID string) ([]generic.Record, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT data_json FROM backend_rows
		WHERE table_name = ? AND trainer_id = ?
		ORDER BY rowid ASC
	`, generic.TableSessionParticipants, tenant)
	if err != nil {
		return nil, storageErr("participants", err)
	}
	defer rows.Close()

	var out []generic.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr("participants", err)
		}
		r, err := decodeRecord(raw)
		if err != nil {
			return nil, storageErr("participants", err)
		}
		if r.String("schedule_id") == scheduleID {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (b *Backend) nextCounter(ctx context.Context, db execer, tenant, name string) (int, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO backend_counters (trainer_id, name, value) VALUES (?, ?, 1)
		ON CONFLICT(trainer_id, name) DO UPDATE SET value = value + 1
	`, tenant, name)
	if err != nil {
		return 0, storageErr("counter", err)
	}
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT value FROM backend_counters WHERE trainer_id = ? AND name = ?`, tenant, name,
	).Scan(&n); err != nil {
		return 0, storageErr("counter", err)
	}
	return n, nil
}

// =============================================================================
// AUTH
// =============================================================================

// AddAuthCode registers a code that ExchangeCode accepts for userID.
func (b *Backend) AddAuthCode(ctx context.Context, code, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO auth_codes (code, user_id) VALUES (?, ?)
		 ON CONFLICT(code) DO UPDATE SET user_id = excluded.user_id`,
		code, userID,
	)
	if err != nil {
		return storageErr("add auth code", err)
	}
	return nil
}

// IssuedSession is an access token handed out by ExchangeCode.
type IssuedSession struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	TTL       time.Duration
}

// ExchangeCode issues a fresh access token for a registered code.
func (b *Backend) ExchangeCode(ctx context.Context, code string) (IssuedSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var userID string
	err := b.db.QueryRowContext(ctx, `SELECT user_id FROM auth_codes WHERE code = ?`, code).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return IssuedSession{}, fmt.Errorf("unknown code: %w", generic.ErrUnauthenticated)
	}
	if err != nil {
		return IssuedSession{}, storageErr("exchange code", err)
	}

	s := IssuedSession{
		Token:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		UserID:    userID,
		ExpiresAt: b.now().Add(b.sessionTTL).UTC(),
		TTL:       b.sessionTTL,
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (token, user_id, expires_at) VALUES (?, ?, ?)`,
		s.Token, s.UserID, s.ExpiresAt.Format(sortableTime),
	); err != nil {
		return IssuedSession{}, storageErr("exchange code", err)
	}
	return s, nil
}

// ResolveToken returns the user an unexpired access token belongs to.
func (b *Backend) ResolveToken(ctx context.Context, token string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var userID, expires string
	err := b.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM auth_sessions WHERE token = ?`, token,
	).Scan(&userID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", generic.ErrUnauthenticated
	}
	if err != nil {
		return "", storageErr("resolve token", err)
	}
	at, err := time.Parse(sortableTime, expires)
	if err != nil || !b.now().Before(at) {
		return "", fmt.Errorf("token expired: %w", generic.ErrUnauthenticated)
	}
	return userID, nil
}

// PurgeExpiredSessions deletes access tokens that expired before now and
// returns how many were removed.
func (b *Backend) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE expires_at <= ?`,
		b.now().UTC().Format(sortableTime),
	)
	if err != nil {
		return 0, storageErr("purge sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge sessions", err)
	}
	return n, nil
}

// Reset removes every row, counter and session. Registered codes stay.
func (b *Backend) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, stmt := range []string{
		`DELETE FROM backend_rows`,
		`DELETE FROM backend_counters`,
		`DELETE FROM auth_sessions`,
	} {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("reset", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}
