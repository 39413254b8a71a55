package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/generic"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend(":memory:")
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackend_TenantIsolation(t *testing.T) {
	// GIVEN: two trainers with one client each
	b := newBackend(t)
	ctx := context.Background()
	a, err := b.Insert(ctx, "T1", generic.TableClients, generic.Record{"name": "Ann", "trainer_id": "T2"})
	require.NoError(t, err)
	_, err = b.Insert(ctx, "T2", generic.TableClients, generic.Record{"name": "Bob"})
	require.NoError(t, err)

	// THEN: the owner is always the caller
	assert.Equal(t, "T1", a.TrainerID())
	assert.NotEmpty(t, a.ID())
	assert.NotEmpty(t, a[generic.ColumnCreatedAt])

	// and neither sees the other's rows
	rows, err := b.Select(ctx, "T1", generic.TableClients, generic.Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ann", rows[0]["name"])

	_, err = b.Get(ctx, "T2", generic.TableClients, a.ID())
	assert.ErrorIs(t, err, generic.ErrNotFound)
	_, err = b.Update(ctx, "T2", generic.TableClients, a.ID(), generic.Record{"name": "x"})
	assert.ErrorIs(t, err, generic.ErrNotFound)
	assert.ErrorIs(t, b.Delete(ctx, "T2", generic.TableClients, a.ID()), generic.ErrNotFound)
}

func TestBackend_InsertValidatesAndRejectsDuplicates(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.Insert(ctx, "T1", generic.TableClients, generic.Record{"email": "x@y"})
	assert.ErrorIs(t, err, generic.ErrSchema)

	_, err = b.Insert(ctx, "T1", generic.TableClients, generic.Record{"id": "c1", "name": "A"})
	require.NoError(t, err)
	_, err = b.Insert(ctx, "T1", generic.TableClients, generic.Record{"id": "c1", "name": "B"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = b.Select(ctx, "T1", "nope", generic.Query{})
	assert.ErrorIs(t, err, generic.ErrTableUnknown)
}

func TestBackend_SameIDAcrossTenants(t *testing.T) {
	// GIVEN: T2 already holds a client with id c1
	b := newBackend(t)
	ctx := context.Background()
	_, err := b.Insert(ctx, "T2", generic.TableClients, generic.Record{"id": "c1", "name": "Bob"})
	require.NoError(t, err)

	// WHEN: T1 inserts its own c1
	_, err = b.Insert(ctx, "T1", generic.TableClients, generic.Record{"id": "c1", "name": "Ann"})

	// THEN: it succeeds without revealing T2's row
	require.NoError(t, err)

	// and each tenant edits and deletes only its own row
	_, err = b.Update(ctx, "T1", generic.TableClients, "c1", generic.Record{"name": "Ann B"})
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, "T1", generic.TableClients, "c1"))

	got, err := b.Get(ctx, "T2", generic.TableClients, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Bob", got["name"])

	// a duplicate within one tenant is still refused
	_, err = b.Insert(ctx, "T2", generic.TableClients, generic.Record{"id": "c1", "name": "Again"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestBackend_UpdateKeepsIdentity(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	_, err := b.Insert(ctx, "T1", generic.TableClients, generic.Record{"id": "5", "name": "orig"})
	require.NoError(t, err)

	row, err := b.Update(ctx, "T1", generic.TableClients, "5", generic.Record{"name": "B", "id": "6", "trainer_id": "T9"})

	require.NoError(t, err)
	assert.Equal(t, "5", row.ID())
	assert.Equal(t, "T1", row.TrainerID())
	assert.Equal(t, "B", row["name"])
	got, err := b.Get(ctx, "T1", generic.TableClients, "5")
	require.NoError(t, err)
	assert.Equal(t, "B", got["name"])
}

func seedPackage(t *testing.T, b *Backend) (clientID, packageID string) {
	t.Helper()
	ctx := context.Background()
	c, err := b.Insert(ctx, "T1", generic.TableClients, generic.Record{"name": "Jane"})
	require.NoError(t, err)
	p, err := b.Insert(ctx, "T1", generic.TablePackages, generic.Record{
		"name": "Ten pack", "sessions": 10.0, "price": 450.0, "tax_rate": 0.2,
	})
	require.NoError(t, err)
	return c.ID(), p.ID()
}

func TestBackend_GenerateInvoice(t *testing.T) {
	// GIVEN: a client and a package
	b := newBackend(t)
	b.SetTimeFunc(func() time.Time { return time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC) })
	ctx := context.Background()
	clientID, packageID := seedPackage(t, b)

	// WHEN: invoicing twice
	first, err := b.GenerateInvoice(ctx, "T1", InvoiceRequest{ClientID: clientID, PackageID: packageID, DueDate: "2026-02-01"})
	require.NoError(t, err)
	second, err := b.GenerateInvoice(ctx, "T1", InvoiceRequest{ClientID: clientID, PackageID: packageID, DueDate: "2026-03-01"})
	require.NoError(t, err)

	// THEN: invoices are numbered and priced, and purchases recorded
	assert.Equal(t, "INV-00001", first["number"])
	assert.Equal(t, "INV-00002", second["number"])
	assert.Equal(t, 540.0, first["total"])
	assert.Equal(t, 90.0, first["tax"])
	assert.Equal(t, "issued", first["status"])

	purchases, err := b.Select(ctx, "T1", generic.TableClientPackages, generic.Query{})
	require.NoError(t, err)
	require.Len(t, purchases, 2)
	assert.Equal(t, 10.0, purchases[0]["sessions_remaining"])
}

func TestBackend_GenerateInvoiceIsAtomic(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	clientID, _ := seedPackage(t, b)

	_, err := b.GenerateInvoice(ctx, "T1", InvoiceRequest{ClientID: clientID, PackageID: "missing", DueDate: "2026-02-01"})
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = b.GenerateInvoice(ctx, "T1", InvoiceRequest{ClientID: clientID, PackageID: "p", DueDate: "soon"})
	assert.ErrorIs(t, err, generic.ErrSchema)

	invoices, err := b.Select(ctx, "T1", generic.TableInvoices, generic.Query{})
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestBackend_Participants(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	c1, err := b.Insert(ctx, "T1", generic.TableClients, generic.Record{"name": "A"})
	require.NoError(t, err)
	c2, err := b.Insert(ctx, "T1", generic.TableClients, generic.Record{"name": "B"})
	require.NoError(t, err)
	s, err := b.Insert(ctx, "T1", generic.TableSchedules, generic.Record{
		"title": "Small group", "start_time": "2026-01-05T10:00:00Z", "capacity": 1.0,
	})
	require.NoError(t, err)

	// first booking fits
	row, err := b.AddParticipant(ctx, "T1", ParticipantRequest{ScheduleID: s.ID(), ClientID: c1.ID()})
	require.NoError(t, err)
	assert.Equal(t, "booked", row["status"])

	// rebooking and overbooking are refused
	_, err = b.AddParticipant(ctx, "T1", ParticipantRequest{ScheduleID: s.ID(), ClientID: c1.ID()})
	assert.ErrorIs(t, err, ErrCheck)
	_, err = b.AddParticipant(ctx, "T1", ParticipantRequest{ScheduleID: s.ID(), ClientID: c2.ID()})
	assert.ErrorIs(t, err, ErrCheck)

	// removal frees the slot
	require.NoError(t, b.RemoveParticipant(ctx, "T1", ParticipantRequest{ScheduleID: s.ID(), ClientID: c1.ID()}))
	assert.ErrorIs(t, b.RemoveParticipant(ctx, "T1", ParticipantRequest{ScheduleID: s.ID(), ClientID: c1.ID()}), generic.ErrNotFound)
	_, err = b.AddParticipant(ctx, "T1", ParticipantRequest{ScheduleID: s.ID(), ClientID: c2.ID()})
	assert.NoError(t, err)
}

func TestBackend_Auth(t *testing.T) {
	b := newBackend(t)
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	b.SetTimeFunc(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, b.AddAuthCode(ctx, "abc", "T1"))

	_, err := b.ExchangeCode(ctx, "wrong")
	assert.ErrorIs(t, err, generic.ErrUnauthenticated)

	s, err := b.ExchangeCode(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "T1", s.UserID)
	assert.Equal(t, now.Add(DefaultSessionTTL), s.ExpiresAt)

	user, err := b.ResolveToken(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, "T1", user)

	now = now.Add(DefaultSessionTTL + time.Second)
	_, err = b.ResolveToken(ctx, s.Token)
	assert.ErrorIs(t, err, generic.ErrUnauthenticated)
	_, err = b.ResolveToken(ctx, "unknown")
	assert.ErrorIs(t, err, generic.ErrUnauthenticated)
}
