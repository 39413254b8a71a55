package collection_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/collection"
	"github.com/warp/coachdesk/connectivity"
	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/remote"
)

func invoiceProc(_ context.Context, m *remote.Memory, raw json.RawMessage) (any, error) {
	var args collection.InvoiceArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return m.Insert(context.Background(), generic.TableInvoices, generic.Record{
		"client_id":  args.ClientID,
		"package_id": args.PackageID,
		"due_date":   args.DueDate,
		"number":     "INV-0001",
		"amount":     100.0,
		"total":      120.0,
		"status":     "issued",
	})
}

func addParticipantProc(_ context.Context, m *remote.Memory, raw json.RawMessage) (any, error) {
	var args collection.ParticipantArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return m.Insert(context.Background(), generic.TableSessionParticipants, generic.Record{
		"schedule_id": args.ScheduleID,
		"client_id":   args.ClientID,
		"status":      "booked",
	})
}

func TestGenerateInvoice_OnlineMirrorsResult(t *testing.T) {
	e := newEnv(connectivity.Online)
	e.remote.Handle(collection.RPCGenerateInvoice, invoiceProc)
	w := collection.NewWorkflows(e.deps)
	ctx := context.Background()

	inv, err := w.GenerateInvoice(ctx, "c1", "p1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, err)
	assert.Equal(t, "INV-0001", inv["number"])
	assert.Equal(t, "2026-02-01", inv["due_date"])
	mirrored, err := e.mirror.GetByID(ctx, generic.TableInvoices, inv.ID())
	require.NoError(t, err)
	assert.Equal(t, "c1", mirrored["client_id"])
	assert.Zero(t, e.pending(t))
}

func TestGenerateInvoice_OfflineFailsWithoutQueueing(t *testing.T) {
	e := newEnv(connectivity.Offline)
	w := collection.NewWorkflows(e.deps)

	_, err := w.GenerateInvoice(context.Background(), "c1", "p1", time.Now())

	assert.ErrorIs(t, err, generic.ErrRemoteUnavailable)
	assert.Zero(t, e.pending(t))
	assert.Len(t, e.notifier.Errors(), 1)
}

func TestAddParticipant_Online(t *testing.T) {
	e := newEnv(connectivity.Online)
	e.remote.Handle(collection.RPCAddParticipant, addParticipantProc)
	w := collection.NewWorkflows(e.deps)

	out, err := w.AddParticipant(context.Background(), "s1", "c1")

	require.NoError(t, err)
	assert.False(t, out.Degraded)
	assert.Len(t, e.remote.Rows(generic.TableSessionParticipants), 1)
	assert.Zero(t, e.pending(t))
}

func TestAddParticipant_UnavailableQueuesFallback(t *testing.T) {
	// GIVEN: the procedure times out
	e := newEnv(connectivity.Online)
	e.remote.Handle(collection.RPCAddParticipant, addParticipantProc)
	e.remote.FailNext(&generic.RemoteError{Op: "rpc", Status: 504})
	w := collection.NewWorkflows(e.deps)
	ctx := context.Background()

	// WHEN: adding a participant
	out, err := w.AddParticipant(ctx, "s1", "c1")

	// THEN: the row is queued and the outcome is degraded
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.ErrorIs(t, out.Err, generic.ErrRemoteUnavailable)
	assert.True(t, generic.IsTempID(out.Record.ID()))
	assert.False(t, e.monitor.Online())

	ops, err := e.mirror.PendingOps(ctx, generic.TableSessionParticipants)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, generic.OpInsert, ops[0].Kind)

	// and the queued row reaches the backend on the next sync
	e.monitor.Set(true)
	e.sync(t)
	rows := e.remote.Rows(generic.TableSessionParticipants)
	require.Len(t, rows, 1)
	assert.Equal(t, "s1", rows[0]["schedule_id"])
}

func TestAddParticipant_RejectedHasNoFallback(t *testing.T) {
	e := newEnv(connectivity.Online)
	e.remote.Handle(collection.RPCAddParticipant, addParticipantProc)
	e.remote.FailNext(&generic.RemoteError{Op: "rpc", Status: 400, Message: "session full"})
	w := collection.NewWorkflows(e.deps)

	_, err := w.AddParticipant(context.Background(), "s1", "c1")

	assert.True(t, generic.IsRejected(err))
	assert.Zero(t, e.pending(t))
	assert.Len(t, e.notifier.Errors(), 1)
}

func TestAddParticipant_TempIDsQueueDirectly(t *testing.T) {
	e := newEnv(connectivity.Online)
	w := collection.NewWorkflows(e.deps)

	out, err := w.AddParticipant(context.Background(), generic.NewTempID(time.Now()), "c1")

	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.NoError(t, out.Err)
	assert.Empty(t, e.remote.Calls())
}

func TestRemoveParticipant_FailureRemovesLocally(t *testing.T) {
	// GIVEN: a mirrored participant and a procedure that fails
	e := newEnv(connectivity.Online)
	ctx := context.Background()
	_, err := e.mirror.SaveItem(ctx, generic.TableSessionParticipants, generic.Record{
		"id": "sp1", "trainer_id": tenant, "schedule_id": "s1", "client_id": "c1",
	}, generic.OpInsert, true)
	require.NoError(t, err)
	e.remote.Seed(generic.TableSessionParticipants,
		generic.Record{"id": "sp1", "trainer_id": tenant, "schedule_id": "s1", "client_id": "c1"})
	w := collection.NewWorkflows(e.deps)

	// WHEN: the procedure is missing on the backend
	out, err := w.RemoveParticipant(ctx, "s1", "c1")

	// THEN: the row is removed locally and its delete queued
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Error(t, out.Err)
	rows, err := e.mirror.GetAll(ctx, generic.TableSessionParticipants, tenant)
	require.NoError(t, err)
	assert.Empty(t, rows)

	e.sync(t)
	assert.Empty(t, e.remote.Rows(generic.TableSessionParticipants))
}

func TestRemoveParticipant_RejectedKeepsRow(t *testing.T) {
	// GIVEN: a mirrored participant and a backend that refuses the removal
	e := newEnv(connectivity.Online)
	ctx := context.Background()
	_, err := e.mirror.SaveItem(ctx, generic.TableSessionParticipants, generic.Record{
		"id": "sp1", "trainer_id": tenant, "schedule_id": "s1", "client_id": "c1",
	}, generic.OpInsert, true)
	require.NoError(t, err)
	e.remote.Handle(collection.RPCRemoveParticipant, func(context.Context, *remote.Memory, json.RawMessage) (any, error) {
		return nil, nil
	})
	e.remote.FailNext(&generic.RemoteError{Op: "rpc", Status: 403, Message: "not your session"})
	w := collection.NewWorkflows(e.deps)

	// WHEN: removing the participant
	out, err := w.RemoveParticipant(ctx, "s1", "c1")

	// THEN: the rejection is returned and nothing changes locally
	assert.True(t, generic.IsRejected(err))
	assert.False(t, out.Degraded)
	assert.Zero(t, e.pending(t))
	assert.Len(t, e.notifier.Errors(), 1)
	assert.True(t, e.monitor.Online())
	row, err := e.mirror.GetByID(ctx, generic.TableSessionParticipants, "sp1")
	require.NoError(t, err)
	assert.Equal(t, "c1", row["client_id"])
}

func TestRemoveParticipant_UnavailableRemovesLocally(t *testing.T) {
	e := newEnv(connectivity.Online)
	ctx := context.Background()
	_, err := e.mirror.SaveItem(ctx, generic.TableSessionParticipants, generic.Record{
		"id": "sp1", "trainer_id": tenant, "schedule_id": "s1", "client_id": "c1",
	}, generic.OpInsert, true)
	require.NoError(t, err)
	e.remote.FailNext(&generic.RemoteError{Op: "rpc", Status: 503})
	w := collection.NewWorkflows(e.deps)

	out, err := w.RemoveParticipant(ctx, "s1", "c1")

	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.ErrorIs(t, out.Err, generic.ErrRemoteUnavailable)
	assert.Equal(t, 1, e.pending(t))
	assert.False(t, e.monitor.Online())
}

func TestRemoveParticipant_Online(t *testing.T) {
	e := newEnv(connectivity.Online)
	ctx := context.Background()
	_, err := e.mirror.SaveItem(ctx, generic.TableSessionParticipants, generic.Record{
		"id": "sp1", "trainer_id": tenant, "schedule_id": "s1", "client_id": "c1",
	}, generic.OpInsert, true)
	require.NoError(t, err)
	e.remote.Handle(collection.RPCRemoveParticipant, func(ctx context.Context, m *remote.Memory, _ json.RawMessage) (any, error) {
		return nil, m.Delete(ctx, generic.TableSessionParticipants, "sp1")
	})
	e.remote.Seed(generic.TableSessionParticipants,
		generic.Record{"id": "sp1", "trainer_id": tenant, "schedule_id": "s1", "client_id": "c1"})
	w := collection.NewWorkflows(e.deps)

	out, err := w.RemoveParticipant(ctx, "s1", "c1")

	require.NoError(t, err)
	assert.False(t, out.Degraded)
	assert.Zero(t, e.pending(t))
	_, err = e.mirror.GetByID(ctx, generic.TableSessionParticipants, "sp1")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}
