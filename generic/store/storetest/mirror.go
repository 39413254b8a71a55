// Package storetest holds the behaviour every generic.MirrorStore must share.
// Implementations run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/generic"
)

const owner = "trainer-1"

// Factory returns a fresh, empty mirror.
type Factory func(t *testing.T) generic.MirrorStore

// Run runs the mirror contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, m generic.MirrorStore)
	}{
		{"UnconfirmedInsertQueuesOp", testUnconfirmedInsertQueuesOp},
		{"ConfirmedSaveDoesNotQueue", testConfirmedSaveDoesNotQueue},
		{"GetAllFiltersOwnerAndKeepsOrder", testGetAllFiltersOwnerAndKeepsOrder},
		{"UnknownTableReadsEmpty", testUnknownTableReadsEmpty},
		{"UpdateMergesOntoRow", testUpdateMergesOntoRow},
		{"QueueIsFIFOPerTable", testQueueIsFIFOPerTable},
		{"OfflineDeleteTombstones", testOfflineDeleteTombstones},
		{"UpdateOfTombstoneRefused", testUpdateOfTombstoneRefused},
		{"DeleteOfTempRowCollapses", testDeleteOfTempRowCollapses},
		{"ConfirmedDeleteRemovesRowAndOps", testConfirmedDeleteRemovesRowAndOps},
		{"ReplaceAllSkipsPendingAndPrunes", testReplaceAllSkipsPendingAndPrunes},
		{"ReplaceAllProjectionMerges", testReplaceAllProjectionMerges},
		{"RewriteIDUpdatesKeyOpsAndRefs", testRewriteIDUpdatesKeyOpsAndRefs},
		{"FailAndDiscard", testFailAndDiscard},
		{"DiscardDeleteRestoresRow", testDiscardDeleteRestoresRow},
		{"SchemaViolationsRejected", testSchemaViolationsRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func client(name string) generic.Record {
	return generic.Record{generic.ColumnTrainerID: owner, "name": name}
}

func testUnconfirmedInsertQueuesOp(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	// GIVEN: a new client saved while offline
	id, err := m.SaveItem(ctx, generic.TableClients, client("Jane"), generic.OpInsert, false)
	require.NoError(t, err)

	// THEN: it got a temp id, is readable, and an INSERT is queued for it
	assert.True(t, generic.IsTempID(id))
	got, err := m.GetByID(ctx, generic.TableClients, id)
	require.NoError(t, err)
	assert.Equal(t, "Jane", got["name"])
	assert.Equal(t, id, got.ID())

	ops, err := m.PendingOps(ctx, generic.TableClients)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, generic.OpInsert, ops[0].Kind)
	assert.Equal(t, id, ops[0].RecordID)
	assert.Equal(t, generic.OpStatusPending, ops[0].Status)
	assert.Equal(t, "Jane", ops[0].Payload["name"])
}

func testConfirmedSaveDoesNotQueue(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	r := client("Jane")
	r[generic.ColumnID] = "c-1"
	id, err := m.SaveItem(ctx, generic.TableClients, r, generic.OpInsert, true)
	require.NoError(t, err)
	assert.Equal(t, "c-1", id)

	n, err := m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testGetAllFiltersOwnerAndKeepsOrder(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	for _, name := range []string{"A", "B", "C"} {
		_, err := m.SaveItem(ctx, generic.TableClients, client(name), generic.OpInsert, false)
		require.NoError(t, err)
	}
	other := generic.Record{generic.ColumnTrainerID: "trainer-2", "name": "X"}
	_, err := m.SaveItem(ctx, generic.TableClients, other, generic.OpInsert, false)
	require.NoError(t, err)

	rows, err := m.GetAll(ctx, generic.TableClients, owner)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "A", rows[0]["name"])
	assert.Equal(t, "B", rows[1]["name"])
	assert.Equal(t, "C", rows[2]["name"])
}

func testUnknownTableReadsEmpty(t *testing.T, m generic.MirrorStore) {
	rows, err := m.GetAll(context.Background(), generic.Table("nope"), owner)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testUpdateMergesOntoRow(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	r := client("Jane")
	r[generic.ColumnID] = "c-1"
	r["email"] = "jane@example.com"
	_, err := m.SaveItem(ctx, generic.TableClients, r, generic.OpInsert, true)
	require.NoError(t, err)

	_, err = m.SaveItem(ctx, generic.TableClients, generic.Record{generic.ColumnID: "c-1", "name": "Janet"}, generic.OpUpdate, false)
	require.NoError(t, err)

	got, err := m.GetByID(ctx, generic.TableClients, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Janet", got["name"])
	assert.Equal(t, "jane@example.com", got["email"])
	assert.Equal(t, owner, got.TrainerID())

	// the queued payload carries only the patch
	ops, err := m.PendingOps(ctx, generic.TableClients)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, generic.Record{generic.ColumnID: "c-1", "name": "Janet"}, ops[0].Payload)
}

func testQueueIsFIFOPerTable(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	id, err := m.SaveItem(ctx, generic.TableClients, client("A"), generic.OpInsert, false)
	require.NoError(t, err)
	sched := generic.Record{generic.ColumnTrainerID: owner, "title": "Legs", "start_time": "2026-01-05T10:00:00Z"}
	_, err = m.SaveItem(ctx, generic.TableSchedules, sched, generic.OpInsert, false)
	require.NoError(t, err)
	_, err = m.SaveItem(ctx, generic.TableClients, generic.Record{generic.ColumnID: id, "name": "B"}, generic.OpUpdate, false)
	require.NoError(t, err)

	ops, err := m.PendingOps(ctx, generic.TableClients)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, generic.OpInsert, ops[0].Kind)
	assert.Equal(t, generic.OpUpdate, ops[1].Kind)
	assert.Less(t, ops[0].Seq, ops[1].Seq)

	tables, err := m.PendingTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []generic.Table{generic.TableClients, generic.TableSchedules}, tables)

	n, err := m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testOfflineDeleteTombstones(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	r := client("Jane")
	r[generic.ColumnID] = "c-1"
	_, err := m.SaveItem(ctx, generic.TableClients, r, generic.OpInsert, true)
	require.NoError(t, err)

	require.NoError(t, m.DeleteItem(ctx, generic.TableClients, "c-1", false))

	rows, err := m.GetAll(ctx, generic.TableClients, owner)
	require.NoError(t, err)
	assert.Empty(t, rows)

	ops, err := m.PendingOps(ctx, generic.TableClients)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, generic.OpDelete, ops[0].Kind)
	assert.Equal(t, "c-1", ops[0].RecordID)

	err = m.DeleteItem(ctx, generic.TableClients, "missing", false)
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func testUpdateOfTombstoneRefused(t *testing.T, m generic.MirrorStore) {
	// GIVEN: a confirmed row deleted offline
	ctx := context.Background()
	r := client("Jane")
	r[generic.ColumnID] = "c-1"
	_, err := m.SaveItem(ctx, generic.TableClients, r, generic.OpInsert, true)
	require.NoError(t, err)
	require.NoError(t, m.DeleteItem(ctx, generic.TableClients, "c-1", false))

	// WHEN: an offline update targets it
	_, err = m.SaveItem(ctx, generic.TableClients, generic.Record{generic.ColumnID: "c-1", "name": "Y"}, generic.OpUpdate, false)

	// THEN: it is refused and the row stays hidden behind its queued delete
	assert.ErrorIs(t, err, generic.ErrNotFound)
	rows, err := m.GetAll(ctx, generic.TableClients, owner)
	require.NoError(t, err)
	assert.Empty(t, rows)
	ops, err := m.PendingOps(ctx, generic.TableClients)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, generic.OpDelete, ops[0].Kind)
}

func testDeleteOfTempRowCollapses(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	id, err := m.SaveItem(ctx, generic.TableClients, client("Jane"), generic.OpInsert, false)
	require.NoError(t, err)
	_, err = m.SaveItem(ctx, generic.TableClients, generic.Record{generic.ColumnID: id, "name": "Janet"}, generic.OpUpdate, false)
	require.NoError(t, err)

	require.NoError(t, m.DeleteItem(ctx, generic.TableClients, id, false))

	_, err = m.GetByID(ctx, generic.TableClients, id)
	assert.ErrorIs(t, err, generic.ErrNotFound)
	n, err := m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testConfirmedDeleteRemovesRowAndOps(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	r := client("Jane")
	r[generic.ColumnID] = "c-1"
	_, err := m.SaveItem(ctx, generic.TableClients, r, generic.OpInsert, true)
	require.NoError(t, err)
	_, err = m.SaveItem(ctx, generic.TableClients, generic.Record{generic.ColumnID: "c-1", "name": "J"}, generic.OpUpdate, false)
	require.NoError(t, err)

	require.NoError(t, m.DeleteItem(ctx, generic.TableClients, "c-1", true))

	_, err = m.GetByID(ctx, generic.TableClients, "c-1")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	n, err := m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// confirmed delete of an absent row is a no-op
	assert.NoError(t, m.DeleteItem(ctx, generic.TableClients, "c-404", true))
}

func testReplaceAllSkipsPendingAndPrunes(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	for _, id := range []string{"c-1", "c-2"} {
		r := client("old " + id)
		r[generic.ColumnID] = id
		_, err := m.SaveItem(ctx, generic.TableClients, r, generic.OpInsert, true)
		require.NoError(t, err)
	}
	// c-1 has a local edit not yet replayed
	_, err := m.SaveItem(ctx, generic.TableClients, generic.Record{generic.ColumnID: "c-1", "name": "local"}, generic.OpUpdate, false)
	require.NoError(t, err)

	remote := []generic.Record{
		{generic.ColumnID: "c-1", generic.ColumnTrainerID: owner, "name": "remote 1"},
		{generic.ColumnID: "c-3", generic.ColumnTrainerID: owner, "name": "remote 3"},
	}
	require.NoError(t, m.ReplaceAll(ctx, generic.TableClients, owner, generic.Query{}, remote))

	got, err := m.GetByID(ctx, generic.TableClients, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "local", got["name"], "pending row keeps its local state")

	_, err = m.GetByID(ctx, generic.TableClients, "c-2")
	assert.ErrorIs(t, err, generic.ErrNotFound, "row the remote no longer returns is pruned")

	got, err = m.GetByID(ctx, generic.TableClients, "c-3")
	require.NoError(t, err)
	assert.Equal(t, "remote 3", got["name"])
}

func testReplaceAllProjectionMerges(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	r := client("Jane")
	r[generic.ColumnID] = "c-1"
	r["email"] = "jane@example.com"
	_, err := m.SaveItem(ctx, generic.TableClients, r, generic.OpInsert, true)
	require.NoError(t, err)

	q := generic.Query{Columns: []string{"name"}}
	projected := []generic.Record{{generic.ColumnID: "c-1", generic.ColumnTrainerID: owner, "name": "Janet"}}
	require.NoError(t, m.ReplaceAll(ctx, generic.TableClients, owner, q, projected))

	got, err := m.GetByID(ctx, generic.TableClients, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Janet", got["name"])
	assert.Equal(t, "jane@example.com", got["email"])
}

func testRewriteIDUpdatesKeyOpsAndRefs(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	// GIVEN: an offline client, an update to it, and a session referencing it
	tempID, err := m.SaveItem(ctx, generic.TableClients, client("Jane"), generic.OpInsert, false)
	require.NoError(t, err)
	_, err = m.SaveItem(ctx, generic.TableClients, generic.Record{generic.ColumnID: tempID, "name": "Janet"}, generic.OpUpdate, false)
	require.NoError(t, err)
	sched := generic.Record{generic.ColumnTrainerID: owner, "title": "Legs", "start_time": "2026-01-05T10:00:00Z", "client_id": tempID}
	schedID, err := m.SaveItem(ctx, generic.TableSchedules, sched, generic.OpInsert, false)
	require.NoError(t, err)

	// WHEN: the INSERT is confirmed as c-100 and completed
	ops, err := m.PendingOps(ctx, generic.TableClients)
	require.NoError(t, err)
	require.NoError(t, m.CompleteOp(ctx, ops[0].Seq))
	confirmed := generic.Record{generic.ColumnID: "c-100", generic.ColumnTrainerID: owner, "name": "Jane"}
	require.NoError(t, m.RewriteID(ctx, generic.TableClients, tempID, confirmed))

	// THEN: the row moved keys, and the queued update still shows locally
	_, err = m.GetByID(ctx, generic.TableClients, tempID)
	assert.ErrorIs(t, err, generic.ErrNotFound)
	got, err := m.GetByID(ctx, generic.TableClients, "c-100")
	require.NoError(t, err)
	assert.Equal(t, "Janet", got["name"])

	ops, err = m.PendingOps(ctx, generic.TableClients)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "c-100", ops[0].RecordID)
	assert.Equal(t, "c-100", ops[0].Payload.ID())

	schedOps, err := m.PendingOps(ctx, generic.TableSchedules)
	require.NoError(t, err)
	require.Len(t, schedOps, 1)
	assert.Equal(t, "c-100", schedOps[0].Payload["client_id"])

	row, err := m.GetByID(ctx, generic.TableSchedules, schedID)
	require.NoError(t, err)
	assert.Equal(t, "c-100", row["client_id"])

	rows, err := m.GetAll(ctx, generic.TableClients, owner)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func testFailAndDiscard(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	id, err := m.SaveItem(ctx, generic.TableClients, client("Jane"), generic.OpInsert, false)
	require.NoError(t, err)
	ops, err := m.PendingOps(ctx, generic.TableClients)
	require.NoError(t, err)
	seq := ops[0].Seq

	require.NoError(t, m.FailOp(ctx, seq, generic.OpStatusRejected, errors.New("duplicate email")))
	ops, err = m.PendingOps(ctx, generic.TableClients)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Equal(t, generic.OpStatusRejected, ops[0].Status)
	assert.Equal(t, "duplicate email", ops[0].LastError)

	// discarding the INSERT of a temp row drops the row too
	require.NoError(t, m.DiscardOp(ctx, seq))
	_, err = m.GetByID(ctx, generic.TableClients, id)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	assert.ErrorIs(t, m.DiscardOp(ctx, seq), generic.ErrNotFound)
	assert.ErrorIs(t, m.CompleteOp(ctx, seq), generic.ErrNotFound)
	assert.ErrorIs(t, m.FailOp(ctx, seq, generic.OpStatusPending, nil), generic.ErrNotFound)
}

func testDiscardDeleteRestoresRow(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	r := client("Jane")
	r[generic.ColumnID] = "c-1"
	_, err := m.SaveItem(ctx, generic.TableClients, r, generic.OpInsert, true)
	require.NoError(t, err)
	require.NoError(t, m.DeleteItem(ctx, generic.TableClients, "c-1", false))

	ops, err := m.PendingOps(ctx, generic.TableClients)
	require.NoError(t, err)
	require.NoError(t, m.DiscardOp(ctx, ops[0].Seq))

	rows, err := m.GetAll(ctx, generic.TableClients, owner)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c-1", rows[0].ID())
}

func testSchemaViolationsRejected(t *testing.T, m generic.MirrorStore) {
	ctx := context.Background()

	_, err := m.SaveItem(ctx, generic.TableClients, generic.Record{generic.ColumnTrainerID: owner}, generic.OpInsert, false)
	assert.ErrorIs(t, err, generic.ErrSchema, "missing required name")

	_, err = m.SaveItem(ctx, generic.TableClients, generic.Record{generic.ColumnTrainerID: owner, "name": "J", "shoe_size": 44.0}, generic.OpInsert, false)
	assert.ErrorIs(t, err, generic.ErrSchema, "unknown column")

	_, err = m.SaveItem(ctx, generic.TableClients, generic.Record{generic.ColumnTrainerID: owner, "name": 7.0}, generic.OpInsert, false)
	assert.ErrorIs(t, err, generic.ErrSchema, "wrong type")

	_, err = m.SaveItem(ctx, generic.Table("nope"), client("J"), generic.OpInsert, false)
	assert.ErrorIs(t, err, generic.ErrTableUnknown)

	n, err := m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
