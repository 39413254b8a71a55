package syncer_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/generic/store"
	"github.com/warp/coachdesk/remote"
	"github.com/warp/coachdesk/syncer"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const tenant = "trainer-1"

type fixture struct {
	mirror *store.Memory
	remote *remote.Memory
	engine *syncer.Engine
}

func newFixture() *fixture {
	log, _ := test.NewNullLogger()
	f := &fixture{
		mirror: store.NewMemory(),
		remote: remote.NewMemory(tenant),
	}
	f.engine = syncer.NewEngine(f.mirror, f.remote, log)
	return f
}

func (f *fixture) offlineInsert(t *testing.T, table generic.Table, r generic.Record) string {
	t.Helper()
	r[generic.ColumnTrainerID] = tenant
	id, err := f.mirror.SaveItem(context.Background(), table, r, generic.OpInsert, false)
	require.NoError(t, err)
	return id
}

func (f *fixture) offlineUpdate(t *testing.T, table generic.Table, id string, patch generic.Record) {
	t.Helper()
	patch[generic.ColumnID] = id
	_, err := f.mirror.SaveItem(context.Background(), table, patch, generic.OpUpdate, false)
	require.NoError(t, err)
}

func (f *fixture) seed(t *testing.T, table generic.Table, r generic.Record) {
	t.Helper()
	r[generic.ColumnTrainerID] = tenant
	f.remote.Seed(table, r)
	_, err := f.mirror.SaveItem(context.Background(), table, r, generic.OpInsert, true)
	require.NoError(t, err)
}

func pending(t *testing.T, m generic.MirrorStore) int {
	t.Helper()
	n, err := m.PendingCount(context.Background())
	require.NoError(t, err)
	return n
}

// =============================================================================
// REPLAY ORDER
// =============================================================================

func TestSync_OfflineSequenceReplaysInOrder(t *testing.T) {
	// GIVEN: create then rename a client while offline
	f := newFixture()
	ctx := context.Background()
	tempID := f.offlineInsert(t, generic.TableClients, generic.Record{"name": "A"})
	f.offlineUpdate(t, generic.TableClients, tempID, generic.Record{"name": "B"})

	// WHEN: connectivity returns
	res, err := f.engine.SyncAll(ctx)
	require.NoError(t, err)

	// THEN: the remote saw insert then update and holds the final state
	assert.Equal(t, []string{"insert clients", "update clients"}, f.remote.Calls())
	assert.Equal(t, 2, res.Replayed)
	assert.Zero(t, res.Remaining)

	rows := f.remote.Rows(generic.TableClients)
	require.Len(t, rows, 1)
	assert.Equal(t, "B", rows[0]["name"])
	assert.False(t, generic.IsTempID(rows[0].ID()))

	// and the mirror holds the confirmed row under the remote id
	mirrored, err := f.mirror.GetByID(ctx, generic.TableClients, rows[0].ID())
	require.NoError(t, err)
	assert.Equal(t, "B", mirrored["name"])
	_, err = f.mirror.GetByID(ctx, generic.TableClients, tempID)
	assert.ErrorIs(t, err, generic.ErrNotFound)
	assert.Zero(t, pending(t, f.mirror))
}

func TestSync_LastUpdateWins(t *testing.T) {
	f := newFixture()
	f.seed(t, generic.TableClients, generic.Record{"id": "5", "name": "orig"})
	f.offlineUpdate(t, generic.TableClients, "5", generic.Record{"name": "A"})
	f.offlineUpdate(t, generic.TableClients, "5", generic.Record{"name": "B"})

	_, err := f.engine.SyncTable(context.Background(), generic.TableClients)
	require.NoError(t, err)

	rows := f.remote.Rows(generic.TableClients)
	require.Len(t, rows, 1)
	assert.Equal(t, "B", rows[0]["name"])
}

// =============================================================================
// DELETE
// =============================================================================

func TestSync_OfflineDeleteReachesRemote(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seed(t, generic.TableClients, generic.Record{"id": "x", "name": "X"})
	require.NoError(t, f.mirror.DeleteItem(ctx, generic.TableClients, "x", false))

	_, err := f.engine.SyncAll(ctx)
	require.NoError(t, err)

	assert.Empty(t, f.remote.Rows(generic.TableClients))
	_, err = f.mirror.GetByID(ctx, generic.TableClients, "x")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	assert.Zero(t, pending(t, f.mirror))
}

func TestSync_DeleteOfAbsentRemoteRowSucceeds(t *testing.T) {
	// GIVEN: the row was already deleted remotely by another device
	f := newFixture()
	ctx := context.Background()
	_, err := f.mirror.SaveItem(ctx, generic.TableClients,
		generic.Record{"id": "gone", "trainer_id": tenant, "name": "G"}, generic.OpInsert, true)
	require.NoError(t, err)
	require.NoError(t, f.mirror.DeleteItem(ctx, generic.TableClients, "gone", false))

	res, err := f.engine.SyncTable(ctx, generic.TableClients)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Zero(t, pending(t, f.mirror))
}

// =============================================================================
// TEMPORARY IDS
// =============================================================================

func TestSync_TempIDRewriteReachesDependentTable(t *testing.T) {
	// GIVEN: an offline client and a session booked for it
	f := newFixture()
	ctx := context.Background()
	clientID := f.offlineInsert(t, generic.TableClients, generic.Record{"name": "Jane"})
	schedID := f.offlineInsert(t, generic.TableSchedules, generic.Record{
		"title": "Legs", "start_time": "2026-01-05T10:00:00Z", "client_id": clientID,
	})

	// WHEN: syncing everything
	res, err := f.engine.SyncAll(ctx)
	require.NoError(t, err)

	// THEN: the session was sent with the client's remote id
	clients := f.remote.Rows(generic.TableClients)
	sessions := f.remote.Rows(generic.TableSchedules)
	require.Len(t, clients, 1)
	require.Len(t, sessions, 1)
	assert.Equal(t, clients[0].ID(), sessions[0]["client_id"])
	assert.Zero(t, res.Remaining)

	// and the mirror no longer knows either temp id
	_, err = f.mirror.GetByID(ctx, generic.TableSchedules, schedID)
	assert.ErrorIs(t, err, generic.ErrNotFound)
	mirrored, err := f.mirror.GetByID(ctx, generic.TableSchedules, sessions[0].ID())
	require.NoError(t, err)
	assert.Equal(t, clients[0].ID(), mirrored["client_id"])
}

func TestSync_DependentTableAloneIsDeferred(t *testing.T) {
	f := newFixture()
	clientID := f.offlineInsert(t, generic.TableClients, generic.Record{"name": "Jane"})
	f.offlineInsert(t, generic.TableSchedules, generic.Record{
		"title": "Legs", "start_time": "2026-01-05T10:00:00Z", "client_id": clientID,
	})

	res, err := f.engine.SyncTable(context.Background(), generic.TableSchedules)

	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Equal(t, 1, res.Remaining)
	assert.Empty(t, f.remote.Calls())
}

// =============================================================================
// FAILURES
// =============================================================================

func TestSync_UnavailableRetainsOpAndStops(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.offlineInsert(t, generic.TableClients, generic.Record{"name": "A"})
	f.offlineInsert(t, generic.TableClients, generic.Record{"name": "B"})
	f.remote.FailNext(&generic.RemoteError{Op: "insert", Status: 503, Message: "maintenance"})

	res, err := f.engine.SyncTable(ctx, generic.TableClients)

	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrSyncReplay)
	assert.ErrorIs(t, err, generic.ErrRemoteUnavailable)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, []string{"insert clients"}, f.remote.Calls(), "second op not attempted")

	ops, err := f.mirror.PendingOps(ctx, generic.TableClients)
	require.NoError(t, err)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Equal(t, generic.OpStatusPending, ops[0].Status)

	// WHEN: the backend recovers
	res, err = f.engine.SyncTable(ctx, generic.TableClients)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)
	assert.Len(t, f.remote.Rows(generic.TableClients), 2)
}

func TestSync_RejectedOpBlocksUntilDiscarded(t *testing.T) {
	// GIVEN: an update the backend refuses
	f := newFixture()
	ctx := context.Background()
	f.seed(t, generic.TableClients, generic.Record{"id": "c1", "name": "orig"})
	f.offlineUpdate(t, generic.TableClients, "c1", generic.Record{"email": "not-an-email"})
	f.offlineUpdate(t, generic.TableClients, "c1", generic.Record{"name": "ok"})
	f.remote.FailNext(&generic.RemoteError{Op: "update", Status: 422, Code: "23514", Message: "check violation"})

	_, err := f.engine.SyncTable(ctx, generic.TableClients)
	assert.ErrorIs(t, err, generic.ErrRemoteRejected)

	// THEN: the op is flagged and later drains don't touch the remote
	rejected, err := f.engine.Rejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].LastError, "check violation")

	calls := len(f.remote.Calls())
	res, err := f.engine.SyncTable(ctx, generic.TableClients)
	assert.ErrorIs(t, err, generic.ErrRemoteRejected)
	require.NotNil(t, res.Blocked)
	assert.Equal(t, rejected[0].Seq, res.Blocked.Seq)
	assert.Len(t, f.remote.Calls(), calls)

	// WHEN: the user discards it
	require.NoError(t, f.engine.Discard(ctx, rejected[0].Seq))
	_, err = f.engine.SyncTable(ctx, generic.TableClients)
	require.NoError(t, err)

	rows := f.remote.Rows(generic.TableClients)
	assert.Equal(t, "ok", rows[0]["name"])
	assert.Nil(t, rows[0]["email"])
}

func TestSync_StatusReflectsQueue(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.offlineInsert(t, generic.TableClients, generic.Record{"name": "A"})

	st, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.True(t, st.LastSync.IsZero())

	_, err = f.engine.SyncAll(ctx)
	require.NoError(t, err)

	st, err = f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.False(t, st.LastSync.IsZero())
	assert.NoError(t, st.LastErr)
}

// =============================================================================
// CONCURRENCY AND EVENTS
// =============================================================================

// gatedRemote blocks inserts until released.
type gatedRemote struct {
	*remote.Memory
	entered chan struct{}
	release chan struct{}
	inserts atomic.Int32
}

func (g *gatedRemote) Insert(ctx context.Context, table generic.Table, r generic.Record) (generic.Record, error) {
	if g.inserts.Add(1) == 1 {
		close(g.entered)
	}
	<-g.release
	return g.Memory.Insert(ctx, table, r)
}

func TestSync_OneDrainPerTable(t *testing.T) {
	log, _ := test.NewNullLogger()
	mirror := store.NewMemory()
	gated := &gatedRemote{Memory: remote.NewMemory(tenant), entered: make(chan struct{}), release: make(chan struct{})}
	engine := syncer.NewEngine(mirror, gated, log)

	_, err := mirror.SaveItem(context.Background(), generic.TableClients,
		generic.Record{"trainer_id": tenant, "name": "A"}, generic.OpInsert, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.SyncTable(context.Background(), generic.TableClients)
		}()
	}
	<-gated.entered
	time.Sleep(10 * time.Millisecond)
	close(gated.release)
	wg.Wait()

	assert.Equal(t, int32(1), gated.inserts.Load())
	assert.Len(t, gated.Rows(generic.TableClients), 1)
}

func TestSync_EmitsEvents(t *testing.T) {
	f := newFixture()
	tempID := f.offlineInsert(t, generic.TableClients, generic.Record{"name": "A"})

	var mu sync.Mutex
	var kinds []syncer.EventKind
	var newID string
	f.engine.SetEventHandler(func(ev syncer.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
		if ev.Kind == syncer.EventIDRewritten {
			assert.Equal(t, tempID, ev.Op.RecordID)
			newID = ev.NewID
		}
	})

	_, err := f.engine.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []syncer.EventKind{
		syncer.EventStarted, syncer.EventIDRewritten, syncer.EventOpReplayed, syncer.EventFinished,
	}, kinds)
	assert.Equal(t, f.remote.Rows(generic.TableClients)[0].ID(), newID)
}
