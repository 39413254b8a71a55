package app_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/api"
	"github.com/warp/coachdesk/app"
	"github.com/warp/coachdesk/collection"
	"github.com/warp/coachdesk/config"
	"github.com/warp/coachdesk/connectivity"
	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/store/sqlite"
)

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	backend, err := sqlite.NewBackend(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	require.NoError(t, backend.AddAuthCode(context.Background(), "code-t1", "T1"))

	log, _ := test.NewNullLogger()
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(backend, nil, log), nil))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, url string) config.Config {
	dir := t.TempDir()
	return config.Config{
		Remote: config.Remote{URL: url, Timeout: 5 * time.Second},
		Mirror: config.Mirror{Path: filepath.Join(dir, "mirror", "coachdesk.db")},
		Probe:  config.Probe{Interval: time.Hour, MaxInterval: time.Hour},
		Auth:   config.Auth{SessionFile: filepath.Join(dir, "session.json")},
	}
}

func TestApp_LoginPersistsSession(t *testing.T) {
	// GIVEN: an app signed in once
	srv := newBackend(t)
	cfg := testConfig(t, srv.URL)
	log, _ := test.NewNullLogger()
	a, err := app.New(cfg, log)
	require.NoError(t, err)
	_, err = a.Login(context.Background(), "code-t1")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// WHEN: a new process starts with the same config
	b, err := app.New(cfg, log)
	require.NoError(t, err)
	defer b.Close()

	// THEN: it is still signed in
	id, err := b.Session.UserID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T1", id)

	// and logout forgets it for the next process too
	require.NoError(t, b.Logout())
	_, err = b.Session.UserID(context.Background())
	assert.ErrorIs(t, err, generic.ErrUnauthenticated)
	_, err = b.Sessions.Load()
	assert.ErrorIs(t, err, generic.ErrUnauthenticated)
}

func TestApp_ReconnectSyncsAndRewritesViews(t *testing.T) {
	// GIVEN: a signed-in app that starts offline
	srv := newBackend(t)
	log, _ := test.NewNullLogger()
	recorder := &collection.Recorder{}
	a, err := app.New(testConfig(t, srv.URL), log, app.WithNotifier(recorder))
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()
	_, err = a.Login(ctx, "code-t1")
	require.NoError(t, err)
	require.Equal(t, connectivity.Offline, a.Monitor.State())

	clients := a.Collection(generic.TableClients, collection.Options{})
	schedules := a.Collection(generic.TableSchedules, collection.Options{})

	// WHEN: a client and a session for them are created offline
	tempID, err := clients.CreateItem(ctx, generic.Record{"name": "Jane"})
	require.NoError(t, err)
	require.True(t, generic.IsTempID(tempID))
	_, err = schedules.CreateItem(ctx, generic.Record{
		"title": "Intro", "start_time": "2026-01-05T10:00:00Z", "client_id": tempID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, recorder.All())

	// and connectivity returns
	a.Monitor.Set(true)

	// THEN: the queue drains and both views carry the server id
	assert.Eventually(t, func() bool {
		st, err := a.Engine.Status(ctx)
		return err == nil && st.Pending == 0 && !st.Running
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		cv, sv := clients.View(), schedules.View()
		if cv.Len() != 1 || sv.Len() != 1 {
			return false
		}
		id := cv.Rows[0].ID()
		return !generic.IsTempID(id) && sv.Rows[0]["client_id"] == id
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_StartProbesBackend(t *testing.T) {
	srv := newBackend(t)
	cfg := testConfig(t, srv.URL)
	cfg.Probe = config.Probe{Interval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond}
	log, _ := test.NewNullLogger()
	a, err := app.New(cfg, log)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Start(context.Background()))

	assert.Eventually(t, a.Monitor.Online, time.Second, 5*time.Millisecond)
}

func TestApp_ProbeAndPending(t *testing.T) {
	srv := newBackend(t)
	log, _ := test.NewNullLogger()
	a, err := app.New(testConfig(t, srv.URL), log)
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()
	_, err = a.Login(ctx, "code-t1")
	require.NoError(t, err)

	_, err = a.Collection(generic.TableClients, collection.Options{}).CreateItem(ctx, generic.Record{"name": "Jane"})
	require.NoError(t, err)
	ops, err := a.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, generic.OpInsert, ops[0].Kind)

	// the reconnect sync is joined by SyncNow rather than duplicated
	require.True(t, a.Probe(ctx))
	res, err := a.SyncNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Remaining)

	srv.Close()
	assert.False(t, a.Probe(ctx))
	assert.False(t, a.Monitor.Online())
}
