package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/api"
	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/store/sqlite"
)

type harness struct {
	t    *testing.T
	srv  *httptest.Server
	base []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("COACHDESK_CONFIG", "")
	t.Chdir(t.TempDir())

	backend, err := sqlite.NewBackend(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	require.NoError(t, backend.AddAuthCode(context.Background(), "code-t1", "T1"))
	log, _ := test.NewNullLogger()
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(backend, nil, log), nil))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	return &harness{t: t, srv: srv, base: []string{
		"--remote-url=" + srv.URL,
		"--mirror=" + filepath.Join(dir, "mirror.db"),
		"--session-file=" + filepath.Join(dir, "session.json"),
		"--log-level=error",
	}}
}

// run executes one coachctl invocation and returns stdout and stderr.
func (h *harness) run(args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	err := execute(append(append([]string(nil), h.base...), args...), &out, &errOut)
	return out.String(), errOut.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, errOut, err := h.run(args...)
	require.NoError(h.t, err, errOut)
	return out
}

func TestCLI_OfflineEditsSyncLater(t *testing.T) {
	h := newHarness(t)

	// GIVEN: a signed-in trainer with one client created online
	assert.Contains(t, h.mustRun("login", "code-t1"), "signed in as T1")
	onlineID := strings.TrimSpace(h.mustRun("add", "clients", "name=Jane", "active=true"))
	assert.False(t, generic.IsTempID(onlineID))

	// WHEN: another client is created offline
	out, errOut, err := h.run("--offline", "add", "clients", "name=Bob")
	require.NoError(t, err)
	assert.True(t, generic.IsTempID(strings.TrimSpace(out)))
	assert.Contains(t, errOut, "clients:")

	// THEN: it waits in the queue
	var ops []map[string]any
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("pending", "--format=json")), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "INSERT", ops[0]["op"])

	// and sync replays it
	assert.Contains(t, h.mustRun("sync"), "replayed 1, remaining 0")
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("pending", "--format=json")), &ops))
	assert.Empty(t, ops)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("list", "clients", "--order=name", "--format=json")), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "Bob", rows[0]["name"])
	assert.False(t, generic.IsTempID(rows[0]["id"].(string)))
}

func TestCLI_ListFiltersAndTable(t *testing.T) {
	h := newHarness(t)
	h.mustRun("login", "code-t1")
	id := strings.TrimSpace(h.mustRun("add", "clients", "name=Jane", "active=true"))
	h.mustRun("add", "clients", "name=Old", "active=false")

	out := h.mustRun("list", "clients", "--where=active=true", "--select=name")
	assert.Contains(t, out, "Jane")
	assert.NotContains(t, out, "Old")
	assert.True(t, strings.HasPrefix(out, "ID"))

	h.mustRun("update", "clients", id, "name=Janet")
	assert.Contains(t, h.mustRun("list", "clients", "--where=id="+id), "Janet")

	h.mustRun("delete", "clients", id)
	assert.NotContains(t, h.mustRun("list", "clients"), "Janet")
}

func TestCLI_SignedOutAndUnreachable(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.run("add", "clients", "name=Jane")
	assert.ErrorIs(t, err, generic.ErrUnauthenticated)

	h.mustRun("login", "code-t1")
	h.srv.Close()
	_, _, err = h.run("sync")
	assert.ErrorIs(t, err, generic.ErrRemoteUnavailable)

	out := h.mustRun("status", "--format=yaml")
	assert.Contains(t, out, "connectivity: offline")
	assert.Contains(t, out, "user: T1")

	h.mustRun("logout")
	assert.Contains(t, h.mustRun("status"), "signed out")
}

func TestParseAssignments(t *testing.T) {
	rec, err := parseAssignments([]string{"name=Jane Doe", "sessions=5", "active=true", "tags=[\"a\"]", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, generic.Record{
		"name": "Jane Doe", "sessions": 5.0, "active": true, "tags": []any{"a"}, "note": "a=b",
	}, rec)

	_, err = parseAssignments([]string{"novalue"})
	assert.Error(t, err)
}
