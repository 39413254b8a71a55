package generic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/generic"
)

func TestRecord_StringFormatsNumericIDs(t *testing.T) {
	r := generic.Record{"id": 5.0, "big": 1234567890123.0, "n": nil}
	assert.Equal(t, "5", r.ID())
	assert.Equal(t, "1234567890123", r.String("big"))
	assert.Equal(t, "", r.String("n"))
	assert.Equal(t, "", r.String("absent"))
}

func TestRecord_MergeCopies(t *testing.T) {
	base := generic.Record{"name": "A", "email": "a@x"}
	merged := base.Merge(generic.Record{"name": "B"})

	assert.Equal(t, "B", merged["name"])
	assert.Equal(t, "a@x", merged["email"])
	assert.Equal(t, "A", base["name"])
}

func TestTempID(t *testing.T) {
	now := time.UnixMilli(1767225600000)
	a := generic.NewTempID(now)
	b := generic.NewTempID(now)

	assert.True(t, generic.IsTempID(a))
	assert.Contains(t, a, "tmp_1767225600000_")
	assert.NotEqual(t, a, b)
	assert.False(t, generic.IsTempID("8d5e2a1c-0000"))
}

func TestReplaceRefsAndTempRefs(t *testing.T) {
	r := generic.Record{"id": "tmp_1_a", "client_id": "tmp_1_a", "package_id": "tmp_2_b", "name": "x"}

	assert.ElementsMatch(t, []string{"client_id", "package_id"}, generic.TempRefs(r))
	assert.True(t, generic.ReplaceRefs(r, "tmp_1_a", "c-1"))
	assert.Equal(t, "c-1", r["client_id"])
	assert.Equal(t, "c-1", r["id"])
	assert.False(t, generic.ReplaceRefs(r, "tmp_9_z", "c-9"))
}

func TestRemoteError_Classification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{0, generic.ErrRemoteUnavailable},
		{503, generic.ErrRemoteUnavailable},
		{429, generic.ErrRemoteUnavailable},
		{404, generic.ErrNotFound},
		{401, generic.ErrUnauthenticated},
		{409, generic.ErrRemoteRejected},
		{400, generic.ErrRemoteRejected},
	}
	for _, tt := range tests {
		err := error(&generic.RemoteError{Op: "insert", Table: generic.TableClients, Status: tt.status, Err: errors.New("x")})
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}

	assert.True(t, generic.IsRetryable(&generic.RemoteError{Status: 502}))
	assert.True(t, generic.IsRejected(&generic.RemoteError{Status: 403}))
}

func TestReplayError_UnwrapsBoth(t *testing.T) {
	cause := &generic.RemoteError{Op: "update", Status: 422}
	err := error(&generic.ReplayError{Op: generic.PendingOperation{Seq: 1, Kind: generic.OpUpdate}, Err: cause})

	assert.ErrorIs(t, err, generic.ErrSyncReplay)
	assert.ErrorIs(t, err, generic.ErrRemoteRejected)

	var re *generic.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 422, re.Status)
}

func TestWarning(t *testing.T) {
	w := &generic.Warning{Message: "showing cached rows", Err: generic.ErrRemoteUnavailable}
	assert.True(t, generic.IsWarning(w))
	assert.ErrorIs(t, w, generic.ErrRemoteUnavailable)
	assert.False(t, generic.IsWarning(generic.ErrNotFound))
}
