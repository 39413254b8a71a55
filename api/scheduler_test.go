package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/api"
	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/store/sqlite"
)

func TestSessionScheduler_PurgesExpired(t *testing.T) {
	// GIVEN: a session issued twelve hours ago
	backend, err := sqlite.NewBackend(":memory:")
	require.NoError(t, err)
	defer backend.Close()
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	backend.SetTimeFunc(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, backend.AddAuthCode(ctx, "c", "T1"))
	s, err := backend.ExchangeCode(ctx, "c")
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	scheduler := api.NewSessionScheduler(backend, log)

	// WHEN: it is still valid nothing is purged
	assert.Zero(t, scheduler.RunNow())

	// THEN: once expired it is removed
	now = now.Add(sqlite.DefaultSessionTTL + time.Minute)
	assert.Equal(t, int64(1), scheduler.RunNow())
	_, err = backend.ResolveToken(ctx, s.Token)
	assert.ErrorIs(t, err, generic.ErrUnauthenticated)
}

func TestSessionScheduler_StartStop(t *testing.T) {
	backend, err := sqlite.NewBackend(":memory:")
	require.NoError(t, err)
	defer backend.Close()
	log, _ := test.NewNullLogger()

	scheduler := api.NewSessionScheduler(backend, log)
	scheduler.CheckInterval = 10 * time.Millisecond
	scheduler.Start()
	scheduler.Start()
	time.Sleep(30 * time.Millisecond)
	scheduler.Stop()
	scheduler.Stop()

	disabled := api.NewSessionScheduler(backend, log)
	disabled.Enabled = false
	disabled.Start()
	disabled.Stop()
}
