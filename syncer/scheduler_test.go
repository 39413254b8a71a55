package syncer_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/syncer"
)

func TestScheduler_SyncsOnlyWhileOnline(t *testing.T) {
	f := newFixture()
	f.offlineInsert(t, generic.TableClients, generic.Record{"name": "A"})
	log, _ := test.NewNullLogger()

	var online atomic.Bool
	s := syncer.NewScheduler(f.engine, online.Load, 5*time.Millisecond, log)
	s.Start(context.Background())
	defer s.Stop()

	// offline: ticks are skipped
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, s.Runs())
	assert.Empty(t, f.remote.Calls())

	online.Store(true)
	assert.Eventually(t, func() bool {
		return len(f.remote.Rows(generic.TableClients)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	f := newFixture()
	s := syncer.NewScheduler(f.engine, nil, time.Hour, nil)

	s.Stop()
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestScheduler_ZeroIntervalDisabled(t *testing.T) {
	f := newFixture()
	s := syncer.NewScheduler(f.engine, nil, 0, nil)
	s.Start(context.Background())
	s.Stop()
	assert.Zero(t, s.Runs())
}
