package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/api"
	"github.com/warp/coachdesk/generic"
)

func newRedisCache(t *testing.T) (*api.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := api.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2}), time.Minute)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestRedisCache_GetSetDelete(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()

	_, err := cache.GetRecord(ctx, "T1", generic.TableClients, "c1")
	assert.ErrorIs(t, err, api.ErrCacheMiss)

	require.NoError(t, cache.SetRecord(ctx, "T1", generic.TableClients, generic.Record{"id": "c1", "name": "Jane"}))
	row, err := cache.GetRecord(ctx, "T1", generic.TableClients, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Jane", row["name"])

	// other tenants never share keys
	_, err = cache.GetRecord(ctx, "T2", generic.TableClients, "c1")
	assert.ErrorIs(t, err, api.ErrCacheMiss)

	// rows expire
	mr.FastForward(2 * time.Minute)
	_, err = cache.GetRecord(ctx, "T1", generic.TableClients, "c1")
	assert.ErrorIs(t, err, api.ErrCacheMiss)

	require.NoError(t, cache.SetRecord(ctx, "T1", generic.TableClients, generic.Record{"id": "c1", "name": "Jane"}))
	require.NoError(t, cache.DeleteRecord(ctx, "T1", generic.TableClients, "c1"))
	_, err = cache.GetRecord(ctx, "T1", generic.TableClients, "c1")
	assert.ErrorIs(t, err, api.ErrCacheMiss)
}

func TestHandler_SingleRowSelectIsCachedAndInvalidated(t *testing.T) {
	// GIVEN: a backend fronted by Redis
	cache, mr := newRedisCache(t)
	s := newServer(t, cache)
	client, _ := s.login(t, "code-t1")
	ctx := context.Background()
	row, err := client.Insert(ctx, generic.TableClients, generic.Record{"name": "Jane"})
	require.NoError(t, err)
	byID := generic.Query{}.Eq("id", row.ID())

	// WHEN: the row is read by id
	_, err = client.Select(ctx, generic.TableClients, byID)
	require.NoError(t, err)

	// THEN: it is cached under the tenant
	assert.True(t, mr.Exists("record:T1:clients:"+row.ID()))

	// and an update invalidates it so the next read is fresh
	_, err = client.Update(ctx, generic.TableClients, row.ID(), generic.Record{"name": "Janet"})
	require.NoError(t, err)
	assert.False(t, mr.Exists("record:T1:clients:"+row.ID()))

	rows, err := client.Select(ctx, generic.TableClients, byID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Janet", rows[0]["name"])
}
