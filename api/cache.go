package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/coachdesk/generic"
)

// ErrCacheMiss is returned by Cache.GetRecord when the row is not cached.
var ErrCacheMiss = errors.New("cache miss")

// Cache holds single rows in front of the backend.
type Cache interface {
	GetRecord(ctx context.Context, tenant string, table generic.Table, id string) (generic.Record, error)
	SetRecord(ctx context.Context, tenant string, table generic.Table, row generic.Record) error
	DeleteRecord(ctx context.Context, tenant string, table generic.Table, id string) error
}

// NoOpCache implements the Cache interface but does nothing
type NoOpCache struct{}

func (c *NoOpCache) GetRecord(context.Context, string, generic.Table, string) (generic.Record, error) {
	return nil, ErrCacheMiss
}

func (c *NoOpCache) SetRecord(context.Context, string, generic.Table, generic.Record) error {
	return nil
}

func (c *NoOpCache) DeleteRecord(context.Context, string, generic.Table, string) error {
	return nil
}

// RedisCache implements the Cache interface using Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis at address.
func NewRedisCache(ctx context.Context, address string, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func recordKey(tenant string, table generic.Table, id string) string {
	return fmt.Sprintf("record:%s:%s:%s", tenant, table, id)
}

func (c *RedisCache) GetRecord(ctx context.Context, tenant string, table generic.Table, id string) (generic.Record, error) {
	data, err := c.client.Get(ctx, recordKey(tenant, table, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var row generic.Record
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func (c *RedisCache) SetRecord(ctx context.Context, tenant string, table generic.Table, row generic.Record) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, recordKey(tenant, table, row.ID()), data, c.ttl).Err()
}

func (c *RedisCache) DeleteRecord(ctx context.Context, tenant string, table generic.Table, id string) error {
	return c.client.Del(ctx, recordKey(tenant, table, id)).Err()
}
