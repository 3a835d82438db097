package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"board-api/store"
)

// Cache wraps a gateway with Redis-backed caching for partition reads.
// Writes pass through and evict the partition so the next read refills from
// the backing store.
type Cache struct {
	base  store.Gateway
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching gateway wrapper using the provided Redis client
// and TTL.
func NewCache(base store.Gateway, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base gateway is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Insert(ctx context.Context, table, partition, id string, record map[string]any) error {
	if err := c.base.Insert(ctx, table, partition, id, record); err != nil {
		return err
	}
	c.evict(ctx, table, partition)
	return nil
}

func (c *Cache) Update(ctx context.Context, table, partition, id string, fields map[string]any) error {
	if err := c.base.Update(ctx, table, partition, id, fields); err != nil {
		return err
	}
	c.evict(ctx, table, partition)
	return nil
}

func (c *Cache) Delete(ctx context.Context, table, partition, id string) error {
	if err := c.base.Delete(ctx, table, partition, id); err != nil {
		return err
	}
	c.evict(ctx, table, partition)
	return nil
}

func (c *Cache) BulkUpdate(ctx context.Context, table, partition string, ids []string, fields map[string]any) error {
	if err := c.base.BulkUpdate(ctx, table, partition, ids, fields); err != nil {
		return err
	}
	c.evict(ctx, table, partition)
	return nil
}

func (c *Cache) Query(ctx context.Context, table, partition string) ([]map[string]any, error) {
	if rows, ok := c.loadFromCache(ctx, table, partition); ok {
		return rows, nil
	}

	rows, err := c.base.Query(ctx, table, partition)
	if err != nil {
		return nil, err
	}

	c.storeRows(ctx, table, partition, rows)
	return rows, nil
}

func (c *Cache) loadFromCache(ctx context.Context, table, partition string) ([]map[string]any, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := rowsCacheKey(table, partition)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var rows []map[string]any
	if err := sonic.Unmarshal(data, &rows); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return rows, true
}

func (c *Cache) storeRows(ctx context.Context, table, partition string, rows []map[string]any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(rows)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, rowsCacheKey(table, partition), data, c.ttl).Err()
}

// Evict drops the cached rows for a partition. The change feed calls this
// when another instance commits a mutation.
func (c *Cache) Evict(ctx context.Context, table, partition string) {
	c.evict(ctx, table, partition)
}

func (c *Cache) evict(ctx context.Context, table, partition string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, rowsCacheKey(table, partition)).Result()
}

func rowsCacheKey(table, partition string) string {
	return "rows:" + table + ":" + partition
}
