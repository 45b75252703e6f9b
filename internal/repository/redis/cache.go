package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisx "github.com/kirinyoku/tix-alloc/internal/redis"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache is a JSON read-through cache for event views. Concurrent misses on
// one key are collapsed into a single load.
type Cache struct {
	rdb *redis.Client
	sf  singleflight.Group
}

func New(client *redis.Client) *Cache {
	return &Cache{rdb: client}
}

// lookup decodes the value stored under key into out. A missing key is
// reported as false with no error.
func (c *Cache) lookup(ctx context.Context, key string, out any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("cache %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) store(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

// GetOrSetJSON returns the cached value for key or loads, stores and returns
// it. A failed store is ignored; the next call loads again. The shared load
// is detached from the first caller's cancellation.
func GetOrSetJSON[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	load func(ctx context.Context) (T, error),
) (T, error) {
	var hit T
	if ok, err := c.lookup(ctx, key, &hit); err != nil || ok {
		return hit, err
	}

	shared, err, _ := c.sf.Do(key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)

		var again T
		if ok, err := c.lookup(ctx, key, &again); err != nil || ok {
			return again, err
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		_ = c.store(ctx, key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	v, ok := shared.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache %s: unexpected type %T", key, shared)
	}
	return v, nil
}

// InvalidateEvent drops every cached view of the event.
func (c *Cache) InvalidateEvent(ctx context.Context, eventID int64) error {
	return c.rdb.Del(ctx, redisx.EventKeys(eventID)...).Err()
}
