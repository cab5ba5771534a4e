// Package cache implements the TTL-keyed blob cache of spec.md §4.C, used
// for cached tokens, idempotency receipts, and hot consent reads. It wraps
// redis/go-redis/v9, the same client the teacher uses directly in
// internal/platform/redis.go and pkg/escalation/engine.go.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the contract every component that needs a TTL blob store depends
// on — pass it as an explicit constructor parameter.
type Cache interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Evict(ctx context.Context, key string) error
	EvictPattern(ctx context.Context, prefix string) error
}

// Redis is the production Cache.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an existing Redis client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Evict(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// EvictPattern deletes every key with the given prefix using SCAN+UNLINK
// rather than KEYS, so a large keyspace never blocks the Redis event loop.
func (r *Redis) EvictPattern(ctx context.Context, prefix string) error {
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			if err := r.rdb.Unlink(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.rdb.Unlink(ctx, batch...).Err()
	}
	return nil
}
