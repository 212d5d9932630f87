package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atp-proto/atp-server/atp/telemetry"
)

// Remote is the canonical cross-instance Store backend (spec §4.A): a Redis
// client, linearizable per key, shared by every server instance so an
// execution record suspended on one instance can be resumed on another
// (spec §4.E "cross-instance resume"). Grounded in the teacher registry
// service's `rdb.Set/Get/Del/Expire` usage.
type Remote struct {
	rdb    *redis.Client
	logger telemetry.Logger
}

// NewRemote wraps an existing redis.Client. The caller owns the client's
// lifecycle (Close).
func NewRemote(rdb *redis.Client, logger telemetry.Logger) *Remote {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Remote{rdb: rdb, logger: logger}
}

// Get returns nil, nil on miss. Per spec §4.A "Failure", a reachability
// failure against Redis is also treated as a miss rather than propagated:
// the engine must keep functioning with degraded persistence.
func (r *Remote) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		r.logger.Warn(ctx, "cachestore: remote get failed, treating as miss", "key", key, "error", err.Error())
		return nil, nil
	}
	return val, nil
}

func (r *Remote) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	ttl := ttlDuration(ttlSeconds)
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Warn(ctx, "cachestore: remote set failed", "key", key, "error", err.Error())
		return nil
	}
	return nil
}

func (r *Remote) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		r.logger.Warn(ctx, "cachestore: remote delete failed", "key", key, "error", err.Error())
	}
	return nil
}

func (r *Remote) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	anyKeys := make([]string, len(keys))
	copy(anyKeys, keys)
	vals, err := r.rdb.MGet(ctx, anyKeys...).Result()
	if err != nil {
		r.logger.Warn(ctx, "cachestore: remote mget failed, treating as miss", "error", err.Error())
		return make([][]byte, len(keys)), nil
	}
	out := make([][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[i] = []byte(s)
	}
	return out, nil
}

func (r *Remote) MSet(ctx context.Context, entries map[string][]byte, ttlSeconds int) error {
	pipe := r.rdb.Pipeline()
	ttl := ttlDuration(ttlSeconds)
	for k, v := range entries {
		pipe.Set(ctx, k, v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn(ctx, "cachestore: remote mset failed", "error", err.Error())
	}
	return nil
}

func (r *Remote) Clear(ctx context.Context, prefixGlob string) error {
	iter := r.rdb.Scan(ctx, 0, prefixGlob, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn(ctx, "cachestore: remote scan failed", "glob", prefixGlob, "error", err.Error())
		return nil
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		r.logger.Warn(ctx, "cachestore: remote clear failed", "glob", prefixGlob, "error", err.Error())
	}
	return nil
}

func ttlDuration(ttlSeconds int) time.Duration {
	if ttlSeconds <= 0 {
		return 0
	}
	return time.Duration(ttlSeconds) * time.Second
}
