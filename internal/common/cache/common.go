package cache

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"time"

	"hive/pkg/utils/logger"

	"go.uber.org/zap"
)

// NullCacheValue marks a key whose row is known not to exist.
const NullCacheValue = "$NULL$"

// AsideOptions configures GetWithCached. Both TTLs are jittered.
type AsideOptions[T any] struct {
	TTL      time.Duration
	EmptyTTL time.Duration
	// Cacheable decides whether a loaded value may be stored. Nil stores all.
	Cacheable func(T) bool
}

// GetWithCached is a cache-aside read of a JSON-encoded T. load reports
// found=false for a missing row; the absence is cached for EmptyTTL so
// repeated misses do not reach the database. A nil cache only loads.
func GetWithCached[T any](
	ctx context.Context,
	c Cache,
	key string,
	opts AsideOptions[T],
	load func(context.Context) (T, bool, error),
) (T, bool, error) {
	var zero T
	if c == nil {
		return load(ctx)
	}

	if cached, err := c.Get(ctx, key); err == nil && cached != "" {
		if cached == NullCacheValue {
			return zero, false, nil
		}
		var value T
		if err := json.Unmarshal([]byte(cached), &value); err == nil {
			return value, true, nil
		}
		// undecodable entries fall through and get overwritten
	}

	value, found, err := load(ctx)
	if err != nil {
		return zero, false, err
	}
	if !found {
		store(ctx, c, key, NullCacheValue, opts.EmptyTTL)
		return zero, false, nil
	}
	if opts.Cacheable == nil || opts.Cacheable(value) {
		if data, err := json.Marshal(value); err == nil {
			store(ctx, c, key, string(data), opts.TTL)
		}
	}
	return value, true, nil
}

func store(ctx context.Context, c Cache, key, value string, ttl time.Duration) {
	if err := c.Set(ctx, key, value, JitterTTL(ttl)); err != nil {
		logger.Warn(ctx, "cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// UpdateCached runs a write and then drops key, so the next read reloads.
// A failed write leaves the cache alone.
func UpdateCached(ctx context.Context, c Cache, key string, write func(context.Context) error) error {
	if err := write(ctx); err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	if err := c.Del(ctx, key); err != nil {
		logger.Warn(ctx, "cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// JitterTTL shortens ttl by up to 10% so entries written together do not expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	maxJitter := int64(ttl / 10)
	if maxJitter <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
