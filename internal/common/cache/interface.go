package cache

import (
	"context"
	"time"
)

// BasicOperations covers string keys with expiry.
type BasicOperations interface {
	// Get returns "" with a nil error when the key does not exist.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// SetOperations covers unordered string sets.
type SetOperations interface {
	SAdd(ctx context.Context, key string, members ...interface{}) error
	SRem(ctx context.Context, key string, members ...interface{}) error
	SMembers(ctx context.Context, key string) ([]string, error)
	// SMove reports false when member was not in src.
	SMove(ctx context.Context, src, dst string, member interface{}) (bool, error)
}

// LockOperations is a best-effort single-key mutex.
type LockOperations interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Cache is what repositories and the grading registry depend on.
type Cache interface {
	BasicOperations
	SetOperations
	LockOperations
	Ping(ctx context.Context) error
	Close() error
}
