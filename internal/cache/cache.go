package cache

import (
	"context"
	"time"
)

// Cache is the read-through cache used for assembled document context. Misses
// and errors are equivalent to callers; nothing here is a source of truth.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
