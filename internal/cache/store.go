package cache

import (
	"context"
	"time"
)

// Store is the byte-level cache behind the tool gateway. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns ok=false on a miss or an expired entry.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value for ttl; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Clock lets tests control expiry.
type Clock func() time.Time
