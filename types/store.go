package types

import (
	"context"
	"time"
)

// Store is the pluggable key/value abstraction the response cache persists
// into. Implementations must be safe for concurrent use; the engine adds no
// locking around them.
type Store interface {
	LifecycleManager

	// Get returns the stored value, or (nil, nil) when the key is absent or
	// expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. An expiresIn of zero or less means the
	// entry never expires.
	Set(ctx context.Context, key string, value []byte, expiresIn time.Duration) error

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// ExpiresIn returns the remaining lifetime of key. Zero means the entry
	// never expires; ErrStoreKeyNotFound is returned for absent keys.
	ExpiresIn(ctx context.Context, key string) (time.Duration, error)
}

// ExpiringStore is implemented by stores that can drop expired entries in
// bulk. The store manager schedules periodic sweeps for these.
type ExpiringStore interface {
	DeleteExpired(ctx context.Context) error
}

type StoreCreator func(config interface{}) (Store, error)
