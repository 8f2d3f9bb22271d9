package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// KV is the persistent key/value storage behind the cache's durable tier.
// Values are opaque strings; expiry is handled by the caller.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// Keys lists every stored key starting with prefix
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
