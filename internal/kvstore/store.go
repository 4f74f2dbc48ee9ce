// Package kvstore provides the small key/value and list primitives the
// debounce coordinator and the conversation context cache are built on.
package kvstore

import (
	"context"
	"time"
)

// Store is a key-value store holding integer scalars and append-only string
// lists. A zero ttl means the key never expires.
type Store interface {
	SetInt(ctx context.Context, key string, v int64, ttl time.Duration) error
	// GetInt returns ok=false when the key is absent or expired.
	GetInt(ctx context.Context, key string) (v int64, ok bool, err error)
	// Push right-appends value and refreshes the list ttl. It returns the new
	// list length.
	Push(ctx context.Context, key, value string, ttl time.Duration) (int, error)
	// TrimToLast keeps only the last n entries of the list.
	TrimToLast(ctx context.Context, key string, n int) error
	// List returns the list in insertion order, or nil when absent.
	List(ctx context.Context, key string) ([]string, error)
	// Take reads and deletes the list in one step.
	Take(ctx context.Context, key string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
