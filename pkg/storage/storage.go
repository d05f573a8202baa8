// Package storage defines the key value contract shared by the corpus persistence
// backends.
package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// KV is a minimal byte store. Get returns ErrNotFound for missing keys.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}
