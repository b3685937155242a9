// Package blobstore stores packaged deployment archives.
package blobstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("blobstore: object not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// PresignGet returns a URL an executor can download key from.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
