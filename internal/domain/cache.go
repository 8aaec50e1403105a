package domain

import (
	"context"
	"io"
	"time"
)

// PriceCache provides fast access to the latest mark prices.
type PriceCache interface {
	SetMark(ctx context.Context, venue VenueName, symbol string, price float64, ts time.Time) error
	GetMark(ctx context.Context, venue VenueName, symbol string) (float64, time.Time, error)
}

// BookCache stores the live top-of-book per venue+symbol.
type BookCache interface {
	SetTop(ctx context.Context, top BookTop) error
	GetTop(ctx context.Context, venue VenueName, symbol string) (BookTop, error)
}

// RateLimiter provides distributed rate limiting for venue requests.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking; used to serialize executions
// per pair across replicas.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus fans control-state broadcasts out to every replica. Delivery is
// best-effort; the control store stays the source of truth.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobInfo describes one stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter writes an object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader reads objects from blob storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}
