package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openquant/hedgebot/internal/domain"
)

// bookTTL bounds how long a cached top-of-book survives without an update.
// A stale book must disappear rather than feed the edge computation.
const bookTTL = 10 * time.Second

// BookCache implements domain.BookCache using Redis string keys holding the
// JSON-encoded top of book per venue+symbol.
type BookCache struct {
	rdb *redis.Client
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.Underlying()}
}

func bookKey(venue domain.VenueName, symbol string) string {
	return keyPrefix + "book:" + string(venue) + ":" + symbol
}

// SetTop stores the latest top-of-book snapshot.
func (bc *BookCache) SetTop(ctx context.Context, top domain.BookTop) error {
	data, err := json.Marshal(top)
	if err != nil {
		return fmt.Errorf("redis: marshal book %s %s: %w", top.Venue, top.Symbol, err)
	}
	if err := bc.rdb.Set(ctx, bookKey(top.Venue, top.Symbol), data, bookTTL).Err(); err != nil {
		return fmt.Errorf("redis: set book %s %s: %w", top.Venue, top.Symbol, err)
	}
	return nil
}

// GetTop retrieves the latest top-of-book snapshot. It returns
// domain.ErrNotFound when no snapshot exists or it has expired.
func (bc *BookCache) GetTop(ctx context.Context, venue domain.VenueName, symbol string) (domain.BookTop, error) {
	data, err := bc.rdb.Get(ctx, bookKey(venue, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BookTop{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BookTop{}, fmt.Errorf("redis: get book %s %s: %w", venue, symbol, err)
	}

	var top domain.BookTop
	if err := json.Unmarshal(data, &top); err != nil {
		return domain.BookTop{}, fmt.Errorf("redis: unmarshal book %s %s: %w", venue, symbol, err)
	}
	return top, nil
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
