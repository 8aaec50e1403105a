package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openquant/hedgebot/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each mark price
// is stored per venue+symbol with fields "price" and "ts" (Unix nanosecond
// timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func markKey(venue domain.VenueName, symbol string) string {
	return keyPrefix + "mark:" + string(venue) + ":" + symbol
}

// SetMark stores the latest mark price for a venue+symbol.
func (pc *PriceCache) SetMark(ctx context.Context, venue domain.VenueName, symbol string, price float64, ts time.Time) error {
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, markKey(venue, symbol), fields).Err(); err != nil {
		return fmt.Errorf("redis: set mark %s %s: %w", venue, symbol, err)
	}
	return nil
}

// GetMark retrieves the latest mark price and its timestamp. It returns
// domain.ErrNotFound when no mark has been stored.
func (pc *PriceCache) GetMark(ctx context.Context, venue domain.VenueName, symbol string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, markKey(venue, symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get mark %s %s: %w", venue, symbol, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse mark %s %s: %w", venue, symbol, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse mark ts %s %s: %w", venue, symbol, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
