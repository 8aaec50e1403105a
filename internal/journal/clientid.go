package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/openquant/hedgebot/internal/domain"
)

// clientIDPrefix keeps our orders recognizable in venue blotters.
const clientIDPrefix = "hb-"

// DefaultBucket is the time-bucket width for client ID derivation. A retry
// of the same logical order inside one bucket reuses the identifier, so the
// venue de-duplicates it.
const DefaultBucket = 5 * time.Second

// ClientID derives the deterministic client identifier for a logical order.
// The derivation covers (strategy, venue, symbol, side, time bucket, nonce);
// the hash is truncated to fit venue client-ID length limits.
func ClientID(strategy string, venue domain.VenueName, symbol string, side domain.OrderSide, at time.Time, bucket time.Duration, nonce string) string {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	slot := at.UnixNano() / int64(bucket)
	msg := fmt.Sprintf("%s:%s:%s:%s:%d:%s", strategy, venue, symbol, side, slot, nonce)
	sum := sha256.Sum256([]byte(msg))
	return clientIDPrefix + hex.EncodeToString(sum[:])[:20]
}
