package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kychan/flowdesk/internal/domain"
)

// snapshotTTL bounds staleness when the publisher dies: API reads fall
// through to "no snapshot" instead of serving a dead book forever.
const snapshotTTL = 10 * time.Second

// SnapshotCache implements domain.SnapshotCache. It stores the latest
// published book+metrics payload per symbol so API reads never touch the
// hot event loop.
//
// Key schema:
//
//	snapshot:{symbol} - JSON payload of the latest published snapshot
type SnapshotCache struct {
	rdb *redis.Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying()}
}

func snapshotKey(symbol string) string { return "snapshot:" + symbol }

// SetLadder stores the latest snapshot payload for a symbol.
func (sc *SnapshotCache) SetLadder(ctx context.Context, symbol string, payload []byte) error {
	if err := sc.rdb.Set(ctx, snapshotKey(symbol), payload, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", symbol, err)
	}
	return nil
}

// GetLadder returns the latest snapshot payload, or ErrNotFound when none
// has been published (or the publisher has been silent past the TTL).
func (sc *SnapshotCache) GetLadder(ctx context.Context, symbol string) ([]byte, error) {
	payload, err := sc.rdb.Get(ctx, snapshotKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis: snapshot %s: %w", symbol, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("redis: get snapshot %s: %w", symbol, err)
	}
	return payload, nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
