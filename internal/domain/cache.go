package domain

import (
	"context"
	"time"
)

// SnapshotCache stores the latest published book+metrics snapshot so API
// reads never touch the hot event loop.
type SnapshotCache interface {
	SetLadder(ctx context.Context, symbol string, payload []byte) error
	GetLadder(ctx context.Context, symbol string) ([]byte, error)
}

// LockManager provides distributed locking. A backtest holds the account
// lock for its whole duration.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter enforces a per-key request budget over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// Pub/sub channel names used by the signal bus. The WebSocket hub
// subscribes to these and forwards payloads to connected clients.
const (
	ChannelBook     = "ch:book"
	ChannelMetrics  = "ch:metrics"
	ChannelOrder    = "ch:order"
	ChannelFill     = "ch:fill"
	ChannelBacktest = "ch:backtest"
)

// SignalBus provides pub/sub fan-out and durable streams. The WebSocket hub
// subscribes to its channels and forwards payloads to clients.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
