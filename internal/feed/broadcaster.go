package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kychan/flowdesk/internal/domain"
)

// StateSnapshot is the JSON payload published to the book channel and the
// snapshot cache, and served to WebSocket clients.
type StateSnapshot struct {
	Symbol    string                   `json:"symbol"`
	Timestamp time.Time                `json:"timestamp"`
	Bids      []domain.PriceLevel      `json:"bids"`
	Asks      []domain.PriceLevel      `json:"asks"`
	Metrics   domain.Metrics           `json:"metrics"`
	Portfolio domain.PortfolioSnapshot `json:"portfolio"`
}

// StateSource assembles the current snapshot. Implementations must be safe
// for concurrent use.
type StateSource interface {
	State() StateSnapshot
}

// Broadcaster periodically publishes the current state to the signal bus and
// the snapshot cache so API and WebSocket consumers read a coherent view.
type Broadcaster struct {
	source   StateSource
	cache    domain.SnapshotCache
	bus      domain.SignalBus
	interval time.Duration
	logger   *slog.Logger
}

// NewBroadcaster creates a Broadcaster. cache and bus may each be nil when
// that sink is not configured. interval defaults to 100ms.
func NewBroadcaster(source StateSource, cache domain.SnapshotCache, bus domain.SignalBus, interval time.Duration, logger *slog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Broadcaster{
		source:   source,
		cache:    cache,
		bus:      bus,
		interval: interval,
		logger:   logger.With(slog.String("component", "broadcaster")),
	}
}

// Run publishes on a fixed interval until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info("broadcaster started", slog.Duration("interval", b.interval))
	defer b.logger.Info("broadcaster stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.publish(ctx)
		}
	}
}

func (b *Broadcaster) publish(ctx context.Context) {
	snap := b.source.State()
	payload, err := json.Marshal(snap)
	if err != nil {
		b.logger.Error("snapshot marshal failed", slog.String("error", err.Error()))
		return
	}
	if b.cache != nil {
		if err := b.cache.SetLadder(ctx, snap.Symbol, payload); err != nil {
			b.logger.Warn("snapshot cache write failed", slog.String("error", err.Error()))
		}
	}
	if b.bus != nil {
		if err := b.bus.Publish(ctx, domain.ChannelBook, payload); err != nil {
			b.logger.Warn("snapshot publish failed", slog.String("error", err.Error()))
		}
	}
}
