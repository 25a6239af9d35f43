package feed

import (
	"context"
	"log/slog"

	"github.com/kychan/flowdesk/internal/domain"
)

// Recorder tees market events into the historical event log. Append failures
// are logged and never interrupt the live path.
type Recorder struct {
	store  domain.EventStore
	logger *slog.Logger
}

// NewRecorder creates a Recorder writing to the given event store.
func NewRecorder(store domain.EventStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With(slog.String("component", "recorder")),
	}
}

// Handle appends one event to the log.
func (r *Recorder) Handle(ctx context.Context, ev domain.MarketEvent) {
	if err := r.store.Append(ctx, ev); err != nil {
		r.logger.Warn("event append failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
	}
}

// Wrap returns a handler that records the event and then passes it to next.
func (r *Recorder) Wrap(next Handler) Handler {
	return func(ctx context.Context, ev domain.MarketEvent) {
		r.Handle(ctx, ev)
		if next != nil {
			next(ctx, ev)
		}
	}
}
