package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kychan/flowdesk/internal/domain"
	"github.com/kychan/flowdesk/internal/notify"
)

const fillFlushTimeout = 5 * time.Second

// fillEvent pairs an execution with the account state right after it.
type fillEvent struct {
	fill domain.Fill
	acct domain.Account
}

// fillSink fans executions out to the fill store, the signal bus and the
// notifier. The exchange calls OnFill from inside its event step, so the
// sink only enqueues there and does the slow work on its own goroutine.
type fillSink struct {
	fills    domain.FillStore // optional
	bus      domain.SignalBus // optional
	notifier *notify.Notifier // optional
	logger   *slog.Logger

	ch chan fillEvent
}

func newFillSink(fills domain.FillStore, bus domain.SignalBus, notifier *notify.Notifier, logger *slog.Logger) *fillSink {
	return &fillSink{
		fills:    fills,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "fill_sink")),
		ch:       make(chan fillEvent, 256),
	}
}

// OnFill enqueues the execution. It never blocks the matching step; if the
// queue is full the fill is dropped from the sinks with a warning.
func (s *fillSink) OnFill(fill domain.Fill, acct domain.Account) {
	select {
	case s.ch <- fillEvent{fill: fill, acct: acct}:
	default:
		s.logger.Warn("fill sink queue full, dropping",
			slog.String("order_id", fill.OrderID))
	}
}

// Run drains the queue until ctx is cancelled.
func (s *fillSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.ch:
			s.flush(ev)
		}
	}
}

func (s *fillSink) flush(ev fillEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), fillFlushTimeout)
	defer cancel()

	if s.fills != nil {
		if err := s.fills.Insert(ctx, ev.fill); err != nil {
			s.logger.Error("persist fill",
				slog.String("order_id", ev.fill.OrderID),
				slog.String("error", err.Error()))
		}
	}

	if s.bus != nil {
		payload, err := json.Marshal(fillPayload{
			OrderID:   ev.fill.OrderID,
			Symbol:    ev.fill.Symbol,
			Side:      string(ev.fill.Side),
			Price:     ev.fill.Price,
			Quantity:  ev.fill.Quantity,
			Fee:       ev.fill.Fee,
			Maker:     ev.fill.Maker,
			Timestamp: ev.fill.Timestamp,
		})
		if err == nil {
			if err := s.bus.Publish(ctx, domain.ChannelFill, payload); err != nil {
				s.logger.Warn("publish fill", slog.String("error", err.Error()))
			}
		}
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyFill(ctx, ev.fill, ev.acct); err != nil {
			s.logger.Warn("notify fill", slog.String("error", err.Error()))
		}
	}
}

type fillPayload struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Fee       float64   `json:"fee"`
	Maker     bool      `json:"maker"`
	Timestamp time.Time `json:"timestamp"`
}
