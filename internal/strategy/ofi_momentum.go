package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kychan/flowdesk/internal/domain"
)

const (
	defaultOFIThreshold  = 15.0
	defaultOFICooldownMs = 2000
)

// OFIMomentum trades in the direction of sustained order-flow pressure:
// a strongly positive rolling OFI means aggressive bid-side flow, so it
// buys, and mirrors for the ask side. Signals are rate-limited by a
// cooldown measured in event time, which keeps replay behaviour identical
// to live behaviour.
type OFIMomentum struct {
	cfg        Config
	threshold  float64
	cooldown   time.Duration
	lastSignal time.Time
	logger     *slog.Logger
}

// NewOFIMomentum creates an OFIMomentum strategy. Params:
//
//   - "threshold" (float64): absolute rolling-OFI level that triggers a
//     signal. Defaults to 15.
//   - "cooldown_ms" (number): minimum event-time gap between signals.
//     Defaults to 2000.
func NewOFIMomentum(cfg Config, logger *slog.Logger) *OFIMomentum {
	return &OFIMomentum{
		cfg:       cfg,
		threshold: cfg.floatParam("threshold", defaultOFIThreshold),
		cooldown:  time.Duration(cfg.durationParamMs("cooldown_ms", defaultOFICooldownMs)) * time.Millisecond,
		logger:    logger.With(slog.String("strategy", "ofi_momentum")),
	}
}

// Name returns the strategy identifier.
func (s *OFIMomentum) Name() string { return "ofi_momentum" }

// Init performs one-time setup. For OFIMomentum this is a no-op.
func (s *OFIMomentum) Init(_ context.Context) error { return nil }

// OnMetrics emits a market order in the direction of the OFI when it
// breaches the threshold.
func (s *OFIMomentum) OnMetrics(_ context.Context, m domain.Metrics) ([]domain.TradeSignal, error) {
	if m.OFI < s.threshold && m.OFI > -s.threshold {
		return nil, nil
	}
	if !s.lastSignal.IsZero() && m.Timestamp.Sub(s.lastSignal) < s.cooldown {
		return nil, nil
	}

	side := domain.OrderSideBuy
	if m.OFI < 0 {
		side = domain.OrderSideSell
	}
	s.lastSignal = m.Timestamp

	sig := domain.TradeSignal{
		ID:        fmt.Sprintf("ofi-%s-%d", side, m.Timestamp.UnixNano()),
		Source:    s.Name(),
		Symbol:    s.cfg.Symbol,
		Side:      side,
		Type:      domain.OrderTypeMarket,
		Quantity:  s.cfg.Size,
		Urgency:   domain.SignalUrgencyHigh,
		Reason:    fmt.Sprintf("ofi %.2f crossed %.2f", m.OFI, s.threshold),
		CreatedAt: m.Timestamp,
	}
	s.logger.Debug("signal",
		slog.String("side", string(side)),
		slog.Float64("ofi", m.OFI))
	return []domain.TradeSignal{sig}, nil
}

// OnTrade is a no-op: the rolling OFI already absorbs tape pressure via
// the metrics computer.
func (s *OFIMomentum) OnTrade(_ context.Context, _ domain.Trade) ([]domain.TradeSignal, error) {
	return nil, nil
}

// Close releases resources. No-op.
func (s *OFIMomentum) Close() error { return nil }

var _ Strategy = (*OFIMomentum)(nil)
