package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kychan/flowdesk/internal/domain"
)

const (
	defaultImbThreshold  = 0.65
	defaultImbMaxVPIN    = 0.8
	defaultImbCooldownMs = 5000
)

// ImbalanceReversion fades extreme depth skew: a book that is very heavy
// on the bid side tends to snap back once the pressure is absorbed, so it
// sells into the skew (and mirrors for ask-heavy books). Entries are
// suppressed while VPIN marks the flow as toxic, since informed flow is
// exactly when fading the book loses.
type ImbalanceReversion struct {
	cfg        Config
	threshold  float64
	maxVPIN    float64
	cooldown   time.Duration
	lastSignal time.Time
	logger     *slog.Logger
}

// NewImbalanceReversion creates an ImbalanceReversion strategy. Params:
//
//   - "threshold" (float64 in (0,1]): absolute top-of-book imbalance that
//     triggers a fade. Defaults to 0.65.
//   - "max_vpin" (float64): VPIN level above which entries are suppressed.
//     Defaults to 0.8.
//   - "cooldown_ms" (number): minimum event-time gap between signals.
//     Defaults to 5000.
func NewImbalanceReversion(cfg Config, logger *slog.Logger) *ImbalanceReversion {
	return &ImbalanceReversion{
		cfg:       cfg,
		threshold: cfg.floatParam("threshold", defaultImbThreshold),
		maxVPIN:   cfg.floatParam("max_vpin", defaultImbMaxVPIN),
		cooldown:  time.Duration(cfg.durationParamMs("cooldown_ms", defaultImbCooldownMs)) * time.Millisecond,
		logger:    logger.With(slog.String("strategy", "imbalance_reversion")),
	}
}

// Name returns the strategy identifier.
func (s *ImbalanceReversion) Name() string { return "imbalance_reversion" }

// Init performs one-time setup. For ImbalanceReversion this is a no-op.
func (s *ImbalanceReversion) Init(_ context.Context) error { return nil }

// OnMetrics fades extreme imbalance with a market order on the opposite
// side of the skew.
func (s *ImbalanceReversion) OnMetrics(_ context.Context, m domain.Metrics) ([]domain.TradeSignal, error) {
	if m.Imbalance < s.threshold && m.Imbalance > -s.threshold {
		return nil, nil
	}
	if m.VPIN > s.maxVPIN {
		return nil, nil
	}
	if !s.lastSignal.IsZero() && m.Timestamp.Sub(s.lastSignal) < s.cooldown {
		return nil, nil
	}

	// Bid-heavy book: fade it by selling. Ask-heavy: buy.
	side := domain.OrderSideSell
	if m.Imbalance < 0 {
		side = domain.OrderSideBuy
	}
	s.lastSignal = m.Timestamp

	sig := domain.TradeSignal{
		ID:        fmt.Sprintf("imb-%s-%d", side, m.Timestamp.UnixNano()),
		Source:    s.Name(),
		Symbol:    s.cfg.Symbol,
		Side:      side,
		Type:      domain.OrderTypeMarket,
		Quantity:  s.cfg.Size,
		Urgency:   domain.SignalUrgencyMedium,
		Reason:    fmt.Sprintf("imbalance %.2f beyond %.2f, vpin %.2f", m.Imbalance, s.threshold, m.VPIN),
		CreatedAt: m.Timestamp,
	}
	s.logger.Debug("signal",
		slog.String("side", string(side)),
		slog.Float64("imbalance", m.Imbalance),
		slog.Float64("vpin", m.VPIN))
	return []domain.TradeSignal{sig}, nil
}

// OnTrade is a no-op for this strategy.
func (s *ImbalanceReversion) OnTrade(_ context.Context, _ domain.Trade) ([]domain.TradeSignal, error) {
	return nil, nil
}

// Close releases resources. No-op.
func (s *ImbalanceReversion) Close() error { return nil }

var _ Strategy = (*ImbalanceReversion)(nil)
