// Package strategy holds the signal-generation layer: small stateful
// objects that watch the derived order-flow metrics and the trade tape and
// emit TradeSignals. The same strategy code runs in live mode and inside a
// backtest replay.
package strategy

import (
	"context"

	"github.com/kychan/flowdesk/internal/domain"
)

// Strategy defines the contract for signal generators.
type Strategy interface {
	Name() string
	Init(ctx context.Context) error
	// OnMetrics is called after every metrics tick (book or trade driven).
	OnMetrics(ctx context.Context, m domain.Metrics) ([]domain.TradeSignal, error)
	// OnTrade is called for every tape print.
	OnTrade(ctx context.Context, trade domain.Trade) ([]domain.TradeSignal, error)
	Close() error
}

// Config holds per-strategy configuration.
type Config struct {
	Name   string
	Symbol string
	Size   float64 // order quantity per signal, base units
	Params map[string]any
}

func (c Config) floatParam(key string, def float64) float64 {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func (c Config) durationParamMs(key string, defMs int64) int64 {
	return int64(c.floatParam(key, float64(defMs)))
}
