package strategy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kychan/flowdesk/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func metricsAt(t time.Time) domain.Metrics {
	return domain.Metrics{Mid: 100, Microprice: 100, Timestamp: t}
}

func TestOFIMomentumThresholdCrossing(t *testing.T) {
	s := NewOFIMomentum(Config{Symbol: "BTCUSDT", Size: 0.01}, testLogger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m := metricsAt(now)
	m.OFI = 5
	sigs, err := s.OnMetrics(context.Background(), m)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	m.OFI = 20
	sigs, err = s.OnMetrics(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, domain.OrderSideBuy, sigs[0].Side)
	assert.Equal(t, domain.OrderTypeMarket, sigs[0].Type)
	assert.Equal(t, 0.01, sigs[0].Quantity)
	assert.Equal(t, "ofi_momentum", sigs[0].Source)

	// Negative pressure sells.
	m = metricsAt(now.Add(time.Minute))
	m.OFI = -20
	sigs, err = s.OnMetrics(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, domain.OrderSideSell, sigs[0].Side)
}

func TestOFIMomentumCooldownUsesEventTime(t *testing.T) {
	s := NewOFIMomentum(Config{Symbol: "BTCUSDT", Size: 0.01, Params: map[string]any{"cooldown_ms": 1000}}, testLogger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m := metricsAt(now)
	m.OFI = 20
	sigs, _ := s.OnMetrics(context.Background(), m)
	require.Len(t, sigs, 1)

	// 500ms of event time later: suppressed.
	m = metricsAt(now.Add(500 * time.Millisecond))
	m.OFI = 20
	sigs, _ = s.OnMetrics(context.Background(), m)
	assert.Empty(t, sigs)

	// Past the cooldown: fires again.
	m = metricsAt(now.Add(1100 * time.Millisecond))
	m.OFI = 20
	sigs, _ = s.OnMetrics(context.Background(), m)
	assert.Len(t, sigs, 1)
}

func TestImbalanceReversionFadesSkew(t *testing.T) {
	s := NewImbalanceReversion(Config{Symbol: "BTCUSDT", Size: 0.01}, testLogger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Bid-heavy book is sold into.
	m := metricsAt(now)
	m.Imbalance = 0.8
	sigs, err := s.OnMetrics(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, domain.OrderSideSell, sigs[0].Side)

	// Ask-heavy book is bought.
	m = metricsAt(now.Add(time.Minute))
	m.Imbalance = -0.8
	sigs, err = s.OnMetrics(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, domain.OrderSideBuy, sigs[0].Side)
}

func TestImbalanceReversionSuppressedByVPIN(t *testing.T) {
	s := NewImbalanceReversion(Config{Symbol: "BTCUSDT", Size: 0.01}, testLogger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m := metricsAt(now)
	m.Imbalance = 0.9
	m.VPIN = 0.95
	sigs, err := s.OnMetrics(context.Background(), m)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestRegistry(t *testing.T) {
	r := Builtin()

	assert.Equal(t, []string{"imbalance_reversion", "ofi_momentum"}, r.List())

	s, err := r.New("ofi_momentum", Config{Symbol: "BTCUSDT"}, testLogger)
	require.NoError(t, err)
	assert.Equal(t, "ofi_momentum", s.Name())

	// Each call builds an independent instance.
	s2, err := r.New("ofi_momentum", Config{Symbol: "BTCUSDT"}, testLogger)
	require.NoError(t, err)
	assert.NotSame(t, s, s2)

	_, err = r.New("nope", Config{}, testLogger)
	assert.Error(t, err)
}
