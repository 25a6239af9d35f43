package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kychan/flowdesk/internal/book"
	"github.com/kychan/flowdesk/internal/domain"
	"github.com/kychan/flowdesk/internal/exchange"
	"github.com/kychan/flowdesk/internal/metrics"
	"github.com/kychan/flowdesk/internal/notify"
	"github.com/kychan/flowdesk/internal/strategy"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testStart() time.Time {
	return time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
}

type recordingSink struct {
	mu    sync.Mutex
	fills []domain.Fill
}

func (s *recordingSink) OnFill(fill domain.Fill, _ domain.Account) {
	s.mu.Lock()
	s.fills = append(s.fills, fill)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fills)
}

// tradeChaser emits a market buy on every tape print.
type tradeChaser struct {
	size float64
}

func (tradeChaser) Name() string               { return "trade_chaser" }
func (tradeChaser) Init(context.Context) error { return nil }
func (tradeChaser) Close() error               { return nil }
func (tradeChaser) OnMetrics(context.Context, domain.Metrics) ([]domain.TradeSignal, error) {
	return nil, nil
}
func (s tradeChaser) OnTrade(_ context.Context, tr domain.Trade) ([]domain.TradeSignal, error) {
	return []domain.TradeSignal{{
		Source:   "trade_chaser",
		Symbol:   tr.Symbol,
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: s.size,
	}}, nil
}

func newTestEngine(t *testing.T, strat strategy.Strategy, sink exchange.FillSink, notifier *notify.Notifier) (*Engine, *exchange.SimClock) {
	t.Helper()
	clock := exchange.NewSimClock(testStart())
	bk := book.New("BTCUSDT")
	comp := metrics.New(metrics.Defaults())
	ex := exchange.New("BTCUSDT", bk, comp, sink, exchange.Config{
		StartingCapital: 10_000,
		Leverage:        1,
		MinLatency:      10 * time.Millisecond,
		MaxLatency:      20 * time.Millisecond,
		Seed:            7,
	}, clock, testLogger)
	return NewEngine("BTCUSDT", 10, bk, comp, ex, strat, clock, notifier, testLogger), clock
}

func depthEvent(seq int64, ts time.Time) domain.MarketEvent {
	return domain.MarketEvent{
		Kind:       domain.EventKindDepth,
		Symbol:     "BTCUSDT",
		Timestamp:  ts,
		SequenceNo: seq,
		Bids:       []domain.PriceLevel{{Price: 100, Quantity: 5}, {Price: 99, Quantity: 8}},
		Asks:       []domain.PriceLevel{{Price: 101, Quantity: 4}, {Price: 102, Quantity: 6}},
	}
}

func TestEngineDepthUpdatesState(t *testing.T) {
	e, _ := newTestEngine(t, nil, &recordingSink{}, nil)

	e.HandleResync(100)
	e.HandleEvent(context.Background(), depthEvent(100, testStart()))

	st := e.State()
	require.NotEmpty(t, st.Bids)
	require.NotEmpty(t, st.Asks)
	assert.Equal(t, 100.0, st.Bids[0].Price)
	assert.Equal(t, 101.0, st.Asks[0].Price)
	assert.Equal(t, 100.5, st.Metrics.Mid)
	assert.Equal(t, 10_000.0, st.Portfolio.Equity)
}

func TestEngineIgnoresStaleDepth(t *testing.T) {
	e, _ := newTestEngine(t, nil, &recordingSink{}, nil)

	e.HandleResync(100)
	e.HandleEvent(context.Background(), depthEvent(100, testStart()))

	// Same sequence again with different prices must be a no-op.
	stale := depthEvent(100, testStart().Add(time.Second))
	stale.Bids = []domain.PriceLevel{{Price: 50, Quantity: 1}}
	e.HandleEvent(context.Background(), stale)

	st := e.State()
	assert.Equal(t, 100.0, st.Bids[0].Price)
}

func TestEngineTradeSignalFillsAfterLatency(t *testing.T) {
	sink := &recordingSink{}
	e, clock := newTestEngine(t, tradeChaser{size: 0.5}, sink, nil)

	e.HandleResync(100)
	e.HandleEvent(context.Background(), depthEvent(100, testStart()))

	e.HandleEvent(context.Background(), domain.MarketEvent{
		Kind:      domain.EventKindTrade,
		Symbol:    "BTCUSDT",
		Timestamp: testStart(),
		Trade: &domain.Trade{
			Symbol:        "BTCUSDT",
			Price:         100.5,
			Quantity:      1,
			AggressorSide: domain.OrderSideBuy,
			Timestamp:     testStart(),
		},
	})
	require.Zero(t, sink.count(), "order must not fill before its latency elapses")

	clock.Set(testStart().Add(time.Second))
	e.Tick()
	require.Equal(t, 1, sink.count())
	assert.Equal(t, 0.5, sink.fills[0].Quantity)
	assert.Equal(t, domain.OrderSideBuy, sink.fills[0].Side)

	st := e.State()
	assert.Equal(t, 0.5, st.Portfolio.Base)
}

func TestEngineResyncNotifiesOnlyAfterGap(t *testing.T) {
	sender := &recordingSender{}
	notifier := notify.NewNotifier([]notify.Sender{sender}, nil, testLogger)
	e, _ := newTestEngine(t, nil, &recordingSink{}, notifier)

	// First sync is startup, not a gap.
	e.HandleResync(100)
	assert.Zero(t, sender.count())

	e.HandleEvent(context.Background(), depthEvent(100, testStart()))
	e.HandleResync(250)
	assert.Equal(t, 1, sender.count())

	// The ladder accepts the new snapshot sequence after the rewind.
	e.HandleEvent(context.Background(), depthEvent(250, testStart().Add(time.Second)))
	st := e.State()
	assert.Equal(t, 100.0, st.Bids[0].Price)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	s.sent = append(s.sent, title)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type memFillStore struct {
	mu    sync.Mutex
	fills []domain.Fill
}

func (m *memFillStore) Insert(_ context.Context, fill domain.Fill) error {
	m.mu.Lock()
	m.fills = append(m.fills, fill)
	m.mu.Unlock()
	return nil
}

func (m *memFillStore) ListByOrder(context.Context, string) ([]domain.Fill, error) {
	return nil, nil
}

func (m *memFillStore) ListRecent(context.Context, domain.ListOpts) ([]domain.Fill, error) {
	return nil, nil
}

type memBus struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	if b.payloads == nil {
		b.payloads = make(map[string][][]byte)
	}
	b.payloads[channel] = append(b.payloads[channel], payload)
	b.mu.Unlock()
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *memBus) StreamAppend(context.Context, string, []byte) error       { return nil }
func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestFillSinkFansOut(t *testing.T) {
	store := &memFillStore{}
	bus := &memBus{}
	sink := newFillSink(store, bus, nil, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sink.Run(ctx)
		close(done)
	}()

	fill := domain.Fill{
		OrderID:   "o-1",
		Symbol:    "BTCUSDT",
		Side:      domain.OrderSideBuy,
		Price:     101,
		Quantity:  0.25,
		Maker:     true,
		Timestamp: testStart(),
	}
	sink.OnFill(fill, domain.Account{USDBalance: 9_974.75})

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.fills) == 1
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	assert.Equal(t, "o-1", store.fills[0].OrderID)
	store.mu.Unlock()

	bus.mu.Lock()
	require.Len(t, bus.payloads[domain.ChannelFill], 1)
	var got fillPayload
	require.NoError(t, json.Unmarshal(bus.payloads[domain.ChannelFill][0], &got))
	bus.mu.Unlock()
	assert.Equal(t, "o-1", got.OrderID)
	assert.Equal(t, "buy", got.Side)
	assert.True(t, got.Maker)

	cancel()
	<-done
}
