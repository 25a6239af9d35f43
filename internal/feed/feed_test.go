package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kychan/flowdesk/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBridgerDropsPreSnapshotDiffs(t *testing.T) {
	br := newBridger()
	br.prime(100)

	apply, err := br.admit(95, 98)
	require.NoError(t, err)
	assert.False(t, apply)

	apply, err = br.admit(99, 100)
	require.NoError(t, err)
	assert.False(t, apply)
}

func TestBridgerFirstDiffStraddlesSnapshot(t *testing.T) {
	br := newBridger()
	br.prime(100)

	// Spans 98..103, covering snapshot id + 1.
	apply, err := br.admit(98, 103)
	require.NoError(t, err)
	assert.True(t, apply)

	// Next must start exactly one past the previous final id.
	apply, err = br.admit(104, 110)
	require.NoError(t, err)
	assert.True(t, apply)
}

func TestBridgerGapAfterSnapshot(t *testing.T) {
	br := newBridger()
	br.prime(100)

	_, err := br.admit(105, 110)
	require.ErrorIs(t, err, domain.ErrSequenceGap)
}

func TestBridgerGapMidStream(t *testing.T) {
	br := newBridger()
	br.prime(100)

	apply, err := br.admit(101, 105)
	require.NoError(t, err)
	require.True(t, apply)

	_, err = br.admit(108, 112)
	require.ErrorIs(t, err, domain.ErrSequenceGap)
}

func TestBridgerResetForgetsState(t *testing.T) {
	br := newBridger()
	br.prime(100)
	_, err := br.admit(101, 105)
	require.NoError(t, err)

	br.reset()
	br.prime(200)

	apply, err := br.admit(201, 205)
	require.NoError(t, err)
	assert.True(t, apply)
}

func TestParseCombinedDepthUpdate(t *testing.T) {
	msg := []byte(`{"stream":"btcusdt@depth@100ms","data":{` +
		`"e":"depthUpdate","E":1748736000123,"s":"BTCUSDT","U":157,"u":160,` +
		`"b":[["60000.10","1.5"],["59999.00","0"]],` +
		`"a":[["60001.20","2.25"]]}}`)

	ev, ids, err := parseCombined(msg, "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, domain.EventKindDepth, ev.Kind)
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Equal(t, int64(160), ev.SequenceNo)
	assert.Equal(t, int64(157), ids.firstID)
	assert.Equal(t, int64(160), ids.finalID)
	require.Len(t, ev.Bids, 2)
	assert.Equal(t, 60000.10, ev.Bids[0].Price)
	assert.Equal(t, 1.5, ev.Bids[0].Quantity)
	assert.Equal(t, 0.0, ev.Bids[1].Quantity)
	require.Len(t, ev.Asks, 1)
	assert.Equal(t, time.UnixMilli(1748736000123).UTC(), ev.Timestamp)
	assert.Nil(t, ev.Trade)
}

func TestParseCombinedTradeAggressor(t *testing.T) {
	// m=true: buyer was the maker, so the aggressor sold.
	sellerHit := []byte(`{"stream":"btcusdt@trade","data":{` +
		`"e":"trade","E":1748736000501,"s":"BTCUSDT","p":"60000.50","q":"0.02","T":1748736000500,"m":true}}`)
	ev, _, err := parseCombined(sellerHit, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, domain.EventKindTrade, ev.Kind)
	require.NotNil(t, ev.Trade)
	assert.Equal(t, domain.OrderSideSell, ev.Trade.AggressorSide)
	assert.Equal(t, 60000.50, ev.Trade.Price)
	assert.Equal(t, 0.02, ev.Trade.Quantity)

	buyerLift := []byte(`{"stream":"btcusdt@trade","data":{` +
		`"e":"trade","s":"BTCUSDT","p":"60001.00","q":"0.10","T":1748736000600,"m":false}}`)
	ev, _, err = parseCombined(buyerLift, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSideBuy, ev.Trade.AggressorSide)
}

func TestParseCombinedRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"stream":"x","data":{"e":"kline"}}`),
		[]byte(`{"stream":"x","data":{"e":"trade","p":"abc","q":"1","T":1}}`),
		[]byte(`{"stream":"x","data":{"e":"depthUpdate","U":1,"u":2,"b":[["60000"]],"a":[]}}`),
	}
	for _, msg := range cases {
		_, _, err := parseCombined(msg, "BTCUSDT")
		assert.Error(t, err, string(msg))
	}
}

func TestSnapshotEvent(t *testing.T) {
	snap := restDepth{
		LastUpdateID: 1027024,
		Bids:         [][]string{{"60000.00", "3.0"}, {"59999.50", "1.0"}},
		Asks:         [][]string{{"60000.50", "2.0"}},
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev, err := snapshotEvent(snap, "BTCUSDT", ts)
	require.NoError(t, err)
	assert.Equal(t, domain.EventKindDepth, ev.Kind)
	assert.Equal(t, int64(1027024), ev.SequenceNo)
	assert.Equal(t, ts, ev.Timestamp)
	require.Len(t, ev.Bids, 2)
	require.Len(t, ev.Asks, 1)
}

type memEventStore struct {
	events []domain.MarketEvent
	err    error
}

func (s *memEventStore) Append(_ context.Context, ev domain.MarketEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memEventStore) Iterate(context.Context, string, time.Time, time.Time) (domain.EventIterator, error) {
	return nil, errors.New("not implemented")
}

func (s *memEventStore) Count(context.Context, string) (int64, error) {
	return int64(len(s.events)), nil
}

func TestRecorderWrapTees(t *testing.T) {
	store := &memEventStore{}
	rec := NewRecorder(store, discardLogger())

	var forwarded []domain.MarketEvent
	h := rec.Wrap(func(_ context.Context, ev domain.MarketEvent) {
		forwarded = append(forwarded, ev)
	})

	ev := domain.MarketEvent{Kind: domain.EventKindDepth, Symbol: "BTCUSDT", SequenceNo: 7}
	h(context.Background(), ev)

	require.Len(t, store.events, 1)
	require.Len(t, forwarded, 1)
	assert.Equal(t, int64(7), forwarded[0].SequenceNo)
}

func TestRecorderAppendFailureDoesNotBlockNext(t *testing.T) {
	store := &memEventStore{err: errors.New("disk full")}
	rec := NewRecorder(store, discardLogger())

	called := false
	h := rec.Wrap(func(context.Context, domain.MarketEvent) { called = true })
	h(context.Background(), domain.MarketEvent{Kind: domain.EventKindTrade, Trade: &domain.Trade{Price: 1, Quantity: 1}})

	assert.True(t, called)
}

type staticSource struct{ snap StateSnapshot }

func (s staticSource) State() StateSnapshot { return s.snap }

type memBus struct {
	published map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

func (b *memBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memSnapshotCache struct {
	payloads map[string][]byte
}

func (c *memSnapshotCache) SetLadder(_ context.Context, symbol string, payload []byte) error {
	if c.payloads == nil {
		c.payloads = make(map[string][]byte)
	}
	c.payloads[symbol] = payload
	return nil
}

func (c *memSnapshotCache) GetLadder(_ context.Context, symbol string) ([]byte, error) {
	p, ok := c.payloads[symbol]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func TestBroadcasterPublishesSnapshot(t *testing.T) {
	src := staticSource{snap: StateSnapshot{
		Symbol:    "BTCUSDT",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Bids:      []domain.PriceLevel{{Price: 60000, Quantity: 1}},
		Asks:      []domain.PriceLevel{{Price: 60001, Quantity: 2}},
		Metrics:   domain.Metrics{Mid: 60000.5, Microprice: 60000.67, CVD: 1.5},
	}}
	cache := &memSnapshotCache{}
	bus := &memBus{}
	b := NewBroadcaster(src, cache, bus, 10*time.Millisecond, discardLogger())

	b.publish(context.Background())

	require.Len(t, bus.published[domain.ChannelBook], 1)
	payload := bus.published[domain.ChannelBook][0]

	// The published shape is load-bearing: ladders are [price, qty] pairs
	// and metrics use the short field names the dashboard reads.
	assert.Contains(t, string(payload), `"bids":[[60000,1]]`)
	assert.Contains(t, string(payload), `"asks":[[60001,2]]`)
	assert.Contains(t, string(payload), `"mid":60000.5`)
	assert.Contains(t, string(payload), `"micro":60000.67`)
	assert.Contains(t, string(payload), `"cvd":1.5`)

	var got StateSnapshot
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "BTCUSDT", got.Symbol)
	require.Len(t, got.Bids, 1)
	assert.Equal(t, 60000.0, got.Bids[0].Price)

	cached, err := cache.GetLadder(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, bus.published[domain.ChannelBook][0], cached)
}

func TestBroadcasterNilSinks(t *testing.T) {
	b := NewBroadcaster(staticSource{}, nil, nil, 0, discardLogger())
	assert.NotPanics(t, func() { b.publish(context.Background()) })
	assert.Equal(t, 100*time.Millisecond, b.interval)
}
