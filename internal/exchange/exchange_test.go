package exchange

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kychan/flowdesk/internal/book"
	"github.com/kychan/flowdesk/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type captureSink struct {
	fills []domain.Fill
}

func (s *captureSink) OnFill(f domain.Fill, _ domain.Account) {
	s.fills = append(s.fills, f)
}

type fixture struct {
	ex    *Exchange
	book  *book.Book
	clock *SimClock
	sink  *captureSink
}

// newFixture builds an exchange with fixed 100ms latency, fees off and a
// book of bids [(99,5),(98,5)] and asks [(100,2),(101,3)].
func newFixture(t *testing.T) *fixture {
	t.Helper()

	bk := book.New("BTCUSDT")
	require.NoError(t, bk.ApplyUpdate(
		[]domain.PriceLevel{{Price: 99, Quantity: 5}, {Price: 98, Quantity: 5}},
		[]domain.PriceLevel{{Price: 100, Quantity: 2}, {Price: 101, Quantity: 3}},
		1,
	))

	clock := NewSimClock(t0)
	sink := &captureSink{}
	cfg := Config{
		StartingCapital: 100_000,
		FeesEnabled:     false,
		MinLatency:      100 * time.Millisecond,
		MaxLatency:      100 * time.Millisecond,
		Seed:            1,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		ex:    New("BTCUSDT", bk, nil, sink, cfg, clock, logger),
		book:  bk,
		clock: clock,
		sink:  sink,
	}
}

// step moves simulated time forward and drains due matches.
func (f *fixture) step(d time.Duration) {
	now := f.clock.Now().Add(d)
	f.clock.Set(now)
	f.ex.Advance(now)
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 0, 0)
	assert.ErrorIs(t, err, domain.ErrRejectedOrder)

	_, err = f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 1, 0)
	assert.ErrorIs(t, err, domain.ErrRejectedOrder)

	_, err = f.ex.PlaceOrder(domain.OrderSideSell, domain.OrderTypeStop, 1, 0)
	assert.ErrorIs(t, err, domain.ErrRejectedOrder)

	o, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 1, 99)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSent, o.Status)
	assert.Equal(t, t0.Add(100*time.Millisecond), o.VisibleAt)
}

func TestPlaceOrderMarginCheck(t *testing.T) {
	f := newFixture(t)

	// Equity is 100k at mark 99.5: a 2000-unit buy at 100 is 200k notional.
	_, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 2000, 100)
	assert.ErrorIs(t, err, domain.ErrRejectedOrder)

	// 2x leverage admits it.
	require.NoError(t, f.ex.SetLeverage(2))
	_, err = f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 2000, 100)
	assert.NoError(t, err)
}

func TestMarketBuyWalksDepthAtVWAP(t *testing.T) {
	f := newFixture(t)

	// Asks (100,2),(101,3): a buy of 3 takes 2@100 and 1@101.
	o, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 3, 0)
	require.NoError(t, err)

	f.step(100 * time.Millisecond)

	got, err := f.ex.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)

	require.Len(t, f.sink.fills, 1)
	fill := f.sink.fills[0]
	assert.InDelta(t, (100*2+101*1)/3.0, fill.Price, 1e-9)
	assert.Equal(t, 3.0, fill.Quantity)
	assert.False(t, fill.Maker)

	acct := f.ex.Account()
	assert.InDelta(t, 100_000-(100*2+101*1), acct.USDBalance, 1e-9)
	assert.Equal(t, 3.0, acct.BaseBalance)
	assert.InDelta(t, (100*2+101*1)/3.0, acct.AvgEntryPrice, 1e-9)
}

func TestMarketOrderEmptyBook(t *testing.T) {
	f := newFixture(t)

	// Strip the ask side entirely.
	require.NoError(t, f.book.ApplyUpdate(nil,
		[]domain.PriceLevel{{Price: 100, Quantity: 0}, {Price: 101, Quantity: 0}}, 2))

	o, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 1, 0)
	require.NoError(t, err)

	f.step(100 * time.Millisecond)

	got, err := f.ex.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, got.Status)
	assert.Empty(t, f.sink.fills)
	assert.Equal(t, 100_000.0, f.ex.Account().USDBalance)
}

func TestMarketOrderCancelsRemainderBeyondDepth(t *testing.T) {
	f := newFixture(t)

	// Visible asks total 5; ask for 8.
	o, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 8, 0)
	require.NoError(t, err)

	f.step(100 * time.Millisecond)

	got, err := f.ex.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartialCancel, got.Status)
	assert.Equal(t, 5.0, got.FilledQty())
	assert.Equal(t, 3.0, got.RemainingQty)

	require.Len(t, f.sink.fills, 1)
	assert.InDelta(t, (100*2+101*3)/5.0, f.sink.fills[0].Price, 1e-9)
}

func TestMatchUsesBookStateAtVisibility(t *testing.T) {
	f := newFixture(t)

	_, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 2, 0)
	require.NoError(t, err)

	// The book moves while the order is in flight.
	require.NoError(t, f.book.ApplyUpdate(nil,
		[]domain.PriceLevel{
			{Price: 100, Quantity: 0},
			{Price: 101, Quantity: 1},
			{Price: 102, Quantity: 4},
		}, 2))

	f.step(100 * time.Millisecond)

	require.Len(t, f.sink.fills, 1)
	assert.InDelta(t, 101.5, f.sink.fills[0].Price, 1e-9) // 1@101 + 1@102
}

func TestLimitOrderQueuePosition(t *testing.T) {
	f := newFixture(t)

	// Bid level 99 holds 5 ahead of us.
	o, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 2, 99)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	got, err := f.ex.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, got.Status)
	assert.Equal(t, 5.0, got.QueuePosAtEntry)

	// 4 trades through the level: still behind the queue.
	f.ex.OnTrade(domain.Trade{Symbol: "BTCUSDT", Price: 99, Quantity: 4, AggressorSide: domain.OrderSideSell, Timestamp: f.clock.Now()})
	assert.Empty(t, f.sink.fills)

	// 2 more: 6 total, 1 past our queue position, partial fill of 1.
	f.ex.OnTrade(domain.Trade{Symbol: "BTCUSDT", Price: 99, Quantity: 2, AggressorSide: domain.OrderSideSell, Timestamp: f.clock.Now()})
	require.Len(t, f.sink.fills, 1)
	assert.Equal(t, 1.0, f.sink.fills[0].Quantity)
	assert.Equal(t, 99.0, f.sink.fills[0].Price)
	assert.True(t, f.sink.fills[0].Maker)

	// 1 more fills the rest exactly once, no reprocessing of old volume.
	f.ex.OnTrade(domain.Trade{Symbol: "BTCUSDT", Price: 99, Quantity: 1, AggressorSide: domain.OrderSideSell, Timestamp: f.clock.Now()})
	require.Len(t, f.sink.fills, 2)
	assert.Equal(t, 1.0, f.sink.fills[1].Quantity)

	got, err = f.ex.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 0.0, got.RemainingQty)

	// Further prints at the level change nothing.
	f.ex.OnTrade(domain.Trade{Symbol: "BTCUSDT", Price: 99, Quantity: 10, AggressorSide: domain.OrderSideSell, Timestamp: f.clock.Now()})
	assert.Len(t, f.sink.fills, 2)
}

func TestLimitOrderPriceThroughFillsRemainder(t *testing.T) {
	f := newFixture(t)

	o, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 2, 99)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	// A print below the limit sweeps the level: full fill at our price.
	f.ex.OnTrade(domain.Trade{Symbol: "BTCUSDT", Price: 98.5, Quantity: 0.1, AggressorSide: domain.OrderSideSell, Timestamp: f.clock.Now()})

	got, err := f.ex.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	require.Len(t, f.sink.fills, 1)
	assert.Equal(t, 99.0, f.sink.fills[0].Price)
	assert.Equal(t, 2.0, f.sink.fills[0].Quantity)
}

func TestOwnOrdersQueueFIFO(t *testing.T) {
	f := newFixture(t)

	a, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 2, 99)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	b, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 2, 99)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	gotA, _ := f.ex.Order(a.ID)
	gotB, _ := f.ex.Order(b.ID)
	assert.Equal(t, 5.0, gotA.QueuePosAtEntry)
	// B queues behind the book level and behind A.
	assert.Equal(t, 7.0, gotB.QueuePosAtEntry)

	// 6 traded: A earns 1, B earns nothing.
	f.ex.OnTrade(domain.Trade{Symbol: "BTCUSDT", Price: 99, Quantity: 6, AggressorSide: domain.OrderSideSell, Timestamp: f.clock.Now()})
	require.Len(t, f.sink.fills, 1)
	assert.Equal(t, a.ID, f.sink.fills[0].OrderID)

	// 3 more (9 total): A fills its last 1, B earns 9-7=2 and fills.
	f.ex.OnTrade(domain.Trade{Symbol: "BTCUSDT", Price: 99, Quantity: 3, AggressorSide: domain.OrderSideSell, Timestamp: f.clock.Now()})
	gotA, _ = f.ex.Order(a.ID)
	gotB, _ = f.ex.Order(b.ID)
	assert.Equal(t, domain.OrderStatusFilled, gotA.Status)
	assert.Equal(t, domain.OrderStatusFilled, gotB.Status)
}

func TestStopOrderTriggersMarketWalk(t *testing.T) {
	f := newFixture(t)

	o, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeStop, 1, 100.5)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	// Print below the trigger: nothing happens.
	f.ex.OnTrade(domain.Trade{Symbol: "BTCUSDT", Price: 100, Quantity: 1, AggressorSide: domain.OrderSideBuy, Timestamp: f.clock.Now()})
	got, _ := f.ex.Order(o.ID)
	assert.Equal(t, domain.OrderStatusOpen, got.Status)

	// Print through the trigger: converts to a market walk, best ask 100.
	f.ex.OnTrade(domain.Trade{Symbol: "BTCUSDT", Price: 101, Quantity: 1, AggressorSide: domain.OrderSideBuy, Timestamp: f.clock.Now()})
	got, _ = f.ex.Order(o.ID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	require.Len(t, f.sink.fills, 1)
	assert.Equal(t, 100.0, f.sink.fills[0].Price)
	assert.False(t, f.sink.fills[0].Maker)
}

func TestCancelBeforeVisibilityAlwaysWins(t *testing.T) {
	f := newFixture(t)

	o, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 1, 0)
	require.NoError(t, err)

	// Cancel lands while the order is still in flight.
	require.NoError(t, f.ex.Cancel(o.ID))

	f.step(100 * time.Millisecond)
	f.step(time.Hour)

	got, err := f.ex.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.Empty(t, f.sink.fills)
}

func TestCancelUnknownOrTerminal(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.ex.Cancel("nope"), domain.ErrUnknownOrder)

	o, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 1, 0)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	// Filled: cancelling again is an error.
	assert.ErrorIs(t, f.ex.Cancel(o.ID), domain.ErrUnknownOrder)
}

func TestCancelPartiallyFilledLimit(t *testing.T) {
	f := newFixture(t)

	o, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 2, 99)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	f.ex.OnTrade(domain.Trade{Symbol: "BTCUSDT", Price: 99, Quantity: 6, AggressorSide: domain.OrderSideSell, Timestamp: f.clock.Now()})
	require.NoError(t, f.ex.Cancel(o.ID))

	got, _ := f.ex.Order(o.ID)
	assert.Equal(t, domain.OrderStatusPartialCancel, got.Status)
	assert.Equal(t, 1.0, got.FilledQty())
}

func TestCancelAllIdempotent(t *testing.T) {
	f := newFixture(t)

	_, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 1, 99)
	require.NoError(t, err)
	_, err = f.ex.PlaceOrder(domain.OrderSideSell, domain.OrderTypeLimit, 1, 101)
	require.NoError(t, err)

	assert.Equal(t, 2, f.ex.CancelAll())
	assert.Equal(t, 0, f.ex.CancelAll())
	assert.Empty(t, f.ex.OpenOrders())
}

func TestRoundTripRealizedPnL(t *testing.T) {
	f := newFixture(t)

	// Entry: market buy 2 at the 100 ask level.
	entry, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 2, 0)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	got, _ := f.ex.Order(entry.ID)
	require.Equal(t, domain.OrderStatusFilled, got.Status) // 2 @ 100

	// Book moves up; exit 2 into the 105 bid.
	require.NoError(t, f.book.ApplyUpdate(
		[]domain.PriceLevel{{Price: 105, Quantity: 10}},
		[]domain.PriceLevel{
			{Price: 100, Quantity: 0},
			{Price: 101, Quantity: 0},
			{Price: 106, Quantity: 10},
		}, 2))

	exit, err := f.ex.PlaceOrder(domain.OrderSideSell, domain.OrderTypeMarket, 2, 0)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	got, _ = f.ex.Order(exit.ID)
	require.Equal(t, domain.OrderStatusFilled, got.Status)

	acct := f.ex.Account()
	assert.InDelta(t, 2*(105-100), acct.RealizedPnL, 1e-9)
	assert.Equal(t, 0.0, acct.BaseBalance)
	assert.Equal(t, 0.0, acct.AvgEntryPrice)
	assert.InDelta(t, 100_000+2*(105-100), acct.USDBalance, 1e-9)
	assert.InDelta(t, 100_000+2*(105-100), f.ex.Equity(), 1e-9)
}

func TestAvgCostBlendsOnAdds(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(t0)

	// Two buys at different prices: entry is the volume-weighted blend.
	_, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 2, 0) // 2 @ 100
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	require.NoError(t, f.book.ApplyUpdate(nil,
		[]domain.PriceLevel{
			{Price: 100, Quantity: 0},
			{Price: 101, Quantity: 0},
			{Price: 110, Quantity: 10},
		}, 2))

	_, err = f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 2, 0) // 2 @ 110
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	acct := f.ex.Account()
	assert.Equal(t, 4.0, acct.BaseBalance)
	assert.InDelta(t, 105, acct.AvgEntryPrice, 1e-9)
	assert.Equal(t, 0.0, acct.RealizedPnL)
}

func TestShortPositionPnL(t *testing.T) {
	f := newFixture(t)

	// Sell 2 into the 99 bid, then buy back at 95.
	_, err := f.ex.PlaceOrder(domain.OrderSideSell, domain.OrderTypeMarket, 2, 0)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	acct := f.ex.Account()
	assert.Equal(t, -2.0, acct.BaseBalance)
	assert.InDelta(t, 99, acct.AvgEntryPrice, 1e-9)

	require.NoError(t, f.book.ApplyUpdate(
		[]domain.PriceLevel{{Price: 99, Quantity: 0}, {Price: 98, Quantity: 0}, {Price: 94, Quantity: 10}},
		[]domain.PriceLevel{{Price: 95, Quantity: 10}, {Price: 100, Quantity: 0}, {Price: 101, Quantity: 0}}, 2))

	_, err = f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 2, 0)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	acct = f.ex.Account()
	assert.Equal(t, 0.0, acct.BaseBalance)
	assert.InDelta(t, 2*(99-95), acct.RealizedPnL, 1e-9)
}

func TestFeesMakerTaker(t *testing.T) {
	f := newFixture(t)
	f.ex.SetFeesEnabled(true)

	// Taker: market buy 2 @ 100, fee 0.04% of 200.
	_, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 2, 0)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	require.Len(t, f.sink.fills, 1)
	assert.InDelta(t, 200*0.0004, f.sink.fills[0].Fee, 1e-9)

	// Maker: resting limit filled by the tape, fee 0.02%.
	o, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 1, 99)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)
	f.ex.OnTrade(domain.Trade{Symbol: "BTCUSDT", Price: 99, Quantity: 6, AggressorSide: domain.OrderSideSell, Timestamp: f.clock.Now()})

	got, _ := f.ex.Order(o.ID)
	require.Equal(t, domain.OrderStatusFilled, got.Status)
	require.Len(t, f.sink.fills, 2)
	assert.InDelta(t, 99*0.0002, f.sink.fills[1].Fee, 1e-9)

	acct := f.ex.Account()
	assert.InDelta(t, 200*0.0004+99*0.0002, acct.FeesPaid, 1e-9)
}

func TestFeesDisabledSkipsCharge(t *testing.T) {
	f := newFixture(t)
	f.ex.SetFeesEnabled(false)

	_, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 1, 0)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)

	require.Len(t, f.sink.fills, 1)
	assert.Equal(t, 0.0, f.sink.fills[0].Fee)
	assert.Equal(t, 0.0, f.ex.Account().FeesPaid)
}

func TestResetRestoresStartingState(t *testing.T) {
	f := newFixture(t)

	_, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeMarket, 2, 0)
	require.NoError(t, err)
	f.step(100 * time.Millisecond)
	_, err = f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 1, 99)
	require.NoError(t, err)

	f.ex.Reset()

	acct := f.ex.Account()
	assert.Equal(t, 100_000.0, acct.USDBalance)
	assert.Equal(t, 0.0, acct.BaseBalance)
	assert.Equal(t, 0.0, acct.RealizedPnL)
	assert.Empty(t, f.ex.OpenOrders())

	// The in-flight limit order's timer must never fire after reset.
	f.step(time.Hour)
	assert.Empty(t, f.ex.OpenOrders())
}

func TestPortfolioSnapshot(t *testing.T) {
	f := newFixture(t)

	_, err := f.ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 1, 99)
	require.NoError(t, err)

	p := f.ex.Portfolio()
	assert.Equal(t, 100_000.0, p.USD)
	assert.Equal(t, 1, p.OpenOrders)
	assert.False(t, p.FeesEnabled)
	assert.InDelta(t, 100_000, p.Equity, 1e-9)
}

func TestLatencyDrawWithinBounds(t *testing.T) {
	bk := book.New("BTCUSDT")
	require.NoError(t, bk.ApplyUpdate(
		[]domain.PriceLevel{{Price: 99, Quantity: 5}},
		[]domain.PriceLevel{{Price: 100, Quantity: 5}}, 1))

	clock := NewSimClock(t0)
	cfg := Config{
		StartingCapital: 100_000,
		MinLatency:      50 * time.Millisecond,
		MaxLatency:      200 * time.Millisecond,
		Seed:            42,
	}
	ex := New("BTCUSDT", bk, nil, nil, cfg, clock, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 100; i++ {
		o, err := ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 0.001, 99)
		require.NoError(t, err)
		lat := o.VisibleAt.Sub(o.CreatedAt)
		assert.GreaterOrEqual(t, lat, 50*time.Millisecond)
		assert.LessOrEqual(t, lat, 200*time.Millisecond)
	}
}

func TestDeterministicLatencyWithFixedSeed(t *testing.T) {
	draw := func() []time.Duration {
		bk := book.New("BTCUSDT")
		require.NoError(t, bk.ApplyUpdate(
			[]domain.PriceLevel{{Price: 99, Quantity: 5}},
			[]domain.PriceLevel{{Price: 100, Quantity: 5}}, 1))
		cfg := Config{StartingCapital: 100_000, MinLatency: 50 * time.Millisecond, MaxLatency: 200 * time.Millisecond, Seed: 7}
		ex := New("BTCUSDT", bk, nil, nil, cfg, NewSimClock(t0), slog.New(slog.NewTextHandler(io.Discard, nil)))

		var out []time.Duration
		for i := 0; i < 20; i++ {
			o, err := ex.PlaceOrder(domain.OrderSideBuy, domain.OrderTypeLimit, 0.001, 99)
			require.NoError(t, err)
			out = append(out, o.VisibleAt.Sub(o.CreatedAt))
		}
		return out
	}

	assert.Equal(t, draw(), draw())
}
