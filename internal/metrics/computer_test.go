package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kychan/flowdesk/internal/domain"
)

func snap(bid, bidQty, ask, askQty float64) domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		Symbol:     "BTCUSDT",
		Bids:       []domain.PriceLevel{{Price: bid, Quantity: bidQty}},
		Asks:       []domain.PriceLevel{{Price: ask, Quantity: askQty}},
		BestBid:    bid,
		BestBidQty: bidQty,
		BestAsk:    ask,
		BestAskQty: askQty,
		Timestamp:  time.Now(),
	}
}

func trade(side domain.OrderSide, price, qty float64) domain.Trade {
	return domain.Trade{
		Symbol:        "BTCUSDT",
		Price:         price,
		Quantity:      qty,
		AggressorSide: side,
		Timestamp:     time.Now(),
	}
}

func TestOFITickRule(t *testing.T) {
	cases := []struct {
		name string
		want float64
		a, b domain.OrderbookSnapshot
	}{
		{
			name: "bid improves, ask unchanged",
			a:    snap(100, 2, 101, 3),
			b:    snap(100.5, 4, 101, 3),
			// bid contribution = +4 (new qty), ask contribution = 3-3 = 0
			want: 4,
		},
		{
			name: "bid retreats",
			a:    snap(100, 2, 101, 3),
			b:    snap(99.5, 6, 101, 3),
			want: -2,
		},
		{
			name: "quantities change at same prices",
			a:    snap(100, 2, 101, 3),
			b:    snap(100, 5, 101, 1),
			// (5-2) - (1-3) = 5
			want: 5,
		},
		{
			name: "ask improves down (sell pressure)",
			a:    snap(100, 2, 101, 3),
			b:    snap(100, 2, 100.5, 7),
			want: -7,
		},
		{
			name: "ask retreats up",
			a:    snap(100, 2, 101, 3),
			b:    snap(100, 2, 101.5, 9),
			want: 3,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(Defaults())
			c.OnBook(tc.a)
			m := c.OnBook(tc.b)
			assert.InDelta(t, tc.want, m.OFI, 1e-12)
		})
	}
}

func TestOFIRollingWindowEvicts(t *testing.T) {
	c := New(Config{OFIWindow: 2})
	c.OnBook(snap(100, 1, 101, 1))
	c.OnBook(snap(100, 2, 101, 1))      // tick +1
	c.OnBook(snap(100, 4, 101, 1))      // tick +2
	m := c.OnBook(snap(100, 7, 101, 1)) // tick +3, evicts +1
	assert.InDelta(t, 5.0, m.OFI, 1e-12)
}

func TestMicroprice(t *testing.T) {
	c := New(Defaults())
	m := c.OnBook(snap(100, 1, 102, 3))
	// (100*3 + 102*1) / 4 = 100.5
	assert.InDelta(t, 100.5, m.Microprice, 1e-12)
	assert.InDelta(t, 101.0, m.Mid, 1e-12)
	assert.InDelta(t, 2.0, m.Spread, 1e-12)

	// Zero quantities at the top fall back to the simple mid.
	m = c.OnBook(snap(100, 0, 102, 0))
	assert.InDelta(t, 101.0, m.Microprice, 1e-12)
}

func TestImbalanceClampedAndEmpty(t *testing.T) {
	assert.Equal(t, 0.0, imbalance(nil, nil, 10))

	bids := []domain.PriceLevel{{Price: 100, Quantity: 6}}
	asks := []domain.PriceLevel{{Price: 101, Quantity: 2}}
	assert.InDelta(t, 0.5, imbalance(bids, asks, 10), 1e-12)

	// One-sided book pins to ±1.
	assert.InDelta(t, 1.0, imbalance(bids, nil, 10), 1e-12)
	assert.InDelta(t, -1.0, imbalance(nil, asks, 10), 1e-12)
}

func TestCVDAccumulatesAndResets(t *testing.T) {
	c := New(Defaults())
	c.OnTrade(trade(domain.OrderSideBuy, 100, 2))
	c.OnTrade(trade(domain.OrderSideSell, 100, 0.5))
	m := c.OnTrade(trade(domain.OrderSideBuy, 100, 1))
	assert.InDelta(t, 2.5, m.CVD, 1e-12)

	c.ResetSession()
	assert.InDelta(t, 0.0, c.Last().CVD, 1e-12)
	assert.InDelta(t, 0.0, c.Last().VPIN, 1e-12)
}

func TestVPINBucketCloseAndCarry(t *testing.T) {
	c := New(Config{VPINBucketSize: 10, VPINWindow: 10})

	// 6 buy then 7 sell: the second print closes the first bucket with
	// buy=6 sell=4 (imb 0.2) and seeds the next with sell=3.
	c.OnTrade(trade(domain.OrderSideBuy, 100, 6))
	m := c.OnTrade(trade(domain.OrderSideSell, 100, 7))
	assert.InDelta(t, 0.2, m.VPIN, 1e-12)

	closed, open := c.VolumeAccounting()
	assert.InDelta(t, 10.0, closed, 1e-12)
	assert.InDelta(t, 3.0, open, 1e-12)

	// Close the second bucket all-sell: imbalances are 0.2 and 1.0.
	m = c.OnTrade(trade(domain.OrderSideSell, 100, 7))
	assert.InDelta(t, 0.6, m.VPIN, 1e-12)
}

func TestVPINVolumeConservation(t *testing.T) {
	c := New(Config{VPINBucketSize: 7, VPINWindow: 5})

	var total float64
	prints := []struct {
		side domain.OrderSide
		qty  float64
	}{
		{domain.OrderSideBuy, 3.5}, {domain.OrderSideSell, 10},
		{domain.OrderSideBuy, 0.25}, {domain.OrderSideBuy, 21},
		{domain.OrderSideSell, 1.75}, {domain.OrderSideBuy, 6.5},
	}
	for _, p := range prints {
		c.OnTrade(trade(p.side, 100, p.qty))
		total += p.qty
	}

	closed, open := c.VolumeAccounting()
	require.InDelta(t, total, closed+open, 1e-9)
}

func TestVPINUpdatesOnlyAtBucketClose(t *testing.T) {
	c := New(Config{VPINBucketSize: 100, VPINWindow: 10})
	m := c.OnTrade(trade(domain.OrderSideBuy, 100, 30))
	assert.Equal(t, 0.0, m.VPIN)
	m = c.OnTrade(trade(domain.OrderSideSell, 100, 30))
	assert.Equal(t, 0.0, m.VPIN)
	m = c.OnTrade(trade(domain.OrderSideBuy, 100, 40))
	assert.InDelta(t, 0.4, m.VPIN, 1e-12)
}

func TestMetricsImmutablePerTick(t *testing.T) {
	c := New(Defaults())
	m1 := c.OnBook(snap(100, 1, 101, 1))
	m2 := c.OnBook(snap(100, 2, 101, 1))
	assert.NotEqual(t, m1.OFI, m2.OFI)
	// The earlier value is untouched by later updates.
	assert.Equal(t, 0.0, m1.OFI)
}
