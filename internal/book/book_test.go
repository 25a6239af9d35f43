package book

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kychan/flowdesk/internal/domain"
)

func lvl(price, qty float64) domain.PriceLevel {
	return domain.PriceLevel{Price: price, Quantity: qty}
}

func seedBook(t *testing.T) *Book {
	t.Helper()
	b := New("BTCUSDT")
	err := b.ApplyUpdate(
		[]domain.PriceLevel{lvl(100, 2), lvl(99, 5), lvl(98, 1)},
		[]domain.PriceLevel{lvl(101, 3), lvl(102, 4), lvl(103, 2)},
		1,
	)
	require.NoError(t, err)
	return b
}

func TestApplyUpdateReplaceAndRemove(t *testing.T) {
	b := seedBook(t)

	require.NoError(t, b.ApplyUpdate(
		[]domain.PriceLevel{lvl(100, 7), lvl(98, 0)},
		[]domain.PriceLevel{lvl(101, 0)},
		2,
	))

	bids, asks := b.Depth(10)
	assert.Equal(t, []domain.PriceLevel{lvl(100, 7), lvl(99, 5)}, bids)
	assert.Equal(t, []domain.PriceLevel{lvl(102, 4), lvl(103, 2)}, asks)
}

func TestApplyUpdateStaleSequence(t *testing.T) {
	b := seedBook(t)

	err := b.ApplyUpdate([]domain.PriceLevel{lvl(100, 9)}, nil, 1)
	require.ErrorIs(t, err, domain.ErrStaleUpdate)

	// Previous snapshot stays authoritative.
	bid, _, err := b.TopOfBook()
	require.NoError(t, err)
	assert.Equal(t, lvl(100, 2), bid)

	err = b.ApplyUpdate([]domain.PriceLevel{lvl(100, 9)}, nil, 0)
	assert.ErrorIs(t, err, domain.ErrStaleUpdate)
}

func TestApplyUpdateRejectsCrossingBid(t *testing.T) {
	b := seedBook(t)

	// A bid at 101.5 would cross the 101 ask: the bid change is dropped,
	// the ask change kept.
	require.NoError(t, b.ApplyUpdate(
		[]domain.PriceLevel{lvl(101.5, 1)},
		[]domain.PriceLevel{lvl(102, 6)},
		2,
	))

	bid, ask, err := b.TopOfBook()
	require.NoError(t, err)
	assert.Equal(t, 100.0, bid.Price)
	assert.Equal(t, 101.0, ask.Price)

	_, asks := b.Depth(10)
	assert.Equal(t, lvl(102, 6), asks[1])
}

func TestApplyUpdateRejectsCrossingAsk(t *testing.T) {
	b := seedBook(t)

	require.NoError(t, b.ApplyUpdate(nil, []domain.PriceLevel{lvl(99.5, 2)}, 2))

	bid, ask, err := b.TopOfBook()
	require.NoError(t, err)
	assert.True(t, bid.Price < ask.Price)
	assert.Equal(t, 101.0, ask.Price)
}

func TestBestBidBelowBestAskInvariant(t *testing.T) {
	b := New("BTCUSDT")
	updates := []struct {
		bids []domain.PriceLevel
		asks []domain.PriceLevel
	}{
		{[]domain.PriceLevel{lvl(100, 1)}, []domain.PriceLevel{lvl(101, 1)}},
		{[]domain.PriceLevel{lvl(100.5, 2)}, nil},
		{nil, []domain.PriceLevel{lvl(100.4, 3)}}, // would cross
		{[]domain.PriceLevel{lvl(101.2, 2)}, nil}, // would cross
		{[]domain.PriceLevel{lvl(100, 0)}, []domain.PriceLevel{lvl(101, 0), lvl(102, 5)}},
	}
	for i, u := range updates {
		require.NoError(t, b.ApplyUpdate(u.bids, u.asks, int64(i+1)))
		bid, ask, err := b.TopOfBook()
		if err == nil {
			assert.Less(t, bid.Price, ask.Price, "update %d crossed the book", i)
		}
	}
}

func TestTopOfBookEmpty(t *testing.T) {
	b := New("BTCUSDT")
	_, _, err := b.TopOfBook()
	assert.ErrorIs(t, err, domain.ErrEmptyBook)

	require.NoError(t, b.ApplyUpdate([]domain.PriceLevel{lvl(100, 1)}, nil, 1))
	_, _, err = b.TopOfBook()
	assert.ErrorIs(t, err, domain.ErrEmptyBook)
}

func TestDepthShallowerThanRequested(t *testing.T) {
	b := seedBook(t)
	bids, asks := b.Depth(2)
	assert.Len(t, bids, 2)
	assert.Len(t, asks, 2)
	assert.Equal(t, lvl(100, 2), bids[0])
	assert.Equal(t, lvl(101, 3), asks[0])

	bids, asks = b.Depth(50)
	assert.Len(t, bids, 3)
	assert.Len(t, asks, 3)
}

func TestQtyAt(t *testing.T) {
	b := seedBook(t)
	assert.Equal(t, 5.0, b.QtyAt(domain.OrderSideBuy, 99))
	assert.Equal(t, 4.0, b.QtyAt(domain.OrderSideSell, 102))
	assert.Equal(t, 0.0, b.QtyAt(domain.OrderSideBuy, 97.5))
}

func TestSnapshot(t *testing.T) {
	b := seedBook(t)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := b.Snapshot(2, ts)

	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, int64(1), snap.SequenceNo)
	assert.Equal(t, 100.0, snap.BestBid)
	assert.Equal(t, 2.0, snap.BestBidQty)
	assert.Equal(t, 101.0, snap.BestAsk)
	assert.Equal(t, 3.0, snap.BestAskQty)
	assert.Equal(t, ts, snap.Timestamp)
	assert.Equal(t, 100.5, snap.Mid())
}
