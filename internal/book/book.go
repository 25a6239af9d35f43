// Package book maintains the two-sided depth ladder for a single instrument
// from a sequence of level updates.
package book

import (
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/kychan/flowdesk/internal/domain"
)

// Book is the live orderbook state. Levels are keyed by price; bids iterate
// descending, asks ascending. All mutations go through ApplyUpdate, which
// enforces sequence monotonicity and never leaves the book crossed.
type Book struct {
	mu      sync.RWMutex
	symbol  string
	bids    *btree.Map[float64, float64]
	asks    *btree.Map[float64, float64]
	lastSeq int64
}

// New returns an empty Book for the given symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   btree.NewMap[float64, float64](32),
		asks:   btree.NewMap[float64, float64](32),
	}
}

// levelChange records one pre-image for rollback.
type levelChange struct {
	price   float64
	prevQty float64
	existed bool
}

func applySide(side *btree.Map[float64, float64], levels []domain.PriceLevel) []levelChange {
	undo := make([]levelChange, 0, len(levels))
	for _, lvl := range levels {
		prev, existed := side.Get(lvl.Price)
		undo = append(undo, levelChange{price: lvl.Price, prevQty: prev, existed: existed})
		if lvl.Quantity == 0 {
			side.Delete(lvl.Price)
		} else {
			side.Set(lvl.Price, lvl.Quantity)
		}
	}
	return undo
}

func revertSide(side *btree.Map[float64, float64], undo []levelChange) {
	for i := len(undo) - 1; i >= 0; i-- {
		ch := undo[i]
		if ch.existed {
			side.Set(ch.price, ch.prevQty)
		} else {
			side.Delete(ch.price)
		}
	}
}

// ApplyUpdate replaces the quantity at each named price (0 removes the
// level). It fails with domain.ErrStaleUpdate when seq is not strictly
// greater than the last applied sequence, leaving the book untouched. When
// an update would cross the book, the offending side's changes are rolled
// back and the rest of the update kept, so the published state always
// satisfies bestBid < bestAsk.
func (b *Book) ApplyUpdate(bids, asks []domain.PriceLevel, seq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq <= b.lastSeq {
		return fmt.Errorf("book: seq %d after %d: %w", seq, b.lastSeq, domain.ErrStaleUpdate)
	}

	prevBestBid, _, hadBid := b.bids.Max()
	prevBestAsk, _, hadAsk := b.asks.Min()

	undoBids := applySide(b.bids, bids)
	undoAsks := applySide(b.asks, asks)

	if b.crossedLocked() {
		bestBid, _, _ := b.bids.Max()
		bestAsk, _, _ := b.asks.Min()
		// The side whose change moved into the spread is the offender.
		if !hadBid || bestBid > prevBestBid {
			revertSide(b.bids, undoBids)
		}
		if b.crossedLocked() && (!hadAsk || bestAsk < prevBestAsk) {
			revertSide(b.asks, undoAsks)
		}
		if b.crossedLocked() {
			// Inherited cross we cannot attribute: drop the whole update.
			revertSide(b.bids, undoBids)
			revertSide(b.asks, undoAsks)
		}
	}

	b.lastSeq = seq
	return nil
}

func (b *Book) crossedLocked() bool {
	bestBid, _, okB := b.bids.Max()
	bestAsk, _, okA := b.asks.Min()
	return okB && okA && bestBid >= bestAsk
}

// LastSequence returns the sequence number of the last applied update.
func (b *Book) LastSequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq
}

// Reset clears both sides and rebases the sequence counter, used when the
// feed re-syncs from a fresh snapshot.
func (b *Book) Reset(seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = btree.NewMap[float64, float64](32)
	b.asks = btree.NewMap[float64, float64](32)
	b.lastSeq = seq
}

// TopOfBook returns the best bid and ask levels. It fails with
// domain.ErrEmptyBook when either side has no levels.
func (b *Book) TopOfBook() (bid, ask domain.PriceLevel, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bidPx, bidQty, okB := b.bids.Max()
	askPx, askQty, okA := b.asks.Min()
	if !okB || !okA {
		return domain.PriceLevel{}, domain.PriceLevel{}, fmt.Errorf("book: top of book: %w", domain.ErrEmptyBook)
	}
	return domain.PriceLevel{Price: bidPx, Quantity: bidQty},
		domain.PriceLevel{Price: askPx, Quantity: askQty}, nil
}

// Depth returns up to n levels per side: bids price-descending, asks
// price-ascending. Fewer levels are returned when the book is shallower.
func (b *Book) Depth(n int) (bids, asks []domain.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.depthLocked(n)
}

func (b *Book) depthLocked(n int) (bids, asks []domain.PriceLevel) {
	bids = make([]domain.PriceLevel, 0, n)
	b.bids.Reverse(func(price, qty float64) bool {
		bids = append(bids, domain.PriceLevel{Price: price, Quantity: qty})
		return len(bids) < n
	})
	asks = make([]domain.PriceLevel, 0, n)
	b.asks.Scan(func(price, qty float64) bool {
		asks = append(asks, domain.PriceLevel{Price: price, Quantity: qty})
		return len(asks) < n
	})
	return bids, asks
}

// SideDepth returns every level on one side, best price first: descending
// for bids, ascending for asks. Market orders walk this.
func (b *Book) SideDepth(side domain.OrderSide) []domain.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var levels []domain.PriceLevel
	if side == domain.OrderSideBuy {
		b.bids.Reverse(func(price, qty float64) bool {
			levels = append(levels, domain.PriceLevel{Price: price, Quantity: qty})
			return true
		})
	} else {
		b.asks.Scan(func(price, qty float64) bool {
			levels = append(levels, domain.PriceLevel{Price: price, Quantity: qty})
			return true
		})
	}
	return levels
}

// QtyAt returns the resting quantity at an exact price on the given side,
// or 0 when the level is absent. The paper exchange seeds limit-order queue
// positions from this.
func (b *Book) QtyAt(side domain.OrderSide, price float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var qty float64
	if side == domain.OrderSideBuy {
		qty, _ = b.bids.Get(price)
	} else {
		qty, _ = b.asks.Get(price)
	}
	return qty
}

// Snapshot builds an immutable snapshot with up to n levels per side.
func (b *Book) Snapshot(n int, ts time.Time) domain.OrderbookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids, asks := b.depthLocked(n)
	snap := domain.OrderbookSnapshot{
		Symbol:     b.symbol,
		Bids:       bids,
		Asks:       asks,
		SequenceNo: b.lastSeq,
		Timestamp:  ts,
	}
	if len(bids) > 0 {
		snap.BestBid = bids[0].Price
		snap.BestBidQty = bids[0].Quantity
	}
	if len(asks) > 0 {
		snap.BestAsk = asks[0].Price
		snap.BestAskQty = asks[0].Quantity
	}
	return snap
}
