package domain

import (
	"encoding/json"
	"time"
)

// PriceLevel is a single price+quantity entry in an orderbook ladder.
// Quantity 0 means the level is absent.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// MarshalJSON renders the level as a compact [price, qty] pair, the shape
// every published ladder uses.
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Price, l.Quantity})
}

// UnmarshalJSON accepts the [price, qty] pair form.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	l.Price, l.Quantity = pair[0], pair[1]
	return nil
}

// OrderbookSnapshot is an immutable view of the book at one sequence number.
// Bids are sorted by price descending, asks ascending. A snapshot is only
// published when BestBid < BestAsk (or one side is empty).
type OrderbookSnapshot struct {
	Symbol     string
	Bids       []PriceLevel
	Asks       []PriceLevel
	BestBid    float64
	BestBidQty float64
	BestAsk    float64
	BestAskQty float64
	SequenceNo int64
	Timestamp  time.Time
}

// Empty reports whether both sides of the snapshot carry no levels.
func (s OrderbookSnapshot) Empty() bool {
	return len(s.Bids) == 0 && len(s.Asks) == 0
}

// Mid returns the simple mid price, or 0 when either side is empty.
func (s OrderbookSnapshot) Mid() float64 {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0
	}
	return (s.BestBid + s.BestAsk) / 2
}
