package domain

import "time"

// Trade is a single print from the trade tape. AggressorSide is the side that
// crossed the spread: a buy aggressor lifted the ask, a sell aggressor hit
// the bid.
type Trade struct {
	Symbol        string
	Price         float64
	Quantity      float64
	AggressorSide OrderSide
	Timestamp     time.Time
}

// EventKind tags a record in the historical event log.
type EventKind string

const (
	EventKindDepth EventKind = "depth"
	EventKindTrade EventKind = "trade"
)

// MarketEvent is one time-ordered record of the historical event log consumed
// by the replay engine and produced by the live recorder. Exactly one of the
// depth fields (Bids/Asks/SequenceNo) or Trade is meaningful, per Kind.
type MarketEvent struct {
	Kind       EventKind
	Symbol     string
	Timestamp  time.Time
	SequenceNo int64
	Bids       []PriceLevel
	Asks       []PriceLevel
	Trade      *Trade
}
