package domain

import "time"

// SignalUrgency indicates how quickly a signal should be acted upon.
type SignalUrgency int

const (
	SignalUrgencyLow SignalUrgency = iota
	SignalUrgencyMedium
	SignalUrgencyHigh
)

// TradeSignal is emitted by a strategy to request a simulated order.
type TradeSignal struct {
	ID        string // unique per emission, used for dedup
	Source    string // strategy name
	Symbol    string
	Side      OrderSide
	Type      OrderType
	Quantity  float64
	Price     float64 // required for limit/stop
	Urgency   SignalUrgency
	Reason    string
	CreatedAt time.Time
}
