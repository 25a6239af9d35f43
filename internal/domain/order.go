package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType selects the matching behaviour of a simulated order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus tracks the simulated order lifecycle.
type OrderStatus string

const (
	// OrderStatusSent means the order is in flight: accepted but not yet
	// visible to the matching engine (simulated network latency).
	OrderStatusSent          OrderStatus = "order_sent"
	OrderStatusOpen          OrderStatus = "open"
	OrderStatusFilled        OrderStatus = "filled"
	OrderStatusPartialCancel OrderStatus = "partially_filled_cancelled"
	OrderStatusCancelled     OrderStatus = "cancelled"
	OrderStatusRejected      OrderStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusPartialCancel, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. The matching engine refuses illegal transitions instead of silently
// overwriting status.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case OrderStatusSent:
		switch next {
		case OrderStatusOpen, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
			return true
		}
	case OrderStatusOpen:
		switch next {
		case OrderStatusFilled, OrderStatusPartialCancel, OrderStatusCancelled:
			return true
		}
	}
	return false
}

// SimOrder is a simulated exchange order. Queue fields only apply to resting
// limit orders: QueuePosAtEntry is the volume that sat at the limit price
// when the order arrived, TradedVolAtLevel the tape volume printed at that
// price since. The order earns fills only for the excess of the latter over
// the former.
type SimOrder struct {
	ID               string
	Symbol           string
	Side             OrderSide
	Type             OrderType
	RequestedQty     float64
	RemainingQty     float64
	LimitPrice       float64 // limit or stop trigger price; 0 for market
	Status           OrderStatus
	QueuePosAtEntry  float64
	TradedVolAtLevel float64
	CreatedAt        time.Time
	VisibleAt        time.Time // CreatedAt + simulated latency
}

// FilledQty returns the executed quantity so far.
func (o SimOrder) FilledQty() float64 {
	return o.RequestedQty - o.RemainingQty
}

// Fill is one append-only execution record.
type Fill struct {
	OrderID   string
	Symbol    string
	Side      OrderSide
	Price     float64
	Quantity  float64
	Fee       float64 // quote currency, 0 when fees are disabled
	Maker     bool
	Timestamp time.Time
}
