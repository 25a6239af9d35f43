package exchange

import (
	"log/slog"
	"math"
	"time"

	"github.com/kychan/flowdesk/internal/domain"
)

// activateLocked runs when an order's simulated latency elapses. The order
// is matched against whatever book state exists now, not at submission.
func (x *Exchange) activateLocked(o *domain.SimOrder, now time.Time) {
	switch o.Type {
	case domain.OrderTypeMarket:
		x.matchMarketLocked(o, now)
	case domain.OrderTypeLimit:
		// Queue position: everything already resting at this price is
		// ahead, including our own earlier orders.
		o.QueuePosAtEntry = x.book.QtyAt(o.Side, o.LimitPrice) + x.ownRestingAtLocked(o.Side, o.LimitPrice)
		x.transitionLocked(o, domain.OrderStatusOpen)
		x.resting = append(x.resting, o.ID)
		x.logger.Debug("limit order resting",
			slog.String("order_id", o.ID),
			slog.Float64("price", o.LimitPrice),
			slog.Float64("queue_pos", o.QueuePosAtEntry))
	case domain.OrderTypeStop:
		x.transitionLocked(o, domain.OrderStatusOpen)
		x.stops = append(x.stops, o.ID)
	}
}

func (x *Exchange) ownRestingAtLocked(side domain.OrderSide, price float64) float64 {
	var qty float64
	for _, id := range x.resting {
		o, ok := x.orders[id]
		if ok && o.Status == domain.OrderStatusOpen && o.Side == side && o.LimitPrice == price {
			qty += o.RemainingQty
		}
	}
	return qty
}

// matchMarketLocked walks the opposing depth from the best price outward,
// consuming level quantity. The fill prints once at the volume-weighted
// average of the consumed levels; walking thin depth is what represents
// slippage here. An empty opposing side fails the whole order, and any
// remainder beyond visible depth is cancelled rather than left resting.
func (x *Exchange) matchMarketLocked(o *domain.SimOrder, now time.Time) {
	levels := x.book.SideDepth(o.Side.Opposite())
	if len(levels) == 0 {
		// No opposing liquidity at all: the whole order fails, no
		// phantom partial fill.
		next := domain.OrderStatusRejected
		if o.Status == domain.OrderStatusOpen {
			next = domain.OrderStatusCancelled // triggered stop
		}
		x.transitionLocked(o, next)
		x.logger.Warn("market order against empty book",
			slog.String("order_id", o.ID),
			slog.String("side", string(o.Side)),
			slog.String("err", domain.ErrEmptyBook.Error()))
		return
	}
	if o.Status == domain.OrderStatusSent {
		x.transitionLocked(o, domain.OrderStatusOpen)
	}

	remaining := o.RemainingQty
	var filled, cost float64
	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, lvl.Quantity)
		filled += take
		cost += take * lvl.Price
		remaining -= take
	}

	vwap := cost / filled
	x.recordFillLocked(o, vwap, filled, false, now)
	if o.RemainingQty > 0 {
		x.logger.Debug("market order exhausted depth, cancelling remainder",
			slog.String("order_id", o.ID),
			slog.Float64("remaining", o.RemainingQty))
		x.transitionLocked(o, domain.OrderStatusPartialCancel)
	}
}

// OnTrade feeds one tape print to the matching engine: it may trigger
// resting stops and advances the queue position of resting limit orders at
// the print's price. The replay loop and the live loop both call this for
// every trade event.
func (x *Exchange) OnTrade(tr domain.Trade) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.triggerStopsLocked(tr)
	x.progressLimitsLocked(tr)
}

func (x *Exchange) triggerStopsLocked(tr domain.Trade) {
	if len(x.stops) == 0 {
		return
	}
	live := x.stops[:0]
	for _, id := range x.stops {
		o, ok := x.orders[id]
		if !ok || o.Status != domain.OrderStatusOpen {
			continue
		}
		triggered := (o.Side == domain.OrderSideBuy && tr.Price >= o.LimitPrice) ||
			(o.Side == domain.OrderSideSell && tr.Price <= o.LimitPrice)
		if !triggered {
			live = append(live, id)
			continue
		}
		x.logger.Debug("stop triggered",
			slog.String("order_id", o.ID),
			slog.Float64("stop_price", o.LimitPrice),
			slog.Float64("trade_price", tr.Price))
		x.matchMarketLocked(o, tr.Timestamp)
	}
	x.stops = live
}

// progressLimitsLocked advances resting limit orders in placement order.
// A print at exactly the limit price adds to the order's traded volume,
// and the order earns the excess of that volume over its entry queue
// position, each increment applied exactly once. A print strictly through
// the limit means the level was swept, so the remainder fills at the limit
// price.
func (x *Exchange) progressLimitsLocked(tr domain.Trade) {
	if len(x.resting) == 0 {
		return
	}
	live := x.resting[:0]
	for _, id := range x.resting {
		o, ok := x.orders[id]
		if !ok || o.Status != domain.OrderStatusOpen {
			continue
		}
		switch {
		case tr.Price == o.LimitPrice:
			o.TradedVolAtLevel += tr.Quantity
			earned := math.Min(math.Max(o.TradedVolAtLevel-o.QueuePosAtEntry, 0), o.RequestedQty)
			if due := earned - o.FilledQty(); due > 0 {
				x.recordFillLocked(o, o.LimitPrice, due, true, tr.Timestamp)
			}
		case o.Side == domain.OrderSideBuy && tr.Price < o.LimitPrice,
			o.Side == domain.OrderSideSell && tr.Price > o.LimitPrice:
			x.recordFillLocked(o, o.LimitPrice, o.RemainingQty, true, tr.Timestamp)
		}
		if o.Status == domain.OrderStatusOpen {
			live = append(live, id)
		}
	}
	x.resting = live
}

// recordFillLocked applies one execution: fee, ledger update, status
// transition when fully filled, and sink notification.
func (x *Exchange) recordFillLocked(o *domain.SimOrder, price, qty float64, maker bool, ts time.Time) {
	var fee float64
	if x.feesEnabled {
		rate := x.cfg.TakerFeeRate
		if maker {
			rate = x.cfg.MakerFeeRate
		}
		fee = price * qty * rate
	}

	o.RemainingQty -= qty
	x.applyToAccountLocked(o.Side, price, qty, fee)
	if o.RemainingQty <= 0 {
		o.RemainingQty = 0
		x.transitionLocked(o, domain.OrderStatusFilled)
	}

	fill := domain.Fill{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     price,
		Quantity:  qty,
		Fee:       fee,
		Maker:     maker,
		Timestamp: ts,
	}
	x.logger.Info("fill",
		slog.String("order_id", o.ID),
		slog.String("side", string(o.Side)),
		slog.Float64("price", price),
		slog.Float64("qty", qty),
		slog.Float64("fee", fee),
		slog.Bool("maker", maker))
	if x.sink != nil {
		x.sink.OnFill(fill, x.account)
	}
}

// applyToAccountLocked moves notional and position through the ledger with
// average-cost-basis accounting: the entry price is the volume-weighted
// average of the position-increasing fills, and PnL is realized only on
// the quantity that reduces the open position.
func (x *Exchange) applyToAccountLocked(side domain.OrderSide, price, qty, fee float64) {
	signed := qty
	if side == domain.OrderSideSell {
		signed = -qty
	}

	if side == domain.OrderSideBuy {
		x.account.USDBalance -= price * qty
	} else {
		x.account.USDBalance += price * qty
	}
	x.account.USDBalance -= fee
	x.account.FeesPaid += fee

	pos := x.account.BaseBalance
	switch {
	case pos == 0 || (pos > 0) == (signed > 0):
		// Increasing the position, or opening: blend the entry price.
		x.account.AvgEntryPrice = (x.account.AvgEntryPrice*math.Abs(pos) + price*qty) /
			(math.Abs(pos) + qty)
	default:
		closed := math.Min(qty, math.Abs(pos))
		dir := 1.0
		if pos < 0 {
			dir = -1
		}
		x.account.RealizedPnL += (price - x.account.AvgEntryPrice) * closed * dir
		switch {
		case qty > math.Abs(pos):
			// Flipped through flat: the overshoot opens at this price.
			x.account.AvgEntryPrice = price
		case qty == math.Abs(pos):
			x.account.AvgEntryPrice = 0
		}
	}
	x.account.BaseBalance = pos + signed
}
