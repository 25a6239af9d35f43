// Package exchange implements the simulated (paper) exchange: an account
// ledger and an order-management engine with latency-deferred matching,
// queue-position limit fills and average-cost PnL accounting. The same
// engine instance backs both live paper trading and historical replay.
package exchange

import (
	"container/heap"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kychan/flowdesk/internal/book"
	"github.com/kychan/flowdesk/internal/domain"
)

// MarkSource supplies the current mark price inputs. The metrics computer
// implements it; microprice is preferred, mid is the fallback.
type MarkSource interface {
	Last() domain.Metrics
}

// FillSink receives every execution as it happens (persistence,
// notification, equity tracking). Sinks are called synchronously from the
// engine's event step and must not call back into the Exchange.
type FillSink interface {
	OnFill(fill domain.Fill, acct domain.Account)
}

// timerEvent is one pending deferred match.
type timerEvent struct {
	at      time.Time
	seq     uint64 // insertion order, tiebreak for identical timestamps
	orderID string
}

type timerQueue []timerEvent

func (q timerQueue) Len() int { return len(q) }
func (q timerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}
func (q timerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *timerQueue) Push(x any)   { *q = append(*q, x.(timerEvent)) }
func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	*q = old[:n-1]
	return ev
}

// Exchange is the paper-trading engine for one instrument and one account.
// All mutating entry points (PlaceOrder, Advance, OnTrade, Cancel, Reset)
// serialize on an internal mutex; a fill is always observed fully applied
// or not at all.
type Exchange struct {
	mu sync.Mutex

	symbol string
	cfg    Config
	clock  Clock
	rng    *rand.Rand
	book   *book.Book
	marks  MarkSource // may be nil, book mid is the fallback
	sink   FillSink   // may be nil
	logger *slog.Logger

	account     domain.Account
	feesEnabled bool
	leverage    float64

	orders  map[string]*domain.SimOrder
	resting []string // open limit order IDs in placement order
	stops   []string // open stop order IDs in placement order

	timers   timerQueue
	timerSeq uint64
}

// New creates an Exchange trading symbol against bk. marks and sink may be
// nil. A nil clock means wall time.
func New(symbol string, bk *book.Book, marks MarkSource, sink FillSink, cfg Config, clock Clock, logger *slog.Logger) *Exchange {
	cfg = cfg.normalize()
	if clock == nil {
		clock = SystemClock{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}
	return &Exchange{
		symbol:      symbol,
		cfg:         cfg,
		clock:       clock,
		rng:         rand.New(rand.NewSource(seed)),
		book:        bk,
		marks:       marks,
		sink:        sink,
		logger:      logger.With(slog.String("component", "exchange"), slog.String("symbol", symbol)),
		account:     domain.Account{USDBalance: cfg.StartingCapital},
		feesEnabled: cfg.FeesEnabled,
		leverage:    cfg.Leverage,
		orders:      make(map[string]*domain.SimOrder),
	}
}

// PlaceOrder validates and accepts an order, scheduling its match for
// now + latency. It returns immediately with the order in order_sent
// status; matching happens against the book state current when the latency
// elapses, via Advance.
func (x *Exchange) PlaceOrder(side domain.OrderSide, typ domain.OrderType, qty, price float64) (domain.SimOrder, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if qty <= 0 {
		return domain.SimOrder{}, fmt.Errorf("exchange: quantity %v: %w", qty, domain.ErrRejectedOrder)
	}
	switch typ {
	case domain.OrderTypeMarket:
		price = 0
	case domain.OrderTypeLimit, domain.OrderTypeStop:
		if price <= 0 {
			return domain.SimOrder{}, fmt.Errorf("exchange: %s order requires a price: %w", typ, domain.ErrRejectedOrder)
		}
	default:
		return domain.SimOrder{}, fmt.Errorf("exchange: order type %q: %w", typ, domain.ErrRejectedOrder)
	}

	ref := price
	if typ == domain.OrderTypeMarket {
		ref = x.markLocked()
	}
	if ref > 0 {
		equity := x.account.Equity(x.markLocked())
		if qty*ref > equity*x.leverage {
			return domain.SimOrder{}, fmt.Errorf("exchange: notional %.2f exceeds margin %.2f: %w",
				qty*ref, equity*x.leverage, domain.ErrRejectedOrder)
		}
	}

	now := x.clock.Now()
	o := &domain.SimOrder{
		ID:           uuid.NewString(),
		Symbol:       x.symbol,
		Side:         side,
		Type:         typ,
		RequestedQty: qty,
		RemainingQty: qty,
		LimitPrice:   price,
		Status:       domain.OrderStatusSent,
		CreatedAt:    now,
		VisibleAt:    now.Add(x.drawLatencyLocked()),
	}
	x.orders[o.ID] = o
	x.timerSeq++
	heap.Push(&x.timers, timerEvent{at: o.VisibleAt, seq: x.timerSeq, orderID: o.ID})

	x.logger.Debug("order accepted",
		slog.String("order_id", o.ID),
		slog.String("side", string(side)),
		slog.String("type", string(typ)),
		slog.Float64("qty", qty),
		slog.Float64("price", price),
		slog.Time("visible_at", o.VisibleAt))
	return *o, nil
}

func (x *Exchange) drawLatencyLocked() time.Duration {
	span := x.cfg.MaxLatency - x.cfg.MinLatency
	if span <= 0 {
		return x.cfg.MinLatency
	}
	return x.cfg.MinLatency + time.Duration(x.rng.Int63n(int64(span)+1))
}

// Advance drains every deferred match whose visibility time has arrived.
// Status is re-checked at match time, so a cancel issued while the order
// was in flight always wins. Both the live loop and the replay loop call
// this after moving time forward.
func (x *Exchange) Advance(now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for len(x.timers) > 0 && !x.timers[0].at.After(now) {
		ev := heap.Pop(&x.timers).(timerEvent)
		o, ok := x.orders[ev.orderID]
		if !ok || o.Status != domain.OrderStatusSent {
			continue // cancelled or reset while in flight
		}
		x.activateLocked(o, ev.at)
	}
}

// NextTimer reports the earliest pending visibility time, if any. Replay
// uses it to interleave deferred matches with historical events.
func (x *Exchange) NextTimer() (time.Time, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.timers) == 0 {
		return time.Time{}, false
	}
	return x.timers[0].at, true
}

// Cancel moves one in-flight or resting order to its cancelled state.
// Unknown or already-terminal IDs fail with ErrUnknownOrder.
func (x *Exchange) Cancel(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	o, ok := x.orders[id]
	if !ok || o.Status.Terminal() {
		return fmt.Errorf("exchange: cancel %s: %w", id, domain.ErrUnknownOrder)
	}
	x.cancelLocked(o)
	return nil
}

// CancelAll cancels every order_sent and open order and returns how many it
// touched. Terminal orders are unaffected, so the call is idempotent.
func (x *Exchange) CancelAll() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := 0
	for _, o := range x.orders {
		if !o.Status.Terminal() {
			x.cancelLocked(o)
			n++
		}
	}
	return n
}

func (x *Exchange) cancelLocked(o *domain.SimOrder) {
	next := domain.OrderStatusCancelled
	if o.Status == domain.OrderStatusOpen && o.FilledQty() > 0 {
		next = domain.OrderStatusPartialCancel
	}
	x.transitionLocked(o, next)
}

// Reset restores the account to starting capital and discards every order,
// in-flight or resting. Fee and leverage settings survive.
func (x *Exchange) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.account = domain.Account{USDBalance: x.cfg.StartingCapital}
	x.orders = make(map[string]*domain.SimOrder)
	x.resting = nil
	x.stops = nil
	x.timers = nil
	x.logger.Info("account reset", slog.Float64("starting_capital", x.cfg.StartingCapital))
}

// SetFeesEnabled toggles fee charging for subsequent fills.
func (x *Exchange) SetFeesEnabled(enabled bool) {
	x.mu.Lock()
	x.feesEnabled = enabled
	x.mu.Unlock()
}

// FeesEnabled reports the current fee setting.
func (x *Exchange) FeesEnabled() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.feesEnabled
}

// SetLeverage updates the margin multiplier used by the pre-trade check.
func (x *Exchange) SetLeverage(l float64) error {
	if l <= 0 {
		return fmt.Errorf("exchange: leverage must be positive, got %v", l)
	}
	x.mu.Lock()
	x.leverage = l
	x.mu.Unlock()
	return nil
}

// Account returns a copy of the ledger.
func (x *Exchange) Account() domain.Account {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.account
}

// Equity values the account at the current mark price.
func (x *Exchange) Equity() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.account.Equity(x.markLocked())
}

// Order returns a copy of one order by ID.
func (x *Exchange) Order(id string) (domain.SimOrder, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.orders[id]
	if !ok {
		return domain.SimOrder{}, fmt.Errorf("exchange: order %s: %w", id, domain.ErrNotFound)
	}
	return *o, nil
}

// OpenOrders returns copies of every non-terminal order, oldest first.
func (x *Exchange) OpenOrders() []domain.SimOrder {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := make([]domain.SimOrder, 0, len(x.orders))
	for _, o := range x.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sortOrdersByCreation(out)
	return out
}

// Portfolio builds the externally published account view.
func (x *Exchange) Portfolio() domain.PortfolioSnapshot {
	x.mu.Lock()
	defer x.mu.Unlock()

	mark := x.markLocked()
	open := 0
	for _, o := range x.orders {
		if !o.Status.Terminal() {
			open++
		}
	}
	return domain.PortfolioSnapshot{
		USD:           x.account.USDBalance,
		Base:          x.account.BaseBalance,
		Equity:        x.account.Equity(mark),
		RealizedPnL:   x.account.RealizedPnL,
		UnrealizedPnL: x.account.UnrealizedPnL(mark),
		FeesEnabled:   x.feesEnabled,
		OpenOrders:    open,
	}
}

// MarkPrice returns the current mark: microprice when available, otherwise
// mid, otherwise 0 on an empty book.
func (x *Exchange) MarkPrice() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.markLocked()
}

func (x *Exchange) markLocked() float64 {
	if x.marks != nil {
		m := x.marks.Last()
		if m.Microprice > 0 {
			return m.Microprice
		}
		if m.Mid > 0 {
			return m.Mid
		}
	}
	bid, ask, err := x.book.TopOfBook()
	if err != nil {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// transitionLocked applies a status change, refusing illegal ones.
func (x *Exchange) transitionLocked(o *domain.SimOrder, next domain.OrderStatus) {
	if !o.Status.CanTransition(next) {
		x.logger.Error("illegal order transition",
			slog.String("order_id", o.ID),
			slog.String("from", string(o.Status)),
			slog.String("to", string(next)))
		return
	}
	o.Status = next
}

func sortOrdersByCreation(orders []domain.SimOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
