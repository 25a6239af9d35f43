package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kychan/flowdesk/internal/book"
	"github.com/kychan/flowdesk/internal/domain"
	"github.com/kychan/flowdesk/internal/exchange"
	"github.com/kychan/flowdesk/internal/feed"
	"github.com/kychan/flowdesk/internal/metrics"
	"github.com/kychan/flowdesk/internal/notify"
	"github.com/kychan/flowdesk/internal/strategy"
)

// Engine drives the live trading pipeline: every feed event flows through
// the depth ladder, the metrics computer, the paper exchange, and the
// active strategy, under a single lock so readers always see a coherent
// state. The same components run inside a replay; the Engine is only the
// live-mode harness around them.
type Engine struct {
	symbol      string
	depthLevels int

	mu     sync.Mutex
	book   *book.Book
	comp   *metrics.Computer
	ex     *exchange.Exchange
	strat  strategy.Strategy // nil disables signal generation
	synced bool

	clock    exchange.Clock
	notifier *notify.Notifier // nil disables gap notifications
	logger   *slog.Logger
}

// NewEngine creates an Engine. strat and notifier may be nil.
func NewEngine(
	symbol string,
	depthLevels int,
	bk *book.Book,
	comp *metrics.Computer,
	ex *exchange.Exchange,
	strat strategy.Strategy,
	clock exchange.Clock,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Engine {
	if depthLevels <= 0 {
		depthLevels = 10
	}
	return &Engine{
		symbol:      symbol,
		depthLevels: depthLevels,
		book:        bk,
		comp:        comp,
		ex:          ex,
		strat:       strat,
		clock:       clock,
		notifier:    notifier,
		logger:      logger.With(slog.String("component", "engine")),
	}
}

// HandleEvent processes one market event. It is the feed's event handler.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.MarketEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Deferred matches due by now fire first, against the book state they
	// would have seen.
	e.ex.Advance(e.clock.Now())

	var m domain.Metrics
	switch ev.Kind {
	case domain.EventKindDepth:
		if err := e.book.ApplyUpdate(ev.Bids, ev.Asks, ev.SequenceNo); err != nil {
			if errors.Is(err, domain.ErrStaleUpdate) {
				return
			}
			e.logger.Warn("depth update rejected",
				slog.Int64("seq", ev.SequenceNo),
				slog.String("error", err.Error()))
			return
		}
		m = e.comp.OnBook(e.book.Snapshot(e.depthLevels, ev.Timestamp))
	case domain.EventKindTrade:
		if ev.Trade == nil {
			return
		}
		m = e.comp.OnTrade(*ev.Trade)
		e.ex.OnTrade(*ev.Trade)
		if e.strat != nil {
			sigs, err := e.strat.OnTrade(ctx, *ev.Trade)
			if err != nil {
				e.logger.Error("strategy on trade", slog.String("error", err.Error()))
				return
			}
			e.placeAll(sigs)
		}
	default:
		return
	}

	if e.strat != nil {
		sigs, err := e.strat.OnMetrics(ctx, m)
		if err != nil {
			e.logger.Error("strategy on metrics", slog.String("error", err.Error()))
			return
		}
		e.placeAll(sigs)
	}
}

// HandleResync realigns the ladder with a fresh REST snapshot. The feed
// emits the snapshot itself as a depth event carrying the snapshot sequence,
// so the ladder is rewound one below it to accept that event. A resync after
// the first successful sync means the stream gapped.
func (e *Engine) HandleResync(snapshotSeq int64) {
	e.mu.Lock()
	e.book.Reset(snapshotSeq - 1)
	gapped := e.synced
	e.synced = true
	e.mu.Unlock()

	if gapped {
		e.logger.Warn("feed gap, book resynced", slog.Int64("snapshot_seq", snapshotSeq))
		if e.notifier != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.notifier.NotifyFeedGap(ctx, e.symbol, snapshotSeq); err != nil {
				e.logger.Warn("feed gap notification failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick fires deferred matches that came due between events.
func (e *Engine) Tick() {
	e.mu.Lock()
	e.ex.Advance(e.clock.Now())
	e.mu.Unlock()
}

// RunTimers drives Tick on a short interval until ctx is cancelled, so
// latency-deferred orders execute even when the feed goes quiet.
func (e *Engine) RunTimers(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick()
		}
	}
}

// State assembles a coherent snapshot of the ladder, metrics and portfolio.
func (e *Engine) State() feed.StateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	bids, asks := e.book.Depth(e.depthLevels)
	return feed.StateSnapshot{
		Symbol:    e.symbol,
		Timestamp: e.clock.Now().UTC(),
		Bids:      bids,
		Asks:      asks,
		Metrics:   e.comp.Last(),
		Portfolio: e.ex.Portfolio(),
	}
}

func (e *Engine) placeAll(sigs []domain.TradeSignal) {
	for _, sig := range sigs {
		if _, err := e.ex.PlaceOrder(sig.Side, sig.Type, sig.Quantity, sig.Price); err != nil {
			e.logger.Debug("signal rejected",
				slog.String("source", sig.Source),
				slog.String("error", err.Error()))
		}
	}
}

var _ feed.StateSource = (*Engine)(nil)
