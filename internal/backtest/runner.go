// Package backtest replays a stored historical event log through the same
// book, metrics and paper-exchange code that live mode runs, on a simulated
// clock, and reports the resulting performance.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kychan/flowdesk/internal/book"
	"github.com/kychan/flowdesk/internal/domain"
	"github.com/kychan/flowdesk/internal/exchange"
	"github.com/kychan/flowdesk/internal/metrics"
	"github.com/kychan/flowdesk/internal/strategy"
)

const accountLockTTL = 10 * time.Minute

// Config parameterizes one replay run.
type Config struct {
	Symbol   string
	Strategy string
	Since    time.Time // zero means the whole log
	Until    time.Time

	Seed            int64 // latency RNG seed, fixed so reruns are identical
	StartingCapital float64
	FeesEnabled     bool
	Leverage        float64
	MinLatency      time.Duration
	MaxLatency      time.Duration

	// Annualization is the factor under the square root in the Sharpe
	// ratio. The default treats equity samples as minute bars.
	Annualization float64
	// CurveSampleEvery keeps one equity point per this many events.
	CurveSampleEvery int
	DepthLevels      int
}

func (c Config) normalize() Config {
	if c.Seed == 0 {
		c.Seed = 42
	}
	if c.StartingCapital <= 0 {
		c.StartingCapital = domain.DefaultStartingCapitalUSD
	}
	if c.Annualization <= 0 {
		c.Annualization = 525600 // minutes in a year
	}
	if c.CurveSampleEvery <= 0 {
		c.CurveSampleEvery = 1
	}
	if c.DepthLevels <= 0 {
		c.DepthLevels = 10
	}
	return c
}

// StrategyFactory builds a fresh strategy instance for one run. A new
// instance per run keeps replay deterministic: no signal state leaks
// between runs.
type StrategyFactory func(name, symbol string) (strategy.Strategy, error)

// Runner executes replay runs one at a time against the historical event
// log. It is single-flight: a Run while another is active fails with
// ErrBacktestRunning instead of interleaving two simulations.
type Runner struct {
	events      domain.EventStore
	newStrategy StrategyFactory
	locks       domain.LockManager   // optional, guards the account across processes
	store       domain.BacktestStore // optional, persists completed runs
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewRunner creates a Runner. locks and store may be nil.
func NewRunner(events domain.EventStore, factory StrategyFactory, locks domain.LockManager, store domain.BacktestStore, logger *slog.Logger) *Runner {
	return &Runner{
		events:      events,
		newStrategy: factory,
		locks:       locks,
		store:       store,
		logger:      logger.With(slog.String("component", "backtest")),
	}
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Run replays the event log for cfg.Symbol and returns the performance
// report. Identical log, config and seed produce an identical report.
func (r *Runner) Run(ctx context.Context, cfg Config) (domain.BacktestResult, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return domain.BacktestResult{}, fmt.Errorf("backtest: %w", domain.ErrBacktestRunning)
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	cfg = cfg.normalize()

	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, "lock:account:"+cfg.Symbol, accountLockTTL)
		if err != nil {
			return domain.BacktestResult{}, fmt.Errorf("backtest: account lock: %w", err)
		}
		defer unlock()
	}

	strat, err := r.newStrategy(cfg.Strategy, cfg.Symbol)
	if err != nil {
		return domain.BacktestResult{}, fmt.Errorf("backtest: %w", err)
	}
	defer strat.Close()
	if err := strat.Init(ctx); err != nil {
		return domain.BacktestResult{}, fmt.Errorf("backtest: strategy init: %w", err)
	}

	startedAt := time.Now().UTC()
	result, err := r.replay(ctx, cfg, strat)
	if err != nil {
		return domain.BacktestResult{}, err
	}
	result.ID = uuid.NewString()
	result.Symbol = cfg.Symbol
	result.Strategy = cfg.Strategy
	result.StartedAt = startedAt
	result.FinishedAt = time.Now().UTC()

	if r.store != nil {
		if err := r.store.Insert(ctx, result); err != nil {
			r.logger.Error("persist backtest result", slog.String("err", err.Error()))
		}
	}

	r.logger.Info("backtest complete",
		slog.String("id", result.ID),
		slog.Int64("events", result.EventsReplayed),
		slog.Int("fills", result.TotalFills),
		slog.Float64("return_pct", result.TotalReturnPct),
		slog.Float64("sharpe", result.SharpeRatio))
	return result, nil
}

// countingSink counts fills without retaining them.
type countingSink struct {
	n int
}

func (s *countingSink) OnFill(domain.Fill, domain.Account) { s.n++ }

func (r *Runner) replay(ctx context.Context, cfg Config, strat strategy.Strategy) (domain.BacktestResult, error) {
	it, err := r.events.Iterate(ctx, cfg.Symbol, cfg.Since, cfg.Until)
	if err != nil {
		return domain.BacktestResult{}, fmt.Errorf("backtest: open event log: %w", err)
	}
	defer it.Close()

	clock := exchange.NewSimClock(time.Time{})
	bk := book.New(cfg.Symbol)
	comp := metrics.New(metrics.Defaults())
	sink := &countingSink{}
	ex := exchange.New(cfg.Symbol, bk, comp, sink, exchange.Config{
		StartingCapital: cfg.StartingCapital,
		FeesEnabled:     cfg.FeesEnabled,
		Leverage:        cfg.Leverage,
		MinLatency:      cfg.MinLatency,
		MaxLatency:      cfg.MaxLatency,
		Seed:            cfg.Seed,
	}, clock, r.logger)

	var (
		curve    []domain.EquityPoint
		events   int64
		lastTime time.Time
	)
	for {
		if err := ctx.Err(); err != nil {
			return domain.BacktestResult{}, fmt.Errorf("backtest: %w", err)
		}
		ev, ok, err := it.Next(ctx)
		if err != nil {
			return domain.BacktestResult{}, fmt.Errorf("backtest: event %d: %w", events+1, err)
		}
		if !ok {
			break
		}
		events++
		lastTime = ev.Timestamp

		// Deferred matches due at or before this event fire first,
		// against the book state they would have seen.
		clock.Set(ev.Timestamp)
		ex.Advance(ev.Timestamp)

		var m domain.Metrics
		switch ev.Kind {
		case domain.EventKindDepth:
			if err := bk.ApplyUpdate(ev.Bids, ev.Asks, ev.SequenceNo); err != nil {
				if errors.Is(err, domain.ErrStaleUpdate) {
					r.logger.Debug("stale depth record skipped", slog.Int64("seq", ev.SequenceNo))
					continue
				}
				return domain.BacktestResult{}, fmt.Errorf("backtest: event %d: %w", events, err)
			}
			m = comp.OnBook(bk.Snapshot(cfg.DepthLevels, ev.Timestamp))
		case domain.EventKindTrade:
			if ev.Trade == nil {
				return domain.BacktestResult{}, fmt.Errorf("backtest: event %d: trade record without trade body: %w", events, domain.ErrBadRecord)
			}
			m = comp.OnTrade(*ev.Trade)
			ex.OnTrade(*ev.Trade)
			if err := r.evaluate(ctx, strat.OnTrade, *ev.Trade, ex); err != nil {
				return domain.BacktestResult{}, err
			}
		default:
			return domain.BacktestResult{}, fmt.Errorf("backtest: event %d: unknown kind %q: %w", events, ev.Kind, domain.ErrBadRecord)
		}

		sigs, err := strat.OnMetrics(ctx, m)
		if err != nil {
			return domain.BacktestResult{}, fmt.Errorf("backtest: strategy: %w", err)
		}
		r.placeAll(sigs, ex)

		if events%int64(cfg.CurveSampleEvery) == 0 {
			curve = append(curve, domain.EquityPoint{Timestamp: ev.Timestamp, Equity: ex.Equity()})
		}
	}

	if events == 0 {
		return domain.BacktestResult{}, fmt.Errorf("backtest: event log for %s is empty", cfg.Symbol)
	}

	// Flush in-flight orders against the final book state, then flatten
	// the open order set so the report reflects a settled account.
	end := lastTime.Add(cfg.MaxLatency)
	clock.Set(end)
	ex.Advance(end)
	ex.CancelAll()
	curve = append(curve, domain.EquityPoint{Timestamp: end, Equity: ex.Equity()})

	final := ex.Equity()
	return domain.BacktestResult{
		InitialEquity:  cfg.StartingCapital,
		FinalEquity:    final,
		TotalReturnPct: (final/cfg.StartingCapital - 1) * 100,
		SharpeRatio:    sharpeRatio(curve, cfg.Annualization),
		MaxDrawdown:    maxDrawdownPct(curve),
		TotalFills:     sink.n,
		EventsReplayed: events,
		EquityCurve:    curve,
	}, nil
}

func (r *Runner) evaluate(ctx context.Context, fn func(context.Context, domain.Trade) ([]domain.TradeSignal, error), tr domain.Trade, ex *exchange.Exchange) error {
	sigs, err := fn(ctx, tr)
	if err != nil {
		return fmt.Errorf("backtest: strategy: %w", err)
	}
	r.placeAll(sigs, ex)
	return nil
}

// placeAll submits strategy signals. Order-level rejections are part of a
// normal run and never abort it.
func (r *Runner) placeAll(sigs []domain.TradeSignal, ex *exchange.Exchange) {
	for _, sig := range sigs {
		if _, err := ex.PlaceOrder(sig.Side, sig.Type, sig.Quantity, sig.Price); err != nil {
			r.logger.Debug("signal rejected",
				slog.String("source", sig.Source),
				slog.String("err", err.Error()))
		}
	}
}
