package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kychan/flowdesk/internal/backtest"
	"github.com/kychan/flowdesk/internal/book"
	"github.com/kychan/flowdesk/internal/exchange"
	"github.com/kychan/flowdesk/internal/feed"
	"github.com/kychan/flowdesk/internal/metrics"
	"github.com/kychan/flowdesk/internal/server"
	"github.com/kychan/flowdesk/internal/server/handler"
	"github.com/kychan/flowdesk/internal/server/ws"
	"github.com/kychan/flowdesk/internal/strategy"
)

// timerTickInterval bounds how late a latency-deferred match can fire when
// the feed goes quiet.
const timerTickInterval = 10 * time.Millisecond

// LiveMode trades the paper account against the live feed. Every event is
// also appended to the event log so it can be replayed later. The HTTP
// server runs when enabled in config.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode",
		slog.String("strategy", a.cfg.Strategy.Name))
	return a.runLive(ctx, deps, a.cfg.Server.Enabled)
}

// RecordMode appends every feed event to the event log without trading.
func (a *App) RecordMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting record mode",
		slog.String("path", a.cfg.EventLog.Path))

	if deps.Events == nil {
		return errors.New("record mode: event log is not configured")
	}

	g, ctx := errgroup.WithContext(ctx)

	rec := feed.NewRecorder(deps.Events, a.logger)
	bf := feed.NewBinanceFeed(a.feedConfig(), rec.Handle, nil, a.logger)
	g.Go(func() error {
		return bf.Run(ctx)
	})

	return waitGroup(g)
}

// BacktestMode runs one replay with the configured parameters and exits.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting backtest mode",
		slog.String("strategy", a.cfg.Strategy.Name))

	if deps.Events == nil {
		return errors.New("backtest mode: event log is not configured")
	}

	runner := a.newBacktestRunner(deps)
	res, err := runner.Run(ctx, a.backtestConfig())
	if err != nil {
		return fmt.Errorf("backtest mode: %w", err)
	}

	if deps.Archiver != nil {
		if path, err := deps.Archiver.ArchiveResult(ctx, res); err != nil {
			a.logger.WarnContext(ctx, "archive backtest report failed",
				slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "backtest report archived", slog.String("path", path))
		}
	}
	if err := deps.Notifier.NotifyBacktestDone(ctx, res); err != nil {
		a.logger.WarnContext(ctx, "backtest notification failed",
			slog.String("error", err.Error()))
	}

	a.logger.InfoContext(ctx, "backtest finished",
		slog.String("id", res.ID),
		slog.Float64("return_pct", res.TotalReturnPct),
		slog.Float64("sharpe", res.SharpeRatio),
		slog.Float64("max_drawdown", res.MaxDrawdown),
		slog.Int("fills", res.TotalFills),
		slog.Int64("events", res.EventsReplayed),
	)
	return nil
}

// ServerMode serves the HTTP and WebSocket API over stored data with no
// live feed attached. Replay runs are available when an event log is
// configured.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil, nil)
	return waitGroup(g)
}

// FullMode is live mode with the HTTP server forced on.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.String("strategy", a.cfg.Strategy.Name))
	return a.runLive(ctx, deps, true)
}

func (a *App) runLive(ctx context.Context, deps *Dependencies, serve bool) error {
	g, ctx := errgroup.WithContext(ctx)

	// Live components: one book, one metrics computer, one paper exchange.
	bk := book.New(a.cfg.Symbol)
	comp := metrics.New(metrics.Config{
		OFIWindow:      a.cfg.Metrics.OFIWindow,
		DepthLevels:    a.cfg.Metrics.DepthLevels,
		VPINBucketSize: a.cfg.Metrics.VPINBucketSize,
		VPINWindow:     a.cfg.Metrics.VPINWindow,
	})
	sink := newFillSink(deps.Fills, deps.Bus, deps.Notifier, a.logger)
	clock := exchange.SystemClock{}
	ex := exchange.New(a.cfg.Symbol, bk, comp, sink, exchange.Config{
		StartingCapital: a.cfg.Exchange.StartingCapital,
		MakerFeeRate:    a.cfg.Exchange.MakerFeeRate,
		TakerFeeRate:    a.cfg.Exchange.TakerFeeRate,
		FeesEnabled:     a.cfg.Exchange.FeesEnabled,
		Leverage:        a.cfg.Exchange.Leverage,
		MinLatency:      a.cfg.Exchange.MinLatency.Duration,
		MaxLatency:      a.cfg.Exchange.MaxLatency.Duration,
		Seed:            a.cfg.Exchange.Seed,
	}, clock, a.logger)

	strat, err := a.newLiveStrategy(ctx)
	if err != nil {
		return fmt.Errorf("live: %w", err)
	}
	if strat != nil {
		defer func() { _ = strat.Close() }()
	}

	engine := NewEngine(a.cfg.Symbol, a.cfg.Metrics.DepthLevels, bk, comp, ex, strat, clock, deps.Notifier, a.logger)

	g.Go(func() error {
		return sink.Run(ctx)
	})
	g.Go(func() error {
		return engine.RunTimers(ctx, timerTickInterval)
	})

	// Feed, recording every event before the engine consumes it.
	onEvent := feed.Handler(engine.HandleEvent)
	if deps.Events != nil {
		onEvent = feed.NewRecorder(deps.Events, a.logger).Wrap(onEvent)
	}
	bf := feed.NewBinanceFeed(a.feedConfig(), onEvent, engine.HandleResync, a.logger)
	g.Go(func() error {
		return bf.Run(ctx)
	})

	// State broadcaster, when redis is wired.
	if deps.Cache != nil || deps.Bus != nil {
		bc := feed.NewBroadcaster(engine, deps.Cache, deps.Bus, a.cfg.Feed.BroadcastRate.Duration, a.logger)
		g.Go(func() error {
			return bc.Run(ctx)
		})
	}

	if serve {
		a.startHTTPServer(ctx, g, deps, engine, ex)
	}

	return waitGroup(g)
}

// newLiveStrategy builds the configured strategy, or nil for "none".
func (a *App) newLiveStrategy(ctx context.Context) (strategy.Strategy, error) {
	name := a.cfg.Strategy.Name
	if name == "" || name == "none" {
		return nil, nil
	}
	strat, err := strategy.Builtin().New(name, strategy.Config{
		Name:   name,
		Symbol: a.cfg.Symbol,
		Size:   a.cfg.Strategy.Size,
		Params: a.cfg.Strategy.Params,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	if err := strat.Init(ctx); err != nil {
		return nil, fmt.Errorf("strategy init: %w", err)
	}
	return strat, nil
}

func (a *App) feedConfig() feed.BinanceConfig {
	return feed.BinanceConfig{
		WSBaseURL:   a.cfg.Feed.WSBaseURL,
		RESTBaseURL: a.cfg.Feed.RESTBaseURL,
		Symbol:      a.cfg.Symbol,
		DepthLimit:  a.cfg.Feed.DepthLimit,
		Reconnect:   a.cfg.Feed.Reconnect.Duration,
		ReadTimeout: a.cfg.Feed.ReadTimeout.Duration,
	}
}

// newBacktestRunner builds a replay runner over the shared event log. Each
// run constructs fresh strategy state through the registry.
func (a *App) newBacktestRunner(deps *Dependencies) *backtest.Runner {
	reg := strategy.Builtin()
	factory := func(name, symbol string) (strategy.Strategy, error) {
		return reg.New(name, strategy.Config{
			Name:   name,
			Symbol: symbol,
			Size:   a.cfg.Strategy.Size,
			Params: a.cfg.Strategy.Params,
		}, a.logger)
	}
	return backtest.NewRunner(deps.Events, factory, deps.Locks, deps.Backtests, a.logger)
}

// backtestConfig maps the app configuration onto replay parameters. It is
// the full run spec in backtest mode and the fallback for API-triggered
// runs with missing fields.
func (a *App) backtestConfig() backtest.Config {
	return backtest.Config{
		Symbol:           a.cfg.Symbol,
		Strategy:         a.cfg.Strategy.Name,
		Seed:             a.cfg.Backtest.Seed,
		StartingCapital:  a.cfg.Exchange.StartingCapital,
		FeesEnabled:      a.cfg.Exchange.FeesEnabled,
		Leverage:         a.cfg.Exchange.Leverage,
		MinLatency:       a.cfg.Exchange.MinLatency.Duration,
		MaxLatency:       a.cfg.Exchange.MaxLatency.Duration,
		Annualization:    a.cfg.Backtest.Annualization,
		CurveSampleEvery: a.cfg.Backtest.CurveSampleEvery,
		DepthLevels:      a.cfg.Metrics.DepthLevels,
	}
}

// startHTTPServer adds the API server goroutines to the given errgroup.
// live and ex are nil outside live/full mode; routes that need them stay
// unregistered.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, live *Engine, ex *exchange.Exchange) {
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
	}

	if deps.Cache != nil || live != nil {
		var src handler.StateSource
		if live != nil {
			src = live
		}
		handlers.Book = handler.NewBookHandler(deps.Cache, src, a.cfg.Symbol, a.logger)
	}
	if ex != nil {
		handlers.Orders = handler.NewOrderHandler(ex, a.logger)
		handlers.Settings = handler.NewSettingsHandler(ex, a.logger)
	}
	if deps.Fills != nil {
		handlers.Fills = handler.NewFillsHandler(deps.Fills, a.logger)
	}
	if deps.Events != nil {
		handlers.Backtest = handler.NewBacktestHandler(a.newBacktestRunner(deps), deps.Backtests, a.backtestConfig(), a.logger)
	}

	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, a.logger, ws.Config{
			Mode:         a.cfg.Mode,
			Symbol:       a.cfg.Symbol,
			StrategyName: a.cfg.Strategy.Name,
			StartedAt:    time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimiter:     deps.RateLimiter,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// waitGroup normalizes errgroup shutdown: context cancellation is a clean
// exit, anything else is a real failure.
func waitGroup(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
