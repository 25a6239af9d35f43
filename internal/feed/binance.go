// Package feed streams live market data from Binance and fans the resulting
// events out to the book, the recorder, and the broadcaster.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kychan/flowdesk/internal/domain"
)

// Handler receives each market event in arrival order.
type Handler func(ctx context.Context, ev domain.MarketEvent)

// ResyncHandler is called with the REST snapshot sequence whenever the feed
// rebuilds its view of the book, including on first connect.
type ResyncHandler func(snapshotSeq int64)

// BinanceConfig holds the endpoints and symbol for one collector.
type BinanceConfig struct {
	WSBaseURL   string // e.g. wss://stream.binance.com:9443
	RESTBaseURL string // e.g. https://api.binance.com
	Symbol      string // e.g. BTCUSDT
	DepthLimit  int    // REST snapshot depth, default 1000
	Reconnect   time.Duration
	ReadTimeout time.Duration
}

// DefaultBinanceConfig returns production endpoints for the given symbol.
func DefaultBinanceConfig(symbol string) BinanceConfig {
	return BinanceConfig{
		WSBaseURL:   "wss://stream.binance.com:9443",
		RESTBaseURL: "https://api.binance.com",
		Symbol:      strings.ToUpper(symbol),
		DepthLimit:  1000,
		Reconnect:   2 * time.Second,
		ReadTimeout: 30 * time.Second,
	}
}

// BinanceFeed subscribes to the combined depth@100ms + trade stream for one
// symbol, bridges depth diffs onto a REST snapshot by update id, and invokes
// the handler for each event. It reconnects on disconnect and re-syncs from
// a fresh snapshot whenever the diff sequence gaps.
type BinanceFeed struct {
	cfg      BinanceConfig
	onEvent  Handler
	onResync ResyncHandler
	http     *http.Client
	logger   *slog.Logger
}

// NewBinanceFeed creates a collector. onResync may be nil.
func NewBinanceFeed(cfg BinanceConfig, onEvent Handler, onResync ResyncHandler, logger *slog.Logger) *BinanceFeed {
	if cfg.DepthLimit <= 0 {
		cfg.DepthLimit = 1000
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	cfg.Symbol = strings.ToUpper(cfg.Symbol)
	return &BinanceFeed{
		cfg:      cfg,
		onEvent:  onEvent,
		onResync: onResync,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With(slog.String("component", "binance_feed")),
	}
}

// Run connects and streams until ctx is cancelled, reconnecting with a fixed
// backoff on any transport error.
func (f *BinanceFeed) Run(ctx context.Context) error {
	for {
		if err := f.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("binance ws disconnected, reconnecting",
				slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.Reconnect):
		}
	}
}

func (f *BinanceFeed) streamURL() string {
	sym := strings.ToLower(f.cfg.Symbol)
	return fmt.Sprintf("%s/stream?streams=%s@depth@100ms/%s@trade", f.cfg.WSBaseURL, sym, sym)
}

func (f *BinanceFeed) runConnection(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}
	defer conn.Close()

	// Buffer diffs while the REST snapshot is in flight so the bridge can
	// discard everything the snapshot already covers.
	br := newBridger()
	if err := f.resync(ctx, br); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", domain.ErrWSDisconnect)
		}

		ev, depth, err := parseCombined(msg, f.cfg.Symbol)
		if err != nil {
			f.logger.Debug("binance message dropped", slog.String("error", err.Error()))
			continue
		}

		if ev.Kind == domain.EventKindDepth {
			apply, err := br.admit(depth.firstID, depth.finalID)
			if err != nil {
				f.logger.Warn("depth sequence gap, resyncing",
					slog.Int64("expected", br.lastFinal+1),
					slog.Int64("got", depth.firstID))
				if err := f.resync(ctx, br.reset()); err != nil {
					return err
				}
				continue
			}
			if !apply {
				continue
			}
		}
		f.onEvent(ctx, ev)
	}
}

// resync fetches a fresh REST depth snapshot, primes the bridge with its
// update id, and emits the snapshot as a depth event.
func (f *BinanceFeed) resync(ctx context.Context, br *bridger) error {
	snap, err := f.fetchSnapshot(ctx)
	if err != nil {
		return err
	}
	br.prime(snap.LastUpdateID)
	if f.onResync != nil {
		f.onResync(snap.LastUpdateID)
	}
	ev, err := snapshotEvent(snap, f.cfg.Symbol, time.Now().UTC())
	if err != nil {
		return err
	}
	f.onEvent(ctx, ev)
	f.logger.Info("depth snapshot applied",
		slog.String("symbol", f.cfg.Symbol),
		slog.Int64("last_update_id", snap.LastUpdateID),
		slog.Int("bids", len(ev.Bids)),
		slog.Int("asks", len(ev.Asks)))
	return nil
}

func (f *BinanceFeed) fetchSnapshot(ctx context.Context) (restDepth, error) {
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d",
		f.cfg.RESTBaseURL, f.cfg.Symbol, f.cfg.DepthLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return restDepth{}, fmt.Errorf("feed: snapshot request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return restDepth{}, fmt.Errorf("feed: snapshot fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return restDepth{}, fmt.Errorf("feed: snapshot fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return restDepth{}, fmt.Errorf("feed: snapshot read: %w", err)
	}
	var snap restDepth
	if err := json.Unmarshal(body, &snap); err != nil {
		return restDepth{}, fmt.Errorf("feed: snapshot decode: %w", err)
	}
	return snap, nil
}
