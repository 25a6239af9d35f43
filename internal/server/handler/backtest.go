package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kychan/flowdesk/internal/backtest"
	"github.com/kychan/flowdesk/internal/domain"
)

// BacktestRunner defines what the handler needs from the replay engine.
type BacktestRunner interface {
	Run(ctx context.Context, cfg backtest.Config) (domain.BacktestResult, error)
	Running() bool
}

// BacktestHandler triggers replay runs and serves stored results.
type BacktestHandler struct {
	runner   BacktestRunner
	store    domain.BacktestStore // optional
	defaults backtest.Config
	logger   *slog.Logger
}

// NewBacktestHandler creates a BacktestHandler. store may be nil when run
// persistence is not configured. defaults supplies the run parameters for
// request fields left empty, so a bare POST runs the configured backtest.
func NewBacktestHandler(runner BacktestRunner, store domain.BacktestStore, defaults backtest.Config, logger *slog.Logger) *BacktestHandler {
	return &BacktestHandler{
		runner:   runner,
		store:    store,
		defaults: defaults,
		logger:   logger,
	}
}

// runBacktestRequest is the JSON body for starting a run. Omitted fields
// fall back to the configured defaults; the body itself is optional.
type runBacktestRequest struct {
	Symbol          string  `json:"symbol"`
	Strategy        string  `json:"strategy"`
	Since           string  `json:"since"`
	Until           string  `json:"until"`
	Seed            int64   `json:"seed"`
	StartingCapital float64 `json:"starting_capital"`
	FeesEnabled     *bool   `json:"fees_enabled"`
	Leverage        float64 `json:"leverage"`
}

// runBacktestResponse reports the outcome of a run request.
type runBacktestResponse struct {
	Status  domain.BacktestStatus  `json:"status"`
	Results *domain.BacktestResult `json:"results,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// RunBacktest executes a replay synchronously and returns its report.
// POST /api/backtest
func (h *BacktestHandler) RunBacktest(w http.ResponseWriter, r *http.Request) {
	var req runBacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	cfg := h.defaults
	if req.Symbol != "" {
		cfg.Symbol = req.Symbol
	}
	if req.Strategy != "" {
		cfg.Strategy = req.Strategy
	}
	if req.Seed != 0 {
		cfg.Seed = req.Seed
	}
	if req.StartingCapital > 0 {
		cfg.StartingCapital = req.StartingCapital
	}
	if req.FeesEnabled != nil {
		cfg.FeesEnabled = *req.FeesEnabled
	}
	if req.Leverage > 0 {
		cfg.Leverage = req.Leverage
	}
	if t, ok := parseTimeParam(req.Since); ok {
		cfg.Since = t
	}
	if t, ok := parseTimeParam(req.Until); ok {
		cfg.Until = t
	}
	if cfg.Symbol == "" || cfg.Strategy == "" {
		writeError(w, http.StatusBadRequest, "symbol and strategy are required")
		return
	}

	result, err := h.runner.Run(r.Context(), cfg)
	if err != nil {
		if errors.Is(err, domain.ErrBacktestRunning) {
			writeJSON(w, http.StatusConflict, runBacktestResponse{
				Status:  domain.BacktestStatusRunning,
				Message: "a backtest is already in progress",
			})
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: backtest failed",
			slog.String("strategy", cfg.Strategy),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, runBacktestResponse{
			Status:  domain.BacktestStatusError,
			Message: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, runBacktestResponse{
		Status:  domain.BacktestStatusCompleted,
		Results: &result,
	})
}

// listBacktestsResponse wraps the stored-runs listing.
type listBacktestsResponse struct {
	Backtests []domain.BacktestResult `json:"backtests"`
	Running   bool                    `json:"running"`
}

// ListBacktests returns recently stored runs, newest first.
// GET /api/backtests
func (h *BacktestHandler) ListBacktests(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "backtest store not configured")
		return
	}
	runs, err := h.store.ListRecent(r.Context(), parseListOpts(r).Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list backtests failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list backtests")
		return
	}
	if runs == nil {
		runs = []domain.BacktestResult{}
	}
	writeJSON(w, http.StatusOK, listBacktestsResponse{
		Backtests: runs,
		Running:   h.runner.Running(),
	})
}

// GetBacktest returns one stored run by id, including its equity curve.
// GET /api/backtests/{id}
func (h *BacktestHandler) GetBacktest(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "backtest store not configured")
		return
	}
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing backtest id")
		return
	}
	run, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "backtest not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get backtest failed",
			slog.String("backtest_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get backtest")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
