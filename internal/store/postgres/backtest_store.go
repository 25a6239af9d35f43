package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kychan/flowdesk/internal/domain"
)

// BacktestStore implements domain.BacktestStore using PostgreSQL. The
// equity curve is stored as JSONB alongside the scalar report fields.
type BacktestStore struct {
	pool *pgxpool.Pool
}

// NewBacktestStore creates a BacktestStore backed by the given pool.
func NewBacktestStore(pool *pgxpool.Pool) *BacktestStore {
	return &BacktestStore{pool: pool}
}

const backtestSelectCols = `id, symbol, strategy, started_at, finished_at,
	initial_equity, final_equity, total_return_pct, sharpe_ratio,
	max_drawdown, total_fills, events_replayed, equity_curve`

func scanBacktest(row pgx.Row) (domain.BacktestResult, error) {
	var r domain.BacktestResult
	var curve []byte
	err := row.Scan(
		&r.ID, &r.Symbol, &r.Strategy, &r.StartedAt, &r.FinishedAt,
		&r.InitialEquity, &r.FinalEquity, &r.TotalReturnPct, &r.SharpeRatio,
		&r.MaxDrawdown, &r.TotalFills, &r.EventsReplayed, &curve,
	)
	if err != nil {
		return domain.BacktestResult{}, err
	}
	if err := json.Unmarshal(curve, &r.EquityCurve); err != nil {
		return domain.BacktestResult{}, fmt.Errorf("decode equity curve: %w", err)
	}
	return r, nil
}

// Insert persists one completed run.
func (s *BacktestStore) Insert(ctx context.Context, result domain.BacktestResult) error {
	curve, err := json.Marshal(result.EquityCurve)
	if err != nil {
		return fmt.Errorf("postgres: encode equity curve: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO backtests (
			id, symbol, strategy, started_at, finished_at,
			initial_equity, final_equity, total_return_pct, sharpe_ratio,
			max_drawdown, total_fills, events_replayed, equity_curve
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		result.ID, result.Symbol, result.Strategy, result.StartedAt, result.FinishedAt,
		result.InitialEquity, result.FinalEquity, result.TotalReturnPct, result.SharpeRatio,
		result.MaxDrawdown, result.TotalFills, result.EventsReplayed, curve,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert backtest %s: %w", result.ID, err)
	}
	return nil
}

// GetByID loads one run by its ID.
func (s *BacktestStore) GetByID(ctx context.Context, id string) (domain.BacktestResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+backtestSelectCols+` FROM backtests WHERE id = $1`, id)
	r, err := scanBacktest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BacktestResult{}, fmt.Errorf("postgres: backtest %s: %w", id, domain.ErrNotFound)
		}
		return domain.BacktestResult{}, fmt.Errorf("postgres: get backtest %s: %w", id, err)
	}
	return r, nil
}

// ListRecent returns the newest runs, most recent first.
func (s *BacktestStore) ListRecent(ctx context.Context, limit int) ([]domain.BacktestResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+backtestSelectCols+` FROM backtests ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list backtests: %w", err)
	}
	defer rows.Close()

	var results []domain.BacktestResult
	for rows.Next() {
		r, err := scanBacktest(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan backtest row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list backtests: %w", err)
	}
	return results, nil
}

var _ domain.BacktestStore = (*BacktestStore)(nil)
