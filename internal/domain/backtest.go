package domain

import "time"

// EquityPoint is one sample of the account equity during a replay run.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// BacktestStatus describes the replay runner's lifecycle for the trigger API.
type BacktestStatus string

const (
	BacktestStatusIdle      BacktestStatus = "idle"
	BacktestStatusRunning   BacktestStatus = "running"
	BacktestStatusCompleted BacktestStatus = "completed"
	BacktestStatusError     BacktestStatus = "error"
)

// BacktestResult is the performance report of one replay run. Identical
// inputs (event log, seed) produce a bit-identical result.
type BacktestResult struct {
	ID             string        `json:"id"`
	Symbol         string        `json:"symbol"`
	Strategy       string        `json:"strategy"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	InitialEquity  float64       `json:"initial_equity"`
	FinalEquity    float64       `json:"final_equity"`
	TotalReturnPct float64       `json:"total_return_pct"`
	SharpeRatio    float64       `json:"sharpe_ratio"`
	MaxDrawdown    float64       `json:"max_drawdown"` // percent, peak-to-trough
	TotalFills     int           `json:"total_fills"`
	EventsReplayed int64         `json:"events_replayed"`
	EquityCurve    []EquityPoint `json:"equity_curve"`
}
