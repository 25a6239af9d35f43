package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// FillStore persists append-only execution records.
type FillStore interface {
	Insert(ctx context.Context, fill Fill) error
	ListByOrder(ctx context.Context, orderID string) ([]Fill, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Fill, error)
}

// BacktestStore persists completed replay runs.
type BacktestStore interface {
	Insert(ctx context.Context, result BacktestResult) error
	GetByID(ctx context.Context, id string) (BacktestResult, error)
	ListRecent(ctx context.Context, limit int) ([]BacktestResult, error)
}

// EventIterator walks a time-ordered slice of the historical event log.
// Next returns ErrBadRecord (wrapped) for a row that cannot be decoded and
// io.EOF-style (false, nil) when the log is exhausted.
type EventIterator interface {
	Next(ctx context.Context) (MarketEvent, bool, error)
	Close() error
}

// EventStore is the historical event log: an ordered mix of depth-update and
// trade records for one symbol.
type EventStore interface {
	Append(ctx context.Context, ev MarketEvent) error
	Iterate(ctx context.Context, symbol string, since, until time.Time) (EventIterator, error)
	Count(ctx context.Context, symbol string) (int64, error)
}
