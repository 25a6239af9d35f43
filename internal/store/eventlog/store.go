// Package eventlog is the SQLite-backed historical event log: an ordered
// mix of depth-update and trade records per symbol, written by the live
// recorder and replayed by the backtest runner.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kychan/flowdesk/internal/domain"
)

// Store wraps one SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the event log at path and applies the
// schema. Use ":memory:" for an ephemeral log.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}

	// WAL mode for concurrent reads while the recorder appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: set WAL mode: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: schema migration: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// levels are stored as a JSON array of [price, qty] pairs.
func encodeLevels(levels []domain.PriceLevel) (string, error) {
	if len(levels) == 0 {
		return "[]", nil
	}
	pairs := make([][2]float64, len(levels))
	for i, lvl := range levels {
		pairs[i] = [2]float64{lvl.Price, lvl.Quantity}
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeLevels(raw string) ([]domain.PriceLevel, error) {
	var pairs [][2]float64
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil, err
	}
	levels := make([]domain.PriceLevel, len(pairs))
	for i, p := range pairs {
		levels[i] = domain.PriceLevel{Price: p[0], Quantity: p[1]}
	}
	return levels, nil
}

// Append writes one event to the end of the log.
func (s *Store) Append(ctx context.Context, ev domain.MarketEvent) error {
	switch ev.Kind {
	case domain.EventKindDepth:
		bids, err := encodeLevels(ev.Bids)
		if err != nil {
			return fmt.Errorf("eventlog: encode bids: %w", err)
		}
		asks, err := encodeLevels(ev.Asks)
		if err != nil {
			return fmt.Errorf("eventlog: encode asks: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO market_events (symbol, kind, ts, sequence_no, bids, asks)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ev.Symbol, string(ev.Kind), ev.Timestamp.UnixNano(), ev.SequenceNo, bids, asks,
		)
		if err != nil {
			return fmt.Errorf("eventlog: append depth: %w", err)
		}
	case domain.EventKindTrade:
		if ev.Trade == nil {
			return fmt.Errorf("eventlog: append trade: missing trade body: %w", domain.ErrBadRecord)
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO market_events (symbol, kind, ts, price, quantity, aggressor)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ev.Symbol, string(ev.Kind), ev.Timestamp.UnixNano(),
			ev.Trade.Price, ev.Trade.Quantity, string(ev.Trade.AggressorSide),
		)
		if err != nil {
			return fmt.Errorf("eventlog: append trade: %w", err)
		}
	default:
		return fmt.Errorf("eventlog: append: unknown kind %q: %w", ev.Kind, domain.ErrBadRecord)
	}
	return nil
}

// Count returns the number of stored events for a symbol.
func (s *Store) Count(ctx context.Context, symbol string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM market_events WHERE symbol = ?`, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("eventlog: count %s: %w", symbol, err)
	}
	return n, nil
}

// Iterate opens a time-ordered cursor over the log for one symbol. Zero
// since/until mean unbounded.
func (s *Store) Iterate(ctx context.Context, symbol string, since, until time.Time) (domain.EventIterator, error) {
	query := `SELECT kind, ts, sequence_no, bids, asks, price, quantity, aggressor
		FROM market_events WHERE symbol = ?`
	args := []any{symbol}
	if !since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, since.UnixNano())
	}
	if !until.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, until.UnixNano())
	}
	query += ` ORDER BY ts, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: iterate %s: %w", symbol, err)
	}
	return &iterator{symbol: symbol, rows: rows}, nil
}

type iterator struct {
	symbol string
	rows   *sql.Rows
}

// Next returns the next event in timestamp order. A row that cannot be
// decoded fails with a wrapped ErrBadRecord describing the row.
func (it *iterator) Next(_ context.Context) (domain.MarketEvent, bool, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return domain.MarketEvent{}, false, fmt.Errorf("eventlog: cursor: %w", err)
		}
		return domain.MarketEvent{}, false, nil
	}

	var (
		kind      string
		tsNanos   int64
		seq       int64
		bids      sql.NullString
		asks      sql.NullString
		price     sql.NullFloat64
		quantity  sql.NullFloat64
		aggressor sql.NullString
	)
	if err := it.rows.Scan(&kind, &tsNanos, &seq, &bids, &asks, &price, &quantity, &aggressor); err != nil {
		return domain.MarketEvent{}, false, fmt.Errorf("eventlog: scan row: %w", err)
	}

	ev := domain.MarketEvent{
		Kind:      domain.EventKind(kind),
		Symbol:    it.symbol,
		Timestamp: time.Unix(0, tsNanos).UTC(),
	}
	switch ev.Kind {
	case domain.EventKindDepth:
		ev.SequenceNo = seq
		var err error
		if ev.Bids, err = decodeLevels(bids.String); err != nil {
			return domain.MarketEvent{}, false, fmt.Errorf("eventlog: depth row seq %d: bad bids %q: %w", seq, bids.String, domain.ErrBadRecord)
		}
		if ev.Asks, err = decodeLevels(asks.String); err != nil {
			return domain.MarketEvent{}, false, fmt.Errorf("eventlog: depth row seq %d: bad asks %q: %w", seq, asks.String, domain.ErrBadRecord)
		}
	case domain.EventKindTrade:
		if !price.Valid || !quantity.Valid || quantity.Float64 <= 0 {
			return domain.MarketEvent{}, false, fmt.Errorf("eventlog: trade row at %d: missing price/quantity: %w", tsNanos, domain.ErrBadRecord)
		}
		ev.Trade = &domain.Trade{
			Symbol:        it.symbol,
			Price:         price.Float64,
			Quantity:      quantity.Float64,
			AggressorSide: domain.OrderSide(aggressor.String),
			Timestamp:     ev.Timestamp,
		}
	default:
		return domain.MarketEvent{}, false, fmt.Errorf("eventlog: row at %d: unknown kind %q: %w", tsNanos, kind, domain.ErrBadRecord)
	}
	return ev, true, nil
}

// Close releases the cursor.
func (it *iterator) Close() error {
	return it.rows.Close()
}

var _ domain.EventStore = (*Store)(nil)
var _ domain.EventIterator = (*iterator)(nil)
