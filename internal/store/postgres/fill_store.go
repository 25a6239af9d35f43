package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kychan/flowdesk/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const fillSelectCols = `order_id, symbol, side, price, quantity, fee, maker, filled_at`

func scanFillRows(rows pgx.Rows) ([]domain.Fill, error) {
	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side string
		if err := rows.Scan(
			&f.OrderID, &f.Symbol, &side, &f.Price,
			&f.Quantity, &f.Fee, &f.Maker, &f.Timestamp,
		); err != nil {
			return nil, err
		}
		f.Side = domain.OrderSide(side)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Insert appends one execution record. Fills are append-only: there is no
// update path.
func (s *FillStore) Insert(ctx context.Context, fill domain.Fill) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fills (order_id, symbol, side, price, quantity, fee, maker, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		fill.OrderID, fill.Symbol, string(fill.Side), fill.Price,
		fill.Quantity, fill.Fee, fill.Maker, fill.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill for order %s: %w", fill.OrderID, err)
	}
	return nil
}

// ListByOrder returns every fill of one order, oldest first.
func (s *FillStore) ListByOrder(ctx context.Context, orderID string) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE order_id = $1 ORDER BY filled_at, id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills for order %s: %w", orderID, err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills for order %s: %w", orderID, err)
	}
	return fills, nil
}

// ListRecent returns fills newest first, honoring the list options.
func (s *FillStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Fill, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + fillSelectCols + ` FROM fills`
	args := []any{}
	where := ""
	if opts.Since != nil {
		args = append(args, *opts.Since)
		where = fmt.Sprintf(" WHERE filled_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		if where == "" {
			where = fmt.Sprintf(" WHERE filled_at <= $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND filled_at <= $%d", len(args))
		}
	}
	args = append(args, limit, opts.Offset)
	query += where + fmt.Sprintf(" ORDER BY filled_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent fills: %w", err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent fills: %w", err)
	}
	return fills, nil
}

var _ domain.FillStore = (*FillStore)(nil)
