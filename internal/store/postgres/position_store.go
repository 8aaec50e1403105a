package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openquant/hedgebot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection
// pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert writes the journal-derived position for one venue+symbol.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (venue, symbol, qty, avg_entry_price, leverage, margin_mode, realized_pnl, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (venue, symbol) DO UPDATE SET
			qty = EXCLUDED.qty,
			avg_entry_price = EXCLUDED.avg_entry_price,
			leverage = EXCLUDED.leverage,
			margin_mode = EXCLUDED.margin_mode,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		string(p.Venue), p.Symbol, p.Qty, p.AvgEntryPrice,
		p.Leverage, p.MarginMode, p.RealizedPnL, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s %s: %w", p.Venue, p.Symbol, err)
	}
	return nil
}

const positionSelectCols = `venue, symbol, qty, avg_entry_price, leverage, margin_mode, realized_pnl, updated_at`

func scanPositionFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Position, error) {
	var p domain.Position
	var venue string
	err := scanner.Scan(&venue, &p.Symbol, &p.Qty, &p.AvgEntryPrice,
		&p.Leverage, &p.MarginMode, &p.RealizedPnL, &p.UpdatedAt)
	if err != nil {
		return domain.Position{}, err
	}
	p.Venue = domain.VenueName(venue)
	return p, nil
}

// Get returns the position for one venue+symbol.
func (s *PositionStore) Get(ctx context.Context, venue domain.VenueName, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE venue = $1 AND symbol = $2`,
		string(venue), symbol)

	p, err := scanPositionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s %s: %w", venue, symbol, err)
	}
	return p, nil
}

// List returns every journaled position, flat ones included.
func (s *PositionStore) List(ctx context.Context) ([]domain.Position, error) {
	return s.list(ctx, `SELECT `+positionSelectCols+` FROM positions ORDER BY venue, symbol`)
}

// ListOpen returns positions with non-zero quantity.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return s.list(ctx, `SELECT `+positionSelectCols+` FROM positions
		WHERE ABS(qty) > 1e-12 ORDER BY venue, symbol`)
}

func (s *PositionStore) list(ctx context.Context, query string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return positions, nil
}
