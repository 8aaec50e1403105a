package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openquant/hedgebot/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// Insert records one fill. The fill ID is the venue's fill identifier;
// inserting one the journal has already applied returns ErrAlreadyExists, so
// replayed fill events are detectable.
func (s *FillStore) Insert(ctx context.Context, f domain.Fill) error {
	const query = `
		INSERT INTO fills (id, intent_id, venue, symbol, side, qty, price, fee_usd, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		f.ID, f.IntentID, string(f.Venue), f.Symbol, string(f.Side),
		f.Qty, f.Price, f.FeeUSD, f.At,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", f.ID, err)
	}
	return nil
}

const fillSelectCols = `id, intent_id, venue, symbol, side, qty, price, fee_usd, executed_at`

func scanFillRows(rows pgx.Rows) ([]domain.Fill, error) {
	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var venue, side string
		if err := rows.Scan(&f.ID, &f.IntentID, &venue, &f.Symbol, &side,
			&f.Qty, &f.Price, &f.FeeUSD, &f.At); err != nil {
			return nil, err
		}
		f.Venue = domain.VenueName(venue)
		f.Side = domain.OrderSide(side)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ListByIntent returns all fills applied to one intent, oldest first.
func (s *FillStore) ListByIntent(ctx context.Context, intentID string) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills
		 WHERE intent_id = $1 ORDER BY executed_at ASC`, intentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills for intent %s: %w", intentID, err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills: %w", err)
	}
	return fills, nil
}

// ListBefore returns fills executed before the cutoff, oldest first. Used by
// the journal archiver.
func (s *FillStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills
		 WHERE executed_at < $1 ORDER BY executed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before %s: %w", before, err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills before cutoff: %w", err)
	}
	return fills, nil
}
