package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openquant/hedgebot/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint hit.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// IntentStore implements domain.IntentStore using PostgreSQL.
type IntentStore struct {
	pool *pgxpool.Pool
}

// NewIntentStore creates a new IntentStore backed by the given connection pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

// Create inserts a new intent. A duplicate client identifier returns
// ErrAlreadyExists, which is how the journal detects an idempotent retry.
func (s *IntentStore) Create(ctx context.Context, o domain.OrderIntent) error {
	const query = `
		INSERT INTO intents (
			id, client_id, plan_id, venue, symbol, side, order_type,
			time_in_force, price, qty, reduce_only, post_only, state,
			filled_qty, avg_fill_price, last_fill_id, venue_order_id,
			strategy, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.ClientID, o.PlanID, string(o.Venue), o.Symbol,
		string(o.Side), string(o.Type), string(o.TimeInForce),
		o.Price, o.Qty, o.ReduceOnly, o.PostOnly, string(o.State),
		o.FilledQty, o.AvgFillPrice, o.LastFillID, o.VenueOrderID,
		o.Strategy, o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create intent %s: %w", o.ClientID, err)
	}
	return nil
}

// Update rewrites the mutable lifecycle fields of an intent.
func (s *IntentStore) Update(ctx context.Context, o domain.OrderIntent) error {
	const query = `
		UPDATE intents SET
			state = $1, filled_qty = $2, avg_fill_price = $3,
			last_fill_id = $4, venue_order_id = $5, updated_at = $6
		WHERE id = $7`

	tag, err := s.pool.Exec(ctx, query,
		string(o.State), o.FilledQty, o.AvgFillPrice,
		o.LastFillID, o.VenueOrderID, o.UpdatedAt, o.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update intent %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const intentSelectCols = `id, client_id, plan_id, venue, symbol, side, order_type,
	time_in_force, price, qty, reduce_only, post_only, state,
	filled_qty, avg_fill_price, last_fill_id, venue_order_id,
	strategy, created_at, updated_at`

func scanIntentFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.OrderIntent, error) {
	var o domain.OrderIntent
	var venue, side, orderType, tif, state string

	err := scanner.Scan(
		&o.ID, &o.ClientID, &o.PlanID, &venue, &o.Symbol, &side, &orderType,
		&tif, &o.Price, &o.Qty, &o.ReduceOnly, &o.PostOnly, &state,
		&o.FilledQty, &o.AvgFillPrice, &o.LastFillID, &o.VenueOrderID,
		&o.Strategy, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.OrderIntent{}, err
	}

	o.Venue = domain.VenueName(venue)
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.TimeInForce = domain.TimeInForce(tif)
	o.State = domain.IntentState(state)
	return o, nil
}

func scanIntentRows(rows pgx.Rows) ([]domain.OrderIntent, error) {
	var intents []domain.OrderIntent
	for rows.Next() {
		o, err := scanIntentFromRow(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, o)
	}
	return intents, rows.Err()
}

// GetByID retrieves a single intent by its internal identifier.
func (s *IntentStore) GetByID(ctx context.Context, id string) (domain.OrderIntent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+intentSelectCols+` FROM intents WHERE id = $1`, id)

	o, err := scanIntentFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderIntent{}, domain.ErrNotFound
		}
		return domain.OrderIntent{}, fmt.Errorf("postgres: get intent %s: %w", id, err)
	}
	return o, nil
}

// GetByClientID retrieves a single intent by its deterministic client
// identifier.
func (s *IntentStore) GetByClientID(ctx context.Context, clientID string) (domain.OrderIntent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+intentSelectCols+` FROM intents WHERE client_id = $1`, clientID)

	o, err := scanIntentFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderIntent{}, domain.ErrNotFound
		}
		return domain.OrderIntent{}, fmt.Errorf("postgres: get intent by client id %s: %w", clientID, err)
	}
	return o, nil
}

// ListInflight returns every intent that may still be live on a venue.
func (s *IntentStore) ListInflight(ctx context.Context) ([]domain.OrderIntent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+intentSelectCols+` FROM intents
		 WHERE state IN ('pending', 'ack', 'partial')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list inflight intents: %w", err)
	}
	defer rows.Close()

	intents, err := scanIntentRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan inflight intents: %w", err)
	}
	return intents, nil
}

// ListByPlan returns the intents placed for one execution plan.
func (s *IntentStore) ListByPlan(ctx context.Context, planID string) ([]domain.OrderIntent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+intentSelectCols+` FROM intents
		 WHERE plan_id = $1 ORDER BY created_at ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list intents by plan: %w", err)
	}
	defer rows.Close()

	intents, err := scanIntentRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan intents by plan: %w", err)
	}
	return intents, nil
}

// ListBefore returns intents created before the cutoff, oldest first. Used by
// the journal archiver.
func (s *IntentStore) ListBefore(ctx context.Context, before time.Time) ([]domain.OrderIntent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+intentSelectCols+` FROM intents
		 WHERE created_at < $1 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list intents before %s: %w", before, err)
	}
	defer rows.Close()

	intents, err := scanIntentRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan intents before cutoff: %w", err)
	}
	return intents, nil
}
