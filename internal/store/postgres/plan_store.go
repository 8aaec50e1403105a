package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openquant/hedgebot/internal/domain"
)

// PlanStore implements domain.PlanStore using PostgreSQL.
type PlanStore struct {
	pool *pgxpool.Pool
}

// NewPlanStore creates a new PlanStore backed by the given connection pool.
func NewPlanStore(pool *pgxpool.Pool) *PlanStore {
	return &PlanStore{pool: pool}
}

// Create inserts a new execution plan.
func (s *PlanStore) Create(ctx context.Context, p domain.ExecutionPlan) error {
	stepsJSON, intentsJSON, err := marshalPlanJSON(p)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO plans (id, pair, size, mode, state, steps, intent_ids, simulated,
		                   leg_b_venue, leg_b_score, filled_qty, hedged_qty, edge_bps,
		                   created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.Pair, p.Size, string(p.Mode), string(p.State), stepsJSON, intentsJSON,
		p.Simulated, string(p.LegBVenue), p.LegBScore, p.FilledQty, p.HedgedQty,
		p.EdgeBps, p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create plan %s: %w", p.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of a plan.
func (s *PlanStore) Update(ctx context.Context, p domain.ExecutionPlan) error {
	stepsJSON, intentsJSON, err := marshalPlanJSON(p)
	if err != nil {
		return err
	}

	const query = `
		UPDATE plans SET
			state = $1, steps = $2, intent_ids = $3,
			leg_b_venue = $4, leg_b_score = $5, filled_qty = $6, hedged_qty = $7,
			edge_bps = $8, updated_at = $9, completed_at = $10
		WHERE id = $11`

	tag, err := s.pool.Exec(ctx, query,
		string(p.State), stepsJSON, intentsJSON,
		string(p.LegBVenue), p.LegBScore, p.FilledQty, p.HedgedQty,
		p.EdgeBps, p.UpdatedAt, p.CompletedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update plan %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func marshalPlanJSON(p domain.ExecutionPlan) ([]byte, []byte, error) {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal plan steps: %w", err)
	}
	intentsJSON, err := json.Marshal(p.IntentIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal plan intent ids: %w", err)
	}
	return stepsJSON, intentsJSON, nil
}

const planSelectCols = `id, pair, size, mode, state, steps, intent_ids, simulated,
	leg_b_venue, leg_b_score, filled_qty, hedged_qty, edge_bps,
	created_at, updated_at, completed_at`

func scanPlanFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.ExecutionPlan, error) {
	var p domain.ExecutionPlan
	var mode, state, legBVenue string
	var stepsJSON, intentsJSON []byte

	err := scanner.Scan(&p.ID, &p.Pair, &p.Size, &mode, &state, &stepsJSON, &intentsJSON,
		&p.Simulated, &legBVenue, &p.LegBScore, &p.FilledQty, &p.HedgedQty, &p.EdgeBps,
		&p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}

	p.Mode = domain.ExecMode(mode)
	p.State = domain.PlanState(state)
	p.LegBVenue = domain.VenueName(legBVenue)
	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &p.Steps); err != nil {
			return domain.ExecutionPlan{}, fmt.Errorf("unmarshal plan steps: %w", err)
		}
	}
	if intentsJSON != nil {
		if err := json.Unmarshal(intentsJSON, &p.IntentIDs); err != nil {
			return domain.ExecutionPlan{}, fmt.Errorf("unmarshal plan intent ids: %w", err)
		}
	}
	return p, nil
}

// GetByID returns one plan.
func (s *PlanStore) GetByID(ctx context.Context, id string) (domain.ExecutionPlan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+planSelectCols+` FROM plans WHERE id = $1`, id)

	p, err := scanPlanFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionPlan{}, domain.ErrNotFound
		}
		return domain.ExecutionPlan{}, fmt.Errorf("postgres: get plan %s: %w", id, err)
	}
	return p, nil
}

// GetLast returns the most recent plan for the pair.
func (s *PlanStore) GetLast(ctx context.Context, pair string) (domain.ExecutionPlan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+planSelectCols+` FROM plans
		 WHERE pair = $1 ORDER BY created_at DESC LIMIT 1`, pair)

	p, err := scanPlanFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionPlan{}, domain.ErrNotFound
		}
		return domain.ExecutionPlan{}, fmt.Errorf("postgres: get last plan for %s: %w", pair, err)
	}
	return p, nil
}

// ListRecent returns the newest plans up to limit.
func (s *PlanStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionPlan, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+planSelectCols+` FROM plans
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.ExecutionPlan
	for rows.Next() {
		p, err := scanPlanFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list recent plans rows: %w", err)
	}
	return plans, nil
}
