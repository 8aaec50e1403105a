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

// ControlStore implements domain.ControlStore using PostgreSQL. The control
// state is a single row guarded by an optimistic version check.
type ControlStore struct {
	pool *pgxpool.Pool
}

// NewControlStore creates a new ControlStore backed by the given connection
// pool.
func NewControlStore(pool *pgxpool.Pool) *ControlStore {
	return &ControlStore{pool: pool}
}

// Load returns the persisted control state, or ErrNotFound before the first
// Save.
func (s *ControlStore) Load(ctx context.Context) (domain.ControlState, error) {
	const query = `
		SELECT mode, safe_mode, hold_reason, hold_incident_id,
		       resume_request, approvals, version, updated_at, seal
		FROM control_state WHERE id = 1`

	var state domain.ControlState
	var mode string
	var resumeJSON, approvalsJSON []byte

	err := s.pool.QueryRow(ctx, query).Scan(
		&mode, &state.SafeMode, &state.HoldReason, &state.HoldIncidentID,
		&resumeJSON, &approvalsJSON, &state.Version, &state.UpdatedAt, &state.Seal,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ControlState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ControlState{}, fmt.Errorf("postgres: load control state: %w", err)
	}

	state.Mode = domain.Mode(mode)
	if len(resumeJSON) > 0 && string(resumeJSON) != "null" {
		state.ResumeRequest = &domain.ResumeRequest{}
		if err := json.Unmarshal(resumeJSON, state.ResumeRequest); err != nil {
			return domain.ControlState{}, fmt.Errorf("postgres: unmarshal resume request: %w", err)
		}
	}
	if len(approvalsJSON) > 0 && string(approvalsJSON) != "null" {
		if err := json.Unmarshal(approvalsJSON, &state.Approvals); err != nil {
			return domain.ControlState{}, fmt.Errorf("postgres: unmarshal approvals: %w", err)
		}
	}
	return state, nil
}

// Save persists the control state with a compare-and-swap on the version:
// the write succeeds only when state.Version is exactly one greater than the
// stored version. A concurrent writer gets ErrVersionConflict.
func (s *ControlStore) Save(ctx context.Context, state domain.ControlState) error {
	resumeJSON, err := json.Marshal(state.ResumeRequest)
	if err != nil {
		return fmt.Errorf("postgres: marshal resume request: %w", err)
	}
	approvalsJSON, err := json.Marshal(state.Approvals)
	if err != nil {
		return fmt.Errorf("postgres: marshal approvals: %w", err)
	}

	if state.Version == 1 {
		const insert = `
			INSERT INTO control_state (id, mode, safe_mode, hold_reason, hold_incident_id,
			                           resume_request, approvals, version, updated_at, seal)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`
		tag, err := s.pool.Exec(ctx, insert,
			string(state.Mode), state.SafeMode, state.HoldReason, state.HoldIncidentID,
			resumeJSON, approvalsJSON, state.Version, state.UpdatedAt, state.Seal,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert control state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrVersionConflict
		}
		return nil
	}

	const update = `
		UPDATE control_state SET
			mode = $1, safe_mode = $2, hold_reason = $3, hold_incident_id = $4,
			resume_request = $5, approvals = $6, version = $7, updated_at = $8, seal = $9
		WHERE id = 1 AND version = $10`

	tag, err := s.pool.Exec(ctx, update,
		string(state.Mode), state.SafeMode, state.HoldReason, state.HoldIncidentID,
		resumeJSON, approvalsJSON, state.Version, state.UpdatedAt, state.Seal,
		state.Version-1,
	)
	if err != nil {
		return fmt.Errorf("postgres: save control state v%d: %w", state.Version, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}
