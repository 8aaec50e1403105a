package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openquant/hedgebot/internal/domain"
)

// IncidentStore implements domain.IncidentStore using PostgreSQL.
type IncidentStore struct {
	pool *pgxpool.Pool
}

// NewIncidentStore creates a new IncidentStore backed by the given connection
// pool.
func NewIncidentStore(pool *pgxpool.Pool) *IncidentStore {
	return &IncidentStore{pool: pool}
}

// Create inserts a new incident. The detail map is stored as JSONB.
func (s *IncidentStore) Create(ctx context.Context, inc domain.Incident) error {
	detailJSON, err := json.Marshal(inc.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal incident detail: %w", err)
	}

	const query = `
		INSERT INTO incidents (id, kind, severity, component, summary, detail, acked, acked_by, root_cause, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.pool.Exec(ctx, query,
		inc.ID, inc.Kind, string(inc.Severity), inc.Component, inc.Summary,
		detailJSON, inc.Acked, inc.AckedBy, inc.RootCause, inc.CreatedAt, inc.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create incident %s: %w", inc.ID, err)
	}
	return nil
}

const incidentSelectCols = `id, kind, severity, component, summary, detail, acked, acked_by, root_cause, created_at, resolved_at`

func scanIncidentFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Incident, error) {
	var inc domain.Incident
	var severity string
	var detailJSON []byte

	err := scanner.Scan(&inc.ID, &inc.Kind, &severity, &inc.Component, &inc.Summary,
		&detailJSON, &inc.Acked, &inc.AckedBy, &inc.RootCause, &inc.CreatedAt, &inc.ResolvedAt)
	if err != nil {
		return domain.Incident{}, err
	}
	inc.Severity = domain.Severity(severity)
	if detailJSON != nil {
		if err := json.Unmarshal(detailJSON, &inc.Detail); err != nil {
			return domain.Incident{}, fmt.Errorf("unmarshal incident detail: %w", err)
		}
	}
	return inc, nil
}

// GetByID returns one incident.
func (s *IncidentStore) GetByID(ctx context.Context, id string) (domain.Incident, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+incidentSelectCols+` FROM incidents WHERE id = $1`, id)

	inc, err := scanIncidentFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Incident{}, domain.ErrNotFound
		}
		return domain.Incident{}, fmt.Errorf("postgres: get incident %s: %w", id, err)
	}
	return inc, nil
}

// Ack records the operator acknowledgement and root cause, closing the
// incident.
func (s *IncidentStore) Ack(ctx context.Context, id, operator, rootCause string) error {
	const query = `
		UPDATE incidents SET acked = TRUE, acked_by = $1, root_cause = $2, resolved_at = NOW()
		WHERE id = $3`

	tag, err := s.pool.Exec(ctx, query, operator, rootCause, id)
	if err != nil {
		return fmt.Errorf("postgres: ack incident %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOpen returns unacknowledged incidents, oldest first.
func (s *IncidentStore) ListOpen(ctx context.Context) ([]domain.Incident, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+incidentSelectCols+` FROM incidents
		 WHERE NOT acked ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidentList(rows)
}

// ListRecent returns the newest incidents up to limit.
func (s *IncidentStore) ListRecent(ctx context.Context, limit int) ([]domain.Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+incidentSelectCols+` FROM incidents
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidentList(rows)
}

// ListBefore returns incidents created before the cutoff, oldest first. Used
// by the journal archiver.
func (s *IncidentStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Incident, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+incidentSelectCols+` FROM incidents
		 WHERE created_at < $1 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list incidents before %s: %w", before, err)
	}
	defer rows.Close()
	return scanIncidentList(rows)
}

func scanIncidentList(rows pgx.Rows) ([]domain.Incident, error) {
	var incidents []domain.Incident
	for rows.Next() {
		inc, err := scanIncidentFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list incidents rows: %w", err)
	}
	return incidents, nil
}
