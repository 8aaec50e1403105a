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

// IntentStore persists order intents keyed by client identifier. Create
// returns ErrAlreadyExists when the client ID is already journaled, which is
// how idempotent submission is detected.
type IntentStore interface {
	Create(ctx context.Context, intent OrderIntent) error
	Update(ctx context.Context, intent OrderIntent) error
	GetByID(ctx context.Context, id string) (OrderIntent, error)
	GetByClientID(ctx context.Context, clientID string) (OrderIntent, error)
	ListInflight(ctx context.Context) ([]OrderIntent, error)
	ListByPlan(ctx context.Context, planID string) ([]OrderIntent, error)
	ListBefore(ctx context.Context, before time.Time) ([]OrderIntent, error)
}

// FillStore persists fills linked to intents. Insert returns
// ErrAlreadyExists for a fill ID that was applied before.
type FillStore interface {
	Insert(ctx context.Context, fill Fill) error
	ListByIntent(ctx context.Context, intentID string) ([]Fill, error)
	ListBefore(ctx context.Context, before time.Time) ([]Fill, error)
}

// PositionStore persists journal-derived positions.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Get(ctx context.Context, venue VenueName, symbol string) (Position, error)
	List(ctx context.Context) ([]Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
}

// IncidentStore persists the incident log.
type IncidentStore interface {
	Create(ctx context.Context, inc Incident) error
	GetByID(ctx context.Context, id string) (Incident, error)
	Ack(ctx context.Context, id, operator, rootCause string) error
	ListOpen(ctx context.Context) ([]Incident, error)
	ListRecent(ctx context.Context, limit int) ([]Incident, error)
	ListBefore(ctx context.Context, before time.Time) ([]Incident, error)
}

// ControlStore persists the control-state singleton with optimistic
// concurrency: Save succeeds only when state.Version is exactly one greater
// than the stored version (compare-and-swap). A mismatch returns
// ErrVersionConflict. Load returns ErrNotFound before the first Save.
type ControlStore interface {
	Load(ctx context.Context) (ControlState, error)
	Save(ctx context.Context, state ControlState) error
}

// PlanStore persists execution plans for audit and last-plan queries.
type PlanStore interface {
	Create(ctx context.Context, plan ExecutionPlan) error
	Update(ctx context.Context, plan ExecutionPlan) error
	GetByID(ctx context.Context, id string) (ExecutionPlan, error)
	GetLast(ctx context.Context, pair string) (ExecutionPlan, error)
	ListRecent(ctx context.Context, limit int) ([]ExecutionPlan, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
