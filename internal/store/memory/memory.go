// Package memory provides in-memory implementations of the domain store and
// cache interfaces. They back the test suites and local dry runs; production
// wiring uses the postgres and redis packages. Semantics mirror the SQL
// stores: duplicate-key errors, optimistic control-state writes, and
// not-found sentinels behave identically.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openquant/hedgebot/internal/domain"
)

// ---------------------------------------------------------------------------
// IntentStore
// ---------------------------------------------------------------------------

// IntentStore keeps intents keyed by ID with a client-ID uniqueness index.
type IntentStore struct {
	mu       sync.Mutex
	byID     map[string]domain.OrderIntent
	byClient map[string]string // client ID -> intent ID
}

// NewIntentStore creates an empty IntentStore.
func NewIntentStore() *IntentStore {
	return &IntentStore{
		byID:     make(map[string]domain.OrderIntent),
		byClient: make(map[string]string),
	}
}

func (s *IntentStore) Create(ctx context.Context, intent domain.OrderIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byClient[intent.ClientID]; ok {
		return fmt.Errorf("memory: intent client %s: %w", intent.ClientID, domain.ErrAlreadyExists)
	}
	if _, ok := s.byID[intent.ID]; ok {
		return fmt.Errorf("memory: intent %s: %w", intent.ID, domain.ErrAlreadyExists)
	}
	s.byID[intent.ID] = intent
	s.byClient[intent.ClientID] = intent.ID
	return nil
}

func (s *IntentStore) Update(ctx context.Context, intent domain.OrderIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[intent.ID]; !ok {
		return fmt.Errorf("memory: intent %s: %w", intent.ID, domain.ErrNotFound)
	}
	s.byID[intent.ID] = intent
	return nil
}

func (s *IntentStore) GetByID(ctx context.Context, id string) (domain.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.byID[id]
	if !ok {
		return domain.OrderIntent{}, fmt.Errorf("memory: intent %s: %w", id, domain.ErrNotFound)
	}
	return intent, nil
}

func (s *IntentStore) GetByClientID(ctx context.Context, clientID string) (domain.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byClient[clientID]
	if !ok {
		return domain.OrderIntent{}, fmt.Errorf("memory: intent client %s: %w", clientID, domain.ErrNotFound)
	}
	return s.byID[id], nil
}

func (s *IntentStore) ListInflight(ctx context.Context) ([]domain.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderIntent
	for _, intent := range s.byID {
		if intent.State.Inflight() {
			out = append(out, intent)
		}
	}
	sortIntents(out)
	return out, nil
}

func (s *IntentStore) ListByPlan(ctx context.Context, planID string) ([]domain.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderIntent
	for _, intent := range s.byID {
		if intent.PlanID == planID {
			out = append(out, intent)
		}
	}
	sortIntents(out)
	return out, nil
}

func (s *IntentStore) ListBefore(ctx context.Context, before time.Time) ([]domain.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderIntent
	for _, intent := range s.byID {
		if intent.CreatedAt.Before(before) {
			out = append(out, intent)
		}
	}
	sortIntents(out)
	return out, nil
}

func sortIntents(intents []domain.OrderIntent) {
	sort.Slice(intents, func(i, j int) bool {
		if intents[i].CreatedAt.Equal(intents[j].CreatedAt) {
			return intents[i].ID < intents[j].ID
		}
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
}

// ---------------------------------------------------------------------------
// FillStore
// ---------------------------------------------------------------------------

// FillStore keeps fills keyed by the venue fill ID.
type FillStore struct {
	mu    sync.Mutex
	byID  map[string]domain.Fill
	order []string
}

// NewFillStore creates an empty FillStore.
func NewFillStore() *FillStore {
	return &FillStore{byID: make(map[string]domain.Fill)}
}

func (s *FillStore) Insert(ctx context.Context, fill domain.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[fill.ID]; ok {
		return fmt.Errorf("memory: fill %s: %w", fill.ID, domain.ErrAlreadyExists)
	}
	s.byID[fill.ID] = fill
	s.order = append(s.order, fill.ID)
	return nil
}

func (s *FillStore) ListByIntent(ctx context.Context, intentID string) ([]domain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Fill
	for _, id := range s.order {
		if f := s.byID[id]; f.IntentID == intentID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *FillStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Fill
	for _, id := range s.order {
		if f := s.byID[id]; f.At.Before(before) {
			out = append(out, f)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// PositionStore
// ---------------------------------------------------------------------------

// PositionStore keeps one position per venue+symbol.
type PositionStore struct {
	mu    sync.Mutex
	byKey map[string]domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{byKey: make(map[string]domain.Position)}
}

func posKey(venue domain.VenueName, symbol string) string {
	return string(venue) + ":" + symbol
}

func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[posKey(pos.Venue, pos.Symbol)] = pos
	return nil
}

func (s *PositionStore) Get(ctx context.Context, venue domain.VenueName, symbol string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.byKey[posKey(venue, symbol)]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s %s: %w", venue, symbol, domain.ErrNotFound)
	}
	return pos, nil
}

func (s *PositionStore) List(ctx context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0, len(s.byKey))
	for _, pos := range s.byKey {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return posKey(out[i].Venue, out[i].Symbol) < posKey(out[j].Venue, out[j].Symbol)
	})
	return out, nil
}

func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	all, _ := s.List(ctx)
	out := all[:0]
	for _, pos := range all {
		if !pos.Flat() {
			out = append(out, pos)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// IncidentStore
// ---------------------------------------------------------------------------

// IncidentStore keeps the incident log in memory.
type IncidentStore struct {
	mu    sync.Mutex
	byID  map[string]domain.Incident
	order []string
}

// NewIncidentStore creates an empty IncidentStore.
func NewIncidentStore() *IncidentStore {
	return &IncidentStore{byID: make(map[string]domain.Incident)}
}

func (s *IncidentStore) Create(ctx context.Context, inc domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[inc.ID]; ok {
		return fmt.Errorf("memory: incident %s: %w", inc.ID, domain.ErrAlreadyExists)
	}
	s.byID[inc.ID] = inc
	s.order = append(s.order, inc.ID)
	return nil
}

func (s *IncidentStore) GetByID(ctx context.Context, id string) (domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.byID[id]
	if !ok {
		return domain.Incident{}, fmt.Errorf("memory: incident %s: %w", id, domain.ErrNotFound)
	}
	return inc, nil
}

func (s *IncidentStore) Ack(ctx context.Context, id, operator, rootCause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("memory: incident %s: %w", id, domain.ErrNotFound)
	}
	now := time.Now().UTC()
	inc.Acked = true
	inc.AckedBy = operator
	inc.RootCause = rootCause
	inc.ResolvedAt = &now
	s.byID[id] = inc
	return nil
}

func (s *IncidentStore) ListOpen(ctx context.Context) ([]domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Incident
	for _, id := range s.order {
		if inc := s.byID[id]; !inc.Acked {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (s *IncidentStore) ListRecent(ctx context.Context, limit int) ([]domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Incident, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.byID[s.order[i]])
	}
	return out, nil
}

func (s *IncidentStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Incident
	for _, id := range s.order {
		if inc := s.byID[id]; inc.CreatedAt.Before(before) {
			out = append(out, inc)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// ControlStore
// ---------------------------------------------------------------------------

// ControlStore keeps the control-state singleton with the same
// compare-and-swap contract as the SQL store: a save succeeds only when the
// incoming version is exactly one greater than the stored one, and the very
// first save must carry version 1.
type ControlStore struct {
	mu    sync.Mutex
	state *domain.ControlState
}

// NewControlStore creates an empty ControlStore.
func NewControlStore() *ControlStore { return &ControlStore{} }

func (s *ControlStore) Load(ctx context.Context) (domain.ControlState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return domain.ControlState{}, domain.ErrNotFound
	}
	return *s.state, nil
}

func (s *ControlStore) Save(ctx context.Context, state domain.ControlState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		if state.Version != 1 {
			return domain.ErrVersionConflict
		}
	} else if state.Version != s.state.Version+1 {
		return domain.ErrVersionConflict
	}
	cp := state
	s.state = &cp
	return nil
}

// ---------------------------------------------------------------------------
// PlanStore
// ---------------------------------------------------------------------------

// PlanStore keeps execution plans in memory.
type PlanStore struct {
	mu    sync.Mutex
	byID  map[string]domain.ExecutionPlan
	order []string
}

// NewPlanStore creates an empty PlanStore.
func NewPlanStore() *PlanStore {
	return &PlanStore{byID: make(map[string]domain.ExecutionPlan)}
}

func (s *PlanStore) Create(ctx context.Context, plan domain.ExecutionPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[plan.ID]; ok {
		return fmt.Errorf("memory: plan %s: %w", plan.ID, domain.ErrAlreadyExists)
	}
	s.byID[plan.ID] = plan
	s.order = append(s.order, plan.ID)
	return nil
}

func (s *PlanStore) Update(ctx context.Context, plan domain.ExecutionPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[plan.ID]; !ok {
		return fmt.Errorf("memory: plan %s: %w", plan.ID, domain.ErrNotFound)
	}
	s.byID[plan.ID] = plan
	return nil
}

func (s *PlanStore) GetByID(ctx context.Context, id string) (domain.ExecutionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.byID[id]
	if !ok {
		return domain.ExecutionPlan{}, fmt.Errorf("memory: plan %s: %w", id, domain.ErrNotFound)
	}
	return plan, nil
}

func (s *PlanStore) GetLast(ctx context.Context, pair string) (domain.ExecutionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if plan := s.byID[s.order[i]]; plan.Pair == pair {
			return plan, nil
		}
	}
	return domain.ExecutionPlan{}, fmt.Errorf("memory: last plan for %s: %w", pair, domain.ErrNotFound)
}

func (s *PlanStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ExecutionPlan, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.byID[s.order[i]])
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// AuditStore
// ---------------------------------------------------------------------------

// AuditStore keeps the append-only audit log in memory.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	nextID  int64
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 && opts.Offset < len(out) {
		out = out[opts.Offset:]
	} else if opts.Offset >= len(out) {
		out = nil
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Events returns every logged event name in order, for assertions.
func (s *AuditStore) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Event
	}
	return out
}

// ---------------------------------------------------------------------------
// Caches and coordination
// ---------------------------------------------------------------------------

type markEntry struct {
	price float64
	ts    time.Time
}

// PriceCache keeps the latest mark per venue+symbol.
type PriceCache struct {
	mu    sync.Mutex
	marks map[string]markEntry
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{marks: make(map[string]markEntry)}
}

func (c *PriceCache) SetMark(ctx context.Context, venue domain.VenueName, symbol string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[posKey(venue, symbol)] = markEntry{price: price, ts: ts}
	return nil
}

func (c *PriceCache) GetMark(ctx context.Context, venue domain.VenueName, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.marks[posKey(venue, symbol)]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("memory: mark %s %s: %w", venue, symbol, domain.ErrNotFound)
	}
	return m.price, m.ts, nil
}

// BookCache keeps the latest top-of-book per venue+symbol.
type BookCache struct {
	mu   sync.Mutex
	tops map[string]domain.BookTop
}

// NewBookCache creates an empty BookCache.
func NewBookCache() *BookCache {
	return &BookCache{tops: make(map[string]domain.BookTop)}
}

func (c *BookCache) SetTop(ctx context.Context, top domain.BookTop) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tops[posKey(top.Venue, top.Symbol)] = top
	return nil
}

func (c *BookCache) GetTop(ctx context.Context, venue domain.VenueName, symbol string) (domain.BookTop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	top, ok := c.tops[posKey(venue, symbol)]
	if !ok {
		return domain.BookTop{}, fmt.Errorf("memory: book %s %s: %w", venue, symbol, domain.ErrNotFound)
	}
	return top, nil
}

// RateLimiter counts requests per key inside a sliding window.
type RateLimiter struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{calls: make(map[string][]time.Time)}
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)
	kept := r.calls[key][:0]
	for _, t := range r.calls[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		r.calls[key] = kept
		return false, nil
	}
	r.calls[key] = append(kept, now)
	return true, nil
}

// LockManager provides in-process mutual exclusion with the distributed
// lock's interface. TTLs are ignored; locks live until released.
type LockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]bool)}
}

func (l *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

// SignalBus provides in-process pub/sub with the signal bus interface.
type SignalBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

// NewSignalBus creates an empty SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[string][]chan []byte)}
}

func (b *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default: // slow subscriber, drop
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch, nil
}

var (
	_ domain.IntentStore   = (*IntentStore)(nil)
	_ domain.FillStore     = (*FillStore)(nil)
	_ domain.PositionStore = (*PositionStore)(nil)
	_ domain.IncidentStore = (*IncidentStore)(nil)
	_ domain.ControlStore  = (*ControlStore)(nil)
	_ domain.PlanStore     = (*PlanStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
	_ domain.PriceCache    = (*PriceCache)(nil)
	_ domain.BookCache     = (*BookCache)(nil)
	_ domain.RateLimiter   = (*RateLimiter)(nil)
	_ domain.LockManager   = (*LockManager)(nil)
	_ domain.SignalBus     = (*SignalBus)(nil)
)
