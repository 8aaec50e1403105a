// Package journal is the durable, append-only record of every order intent
// and its lifecycle transitions. It provides idempotent submission, replay
// safe fill application, restart recovery, and the journal-derived position
// view that the risk governor's exposure computation is built on.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/openquant/hedgebot/internal/domain"
)

// Journal owns all OrderIntent mutations. Other components read intents and
// request transitions through it; nothing else writes the intent, fill, or
// position tables.
type Journal struct {
	intents   domain.IntentStore
	fills     domain.FillStore
	positions domain.PositionStore
	audit     domain.AuditStore
	venues    map[domain.VenueName]domain.VenueAdapter
	logger    *slog.Logger

	// mu serializes fill folding so two concurrent fill events cannot both
	// read the same position revision.
	mu sync.Mutex
}

// New creates a Journal over the given stores and venue adapters.
func New(
	intents domain.IntentStore,
	fills domain.FillStore,
	positions domain.PositionStore,
	audit domain.AuditStore,
	venues map[domain.VenueName]domain.VenueAdapter,
	logger *slog.Logger,
) *Journal {
	return &Journal{
		intents:   intents,
		fills:     fills,
		positions: positions,
		audit:     audit,
		venues:    venues,
		logger:    logger.With(slog.String("component", "journal")),
	}
}

// Record journals a new intent without placing it. If an intent with the
// same client identifier already exists, the original is returned with
// ok=false and no row is written: this is the idempotent-submission contract.
func (j *Journal) Record(ctx context.Context, intent domain.OrderIntent) (domain.OrderIntent, bool, error) {
	now := time.Now().UTC()
	intent.State = domain.IntentStateNew
	intent.CreatedAt = now
	intent.UpdatedAt = now

	err := j.intents.Create(ctx, intent)
	if errors.Is(err, domain.ErrAlreadyExists) {
		existing, getErr := j.intents.GetByClientID(ctx, intent.ClientID)
		if getErr != nil {
			return domain.OrderIntent{}, false, fmt.Errorf("journal: load existing intent %s: %w", intent.ClientID, getErr)
		}
		j.logger.InfoContext(ctx, "duplicate submission deduplicated",
			slog.String("client_id", intent.ClientID),
			slog.String("state", string(existing.State)),
		)
		return existing, false, nil
	}
	if err != nil {
		return domain.OrderIntent{}, false, fmt.Errorf("journal: record intent %s: %w", intent.ClientID, err)
	}
	j.auditLog(ctx, "intent_recorded", map[string]any{
		"intent_id": intent.ID,
		"client_id": intent.ClientID,
		"venue":     string(intent.Venue),
		"symbol":    intent.Symbol,
		"side":      string(intent.Side),
		"qty":       intent.Qty,
	})
	return intent, true, nil
}

// Submit records the intent and places it on its venue. A resubmission with
// a client identifier the journal has already seen returns the original
// intent without contacting the venue. A connectivity failure after the
// PENDING transition leaves the intent in-flight for RecoverInflight to
// resolve; the order may or may not have reached the venue.
func (j *Journal) Submit(ctx context.Context, intent domain.OrderIntent) (domain.OrderIntent, error) {
	recorded, fresh, err := j.Record(ctx, intent)
	if err != nil {
		return domain.OrderIntent{}, err
	}
	if !fresh {
		return recorded, nil
	}

	adapter, ok := j.venues[recorded.Venue]
	if !ok {
		recorded.State = domain.IntentStateRejected
		recorded.UpdatedAt = time.Now().UTC()
		_ = j.intents.Update(ctx, recorded)
		return recorded, fmt.Errorf("journal: no adapter for venue %s", recorded.Venue)
	}

	recorded.State = domain.IntentStatePending
	recorded.UpdatedAt = time.Now().UTC()
	if err := j.intents.Update(ctx, recorded); err != nil {
		return domain.OrderIntent{}, fmt.Errorf("journal: mark pending %s: %w", recorded.ClientID, err)
	}

	result, err := adapter.PlaceOrder(ctx, domain.PlaceOrderRequest{
		ClientID:    recorded.ClientID,
		Symbol:      recorded.Symbol,
		Side:        recorded.Side,
		Type:        recorded.Type,
		TimeInForce: recorded.TimeInForce,
		Price:       recorded.Price,
		Qty:         recorded.Qty,
		ReduceOnly:  recorded.ReduceOnly,
		PostOnly:    recorded.PostOnly,
	})
	if err != nil {
		var connErr *domain.ConnectivityError
		if errors.As(err, &connErr) || errors.Is(err, context.DeadlineExceeded) {
			// The order may have reached the venue; leave the intent PENDING
			// so restart recovery resolves it by client ID.
			j.logger.WarnContext(ctx, "order placement unresolved, left pending",
				slog.String("client_id", recorded.ClientID),
				slog.String("error", err.Error()),
			)
			return recorded, err
		}
		recorded.State = domain.IntentStateRejected
		recorded.UpdatedAt = time.Now().UTC()
		if updErr := j.intents.Update(ctx, recorded); updErr != nil {
			return recorded, fmt.Errorf("journal: mark rejected %s: %w", recorded.ClientID, updErr)
		}
		return recorded, fmt.Errorf("journal: place order %s: %w", recorded.ClientID, err)
	}

	return j.applyResult(ctx, recorded, result)
}

// applyResult advances an intent from the venue's synchronous response.
func (j *Journal) applyResult(ctx context.Context, intent domain.OrderIntent, res domain.PlaceOrderResult) (domain.OrderIntent, error) {
	intent.VenueOrderID = res.VenueOrderID
	intent.State = domain.IntentStateAck
	intent.UpdatedAt = time.Now().UTC()
	if err := j.intents.Update(ctx, intent); err != nil {
		return intent, fmt.Errorf("journal: mark ack %s: %w", intent.ClientID, err)
	}

	if res.FilledQty > 0 {
		fillID := res.LastFillID
		if fillID == "" {
			// Synthetic but deterministic: one synchronous fill per venue order.
			fillID = res.VenueOrderID + ":sync"
		}
		return j.ApplyFill(ctx, domain.Fill{
			ID:       fillID,
			IntentID: intent.ID,
			Venue:    intent.Venue,
			Symbol:   intent.Symbol,
			Side:     intent.Side,
			Qty:      res.FilledQty,
			Price:    res.AvgFillPrice,
			FeeUSD:   res.FeeUSD,
			At:       time.Now().UTC(),
		})
	}

	if res.Status.Terminal() {
		return j.Transition(ctx, intent.ID, res.Status)
	}
	return intent, nil
}

// ApplyFill applies one fill event to its intent and folds it into the
// derived position. Replaying an identical fill (same fill ID, or a fill
// already reflected in the cumulative quantity) is a no-op.
func (j *Journal) ApplyFill(ctx context.Context, fill domain.Fill) (domain.OrderIntent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	intent, err := j.intents.GetByID(ctx, fill.IntentID)
	if err != nil {
		return domain.OrderIntent{}, fmt.Errorf("journal: fill for unknown intent %s: %w", fill.IntentID, err)
	}

	if intent.LastFillID == fill.ID {
		return intent, nil
	}
	if err := j.fills.Insert(ctx, fill); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			j.logger.DebugContext(ctx, "duplicate fill ignored",
				slog.String("fill_id", fill.ID),
				slog.String("intent_id", fill.IntentID),
			)
			return intent, nil
		}
		return intent, fmt.Errorf("journal: insert fill %s: %w", fill.ID, err)
	}

	// Cumulative quantity must never exceed the intent quantity; clamp and
	// flag rather than double-count.
	applied := fill.Qty
	if intent.FilledQty+applied > intent.Qty+1e-9 {
		applied = intent.Qty - intent.FilledQty
		j.logger.WarnContext(ctx, "fill overflows intent quantity, clamped",
			slog.String("intent_id", intent.ID),
			slog.Float64("fill_qty", fill.Qty),
			slog.Float64("applied", applied),
		)
	}
	if applied <= 0 {
		return intent, nil
	}

	total := intent.FilledQty + applied
	intent.AvgFillPrice = (intent.AvgFillPrice*intent.FilledQty + fill.Price*applied) / total
	intent.FilledQty = total
	intent.LastFillID = fill.ID
	if intent.Remaining() <= 1e-9 {
		intent.State = domain.IntentStateFilled
	} else {
		intent.State = domain.IntentStatePartial
	}
	intent.UpdatedAt = time.Now().UTC()

	if err := j.intents.Update(ctx, intent); err != nil {
		return intent, fmt.Errorf("journal: update intent %s after fill: %w", intent.ID, err)
	}

	if err := j.foldFill(ctx, intent, fill.Price, applied); err != nil {
		return intent, err
	}

	j.auditLog(ctx, "fill_applied", map[string]any{
		"intent_id": intent.ID,
		"fill_id":   fill.ID,
		"qty":       applied,
		"price":     fill.Price,
		"state":     string(intent.State),
	})
	return intent, nil
}

// foldFill updates the derived position for one applied fill. Positions are
// only ever written here and by reconciliation's exclusive corrections.
func (j *Journal) foldFill(ctx context.Context, intent domain.OrderIntent, price, qty float64) error {
	pos, err := j.positions.Get(ctx, intent.Venue, intent.Symbol)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("journal: load position %s %s: %w", intent.Venue, intent.Symbol, err)
	}
	if errors.Is(err, domain.ErrNotFound) {
		pos = domain.Position{Venue: intent.Venue, Symbol: intent.Symbol}
	}

	signed := qty
	if intent.Side == domain.OrderSideSell {
		signed = -qty
	}

	switch {
	case pos.Qty == 0 || sameSign(pos.Qty, signed):
		// Opening or adding: weighted average entry.
		newQty := pos.Qty + signed
		pos.AvgEntryPrice = (pos.AvgEntryPrice*math.Abs(pos.Qty) + price*qty) / math.Abs(newQty)
		pos.Qty = newQty
	default:
		// Reducing (or flipping through) the existing position.
		closed := math.Min(qty, math.Abs(pos.Qty))
		direction := 1.0
		if pos.Qty < 0 {
			direction = -1.0
		}
		pos.RealizedPnL += (price - pos.AvgEntryPrice) * closed * direction
		pos.Qty += signed
		if pos.Flat() {
			pos.Qty = 0
			pos.AvgEntryPrice = 0
		} else if !sameSign(pos.Qty, direction) {
			// Flipped: remainder opens a fresh position at the fill price.
			pos.AvgEntryPrice = price
		}
	}
	pos.UpdatedAt = time.Now().UTC()

	if err := j.positions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("journal: upsert position %s %s: %w", intent.Venue, intent.Symbol, err)
	}
	return nil
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// Transition applies a lifecycle transition idempotently: moving an intent
// to the state it is already in, or past a terminal state, is a no-op.
func (j *Journal) Transition(ctx context.Context, intentID string, to domain.IntentState) (domain.OrderIntent, error) {
	intent, err := j.intents.GetByID(ctx, intentID)
	if err != nil {
		return domain.OrderIntent{}, fmt.Errorf("journal: transition unknown intent %s: %w", intentID, err)
	}
	if intent.State == to || intent.State.Terminal() {
		return intent, nil
	}

	intent.State = to
	intent.UpdatedAt = time.Now().UTC()
	if err := j.intents.Update(ctx, intent); err != nil {
		return intent, fmt.Errorf("journal: transition %s to %s: %w", intentID, to, err)
	}
	j.auditLog(ctx, "intent_transition", map[string]any{
		"intent_id": intentID,
		"state":     string(to),
	})
	return intent, nil
}

// RecoverInflight resolves every intent left in a live state by querying its
// venue by client identifier and advancing the intent to its true state.
// This is the restart-safety contract: a crash between "order sent" and "ACK
// recorded" must produce neither a duplicate order nor a silently lost one.
func (j *Journal) RecoverInflight(ctx context.Context) ([]domain.OrderIntent, error) {
	inflight, err := j.intents.ListInflight(ctx)
	if err != nil {
		return nil, fmt.Errorf("journal: list inflight: %w", err)
	}

	recovered := make([]domain.OrderIntent, 0, len(inflight))
	for _, intent := range inflight {
		adapter, ok := j.venues[intent.Venue]
		if !ok {
			j.logger.WarnContext(ctx, "no adapter for inflight intent",
				slog.String("intent_id", intent.ID),
				slog.String("venue", string(intent.Venue)),
			)
			continue
		}

		order, err := adapter.OrderByClientID(ctx, intent.Symbol, intent.ClientID)
		if errors.Is(err, domain.ErrNotFound) {
			// Never reached the venue: safe to expire, nothing was placed.
			resolved, terr := j.Transition(ctx, intent.ID, domain.IntentStateExpired)
			if terr != nil {
				return recovered, terr
			}
			recovered = append(recovered, resolved)
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("journal: recover %s on %s: %w", intent.ClientID, intent.Venue, err)
		}

		if order.FilledQty > intent.FilledQty {
			fillID := order.LastFillID
			if fillID == "" {
				fillID = order.VenueOrderID + ":recover"
			}
			intentAfter, ferr := j.ApplyFill(ctx, domain.Fill{
				ID:       fillID,
				IntentID: intent.ID,
				Venue:    intent.Venue,
				Symbol:   intent.Symbol,
				Side:     intent.Side,
				Qty:      order.FilledQty - intent.FilledQty,
				Price:    order.AvgFillPrice,
				At:       time.Now().UTC(),
			})
			if ferr != nil {
				return recovered, ferr
			}
			intent = intentAfter
		}

		if order.Status.Terminal() && !intent.State.Terminal() {
			resolved, terr := j.Transition(ctx, intent.ID, order.Status)
			if terr != nil {
				return recovered, terr
			}
			intent = resolved
		} else if !intent.State.Terminal() && intent.State != domain.IntentStatePartial {
			resolved, terr := j.Transition(ctx, intent.ID, domain.IntentStateAck)
			if terr != nil {
				return recovered, terr
			}
			intent = resolved
		}
		recovered = append(recovered, intent)
	}

	j.logger.InfoContext(ctx, "inflight recovery complete",
		slog.Int("inflight", len(inflight)),
		slog.Int("recovered", len(recovered)),
	)
	return recovered, nil
}

// Positions returns the journal-derived position view.
func (j *Journal) Positions(ctx context.Context) ([]domain.Position, error) {
	return j.positions.List(ctx)
}

// Intent returns a single intent by ID.
func (j *Journal) Intent(ctx context.Context, id string) (domain.OrderIntent, error) {
	return j.intents.GetByID(ctx, id)
}

func (j *Journal) auditLog(ctx context.Context, event string, detail map[string]any) {
	if j.audit == nil {
		return
	}
	if err := j.audit.Log(ctx, event, detail); err != nil {
		j.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
