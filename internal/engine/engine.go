package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"turnline/internal/bus"
	"turnline/internal/config"
	"turnline/internal/domain"
	"turnline/internal/events"
	"turnline/internal/repo"
)

var (
	// ErrAlreadyCompleted rejects a second completion of the same work order.
	// Re-completing would overwrite completed_at and re-fire downstream
	// notifications, so it is refused rather than silently absorbed.
	ErrAlreadyCompleted = errors.New("work order already completed")

	// ErrInvariant marks internal-logic failures such as a turnover carrying
	// more work orders than the catalog defines. Not user-recoverable.
	ErrInvariant = errors.New("invariant violation")
)

// Engine orchestrates turnovers: it starts them, reacts to work order
// completions arriving over the bus, fans out the parallel orders when the
// gate order finishes, and detects overall completion.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *bus.Bus
	Config *config.Config
	Now    func() time.Time

	locks *keyedMutex
}

// New builds an engine and subscribes it to work order completions.
func New(conn *sql.DB, cfg *config.Config, b *bus.Bus) *Engine {
	e := &Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Bus:    b,
		Config: cfg,
		Now:    time.Now,
		locks:  newKeyedMutex(),
	}
	b.Subscribe(bus.KindWorkOrderCompleted, e.onWorkOrderCompleted)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StartTurnover begins a turnover for a vacated property. If one is already
// in progress for the property the existing turnover is returned unchanged.
// Otherwise the turnover and its gate work order are persisted together and
// a tenant.moved-out notification is published after commit.
func (e *Engine) StartTurnover(ctx context.Context, propertyID string) (domain.Turnover, error) {
	if e.Config == nil {
		return domain.Turnover{}, errors.New("config not loaded")
	}
	if propertyID == "" {
		return domain.Turnover{}, errors.New("property id is required")
	}
	unlock := e.locks.Lock("property:" + propertyID)
	existing, err := e.Repo.FindTurnoverByPropertyAndStatus(ctx, propertyID, domain.TurnoverInProgress)
	if err == nil {
		unlock()
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		unlock()
		return domain.Turnover{}, err
	}

	now := e.now().UTC()
	t := domain.Turnover{
		ID:         uuid.New().String(),
		PropertyID: propertyID,
		Status:     domain.TurnoverInProgress,
		StartedAt:  now.Format(time.RFC3339),
	}
	err = func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.InsertTurnover(ctx, tx, t); err != nil {
			return fmt.Errorf("insert turnover: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "turnover.started", t.ID, "turnover", t.ID, events.EventPayload{
			"property_id": propertyID,
		}); err != nil {
			return err
		}
		if _, err := e.createWorkOrder(ctx, tx, t.ID, e.Config.GateType(), now); err != nil {
			return err
		}
		return tx.Commit()
	}()
	unlock()
	if err != nil {
		return domain.Turnover{}, err
	}
	if err := e.Bus.Publish(ctx, bus.TenantMovedOut{PropertyID: propertyID}); err != nil {
		return t, err
	}
	return t, nil
}

// CompleteWorkOrder marks a work order completed and publishes
// workorder.completed, which drives fan-out and the join check. A second
// completion of the same order fails with ErrAlreadyCompleted.
func (e *Engine) CompleteWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	wo, err := e.markWorkOrderCompleted(ctx, id)
	if err != nil {
		return wo, err
	}
	if err := e.Bus.Publish(ctx, bus.WorkOrderCompleted{
		TurnoverID:  wo.TurnoverID,
		WorkOrderID: wo.ID,
		Type:        wo.Type,
	}); err != nil {
		return wo, err
	}
	return wo, nil
}

// markWorkOrderCompleted is the persisted half of CompleteWorkOrder. It holds
// the turnover lock so a racing duplicate completion observes the first one.
func (e *Engine) markWorkOrderCompleted(ctx context.Context, id string) (domain.WorkOrder, error) {
	wo, err := e.Repo.GetWorkOrder(ctx, id)
	if err != nil {
		return wo, err
	}
	unlock := e.locks.Lock("turnover:" + wo.TurnoverID)
	defer unlock()
	wo, err = e.Repo.GetWorkOrder(ctx, id)
	if err != nil {
		return wo, err
	}
	if wo.Status == domain.WorkOrderCompleted {
		return wo, fmt.Errorf("%w: %s", ErrAlreadyCompleted, wo.ID)
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	wo.Status = domain.WorkOrderCompleted
	wo.CompletedAt = &nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wo, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkOrder(ctx, tx, wo); err != nil {
		return wo, err
	}
	if err := e.Events.Append(ctx, tx, "workorder.completed", wo.TurnoverID, "workorder", wo.ID, events.EventPayload{
		"type": wo.Type,
	}); err != nil {
		return wo, err
	}
	if err := tx.Commit(); err != nil {
		return wo, err
	}
	return wo, nil
}

// onWorkOrderCompleted is the engine's bus subscription: gate completions fan
// out the parallel orders, and every completion runs the join check. The
// resulting ready notification is published outside the turnover lock.
func (e *Engine) onWorkOrderCompleted(ctx context.Context, evt bus.Event) error {
	wc, ok := evt.(bus.WorkOrderCompleted)
	if !ok {
		return fmt.Errorf("unexpected event payload %T on %s", evt, evt.Kind())
	}
	ready, err := e.advanceTurnover(ctx, wc)
	if err != nil {
		return err
	}
	if ready != nil {
		return e.Bus.Publish(ctx, *ready)
	}
	return nil
}

func (e *Engine) advanceTurnover(ctx context.Context, wc bus.WorkOrderCompleted) (*bus.TurnoverReady, error) {
	unlock := e.locks.Lock("turnover:" + wc.TurnoverID)
	defer unlock()

	t, err := e.Repo.GetTurnover(ctx, wc.TurnoverID)
	if err != nil {
		return nil, err
	}
	if wc.Type == e.Config.GateType() {
		if err := e.fanOut(ctx, t); err != nil {
			return nil, err
		}
	}
	return e.checkCompletion(ctx, t)
}

// fanOut creates every parallel work order in one transaction. Creation is
// guarded by "no parallel order exists yet", so a duplicated gate-completion
// signal cannot create the set twice.
func (e *Engine) fanOut(ctx context.Context, t domain.Turnover) error {
	orders, err := e.Repo.ListWorkOrdersByTurnover(ctx, t.ID)
	if err != nil {
		return err
	}
	gateType := e.Config.GateType()
	for _, wo := range orders {
		if wo.Type != gateType {
			return nil
		}
	}
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, woType := range e.Config.ParallelTypes() {
		if _, err := e.createWorkOrder(ctx, tx, t.ID, woType, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// checkCompletion runs the join check: all catalog work orders exist and are
// completed. The caller holds the turnover lock, so the transition and the
// ready notification happen exactly once per turnover.
func (e *Engine) checkCompletion(ctx context.Context, t domain.Turnover) (*bus.TurnoverReady, error) {
	if t.Status == domain.TurnoverCompleted {
		return nil, nil
	}
	orders, err := e.Repo.ListWorkOrdersByTurnover(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	typeCount := len(e.Config.Types())
	if len(orders) > typeCount {
		return nil, fmt.Errorf("%w: turnover %s has %d work orders, catalog defines %d", ErrInvariant, t.ID, len(orders), typeCount)
	}
	if len(orders) != typeCount {
		return nil, nil
	}
	for _, wo := range orders {
		if wo.Status != domain.WorkOrderCompleted {
			return nil, nil
		}
	}

	nowStr := e.now().UTC().Format(time.RFC3339)
	t.Status = domain.TurnoverCompleted
	t.CompletedAt = &nowStr
	cycleHours, err := hoursBetween(t.StartedAt, nowStr)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTurnover(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "turnover.ready", t.ID, "turnover", t.ID, events.EventPayload{
		"property_id":      t.PropertyID,
		"cycle_time_hours": cycleHours,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &bus.TurnoverReady{
		PropertyID:     t.PropertyID,
		TurnoverID:     t.ID,
		CycleTimeHours: cycleHours,
	}, nil
}

// createWorkOrder persists one pending work order inside the caller's
// transaction, with its SLA deadline computed from the catalog.
func (e *Engine) createWorkOrder(ctx context.Context, tx *sql.Tx, turnoverID, woType string, now time.Time) (domain.WorkOrder, error) {
	slaDur, ok := e.Config.SLADuration(woType)
	if !ok {
		return domain.WorkOrder{}, fmt.Errorf("work order type %s not in catalog", woType)
	}
	wo := domain.WorkOrder{
		ID:          uuid.New().String(),
		TurnoverID:  turnoverID,
		Type:        woType,
		Status:      domain.WorkOrderPending,
		StartedAt:   now.Format(time.RFC3339),
		SLADeadline: now.Add(slaDur).Format(time.RFC3339),
	}
	if err := e.Repo.InsertWorkOrder(ctx, tx, wo); err != nil {
		return wo, fmt.Errorf("insert work order: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "workorder.created", turnoverID, "workorder", wo.ID, events.EventPayload{
		"type":         wo.Type,
		"sla_deadline": wo.SLADeadline,
	}); err != nil {
		return wo, err
	}
	return wo, nil
}

// ListWorkOrders returns a turnover's work orders in creation order, failing
// with ErrNotFound for an unknown turnover.
func (e *Engine) ListWorkOrders(ctx context.Context, turnoverID string) ([]domain.WorkOrder, error) {
	if _, err := e.Repo.GetTurnover(ctx, turnoverID); err != nil {
		return nil, err
	}
	return e.Repo.ListWorkOrdersByTurnover(ctx, turnoverID)
}

func hoursBetween(from, to string) (int64, error) {
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", from, err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", to, err)
	}
	return int64(end.Sub(start) / time.Hour), nil
}
