package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"turnline/internal/domain"
	"turnline/internal/events"
)

// Seed scenarios build backdated completed turnovers that tell the KPI story:
// the sequential history breaches the target, the parallel one beats it.
const (
	ScenarioBottleneck = "bottleneck"
	ScenarioOptimized  = "optimized"
)

type seedSpan struct {
	woType     string
	startHours int64
	endHours   int64
}

// SeedScenario inserts a pre-built completed turnover with its work orders.
//
// bottleneck: fully sequential, gate 0-6h, then 6-16h, then 16-60h; the last
// order runs 20h over its SLA and the 60h cycle breaches the 36h target.
// optimized: gate 0-3h, the two parallel orders 3-10h and 3-26h; the 26h
// cycle lands under the target.
func (e *Engine) SeedScenario(ctx context.Context, scenario string) (domain.Turnover, error) {
	if e.Config == nil {
		return domain.Turnover{}, fmt.Errorf("config not loaded")
	}
	parallel := e.Config.ParallelTypes()
	if len(parallel) != 2 {
		return domain.Turnover{}, fmt.Errorf("seed scenarios need a catalog with two parallel types, got %d", len(parallel))
	}
	gate := e.Config.GateType()

	var spans []seedSpan
	var cycleHours int64
	switch scenario {
	case ScenarioBottleneck:
		cycleHours = 60
		spans = []seedSpan{
			{gate, 0, 6},
			{parallel[0], 6, 16},
			{parallel[1], 16, 60},
		}
	case ScenarioOptimized:
		cycleHours = 26
		spans = []seedSpan{
			{gate, 0, 3},
			{parallel[0], 3, 10},
			{parallel[1], 3, 26},
		}
	default:
		return domain.Turnover{}, fmt.Errorf("unknown scenario %q; use %s or %s", scenario, ScenarioBottleneck, ScenarioOptimized)
	}

	now := e.now().UTC()
	moveOut := now.Add(-time.Duration(cycleHours) * time.Hour)
	completedAt := moveOut.Add(time.Duration(cycleHours) * time.Hour).Format(time.RFC3339)
	t := domain.Turnover{
		ID:          uuid.New().String(),
		PropertyID:  fmt.Sprintf("PROP-%s-%d", strings.ToUpper(scenario), now.UnixMilli()),
		Status:      domain.TurnoverCompleted,
		StartedAt:   moveOut.Format(time.RFC3339),
		CompletedAt: &completedAt,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Turnover{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTurnover(ctx, tx, t); err != nil {
		return domain.Turnover{}, fmt.Errorf("insert turnover: %w", err)
	}
	for _, s := range spans {
		slaDur, ok := e.Config.SLADuration(s.woType)
		if !ok {
			return domain.Turnover{}, fmt.Errorf("work order type %s not in catalog", s.woType)
		}
		start := moveOut.Add(time.Duration(s.startHours) * time.Hour)
		end := start.Add(time.Duration(s.endHours-s.startHours) * time.Hour).Format(time.RFC3339)
		wo := domain.WorkOrder{
			ID:          uuid.New().String(),
			TurnoverID:  t.ID,
			Type:        s.woType,
			Status:      domain.WorkOrderCompleted,
			StartedAt:   start.Format(time.RFC3339),
			SLADeadline: start.Add(slaDur).Format(time.RFC3339),
			CompletedAt: &end,
		}
		if err := e.Repo.InsertWorkOrder(ctx, tx, wo); err != nil {
			return domain.Turnover{}, fmt.Errorf("insert work order: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "turnover.seeded", t.ID, "turnover", t.ID, events.EventPayload{
		"scenario":         scenario,
		"property_id":      t.PropertyID,
		"cycle_time_hours": cycleHours,
	}); err != nil {
		return domain.Turnover{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Turnover{}, err
	}
	return t, nil
}
