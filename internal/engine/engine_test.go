package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"turnline/internal/bus"
	"turnline/internal/config"
	"turnline/internal/db"
	"turnline/internal/domain"
	"turnline/internal/engine"
	"turnline/internal/migrate"
	"turnline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Bus    *bus.Bus
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b := bus.New()
	eng := engine.New(conn, config.Default(), b)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Bus: b, Ctx: context.Background()}
}

func orderByType(t *testing.T, orders []domain.WorkOrder, woType string) domain.WorkOrder {
	t.Helper()
	for _, wo := range orders {
		if wo.Type == woType {
			return wo
		}
	}
	t.Fatalf("no %s work order in %d orders", woType, len(orders))
	return domain.WorkOrder{}
}

func TestStartTurnoverCreatesGateOrder(t *testing.T) {
	env := newTestEnv(t)
	tn, err := env.Engine.StartTurnover(env.Ctx, "APT-101")
	if err != nil {
		t.Fatalf("start turnover: %v", err)
	}
	if tn.Status != domain.TurnoverInProgress {
		t.Fatalf("status = %s, want in_progress", tn.Status)
	}
	orders, err := env.Engine.ListWorkOrders(env.Ctx, tn.ID)
	if err != nil {
		t.Fatalf("list work orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d work orders, want only the gate order", len(orders))
	}
	gate := orders[0]
	if gate.Type != "INSPECTION" || gate.Status != domain.WorkOrderPending {
		t.Fatalf("gate order = %s/%s, want INSPECTION/pending", gate.Type, gate.Status)
	}
	wantDeadline := time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if gate.SLADeadline != wantDeadline {
		t.Fatalf("gate sla_deadline = %s, want %s", gate.SLADeadline, wantDeadline)
	}
}

func TestStartTurnoverIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.StartTurnover(env.Ctx, "APT-101")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := env.Engine.StartTurnover(env.Ctx, "APT-101")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second start created a new turnover %s, want %s", second.ID, first.ID)
	}
	orders, err := env.Engine.ListWorkOrders(env.Ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Fatalf("second start added work orders: got %d, want 1", len(orders))
	}
}

func TestStartTurnoverAfterCompletionStartsFresh(t *testing.T) {
	env := newTestEnv(t)
	first := runFullTurnover(t, env, "APT-101")
	second, err := env.Engine.StartTurnover(env.Ctx, "APT-101")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a fresh turnover after the previous completed")
	}
	if second.Status != domain.TurnoverInProgress {
		t.Fatalf("fresh turnover status = %s", second.Status)
	}
}

func TestGateCompletionFansOut(t *testing.T) {
	env := newTestEnv(t)
	tn, err := env.Engine.StartTurnover(env.Ctx, "APT-101")
	if err != nil {
		t.Fatal(err)
	}
	orders, _ := env.Engine.ListWorkOrders(env.Ctx, tn.ID)
	gate := orderByType(t, orders, "INSPECTION")

	// Gate completes two hours in; deadlines for the unlocked orders are
	// anchored at that completion time.
	completionTime := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return completionTime }
	if _, err := env.Engine.CompleteWorkOrder(env.Ctx, gate.ID); err != nil {
		t.Fatalf("complete gate: %v", err)
	}

	orders, err = env.Engine.ListWorkOrders(env.Ctx, tn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 3 {
		t.Fatalf("got %d work orders after gate completion, want 3", len(orders))
	}
	cleaning := orderByType(t, orders, "CLEANING")
	repair := orderByType(t, orders, "REPAIR")
	if cleaning.Status != domain.WorkOrderPending || repair.Status != domain.WorkOrderPending {
		t.Fatalf("parallel orders not pending: %s, %s", cleaning.Status, repair.Status)
	}
	if want := completionTime.Add(8 * time.Hour).Format(time.RFC3339); cleaning.SLADeadline != want {
		t.Fatalf("cleaning sla_deadline = %s, want %s", cleaning.SLADeadline, want)
	}
	if want := completionTime.Add(24 * time.Hour).Format(time.RFC3339); repair.SLADeadline != want {
		t.Fatalf("repair sla_deadline = %s, want %s", repair.SLADeadline, want)
	}

	got, err := env.Engine.Repo.GetTurnover(env.Ctx, tn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TurnoverInProgress {
		t.Fatalf("turnover advanced to %s after gate alone", got.Status)
	}
}

func TestSingleParallelCompletionLeavesInProgress(t *testing.T) {
	env := newTestEnv(t)
	tn, err := env.Engine.StartTurnover(env.Ctx, "APT-101")
	if err != nil {
		t.Fatal(err)
	}
	orders, _ := env.Engine.ListWorkOrders(env.Ctx, tn.ID)
	if _, err := env.Engine.CompleteWorkOrder(env.Ctx, orders[0].ID); err != nil {
		t.Fatal(err)
	}
	orders, _ = env.Engine.ListWorkOrders(env.Ctx, tn.ID)
	cleaning := orderByType(t, orders, "CLEANING")
	if _, err := env.Engine.CompleteWorkOrder(env.Ctx, cleaning.ID); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetTurnover(env.Ctx, tn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TurnoverInProgress {
		t.Fatalf("turnover = %s with one parallel order still pending", got.Status)
	}
	if got.CompletedAt != nil {
		t.Fatalf("completed_at set while in progress")
	}
}

func TestCompletionOrderDoesNotMatter(t *testing.T) {
	for _, first := range []string{"CLEANING", "REPAIR"} {
		t.Run("last="+first, func(t *testing.T) {
			env := newTestEnv(t)
			tn, err := env.Engine.StartTurnover(env.Ctx, "APT-101")
			if err != nil {
				t.Fatal(err)
			}
			orders, _ := env.Engine.ListWorkOrders(env.Ctx, tn.ID)
			if _, err := env.Engine.CompleteWorkOrder(env.Ctx, orders[0].ID); err != nil {
				t.Fatal(err)
			}
			orders, _ = env.Engine.ListWorkOrders(env.Ctx, tn.ID)
			second := "REPAIR"
			if first == "REPAIR" {
				second = "CLEANING"
			}
			if _, err := env.Engine.CompleteWorkOrder(env.Ctx, orderByType(t, orders, first).ID); err != nil {
				t.Fatal(err)
			}
			if _, err := env.Engine.CompleteWorkOrder(env.Ctx, orderByType(t, orders, second).ID); err != nil {
				t.Fatal(err)
			}
			got, err := env.Engine.Repo.GetTurnover(env.Ctx, tn.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != domain.TurnoverCompleted || got.CompletedAt == nil {
				t.Fatalf("turnover = %s, completed_at nil=%v", got.Status, got.CompletedAt == nil)
			}
		})
	}
}

func TestReadyPublishedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var ready []bus.TurnoverReady
	env.Bus.Subscribe(bus.KindTurnoverReady, func(ctx context.Context, evt bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		ready = append(ready, evt.(bus.TurnoverReady))
		return nil
	})

	tn, err := env.Engine.StartTurnover(env.Ctx, "APT-101")
	if err != nil {
		t.Fatal(err)
	}
	orders, _ := env.Engine.ListWorkOrders(env.Ctx, tn.ID)
	if _, err := env.Engine.CompleteWorkOrder(env.Ctx, orders[0].ID); err != nil {
		t.Fatal(err)
	}
	orders, _ = env.Engine.ListWorkOrders(env.Ctx, tn.ID)
	cleaning := orderByType(t, orders, "CLEANING")
	repair := orderByType(t, orders, "REPAIR")

	// Racing sibling completions must still produce exactly one transition.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{cleaning.ID, repair.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.Engine.CompleteWorkOrder(env.Ctx, id)
		}(i, id)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent completion %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ready) != 1 {
		t.Fatalf("got %d ready notifications, want exactly 1", len(ready))
	}
	if ready[0].TurnoverID != tn.ID || ready[0].PropertyID != "APT-101" {
		t.Fatalf("ready notification for %s/%s", ready[0].TurnoverID, ready[0].PropertyID)
	}
	got, err := env.Engine.Repo.GetTurnover(env.Ctx, tn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TurnoverCompleted {
		t.Fatalf("turnover = %s after both siblings", got.Status)
	}
}

func TestCompleteWorkOrderTwiceRejected(t *testing.T) {
	env := newTestEnv(t)
	tn, err := env.Engine.StartTurnover(env.Ctx, "APT-101")
	if err != nil {
		t.Fatal(err)
	}
	orders, _ := env.Engine.ListWorkOrders(env.Ctx, tn.ID)
	gate := orders[0]
	first, err := env.Engine.CompleteWorkOrder(env.Ctx, gate.ID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CompleteWorkOrder(env.Ctx, gate.ID)
	if !errors.Is(err, engine.ErrAlreadyCompleted) {
		t.Fatalf("second completion err = %v, want ErrAlreadyCompleted", err)
	}
	// The recorded completion must be untouched and no extra fan-out occurred.
	got, err := env.Engine.Repo.GetWorkOrder(env.Ctx, gate.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil || *got.CompletedAt != *first.CompletedAt {
		t.Fatalf("completed_at changed on rejected re-completion")
	}
	orders, _ = env.Engine.ListWorkOrders(env.Ctx, tn.ID)
	if len(orders) != 3 {
		t.Fatalf("got %d work orders, want 3", len(orders))
	}
}

func TestCompleteUnknownWorkOrder(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CompleteWorkOrder(env.Ctx, "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListWorkOrdersUnknownTurnover(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ListWorkOrders(env.Ctx, "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSeedScenarios(t *testing.T) {
	env := newTestEnv(t)
	for _, tc := range []struct {
		scenario   string
		cycleHours int64
	}{
		{engine.ScenarioBottleneck, 60},
		{engine.ScenarioOptimized, 26},
	} {
		tn, err := env.Engine.SeedScenario(env.Ctx, tc.scenario)
		if err != nil {
			t.Fatalf("seed %s: %v", tc.scenario, err)
		}
		if tn.Status != domain.TurnoverCompleted || tn.CompletedAt == nil {
			t.Fatalf("%s: seeded turnover not completed", tc.scenario)
		}
		started, _ := time.Parse(time.RFC3339, tn.StartedAt)
		completed, _ := time.Parse(time.RFC3339, *tn.CompletedAt)
		if got := int64(completed.Sub(started) / time.Hour); got != tc.cycleHours {
			t.Fatalf("%s: cycle = %dh, want %dh", tc.scenario, got, tc.cycleHours)
		}
		orders, err := env.Engine.Repo.ListWorkOrdersByTurnover(env.Ctx, tn.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(orders) != 3 {
			t.Fatalf("%s: got %d work orders, want 3", tc.scenario, len(orders))
		}
		for _, wo := range orders {
			if wo.Status != domain.WorkOrderCompleted || wo.CompletedAt == nil {
				t.Fatalf("%s: order %s not completed", tc.scenario, wo.Type)
			}
		}
	}
}

func TestSeedScenarioUnknown(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SeedScenario(env.Ctx, "speedrun"); err == nil {
		t.Fatal("expected error for unknown scenario")
	}
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tn := runFullTurnover(t, env, "APT-101")

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, tn.ID, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]int{}
	for _, e := range events {
		counts[e.Type]++
	}
	if counts["turnover.started"] != 1 {
		t.Fatalf("turnover.started count = %d", counts["turnover.started"])
	}
	if counts["workorder.created"] != 3 {
		t.Fatalf("workorder.created count = %d", counts["workorder.created"])
	}
	if counts["workorder.completed"] != 3 {
		t.Fatalf("workorder.completed count = %d", counts["workorder.completed"])
	}
	if counts["turnover.ready"] != 1 {
		t.Fatalf("turnover.ready count = %d", counts["turnover.ready"])
	}
}

func runFullTurnover(t *testing.T, env testEnv, propertyID string) domain.Turnover {
	t.Helper()
	tn, err := env.Engine.StartTurnover(env.Ctx, propertyID)
	if err != nil {
		t.Fatalf("start turnover: %v", err)
	}
	orders, err := env.Engine.ListWorkOrders(env.Ctx, tn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteWorkOrder(env.Ctx, orders[0].ID); err != nil {
		t.Fatalf("complete gate: %v", err)
	}
	orders, err = env.Engine.ListWorkOrders(env.Ctx, tn.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, wo := range orders {
		if wo.Status == domain.WorkOrderPending {
			if _, err := env.Engine.CompleteWorkOrder(env.Ctx, wo.ID); err != nil {
				t.Fatalf("complete %s: %v", wo.Type, err)
			}
		}
	}
	return tn
}
