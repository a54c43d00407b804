// Package kpi derives cycle-time and SLA reporting from committed turnover
// state. It never mutates anything: in-progress records are measured against
// the current clock, completed ones against their recorded timestamps.
package kpi

import (
	"fmt"
	"math"
	"time"

	"turnline/internal/config"
	"turnline/internal/domain"
)

// Calculator computes reports against the work-order catalog and KPI target.
type Calculator struct {
	Config *config.Config
	Now    func() time.Time
}

// WorkOrderKPI is the per-order SLA breakdown.
type WorkOrderKPI struct {
	Type         string  `json:"type"`
	Status       string  `json:"status" enum:"pending,completed"`
	SLAHours     int64   `json:"sla_hours"`
	ActualHours  int64   `json:"actual_hours"`
	OverrunHours int64   `json:"overrun_hours"`
	OnTime       bool    `json:"on_time"`
	SLADeadline  string  `json:"sla_deadline" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

// TurnoverReport is the full KPI picture for one turnover.
type TurnoverReport struct {
	PropertyID     string         `json:"property_id"`
	TurnoverID     string         `json:"turnover_id"`
	Status         string         `json:"status" enum:"in_progress,completed"`
	CycleTimeHours int64          `json:"cycle_time_hours"`
	TargetHours    int64          `json:"kpi_target_hours"`
	SLABreached    bool           `json:"sla_breached"`
	VarianceHours  int64          `json:"variance_hours"`
	OnTimePct      *int64         `json:"work_orders_on_time_pct,omitempty"`
	Bottleneck     *WorkOrderKPI  `json:"bottleneck,omitempty"`
	WorkOrders     []WorkOrderKPI `json:"work_orders"`
}

// Summary aggregates over all turnovers; averages and compliance cover only
// completed ones and are omitted when none have completed.
type Summary struct {
	TotalTurnovers      int    `json:"total_turnovers"`
	CompletedTurnovers  int    `json:"completed_turnovers"`
	InProgressTurnovers int    `json:"in_progress_turnovers"`
	AvgCycleTimeHours   *int64 `json:"avg_cycle_time_hours,omitempty"`
	TargetHours         int64  `json:"kpi_target_hours"`
	WithinTargetCount   int    `json:"within_target_count"`
	CompliancePct       *int64 `json:"kpi_compliance_pct,omitempty"`
}

func (c Calculator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Turnover builds the report for one turnover and its work orders.
func (c Calculator) Turnover(t domain.Turnover, orders []domain.WorkOrder) (TurnoverReport, error) {
	now := c.now().UTC()
	cycleHours, err := elapsedHours(t.StartedAt, t.CompletedAt, now)
	if err != nil {
		return TurnoverReport{}, err
	}
	target := c.Config.KPI.TargetHours
	report := TurnoverReport{
		PropertyID:     t.PropertyID,
		TurnoverID:     t.ID,
		Status:         t.Status,
		CycleTimeHours: cycleHours,
		TargetHours:    target,
		SLABreached:    cycleHours > target,
		VarianceHours:  cycleHours - target,
		WorkOrders:     make([]WorkOrderKPI, 0, len(orders)),
	}

	onTimeCount := 0
	completedCount := 0
	for _, wo := range orders {
		woKPI, err := c.workOrder(wo, now)
		if err != nil {
			return TurnoverReport{}, err
		}
		report.WorkOrders = append(report.WorkOrders, woKPI)
		if wo.Status == domain.WorkOrderCompleted {
			completedCount++
			if woKPI.OnTime {
				onTimeCount++
			}
		}
	}
	if completedCount > 0 {
		pct := int64(onTimeCount) * 100 / int64(completedCount)
		report.OnTimePct = &pct
	}
	// Bottleneck: largest positive overrun; ties keep the first in list order.
	for i := range report.WorkOrders {
		wo := report.WorkOrders[i]
		if wo.OverrunHours <= 0 {
			continue
		}
		if report.Bottleneck == nil || wo.OverrunHours > report.Bottleneck.OverrunHours {
			report.Bottleneck = &report.WorkOrders[i]
		}
	}
	return report, nil
}

func (c Calculator) workOrder(wo domain.WorkOrder, now time.Time) (WorkOrderKPI, error) {
	slaHours, ok := c.Config.SLAHours(wo.Type)
	if !ok {
		return WorkOrderKPI{}, fmt.Errorf("work order type %s not in catalog", wo.Type)
	}
	actual, err := elapsedHours(wo.StartedAt, wo.CompletedAt, now)
	if err != nil {
		return WorkOrderKPI{}, err
	}
	overrun := actual - slaHours
	if overrun < 0 {
		overrun = 0
	}
	return WorkOrderKPI{
		Type:         wo.Type,
		Status:       wo.Status,
		SLAHours:     slaHours,
		ActualHours:  actual,
		OverrunHours: overrun,
		OnTime:       wo.Status == domain.WorkOrderCompleted && overrun == 0,
		SLADeadline:  wo.SLADeadline,
		CompletedAt:  wo.CompletedAt,
	}, nil
}

// Summary aggregates cycle time and target compliance over all turnovers.
func (c Calculator) Summary(turnovers []domain.Turnover) (Summary, error) {
	target := c.Config.KPI.TargetHours
	s := Summary{
		TotalTurnovers: len(turnovers),
		TargetHours:    target,
	}
	var totalCycle int64
	for _, t := range turnovers {
		if t.Status != domain.TurnoverCompleted || t.CompletedAt == nil {
			continue
		}
		cycle, err := hoursBetween(t.StartedAt, *t.CompletedAt)
		if err != nil {
			return Summary{}, err
		}
		s.CompletedTurnovers++
		totalCycle += cycle
		if cycle <= target {
			s.WithinTargetCount++
		}
	}
	s.InProgressTurnovers = s.TotalTurnovers - s.CompletedTurnovers
	if s.CompletedTurnovers > 0 {
		avg := int64(math.Round(float64(totalCycle) / float64(s.CompletedTurnovers)))
		s.AvgCycleTimeHours = &avg
		pct := int64(s.WithinTargetCount) * 100 / int64(s.CompletedTurnovers)
		s.CompliancePct = &pct
	}
	return s, nil
}

// elapsedHours measures from start to completion, or to now while still open.
func elapsedHours(startedAt string, completedAt *string, now time.Time) (int64, error) {
	if completedAt != nil {
		return hoursBetween(startedAt, *completedAt)
	}
	return hoursBetween(startedAt, now.Format(time.RFC3339))
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
