package server

import "turnline/internal/domain"

// Request payloads

type MoveOutRequest struct {
	PropertyID string `json:"property_id"`
}

type SimulateRequest struct {
	Scenario string `json:"scenario" enum:"bottleneck,optimized"`
}

// Response payloads

type TurnoverResponse struct {
	ID          string  `json:"id"`
	PropertyID  string  `json:"property_id"`
	Status      string  `json:"status" enum:"in_progress,completed"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type WorkOrderResponse struct {
	ID          string  `json:"id"`
	TurnoverID  string  `json:"turnover_id"`
	Type        string  `json:"type"`
	Status      string  `json:"status" enum:"pending,completed"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	SLADeadline string  `json:"sla_deadline" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TurnoverID string `json:"turnover_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

func turnoverResponse(t domain.Turnover) TurnoverResponse {
	return TurnoverResponse{
		ID:          t.ID,
		PropertyID:  t.PropertyID,
		Status:      t.Status,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

func mapTurnovers(items []domain.Turnover) []TurnoverResponse {
	res := make([]TurnoverResponse, 0, len(items))
	for _, t := range items {
		res = append(res, turnoverResponse(t))
	}
	return res
}

func workOrderResponse(wo domain.WorkOrder) WorkOrderResponse {
	return WorkOrderResponse{
		ID:          wo.ID,
		TurnoverID:  wo.TurnoverID,
		Type:        wo.Type,
		Status:      wo.Status,
		StartedAt:   wo.StartedAt,
		SLADeadline: wo.SLADeadline,
		CompletedAt: wo.CompletedAt,
	}
}

func mapWorkOrders(items []domain.WorkOrder) []WorkOrderResponse {
	res := make([]WorkOrderResponse, 0, len(items))
	for _, wo := range items {
		res = append(res, workOrderResponse(wo))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			TurnoverID: e.TurnoverID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			Payload:    e.Payload,
		})
	}
	return res
}
