package domain

// Turnover statuses. A completed turnover never reopens.
const (
	TurnoverInProgress = "in_progress"
	TurnoverCompleted  = "completed"
)

// Work order statuses. Orders are created runnable and go straight to completed.
const (
	WorkOrderPending   = "pending"
	WorkOrderCompleted = "completed"
)

// Turnover is one vacate-to-ready cycle for a property. At most one turnover
// per property may be in progress at a time.
type Turnover struct {
	ID          string  `json:"id"`
	PropertyID  string  `json:"property_id"`
	Status      string  `json:"status" enum:"in_progress,completed"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// WorkOrder is one unit of work belonging to a turnover. SLADeadline is
// computed once at creation (started_at plus the type's allowed duration)
// and stored, never recomputed.
type WorkOrder struct {
	ID          string  `json:"id"`
	TurnoverID  string  `json:"turnover_id"`
	Type        string  `json:"type"`
	Status      string  `json:"status" enum:"pending,completed"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	SLADeadline string  `json:"sla_deadline" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Event is one row of the persisted event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TurnoverID string `json:"turnover_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
