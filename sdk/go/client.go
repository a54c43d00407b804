package turnlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Turnline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Turnover represents the API turnover model.
type Turnover struct {
	ID          string  `json:"id"`
	PropertyID  string  `json:"property_id"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// WorkOrder represents one task inside a turnover.
type WorkOrder struct {
	ID          string  `json:"id"`
	TurnoverID  string  `json:"turnover_id"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	SLADeadline string  `json:"sla_deadline"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// WorkOrderKPI is the per-order SLA breakdown.
type WorkOrderKPI struct {
	Type         string  `json:"type"`
	Status       string  `json:"status"`
	SLAHours     int64   `json:"sla_hours"`
	ActualHours  int64   `json:"actual_hours"`
	OverrunHours int64   `json:"overrun_hours"`
	OnTime       bool    `json:"on_time"`
	SLADeadline  string  `json:"sla_deadline"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

// TurnoverKPI is the per-turnover cycle-time report.
type TurnoverKPI struct {
	PropertyID     string         `json:"property_id"`
	TurnoverID     string         `json:"turnover_id"`
	Status         string         `json:"status"`
	CycleTimeHours int64          `json:"cycle_time_hours"`
	TargetHours    int64          `json:"kpi_target_hours"`
	SLABreached    bool           `json:"sla_breached"`
	VarianceHours  int64          `json:"variance_hours"`
	OnTimePct      *int64         `json:"work_orders_on_time_pct,omitempty"`
	Bottleneck     *WorkOrderKPI  `json:"bottleneck,omitempty"`
	WorkOrders     []WorkOrderKPI `json:"work_orders"`
}

// KPISummary aggregates cycle time over all turnovers.
type KPISummary struct {
	TotalTurnovers      int    `json:"total_turnovers"`
	CompletedTurnovers  int    `json:"completed_turnovers"`
	InProgressTurnovers int    `json:"in_progress_turnovers"`
	AvgCycleTimeHours   *int64 `json:"avg_cycle_time_hours,omitempty"`
	TargetHours         int64  `json:"kpi_target_hours"`
	WithinTargetCount   int    `json:"within_target_count"`
	CompliancePct       *int64 `json:"kpi_compliance_pct,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TurnoverID string `json:"turnover_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// MoveOut starts a turnover for a vacated property. Calling it again while
// the turnover is in progress returns the same turnover.
func (c *Client) MoveOut(ctx context.Context, propertyID string) (Turnover, error) {
	body := map[string]any{"property_id": propertyID}
	var resp Turnover
	err := c.do(ctx, http.MethodPost, "v0/turnovers/moveout", body, &resp)
	return resp, err
}

// ListTurnovers lists turnovers, optionally filtered by property and status.
func (c *Client) ListTurnovers(ctx context.Context, propertyID, status string) ([]Turnover, error) {
	endpoint := "v0/turnovers"
	q := url.Values{}
	if propertyID != "" {
		q.Set("property_id", propertyID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Turnover
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTurnover fetches one turnover by id.
func (c *Client) GetTurnover(ctx context.Context, id string) (Turnover, error) {
	var resp Turnover
	endpoint := fmt.Sprintf("v0/turnovers/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListWorkOrders returns a turnover's work orders in creation order.
func (c *Client) ListWorkOrders(ctx context.Context, turnoverID string) ([]WorkOrder, error) {
	var resp []WorkOrder
	endpoint := fmt.Sprintf("v0/turnovers/%s/workorders", url.PathEscape(turnoverID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CompleteWorkOrder completes one work order.
func (c *Client) CompleteWorkOrder(ctx context.Context, turnoverID, workOrderID string) (WorkOrder, error) {
	var resp WorkOrder
	endpoint := fmt.Sprintf("v0/turnovers/%s/workorders/%s/complete",
		url.PathEscape(turnoverID), url.PathEscape(workOrderID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// TurnoverKPI fetches the KPI report for one turnover.
func (c *Client) TurnoverKPI(ctx context.Context, turnoverID string) (TurnoverKPI, error) {
	var resp TurnoverKPI
	endpoint := fmt.Sprintf("v0/turnovers/%s/kpi", url.PathEscape(turnoverID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SummaryKPI fetches the aggregate KPI summary.
func (c *Client) SummaryKPI(ctx context.Context) (KPISummary, error) {
	var resp KPISummary
	err := c.do(ctx, http.MethodGet, "v0/turnovers/kpi/summary", nil, &resp)
	return resp, err
}

// Simulate seeds a pre-built scenario ("bottleneck" or "optimized").
func (c *Client) Simulate(ctx context.Context, scenario string) (Turnover, error) {
	body := map[string]any{"scenario": scenario}
	var resp Turnover
	err := c.do(ctx, http.MethodPost, "v0/turnovers/simulate", body, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
