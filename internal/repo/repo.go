package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"turnline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTurnover(ctx context.Context, tx *sql.Tx, t domain.Turnover) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO turnovers(id,property_id,status,started_at,completed_at) VALUES (?,?,?,?,?)`,
		t.ID, t.PropertyID, t.Status, t.StartedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTurnover(ctx context.Context, tx *sql.Tx, t domain.Turnover) error {
	res, err := tx.ExecContext(ctx, `UPDATE turnovers SET property_id=?, status=?, started_at=?, completed_at=? WHERE id=?`,
		t.PropertyID, t.Status, t.StartedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTurnover(scan func(dest ...any) error) (domain.Turnover, error) {
	var t domain.Turnover
	var completedAt sql.NullString
	err := scan(&t.ID, &t.PropertyID, &t.Status, &t.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) GetTurnover(ctx context.Context, id string) (domain.Turnover, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,property_id,status,started_at,completed_at FROM turnovers WHERE id=?`, id)
	return scanTurnover(row.Scan)
}

// FindTurnoverByPropertyAndStatus returns the single turnover for a property
// in the given status, or ErrNotFound. The in-progress uniqueness invariant
// makes at most one row possible for status=in_progress.
func (r Repo) FindTurnoverByPropertyAndStatus(ctx context.Context, propertyID, status string) (domain.Turnover, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,property_id,status,started_at,completed_at FROM turnovers WHERE property_id=? AND status=? LIMIT 1`,
		propertyID, status)
	return scanTurnover(row.Scan)
}

type TurnoverFilters struct {
	PropertyID string
	Status     string
	Limit      int
}

func (r Repo) ListTurnovers(ctx context.Context, f TurnoverFilters) ([]domain.Turnover, error) {
	var clauses []string
	var args []any
	if f.PropertyID != "" {
		clauses = append(clauses, "property_id=?")
		args = append(args, f.PropertyID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,property_id,status,started_at,completed_at FROM turnovers ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Turnover
	for rows.Next() {
		t, err := scanTurnover(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertWorkOrder(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_orders(id,turnover_id,type,status,started_at,sla_deadline,completed_at) VALUES (?,?,?,?,?,?,?)`,
		wo.ID, wo.TurnoverID, wo.Type, wo.Status, wo.StartedAt, wo.SLADeadline, nullableStringPtr(wo.CompletedAt))
	return err
}

func (r Repo) UpdateWorkOrder(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_orders SET turnover_id=?, type=?, status=?, started_at=?, sla_deadline=?, completed_at=? WHERE id=?`,
		wo.TurnoverID, wo.Type, wo.Status, wo.StartedAt, wo.SLADeadline, nullableStringPtr(wo.CompletedAt), wo.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWorkOrder(scan func(dest ...any) error) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	var completedAt sql.NullString
	err := scan(&wo.ID, &wo.TurnoverID, &wo.Type, &wo.Status, &wo.StartedAt, &wo.SLADeadline, &completedAt)
	if err == sql.ErrNoRows {
		return wo, ErrNotFound
	}
	if err != nil {
		return wo, err
	}
	if completedAt.Valid {
		wo.CompletedAt = &completedAt.String
	}
	return wo, nil
}

func (r Repo) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,turnover_id,type,status,started_at,sla_deadline,completed_at FROM work_orders WHERE id=?`, id)
	return scanWorkOrder(row.Scan)
}

// ListWorkOrdersByTurnover returns a turnover's work orders in insertion order.
func (r Repo) ListWorkOrdersByTurnover(ctx context.Context, turnoverID string) ([]domain.WorkOrder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,turnover_id,type,status,started_at,sla_deadline,completed_at FROM work_orders WHERE turnover_id=? ORDER BY rowid ASC`, turnoverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, wo)
	}
	return res, rows.Err()
}

// LatestEvents returns event-log rows, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, turnoverID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if turnoverID != "" {
		clauses = append(clauses, "turnover_id=?")
		args = append(args, turnoverID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,turnover_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var turnover, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &turnover, &e.EntityKind, &entity, &payload); err != nil {
			return nil, err
		}
		if turnover.Valid {
			e.TurnoverID = turnover.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
