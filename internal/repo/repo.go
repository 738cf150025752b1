package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rerouteline/internal/db"
	"rerouteline/internal/domain"
)

type Repo struct {
	DB *db.DB
}

var ErrNotFound = errors.New("not found")

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const rerouteColumns = `id,product_id,product_name,from_warehouse,to_warehouse,quantity,reason,status,progress,requested_at,approved_at,transit_started_at,delivered_at,completed_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanReroute(row scanner) (domain.Reroute, error) {
	var rec domain.Reroute
	var status, requested, updated string
	var approved, started, delivered, completed sql.NullString
	err := row.Scan(&rec.ID, &rec.ProductID, &rec.ProductName, &rec.From, &rec.To, &rec.Quantity, &rec.Reason,
		&status, &rec.Progress, &requested, &approved, &started, &delivered, &completed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Status = domain.Status(status)
	if rec.RequestedAt, err = parseTime(requested); err != nil {
		return rec, fmt.Errorf("reroute %s requested_at: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return rec, fmt.Errorf("reroute %s updated_at: %w", rec.ID, err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{approved, &rec.ApprovedAt},
		{started, &rec.TransitStartedAt},
		{delivered, &rec.DeliveredAt},
		{completed, &rec.CompletedAt},
	} {
		if *f.dst, err = parseTimePtr(f.src); err != nil {
			return rec, fmt.Errorf("reroute %s timestamp: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func (r Repo) GetReroute(ctx context.Context, id string) (domain.Reroute, error) {
	return r.GetRerouteTx(ctx, nil, id)
}

func (r Repo) GetRerouteTx(ctx context.Context, tx *sql.Tx, id string) (domain.Reroute, error) {
	return scanReroute(r.q(tx).QueryRowContext(ctx, r.DB.Q(`SELECT `+rerouteColumns+` FROM reroutes WHERE id=?`), id))
}

// UpsertReroute inserts or replaces the record keyed by id.
func (r Repo) UpsertReroute(ctx context.Context, tx *sql.Tx, rec domain.Reroute) error {
	_, err := r.q(tx).ExecContext(ctx, r.DB.Q(`INSERT INTO reroutes(`+rerouteColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  product_id=excluded.product_id,
  product_name=excluded.product_name,
  from_warehouse=excluded.from_warehouse,
  to_warehouse=excluded.to_warehouse,
  quantity=excluded.quantity,
  reason=excluded.reason,
  status=excluded.status,
  progress=excluded.progress,
  requested_at=excluded.requested_at,
  approved_at=excluded.approved_at,
  transit_started_at=excluded.transit_started_at,
  delivered_at=excluded.delivered_at,
  completed_at=excluded.completed_at,
  updated_at=excluded.updated_at`),
		rec.ID, rec.ProductID, rec.ProductName, rec.From, rec.To, rec.Quantity, rec.Reason,
		string(rec.Status), rec.Progress, formatTime(rec.RequestedAt),
		formatTimePtr(rec.ApprovedAt), formatTimePtr(rec.TransitStartedAt), formatTimePtr(rec.DeliveredAt), formatTimePtr(rec.CompletedAt),
		formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert reroute %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateProgress sets progress only while the record is still in the given status.
func (r Repo) UpdateProgress(ctx context.Context, tx *sql.Tx, id string, status domain.Status, progress int, at time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, r.DB.Q(`UPDATE reroutes SET progress=?, updated_at=? WHERE id=? AND status=?`),
		progress, formatTime(at), id, string(status))
	return err
}

// ListReroutes returns reroutes where the warehouse is source or destination, newest first.
// An empty warehouse lists every record.
func (r Repo) ListReroutes(ctx context.Context, warehouse string) ([]domain.Reroute, error) {
	query := `SELECT ` + rerouteColumns + ` FROM reroutes`
	var args []any
	if warehouse != "" {
		query += ` WHERE from_warehouse=? OR to_warehouse=?`
		args = append(args, warehouse, warehouse)
	}
	query += ` ORDER BY requested_at DESC, id DESC`
	return r.listReroutes(ctx, query, args...)
}

// ListByStatus returns records in one of the statuses, optionally restricted to a source warehouse.
func (r Repo) ListByStatus(ctx context.Context, from string, statuses ...domain.Status) ([]domain.Reroute, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	query := `SELECT ` + rerouteColumns + ` FROM reroutes WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	if from != "" {
		query += ` AND from_warehouse=?`
		args = append(args, from)
	}
	query += ` ORDER BY requested_at, id`
	return r.listReroutes(ctx, query, args...)
}

func (r Repo) listReroutes(ctx context.Context, query string, args ...any) ([]domain.Reroute, error) {
	rows, err := r.DB.QueryContext(ctx, r.DB.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reroute
	for rows.Next() {
		rec, err := scanReroute(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
