package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
)

// AlertRepository is a Postgres repository for alerts.
type AlertRepository struct {
	db DBTX
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(db DBTX) *AlertRepository {
	return &AlertRepository{db: db}
}

const alertSelect = `
SELECT a.id, a.vehicle_id, COALESCE(v.code, ''), a.driver_id, a.kind, a.message, a.priority, a.status,
	a.metadata, a.fired_at, a.seen_at, a.resolved_at, COALESCE(a.resolved_by, ''), a.created_at, a.updated_at
FROM alerts a
LEFT JOIN vehicles v ON v.id = a.vehicle_id`

// Create inserts a pending alert.
func (r *AlertRepository) Create(ctx context.Context, alert *alerts.Alert) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	if alert == nil || alert.ID == "" {
		return errors.New("alert repo: missing alert")
	}
	now := time.Now().UTC()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	if alert.UpdatedAt.IsZero() {
		alert.UpdatedAt = alert.CreatedAt
	}
	var metadata any
	if len(alert.Metadata) > 0 {
		metadata = string(alert.Metadata)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO alerts (
	id, vehicle_id, driver_id, kind, message, priority, status, metadata, fired_at, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11
)`, alert.ID, alert.VehicleID, alert.DriverID, string(alert.Kind), alert.Message, string(alert.Priority),
		string(alert.Status), metadata, alert.FiredAt, alert.CreatedAt, alert.UpdatedAt)
	return err
}

// GetByID loads an alert or nil.
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	if id == "" {
		return nil, errors.New("alert repo: empty id")
	}
	alert, err := scanAlert(r.db.QueryRowContext(ctx, alertSelect+` WHERE a.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return alert, nil
}

// List returns alerts matching filter, newest first.
func (r *AlertRepository) List(ctx context.Context, filter alerts.Filter) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	var (
		conditions []string
		args       []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if filter.VehicleID != 0 {
		add("a.vehicle_id = $%d", filter.VehicleID)
	}
	if filter.Kind != "" {
		add("a.kind = $%d", string(filter.Kind))
	}
	if filter.Status != "" {
		add("a.status = $%d", string(filter.Status))
	}
	if !filter.From.IsZero() {
		add("a.fired_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("a.fired_at < $%d", filter.To.UTC())
	}
	query := alertSelect
	if len(conditions) > 0 {
		query += "\nWHERE " + strings.Join(conditions, " AND ")
	}
	query += "\nORDER BY a.fired_at DESC, a.id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *alert)
	}
	return result, rows.Err()
}

// UpdateStatus moves an alert from one status to another. It reports false
// when the alert is missing or no longer in the expected status.
func (r *AlertRepository) UpdateStatus(ctx context.Context, id string, from, to alerts.Status, at time.Time, actor string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alert repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE alerts SET
	status = $3,
	updated_at = $4,
	seen_at = CASE WHEN $3 = 'seen' THEN $4 ELSE seen_at END,
	resolved_at = CASE WHEN $3 IN ('resolved', 'ignored') THEN $4 ELSE resolved_at END,
	resolved_by = CASE WHEN $3 IN ('resolved', 'ignored') THEN NULLIF($5, '') ELSE resolved_by END
WHERE id = $1 AND status = $2`, id, string(from), string(to), at.UTC(), actor)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanAlert(row rowScanner) (*alerts.Alert, error) {
	var (
		alert      alerts.Alert
		driverID   sql.NullInt64
		kind       string
		priority   string
		status     string
		metadata   []byte
		seenAt     sql.NullTime
		resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&alert.ID,
		&alert.VehicleID,
		&alert.VehicleCode,
		&driverID,
		&kind,
		&alert.Message,
		&priority,
		&status,
		&metadata,
		&alert.FiredAt,
		&seenAt,
		&resolvedAt,
		&alert.ResolvedBy,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	); err != nil {
		return nil, err
	}
	alert.DriverID = nullableInt64(driverID)
	alert.Kind = alerts.Kind(kind)
	alert.Priority = alerts.Priority(priority)
	alert.Status = alerts.Status(status)
	if len(metadata) > 0 {
		alert.Metadata = append([]byte(nil), metadata...)
	}
	alert.SeenAt = nullableTime(seenAt)
	alert.ResolvedAt = nullableTime(resolvedAt)
	alert.FiredAt = alert.FiredAt.UTC()
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.UpdatedAt = alert.UpdatedAt.UTC()
	return &alert, nil
}
