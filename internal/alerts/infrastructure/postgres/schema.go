package postgres

import (
	"context"
	"errors"
	"fmt"
)

// NotifyChannel is the LISTEN/NOTIFY channel raised for every inserted alert.
const NotifyChannel = "alerts_inserted"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS vehicles (
	id BIGSERIAL PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS vehicle_assignments (
	id BIGSERIAL PRIMARY KEY,
	vehicle_id BIGINT NOT NULL REFERENCES vehicles(id),
	driver_id BIGINT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS vehicle_assignments_active_idx
	ON vehicle_assignments (vehicle_id, started_at DESC) WHERE active`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
	kind TEXT PRIMARY KEY,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	thresholds JSONB NOT NULL DEFAULT '{}'::jsonb,
	tolerance_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	debounce_seconds INTEGER NOT NULL DEFAULT 60,
	priority TEXT NOT NULL DEFAULT 'medium',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	vehicle_id BIGINT NOT NULL REFERENCES vehicles(id),
	driver_id BIGINT,
	kind TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'medium',
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'seen', 'resolved', 'ignored')),
	metadata JSONB,
	fired_at TIMESTAMPTZ NOT NULL,
	seen_at TIMESTAMPTZ,
	resolved_at TIMESTAMPTZ,
	resolved_by TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS alerts_vehicle_fired_idx ON alerts (vehicle_id, fired_at DESC)`,
	`CREATE INDEX IF NOT EXISTS alerts_status_fired_idx ON alerts (status, fired_at DESC)`,
	`CREATE OR REPLACE FUNCTION notify_alert_inserted() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + NotifyChannel + `', json_build_object('id', NEW.id)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS alerts_inserted_notify ON alerts`,
	`CREATE TRIGGER alerts_inserted_notify AFTER INSERT ON alerts
	FOR EACH ROW EXECUTE FUNCTION notify_alert_inserted()`,
	`CREATE TABLE IF NOT EXISTS vehicle_positions (
	vehicle_ref TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	latitude DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	speed_kmh DOUBLE PRECISION NOT NULL,
	heading_degrees DOUBLE PRECISION NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS vehicle_positions_ref_time_idx ON vehicle_positions (vehicle_ref, recorded_at)`,
}

// Migrate creates the tables, indexes and the insert notification trigger.
// Every statement is idempotent.
func Migrate(ctx context.Context, db DBTX) error {
	if db == nil {
		return errors.New("postgres migrate: nil db")
	}
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: statement %d: %w", i+1, err)
		}
	}
	return nil
}
