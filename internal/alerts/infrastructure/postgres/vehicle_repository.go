package postgres

import (
	"context"
	"database/sql"
	"errors"

	alerts "fleetwatch/internal/alerts/domain"
)

// VehicleRepository resolves vehicles and their active drivers.
type VehicleRepository struct {
	db DBTX
}

// NewVehicleRepository constructs a repository.
func NewVehicleRepository(db DBTX) *VehicleRepository {
	return &VehicleRepository{db: db}
}

// FindByID loads a vehicle by numeric id or nil.
func (r *VehicleRepository) FindByID(ctx context.Context, id int64) (*alerts.Vehicle, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("vehicle repo: nil db")
	}
	return r.findOne(ctx, `SELECT id, code, active FROM vehicles WHERE id = $1`, id)
}

// FindByCode loads a vehicle by plate/code or nil.
func (r *VehicleRepository) FindByCode(ctx context.Context, code string) (*alerts.Vehicle, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("vehicle repo: nil db")
	}
	if code == "" {
		return nil, nil
	}
	return r.findOne(ctx, `SELECT id, code, active FROM vehicles WHERE code = $1`, code)
}

// ActiveDriver returns the driver of the most recent active assignment.
// A missing assignments table is treated as no driver.
func (r *VehicleRepository) ActiveDriver(ctx context.Context, vehicleID int64) (*int64, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("vehicle repo: nil db")
	}
	var driverID int64
	err := r.db.QueryRowContext(ctx, `
SELECT driver_id FROM vehicle_assignments
WHERE vehicle_id = $1 AND active
ORDER BY started_at DESC
LIMIT 1`, vehicleID).Scan(&driverID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	return &driverID, nil
}

// Upsert registers a vehicle code and returns its id.
func (r *VehicleRepository) Upsert(ctx context.Context, code string) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("vehicle repo: nil db")
	}
	if code == "" {
		return 0, errors.New("vehicle repo: empty code")
	}
	var id int64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO vehicles (code) VALUES ($1)
ON CONFLICT (code) DO UPDATE SET active = TRUE
RETURNING id`, code).Scan(&id)
	return id, err
}

// Assign starts a driver assignment and ends any previous active one.
func (r *VehicleRepository) Assign(ctx context.Context, vehicleID, driverID int64) error {
	if r == nil || r.db == nil {
		return errors.New("vehicle repo: nil db")
	}
	if _, err := r.db.ExecContext(ctx, `
UPDATE vehicle_assignments SET active = FALSE, ended_at = now()
WHERE vehicle_id = $1 AND active`, vehicleID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO vehicle_assignments (vehicle_id, driver_id) VALUES ($1, $2)`, vehicleID, driverID)
	return err
}

func (r *VehicleRepository) findOne(ctx context.Context, query string, arg any) (*alerts.Vehicle, error) {
	var vehicle alerts.Vehicle
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&vehicle.ID, &vehicle.Code, &vehicle.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &vehicle, nil
}
