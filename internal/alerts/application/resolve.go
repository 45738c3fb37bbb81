package application

import (
	"context"
	"fmt"

	alerts "fleetwatch/internal/alerts/domain"
)

// ResolveVehicle finds the vehicle behind ref. A numeric reference that
// matches no id falls back to a code lookup with the text the caller
// supplied. Lookup failures are wrapped with ErrPersistence.
func ResolveVehicle(ctx context.Context, finder VehicleFinder, ref alerts.VehicleRef) (*alerts.Vehicle, error) {
	if id, ok := ref.ID(); ok {
		vehicle, err := finder.FindByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: vehicle lookup: %w", alerts.ErrPersistence, err)
		}
		if vehicle != nil {
			return vehicle, nil
		}
	}
	code := ref.String()
	if code == "" {
		return nil, alerts.ErrVehicleNotFound
	}
	vehicle, err := finder.FindByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: vehicle lookup: %w", alerts.ErrPersistence, err)
	}
	if vehicle == nil {
		return nil, fmt.Errorf("%w: %s", alerts.ErrVehicleNotFound, code)
	}
	return vehicle, nil
}
