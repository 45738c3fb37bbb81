package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	alerts "fleetwatch/internal/alerts/domain"
)

// Querier is the part of *pgxpool.Pool the distance query needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// DistanceRepository sums travelled distance from stored positions.
type DistanceRepository struct {
	db Querier
}

// NewDistanceRepository constructs a repository.
func NewDistanceRepository(db Querier) *DistanceRepository {
	return &DistanceRepository{db: db}
}

// DistanceKm returns the haversine path length of the positions recorded
// in [from, to) for refs, or for all vehicles when refs is empty.
func (r *DistanceRepository) DistanceKm(ctx context.Context, refs []string, from, to time.Time) (float64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("distance repo: nil db")
	}
	if !to.After(from) {
		return 0, errors.New("distance repo: to must be after from")
	}
	if refs == nil {
		refs = []string{}
	}
	rows, err := r.db.Query(ctx, `
SELECT vehicle_ref, latitude, longitude
FROM vehicle_positions
WHERE recorded_at >= $1 AND recorded_at < $2
	AND (cardinality($3::text[]) = 0 OR vehicle_ref = ANY($3::text[]))
ORDER BY vehicle_ref, recorded_at`, from.UTC(), to.UTC(), refs)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var (
		meters   float64
		current  string
		lat, lng float64
		started  bool
	)
	for rows.Next() {
		var (
			ref              string
			nextLat, nextLng float64
		)
		if err := rows.Scan(&ref, &nextLat, &nextLng); err != nil {
			return 0, err
		}
		if started && ref == current {
			meters += alerts.HaversineMeters(lat, lng, nextLat, nextLng)
		}
		current, lat, lng, started = ref, nextLat, nextLng, true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return meters / 1000, nil
}
