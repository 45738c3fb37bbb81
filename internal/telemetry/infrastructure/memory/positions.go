package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
)

const defaultPerVehicle = 20000

type point struct {
	at       time.Time
	lat, lng float64
}

// PositionStore keeps a bounded position history per vehicle reference.
type PositionStore struct {
	mu         sync.RWMutex
	perVehicle int
	history    map[string][]point
}

// NewPositionStore creates a store keeping at most perVehicle points per
// vehicle. Non-positive values use the default.
func NewPositionStore(perVehicle int) *PositionStore {
	if perVehicle <= 0 {
		perVehicle = defaultPerVehicle
	}
	return &PositionStore{perVehicle: perVehicle, history: make(map[string][]point)}
}

// Enqueue records sample. Samples arrive in per-vehicle order, so the oldest
// point is evicted once the bound is reached.
func (s *PositionStore) Enqueue(sample alerts.Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	points := append(s.history[sample.VehicleID], point{at: sample.Timestamp, lat: sample.Latitude, lng: sample.Longitude})
	if len(points) > s.perVehicle {
		points = points[len(points)-s.perVehicle:]
	}
	s.history[sample.VehicleID] = points
	return true
}

// DistanceKm sums the haversine path length in [from, to) for refs, or for
// every vehicle when refs is empty.
func (s *PositionStore) DistanceKm(_ context.Context, refs []string, from, to time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(refs) == 0 {
		refs = make([]string, 0, len(s.history))
		for ref := range s.history {
			refs = append(refs, ref)
		}
	}
	seen := make(map[string]struct{}, len(refs))
	var meters float64
	for _, ref := range refs {
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		points := s.history[ref]
		start := sort.Search(len(points), func(i int) bool { return !points[i].at.Before(from) })
		var prev *point
		for i := start; i < len(points) && points[i].at.Before(to); i++ {
			if prev != nil {
				meters += alerts.HaversineMeters(prev.lat, prev.lng, points[i].lat, points[i].lng)
			}
			prev = &points[i]
		}
	}
	return meters / 1000, nil
}
