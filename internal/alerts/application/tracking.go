package application

import (
	"hash/fnv"
	"sync"

	alerts "fleetwatch/internal/alerts/domain"
)

const trackingShards = 32

type trackingKey struct {
	vehicleID string
	kind      alerts.Kind
}

type trackingShard struct {
	mu      sync.Mutex
	windows map[trackingKey]alerts.TrackingWindow
}

// TrackingState holds per-(vehicle, kind) windows in memory.
// All kinds of one vehicle live in the same shard.
type TrackingState struct {
	shards [trackingShards]*trackingShard
}

// NewTrackingState constructs an empty state table.
func NewTrackingState() *TrackingState {
	s := &TrackingState{}
	for i := range s.shards {
		s.shards[i] = &trackingShard{windows: make(map[trackingKey]alerts.TrackingWindow)}
	}
	return s
}

// Get returns the window for (vehicleID, kind), creating an idle one on first access.
func (s *TrackingState) Get(vehicleID string, kind alerts.Kind) alerts.TrackingWindow {
	shard := s.shard(vehicleID)
	key := trackingKey{vehicleID: vehicleID, kind: kind}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	window, ok := shard.windows[key]
	if !ok {
		window = alerts.TrackingWindow{}
		shard.windows[key] = window
	}
	return window
}

// Set stores the window for (vehicleID, kind).
func (s *TrackingState) Set(vehicleID string, kind alerts.Kind, window alerts.TrackingWindow) {
	shard := s.shard(vehicleID)
	shard.mu.Lock()
	shard.windows[trackingKey{vehicleID: vehicleID, kind: kind}] = window
	shard.mu.Unlock()
}

// Forget drops every window for vehicleID.
func (s *TrackingState) Forget(vehicleID string) {
	shard := s.shard(vehicleID)
	shard.mu.Lock()
	for key := range shard.windows {
		if key.vehicleID == vehicleID {
			delete(shard.windows, key)
		}
	}
	shard.mu.Unlock()
}

// Len returns the number of tracked windows.
func (s *TrackingState) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.windows)
		shard.mu.Unlock()
	}
	return total
}

func (s *TrackingState) shard(vehicleID string) *trackingShard {
	return s.shards[shardIndex(vehicleID, trackingShards)]
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
