package application

import (
	"context"
	"sync"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
)

// DebounceGate suppresses repeat fires of the same (vehicle, kind) within a cooldown.
type DebounceGate interface {
	// TryAcquire returns false when the key fired less than cooldown before now.
	// Otherwise it records now as the last fire and returns true, atomically.
	TryAcquire(ctx context.Context, vehicleID string, kind alerts.Kind, now time.Time, cooldown time.Duration) (bool, error)
	// Release undoes an acquisition made at now.
	Release(ctx context.Context, vehicleID string, kind alerts.Kind, now time.Time) error
}

const gateShards = 32

type gateRecord struct {
	last    time.Time
	prev    time.Time
	hasPrev bool
}

type gateShard struct {
	mu      sync.Mutex
	records map[trackingKey]gateRecord
}

// MemoryGate is a process-local DebounceGate.
type MemoryGate struct {
	shards [gateShards]*gateShard
}

// NewMemoryGate constructs an empty gate.
func NewMemoryGate() *MemoryGate {
	g := &MemoryGate{}
	for i := range g.shards {
		g.shards[i] = &gateShard{records: make(map[trackingKey]gateRecord)}
	}
	return g
}

// TryAcquire implements DebounceGate.
func (g *MemoryGate) TryAcquire(_ context.Context, vehicleID string, kind alerts.Kind, now time.Time, cooldown time.Duration) (bool, error) {
	shard := g.shards[shardIndex(vehicleID, gateShards)]
	key := trackingKey{vehicleID: vehicleID, kind: kind}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	record, ok := shard.records[key]
	if ok && now.Sub(record.last) < cooldown {
		return false, nil
	}
	shard.records[key] = gateRecord{last: now, prev: record.last, hasPrev: ok}
	return true, nil
}

// Release implements DebounceGate.
func (g *MemoryGate) Release(_ context.Context, vehicleID string, kind alerts.Kind, now time.Time) error {
	shard := g.shards[shardIndex(vehicleID, gateShards)]
	key := trackingKey{vehicleID: vehicleID, kind: kind}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	record, ok := shard.records[key]
	if !ok || !record.last.Equal(now) {
		return nil
	}
	if record.hasPrev {
		shard.records[key] = gateRecord{last: record.prev}
		return nil
	}
	delete(shard.records, key)
	return nil
}
