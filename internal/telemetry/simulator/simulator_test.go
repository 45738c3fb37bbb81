package simulator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerts "fleetwatch/internal/alerts/domain"
)

var start = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestPhaseCycle(t *testing.T) {
	sim, err := New([]string{"DEMO-001"}, -34.6, -58.38)
	require.NoError(t, err)

	assert.Equal(t, "cruise", sim.PhaseAt(0).Name)
	assert.Equal(t, "speeding", sim.PhaseAt(2*time.Minute).Name)
	assert.Equal(t, "cruise", sim.PhaseAt(3*time.Minute+30*time.Second).Name)
	assert.Equal(t, "stopped", sim.PhaseAt(5*time.Minute).Name)
	assert.Equal(t, "cruise", sim.PhaseAt(10*time.Minute+30*time.Second).Name)
}

func TestStepProducesSpeedingAndStationaryStretches(t *testing.T) {
	sim, err := New([]string{"DEMO-001"}, -34.6, -58.38, WithSeed(7), WithJitter(0))
	require.NoError(t, err)

	var samples []alerts.Sample
	for at := start; at.Before(start.Add(sim.cycle)); at = at.Add(5 * time.Second) {
		samples = append(samples, sim.Step(start, at)...)
	}
	require.NotEmpty(t, samples)

	var speeding, stopped []alerts.Sample
	for _, s := range samples {
		switch {
		case s.SpeedKmh > 100:
			speeding = append(speeding, s)
		case s.SpeedKmh == 0:
			stopped = append(stopped, s)
		}
		require.NoError(t, s.Validate())
	}
	assert.Len(t, speeding, 18)
	require.Len(t, stopped, 72)
	for _, s := range stopped[1:] {
		assert.Equal(t, stopped[0].Latitude, s.Latitude)
		assert.Equal(t, stopped[0].Longitude, s.Longitude)
	}

	moved := alerts.HaversineMeters(speeding[0].Latitude, speeding[0].Longitude, speeding[1].Latitude, speeding[1].Longitude)
	assert.InDelta(t, 118/3.6*5, moved, 2)
}

func TestVehiclesAreStaggered(t *testing.T) {
	sim, err := New([]string{"a", "b"}, -34.6, -58.38, WithJitter(0))
	require.NoError(t, err)
	samples := sim.Step(start, start.Add(2*time.Minute+10*time.Second))
	require.Len(t, samples, 2)
	assert.NotEqual(t, samples[0].SpeedKmh, samples[1].SpeedKmh)
	assert.Greater(t, samples[0].SpeedKmh, 100.0)
}

type collector struct {
	mu      sync.Mutex
	samples []alerts.Sample
}

func (c *collector) Submit(sample alerts.Sample) error {
	c.mu.Lock()
	c.samples = append(c.samples, sample)
	c.mu.Unlock()
	return nil
}

func (c *collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func TestRunEmitsUntilCancelled(t *testing.T) {
	sim, err := New([]string{"a", "b", "c"}, -34.6, -58.38, WithInterval(5*time.Millisecond))
	require.NoError(t, err)
	out := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx, out) }()

	require.Eventually(t, func() bool { return out.Len() >= 6 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
