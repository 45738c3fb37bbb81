package application

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerts "fleetwatch/internal/alerts/domain"
)

func TestSpeedFiresOnceAfterSustainedViolation(t *testing.T) {
	h := newHarness(t, speedRule(100, 30, 60))

	for _, offset := range []time.Duration{0, 10 * time.Second, 20 * time.Second} {
		assert.Empty(t, process(t, h, sampleAt("1", offset, 120)))
	}
	outcomes := process(t, h, sampleAt("1", 30*time.Second, 120))
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeFired, outcomes[0].Result)
	alert := outcomes[0].Alert
	require.NotNil(t, alert)
	assert.Equal(t, int64(1), alert.VehicleID)
	assert.Equal(t, "DEMO-001", alert.VehicleCode)
	assert.Equal(t, alerts.KindExcessiveSpeed, alert.Kind)
	assert.Equal(t, alerts.StatusPending, alert.Status)
	assert.Equal(t, alerts.PriorityHigh, alert.Priority)
	assert.True(t, alert.FiredAt.Equal(t0.Add(30*time.Second)))

	var meta alerts.Metadata
	require.NoError(t, json.Unmarshal(alert.Metadata, &meta))
	assert.InDelta(t, 120, meta.SpeedKmh, 0.001)
	assert.InDelta(t, 100, meta.ThresholdKmh, 0.001)
	assert.InDelta(t, 30, meta.DurationSeconds, 0.001)

	// Still violating: the window has fired and holds until reset.
	assert.Empty(t, process(t, h, sampleAt("1", 40*time.Second, 125)))
	assert.Equal(t, 1, h.repo.Len())
	assert.Equal(t, 1, h.published.Count())
}

func TestSuppressedFireKeepsWindowArmed(t *testing.T) {
	h := newHarness(t, speedRule(100, 30, 60))

	process(t, h, sampleAt("1", 0, 120))
	require.Equal(t, []OutcomeResult{OutcomeFired}, results(process(t, h, sampleAt("1", 30*time.Second, 120))))

	// Compliant sample resets; a fresh violation reaches its duration inside the cooldown.
	assert.Empty(t, process(t, h, sampleAt("1", 35*time.Second, 50)))
	assert.Empty(t, process(t, h, sampleAt("1", 40*time.Second, 120)))
	assert.Equal(t, []OutcomeResult{OutcomeSuppressed}, results(process(t, h, sampleAt("1", 70*time.Second, 120))))
	assert.Equal(t, []OutcomeResult{OutcomeSuppressed}, results(process(t, h, sampleAt("1", 80*time.Second, 120))))

	// Cooldown measured from the first fire at 30s expires at 90s.
	assert.Equal(t, []OutcomeResult{OutcomeFired}, results(process(t, h, sampleAt("1", 90*time.Second, 120))))
	assert.Equal(t, 2, h.repo.Len())
}

func TestSpeedToleranceWidensLimit(t *testing.T) {
	rule := speedRule(100, 30, 60)
	rule.TolerancePercent = 10
	h := newHarness(t, rule)

	assert.Empty(t, process(t, h, sampleAt("1", 0, 109)))
	assert.Empty(t, process(t, h, sampleAt("1", 40*time.Second, 110)))
	assert.Empty(t, process(t, h, sampleAt("1", 50*time.Second, 111)))
	assert.Equal(t, []OutcomeResult{OutcomeFired}, results(process(t, h, sampleAt("1", 80*time.Second, 111))))
}

func TestProlongedStopFiresAtAnchor(t *testing.T) {
	h := newHarness(t, stopRule(600, 50))

	assert.Empty(t, process(t, h, sampleAt("2", 0, 0)))
	assert.Empty(t, process(t, h, sampleAt("2", 300*time.Second, 4)))
	outcomes := process(t, h, sampleAt("2", 600*time.Second, 0))
	require.Equal(t, []OutcomeResult{OutcomeFired}, results(outcomes))

	alert := outcomes[0].Alert
	assert.Equal(t, alerts.KindProlongedStop, alert.Kind)
	assert.Equal(t, int64(2), alert.VehicleID)
	assert.Equal(t, alerts.PriorityMedium, alert.Priority)
	var meta alerts.Metadata
	require.NoError(t, json.Unmarshal(alert.Metadata, &meta))
	assert.InDelta(t, 50, meta.RadiusMeters, 0.001)
	assert.InDelta(t, -34.6037, meta.Latitude, 1e-9)
}

func TestProlongedStopResetsWhenMoving(t *testing.T) {
	h := newHarness(t, stopRule(600, 0))

	process(t, h, sampleAt("2", 0, 0))
	process(t, h, sampleAt("2", 500*time.Second, 30))
	assert.Empty(t, process(t, h, sampleAt("2", 600*time.Second, 0)))
	assert.Empty(t, process(t, h, sampleAt("2", 1100*time.Second, 0)))
	assert.Equal(t, []OutcomeResult{OutcomeFired}, results(process(t, h, sampleAt("2", 1200*time.Second, 0))))
}

func TestProlongedStopDriftBeyondRadiusRestartsWindow(t *testing.T) {
	h := newHarness(t, stopRule(600, 50))

	process(t, h, sampleAt("2", 0, 0))
	drifted := func(offset time.Duration) alerts.Sample {
		s := sampleAt("2", offset, 1)
		s.Latitude += 0.002 // about 220 m north
		return s
	}
	assert.Empty(t, process(t, h, drifted(300*time.Second)))
	assert.Empty(t, process(t, h, drifted(600*time.Second)))
	assert.Equal(t, []OutcomeResult{OutcomeFired}, results(process(t, h, drifted(900*time.Second))))
}

func TestSpeedAndStopWindowsAreIndependent(t *testing.T) {
	// 4 km/h violates both: above the 3 km/h limit and under the 5 km/h stop speed.
	h := newHarness(t, speedRule(3, 60, 60), stopRule(120, 0))
	at := func(sec int, speed float64) []Outcome {
		return process(t, h, sampleAt("1", time.Duration(sec)*time.Second, speed))
	}
	kinds := func(outcomes []Outcome) []alerts.Kind {
		out := make([]alerts.Kind, 0, len(outcomes))
		for _, o := range outcomes {
			require.Equal(t, OutcomeFired, o.Result)
			out = append(out, o.Kind)
		}
		return out
	}

	// Stop fires first; the speed window opened later keeps its own clock.
	assert.Empty(t, at(0, 0))
	assert.Equal(t, []alerts.Kind{alerts.KindProlongedStop}, kinds(at(120, 0)))
	assert.Empty(t, at(130, 4))
	assert.Empty(t, at(170, 4))
	assert.Equal(t, []alerts.Kind{alerts.KindExcessiveSpeed}, kinds(at(190, 4)))

	// Moving resets the stop window; the next stop window opens at 205 and
	// accumulates through a speed fire and reset.
	assert.Empty(t, at(200, 30))
	assert.Empty(t, at(205, 0))
	assert.Empty(t, at(210, 4))
	assert.Equal(t, []alerts.Kind{alerts.KindExcessiveSpeed}, kinds(at(270, 4)))
	assert.Empty(t, at(280, 0))
	assert.Empty(t, at(320, 0))
	assert.Equal(t, []alerts.Kind{alerts.KindProlongedStop}, kinds(at(325, 0)))

	assert.Equal(t, 4, h.repo.Len())
}

func TestUnknownVehicleReleasesGate(t *testing.T) {
	h := newHarness(t, speedRule(100, 30, 60))

	process(t, h, sampleAt("999", 0, 120))
	outcomes := process(t, h, sampleAt("999", 30*time.Second, 120))
	require.Equal(t, []OutcomeResult{OutcomeVehicleNotFound}, results(outcomes))
	assert.ErrorIs(t, outcomes[0].Err, alerts.ErrVehicleNotFound)
	assert.False(t, alerts.IsRetryable(outcomes[0].Err))
	assert.Zero(t, h.repo.Len())

	h.vehicles.Add(alerts.Vehicle{ID: 999, Code: "NEW-999", Active: true})
	assert.Equal(t, []OutcomeResult{OutcomeFired}, results(process(t, h, sampleAt("999", 31*time.Second, 120))))
}

func TestVehicleCodeResolves(t *testing.T) {
	h := newHarness(t, speedRule(100, 0, 60))

	outcomes := process(t, h, sampleAt("DEMO-002", 0, 130))
	require.Equal(t, []OutcomeResult{OutcomeFired}, results(outcomes))
	assert.Equal(t, int64(2), outcomes[0].Alert.VehicleID)
}

func TestPersistenceFailureKeepsGate(t *testing.T) {
	h := newHarness(t, speedRule(100, 30, 60))
	h.repo.FailWith(errors.New("connection reset"))

	process(t, h, sampleAt("1", 0, 120))
	outcomes := process(t, h, sampleAt("1", 30*time.Second, 120))
	require.Equal(t, []OutcomeResult{OutcomeFailed}, results(outcomes))
	assert.True(t, alerts.IsRetryable(outcomes[0].Err))
	assert.Zero(t, h.published.Count())

	h.repo.FailWith(nil)
	assert.Equal(t, []OutcomeResult{OutcomeSuppressed}, results(process(t, h, sampleAt("1", 40*time.Second, 120))))
	assert.Equal(t, []OutcomeResult{OutcomeFired}, results(process(t, h, sampleAt("1", 90*time.Second, 120))))
}

func TestDriverLookupIsBestEffort(t *testing.T) {
	h := newHarness(t, speedRule(100, 0, 60))
	h.vehicles.Assign(1, 77)

	outcomes := process(t, h, sampleAt("1", 0, 130))
	require.Len(t, outcomes, 1)
	require.NotNil(t, outcomes[0].Alert.DriverID)
	assert.Equal(t, int64(77), *outcomes[0].Alert.DriverID)

	h.vehicles.FailDriverLookups(errors.New("assignments table locked"))
	outcomes = process(t, h, sampleAt("3", 0, 130))
	require.Equal(t, []OutcomeResult{OutcomeFired}, results(outcomes))
	assert.Nil(t, outcomes[0].Alert.DriverID)
}

func TestVehiclesAreTrackedIndependently(t *testing.T) {
	h := newHarness(t, speedRule(100, 30, 60))

	process(t, h, sampleAt("1", 0, 120))
	process(t, h, sampleAt("2", 20*time.Second, 120))
	assert.Equal(t, []OutcomeResult{OutcomeFired}, results(process(t, h, sampleAt("1", 30*time.Second, 120))))
	assert.Empty(t, process(t, h, sampleAt("2", 30*time.Second, 120)))
	assert.Equal(t, []OutcomeResult{OutcomeFired}, results(process(t, h, sampleAt("2", 50*time.Second, 120))))
}

func TestToggleRuleDisablesEvaluation(t *testing.T) {
	h := newHarness(t, speedRule(100, 30, 60))
	ctx := context.Background()

	process(t, h, sampleAt("1", 0, 120))
	rule, err := h.service.ToggleRule(ctx, alerts.KindExcessiveSpeed)
	require.NoError(t, err)
	assert.False(t, rule.Enabled)

	assert.Empty(t, process(t, h, sampleAt("1", 10*time.Second, 120)))
	assert.Empty(t, process(t, h, sampleAt("1", 40*time.Second, 120)))

	_, err = h.service.ToggleRule(ctx, alerts.KindExcessiveSpeed)
	require.NoError(t, err)
	// The window cleared while disabled, so counting restarts at 50s.
	assert.Empty(t, process(t, h, sampleAt("1", 50*time.Second, 120)))
	assert.Empty(t, process(t, h, sampleAt("1", 70*time.Second, 120)))
	assert.Equal(t, []OutcomeResult{OutcomeFired}, results(process(t, h, sampleAt("1", 80*time.Second, 120))))
}

func TestUpdateRule(t *testing.T) {
	h := newHarness(t, speedRule(100, 0, 60))
	ctx := context.Background()

	updated, err := h.service.UpdateRule(ctx, alerts.KindExcessiveSpeed, alerts.RulePatch{
		Thresholds: map[string]float64{alerts.ThresholdMaxSpeedKmh: 150},
	})
	require.NoError(t, err)
	assert.InDelta(t, 150, updated.Thresholds[alerts.ThresholdMaxSpeedKmh], 0.001)
	assert.InDelta(t, 0, updated.Thresholds[alerts.ThresholdDurationSeconds], 0.001)
	assert.True(t, updated.UpdatedAt.Equal(t0))

	assert.Empty(t, process(t, h, sampleAt("1", 0, 130)))
	assert.Len(t, process(t, h, sampleAt("1", time.Second, 160)), 1)

	_, err = h.service.UpdateRule(ctx, alerts.KindExcessiveSpeed, alerts.RulePatch{})
	assert.ErrorIs(t, err, alerts.ErrInvalidRule)

	negative := -5.0
	_, err = h.service.UpdateRule(ctx, alerts.KindExcessiveSpeed, alerts.RulePatch{TolerancePercent: &negative})
	assert.ErrorIs(t, err, alerts.ErrInvalidRule)

	_, err = h.service.ToggleRule(ctx, alerts.Kind("tire_pressure"))
	assert.ErrorIs(t, err, alerts.ErrUnknownKind)
}

func TestAlertLifecycleNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, speedRule(100, 0, 60))
	ctx := context.Background()
	outcomes := process(t, h, sampleAt("1", 0, 130))
	require.Len(t, outcomes, 1)
	id := outcomes[0].Alert.ID

	h.clock.Add(time.Minute)
	seen, err := h.service.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusSeen, seen.Status)
	require.NotNil(t, seen.SeenAt)

	again, err := h.service.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusSeen, again.Status)

	resolved, err := h.service.Resolve(ctx, id, " dispatcher-4 ")
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusResolved, resolved.Status)
	assert.Equal(t, "dispatcher-4", resolved.ResolvedBy)

	_, err = h.service.Ignore(ctx, id)
	assert.ErrorIs(t, err, alerts.ErrInvalidTransition)
	_, err = h.service.MarkSeen(ctx, id)
	assert.ErrorIs(t, err, alerts.ErrInvalidTransition)

	stored, err := h.service.GetAlert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusResolved, stored.Status)
	assert.Equal(t, []string{EventSeen, EventResolved}, h.notifier.Types())

	_, err = h.service.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, alerts.ErrNotFound)
}

func TestListAlertsFilters(t *testing.T) {
	h := newHarness(t, speedRule(100, 0, 60))
	ctx := context.Background()
	process(t, h, sampleAt("1", 0, 130))
	process(t, h, sampleAt("2", time.Second, 130))

	all, err := h.service.ListAlerts(ctx, alerts.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(2), all[0].VehicleID)

	only, err := h.service.ListAlerts(ctx, alerts.Filter{VehicleID: 1})
	require.NoError(t, err)
	require.Len(t, only, 1)

	_, err = h.service.ListAlerts(ctx, alerts.Filter{From: t0, To: t0})
	assert.Error(t, err)
}

func TestEndSessionForgetsWindows(t *testing.T) {
	h := newHarness(t, speedRule(100, 30, 60))
	process(t, h, sampleAt("1", 0, 120))
	h.service.EndSession("1")
	assert.Empty(t, process(t, h, sampleAt("1", 30*time.Second, 120)))
	assert.Equal(t, []OutcomeResult{OutcomeFired}, results(process(t, h, sampleAt("1", 60*time.Second, 120))))
}

func TestProcessRejectsInvalidSample(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.Process(context.Background(), alerts.Sample{VehicleID: "1"})
	assert.Error(t, err)
}
