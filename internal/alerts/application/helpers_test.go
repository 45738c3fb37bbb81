package application

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/alerts/infrastructure/memory"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (r *recordingPublisher) PublishAlert(_ context.Context, alert alerts.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []AlertEvent
}

func (r *recordingNotifier) Notify(_ context.Context, event AlertEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingNotifier) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	clock     *fakeClock
	rules     *memory.RuleRepository
	repo      *memory.AlertRepository
	vehicles  *memory.VehicleDirectory
	published *recordingPublisher
	notifier  *recordingNotifier
	store     *ThresholdStore
	service   *Service
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, rules ...alerts.AlertRule) *harness {
	t.Helper()
	if len(rules) == 0 {
		rules = alerts.DefaultRules()
	}
	h := &harness{
		clock:     &fakeClock{now: t0},
		rules:     memory.NewRuleRepository(rules...),
		repo:      memory.NewAlertRepository(),
		vehicles:  memory.NewVehicleDirectory(memory.DemoFleet(3)...),
		published: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	store, err := NewThresholdStore(h.rules, WithThresholdClock(h.clock), WithThresholdLogger(discardLogger()))
	require.NoError(t, err)
	sink, err := NewSink(h.vehicles, h.repo,
		WithPublisher(h.published),
		WithSinkClock(h.clock),
		WithSinkLogger(discardLogger()),
	)
	require.NoError(t, err)
	service, err := NewService(h.rules, h.repo, store, sink,
		WithClock(h.clock),
		WithLogger(discardLogger()),
		WithNotifier(h.notifier),
	)
	require.NoError(t, err)
	h.store = store
	h.service = service
	return h
}

func speedRule(maxKmh, durationSec float64, debounceSec int) alerts.AlertRule {
	return alerts.AlertRule{
		Kind:            alerts.KindExcessiveSpeed,
		Enabled:         true,
		Thresholds:      map[string]float64{alerts.ThresholdMaxSpeedKmh: maxKmh, alerts.ThresholdDurationSeconds: durationSec},
		DebounceSeconds: debounceSec,
		Priority:        alerts.PriorityHigh,
	}
}

func stopRule(durationSec, radius float64) alerts.AlertRule {
	return alerts.AlertRule{
		Kind:            alerts.KindProlongedStop,
		Enabled:         true,
		Thresholds:      map[string]float64{alerts.ThresholdDurationSeconds: durationSec, alerts.ThresholdRadiusMeters: radius},
		DebounceSeconds: 60,
		Priority:        alerts.PriorityMedium,
	}
}

func sampleAt(vehicleID string, offset time.Duration, speed float64) alerts.Sample {
	return alerts.Sample{
		VehicleID: vehicleID,
		Latitude:  -34.6037,
		Longitude: -58.3816,
		SpeedKmh:  speed,
		Timestamp: t0.Add(offset),
		Source:    "test",
	}
}

func process(t *testing.T, h *harness, sample alerts.Sample) []Outcome {
	t.Helper()
	outcomes, err := h.service.Process(context.Background(), sample)
	require.NoError(t, err)
	return outcomes
}

func results(outcomes []Outcome) []OutcomeResult {
	out := make([]OutcomeResult, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.Result)
	}
	return out
}
