package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/observability/metrics"
)

// OutcomeResult classifies a fire attempt.
type OutcomeResult string

const (
	OutcomeFired           OutcomeResult = "fired"
	OutcomeSuppressed      OutcomeResult = "suppressed"
	OutcomeVehicleNotFound OutcomeResult = "vehicle_not_found"
	OutcomeFailed          OutcomeResult = "failed"
)

// Outcome reports what happened when a window reached its threshold.
type Outcome struct {
	Kind   alerts.Kind
	Result OutcomeResult
	Alert  *alerts.Alert
	Err    error
}

// Service evaluates samples against thresholds and owns alert lifecycle.
type Service struct {
	rules      RuleRepository
	repo       AlertRepository
	thresholds *ThresholdStore
	tracking   *TrackingState
	gate       DebounceGate
	sink       *Sink
	notifier   AlertNotifier
	clock      Clock
	logger     *slog.Logger
}

// ServiceOption customizes the service.
type ServiceOption func(*Service)

// WithNotifier assigns a lifecycle notifier.
func WithNotifier(notifier AlertNotifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGate replaces the in-memory debounce gate.
func WithGate(gate DebounceGate) ServiceOption {
	return func(s *Service) {
		if gate != nil {
			s.gate = gate
		}
	}
}

// WithTrackingState injects the window table.
func WithTrackingState(state *TrackingState) ServiceOption {
	return func(s *Service) {
		if state != nil {
			s.tracking = state
		}
	}
}

// NewService constructs an alert evaluation service.
func NewService(rules RuleRepository, repo AlertRepository, thresholds *ThresholdStore, sink *Sink, opts ...ServiceOption) (*Service, error) {
	if rules == nil || repo == nil {
		return nil, errors.New("alerts: nil repository")
	}
	if thresholds == nil {
		return nil, errors.New("alerts: nil threshold store")
	}
	if sink == nil {
		return nil, errors.New("alerts: nil sink")
	}
	s := &Service{
		rules:      rules,
		repo:       repo,
		thresholds: thresholds,
		sink:       sink,
		tracking:   NewTrackingState(),
		gate:       NewMemoryGate(),
		clock:      systemClock{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Process evaluates one sample for every evaluated kind and returns an
// outcome for each kind that reached its fire threshold. Fire failures are
// reported in the outcomes, never as an error.
func (s *Service) Process(ctx context.Context, sample alerts.Sample) ([]Outcome, error) {
	if s == nil {
		return nil, errors.New("alerts: nil service")
	}
	if err := sample.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.ObserveEvaluate(time.Since(start)) }()

	thresholds := s.thresholds.Get(ctx)
	var outcomes []Outcome
	for _, kind := range alerts.Evaluated {
		rule, ok := thresholds.Active(kind)
		if !ok {
			if !s.tracking.Get(sample.VehicleID, kind).Idle() {
				s.tracking.Set(sample.VehicleID, kind, alerts.TrackingWindow{})
			}
			continue
		}
		window := s.tracking.Get(sample.VehicleID, kind)
		decision := Evaluate(rule, window, sample)
		if decision.Action != ActionFire {
			s.tracking.Set(sample.VehicleID, kind, decision.Window)
			if decision.Action == ActionHold && !decision.Window.AlreadyFired {
				s.logger.Debug("violation accumulating", "vehicle_id", sample.VehicleID, "kind", string(kind), "elapsed", decision.Elapsed)
			}
			continue
		}
		outcomes = append(outcomes, s.fire(ctx, sample, rule, decision))
	}
	return outcomes, nil
}

// fire checks the debounce gate before any I/O. A suppressed attempt leaves the
// window armed, so every later violating sample retries until the cooldown
// passes or a compliant sample resets the window.
func (s *Service) fire(ctx context.Context, sample alerts.Sample, rule alerts.AlertRule, decision Decision) Outcome {
	kind := rule.Kind
	window := decision.Window
	now := sample.Timestamp

	acquired, err := s.gate.TryAcquire(ctx, sample.VehicleID, kind, now, rule.Debounce())
	if err != nil {
		s.tracking.Set(sample.VehicleID, kind, window)
		s.logger.Warn("debounce gate failed", "vehicle_id", sample.VehicleID, "kind", string(kind), "error", err)
		metrics.IncFireOutcome(string(kind), string(OutcomeFailed))
		return Outcome{Kind: kind, Result: OutcomeFailed, Err: err}
	}
	if !acquired {
		s.tracking.Set(sample.VehicleID, kind, window)
		metrics.IncFireOutcome(string(kind), string(OutcomeSuppressed))
		return Outcome{Kind: kind, Result: OutcomeSuppressed}
	}

	alert, err := s.sink.Fire(ctx, FireRequest{
		Vehicle:  alerts.ParseVehicleRef(sample.VehicleID),
		Kind:     kind,
		Message:  buildMessage(rule, sample, decision.Elapsed),
		Priority: rule.EffectivePriority(),
		Metadata: buildMetadata(rule, sample, decision),
		FiredAt:  now,
	})
	switch {
	case err == nil:
		window.AlreadyFired = true
		s.tracking.Set(sample.VehicleID, kind, window)
		metrics.IncFireOutcome(string(kind), string(OutcomeFired))
		metrics.IncAlertEvent(EventFired)
		return Outcome{Kind: kind, Result: OutcomeFired, Alert: alert}
	case errors.Is(err, alerts.ErrVehicleNotFound):
		if relErr := s.gate.Release(ctx, sample.VehicleID, kind, now); relErr != nil {
			s.logger.Warn("debounce release failed", "vehicle_id", sample.VehicleID, "kind", string(kind), "error", relErr)
		}
		s.tracking.Set(sample.VehicleID, kind, window)
		s.logger.Warn("alert dropped, unknown vehicle", "vehicle_id", sample.VehicleID, "kind", string(kind))
		metrics.IncFireOutcome(string(kind), string(OutcomeVehicleNotFound))
		return Outcome{Kind: kind, Result: OutcomeVehicleNotFound, Err: err}
	default:
		// The gate keeps its mark, so the condition can re-fire only after the cooldown.
		s.tracking.Set(sample.VehicleID, kind, window)
		s.logger.Error("alert persistence failed", "vehicle_id", sample.VehicleID, "kind", string(kind), "retryable", alerts.IsRetryable(err), "error", err)
		metrics.IncFireOutcome(string(kind), string(OutcomeFailed))
		return Outcome{Kind: kind, Result: OutcomeFailed, Err: err}
	}
}

// EndSession forgets the tracking windows of a vehicle.
func (s *Service) EndSession(vehicleID string) {
	if s == nil {
		return
	}
	s.tracking.Forget(vehicleID)
}

// GetAlert loads an alert.
func (s *Service) GetAlert(ctx context.Context, id string) (*alerts.Alert, error) {
	if s == nil {
		return nil, errors.New("alerts: nil service")
	}
	if id == "" {
		return nil, errors.New("alerts: alert id required")
	}
	alert, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, alerts.ErrNotFound
	}
	return alert, nil
}

// ListAlerts returns alerts matching filter, newest first.
func (s *Service) ListAlerts(ctx context.Context, filter alerts.Filter) ([]alerts.Alert, error) {
	if s == nil {
		return nil, errors.New("alerts: nil service")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return nil, errors.New("alerts: to must be after from")
	}
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 200
	}
	return s.repo.List(ctx, filter)
}

// MarkSeen moves a pending alert to seen.
func (s *Service) MarkSeen(ctx context.Context, id string) (*alerts.Alert, error) {
	return s.transition(ctx, id, alerts.StatusSeen, "")
}

// Resolve closes a pending or seen alert.
func (s *Service) Resolve(ctx context.Context, id, resolvedBy string) (*alerts.Alert, error) {
	return s.transition(ctx, id, alerts.StatusResolved, strings.TrimSpace(resolvedBy))
}

// Ignore dismisses a pending alert.
func (s *Service) Ignore(ctx context.Context, id string) (*alerts.Alert, error) {
	return s.transition(ctx, id, alerts.StatusIgnored, "")
}

func (s *Service) transition(ctx context.Context, id string, next alerts.Status, actor string) (*alerts.Alert, error) {
	alert, err := s.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == next {
		return alert, nil
	}
	if !alert.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", alerts.ErrInvalidTransition, alert.Status, next)
	}
	at := s.clock.Now().UTC()
	changed, err := s.repo.UpdateStatus(ctx, alert.ID, alert.Status, next, at, actor)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost a race with another operator; report the state they left.
		current, err := s.GetAlert(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == next {
			return current, nil
		}
		return nil, fmt.Errorf("%w: %s -> %s", alerts.ErrInvalidTransition, current.Status, next)
	}
	alert.Status = next
	alert.UpdatedAt = at
	switch next {
	case alerts.StatusSeen:
		alert.SeenAt = &at
	case alerts.StatusResolved, alerts.StatusIgnored:
		alert.ResolvedAt = &at
		alert.ResolvedBy = actor
	}
	s.notify(ctx, string(next), *alert)
	return alert, nil
}

// ListRules returns every configured rule.
func (s *Service) ListRules(ctx context.Context) ([]alerts.AlertRule, error) {
	if s == nil {
		return nil, errors.New("alerts: nil service")
	}
	return s.rules.ListRules(ctx)
}

// UpdateRule applies a partial update and invalidates the threshold cache.
func (s *Service) UpdateRule(ctx context.Context, kind alerts.Kind, patch alerts.RulePatch) (*alerts.AlertRule, error) {
	if s == nil {
		return nil, errors.New("alerts: nil service")
	}
	if patch.Empty() {
		return nil, fmt.Errorf("%w: empty patch", alerts.ErrInvalidRule)
	}
	current, err := s.loadRule(ctx, kind)
	if err != nil {
		return nil, err
	}
	updated := patch.Apply(*current)
	return s.saveRule(ctx, updated)
}

// ToggleRule flips the enabled flag of a rule.
func (s *Service) ToggleRule(ctx context.Context, kind alerts.Kind) (*alerts.AlertRule, error) {
	if s == nil {
		return nil, errors.New("alerts: nil service")
	}
	current, err := s.loadRule(ctx, kind)
	if err != nil {
		return nil, err
	}
	updated := current.Clone()
	updated.Enabled = !updated.Enabled
	return s.saveRule(ctx, updated)
}

func (s *Service) loadRule(ctx context.Context, kind alerts.Kind) (*alerts.AlertRule, error) {
	if kind == "" {
		return nil, fmt.Errorf("%w: empty kind", alerts.ErrInvalidRule)
	}
	rule, err := s.rules.GetRule(ctx, kind)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("%w: %s", alerts.ErrUnknownKind, kind)
	}
	return rule, nil
}

func (s *Service) saveRule(ctx context.Context, rule alerts.AlertRule) (*alerts.AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	rule.UpdatedAt = s.clock.Now().UTC()
	if err := s.rules.SaveRule(ctx, rule); err != nil {
		return nil, err
	}
	s.thresholds.Invalidate()
	s.logger.Info("alert rule updated", "kind", string(rule.Kind), "enabled", rule.Enabled)
	return &rule, nil
}

func (s *Service) notify(ctx context.Context, eventType string, alert alerts.Alert) {
	metrics.IncAlertEvent(eventType)
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, AlertEvent{Type: eventType, Alert: alert})
}

func buildMessage(rule alerts.AlertRule, sample alerts.Sample, elapsed time.Duration) string {
	switch rule.Kind {
	case alerts.KindExcessiveSpeed:
		return fmt.Sprintf("Vehicle %s exceeded %.0f km/h for %s (current %.1f km/h)",
			sample.VehicleID, rule.SpeedLimit(), elapsed.Round(time.Second), sample.SpeedKmh)
	case alerts.KindProlongedStop:
		return fmt.Sprintf("Vehicle %s stopped for %s near %.5f,%.5f",
			sample.VehicleID, elapsed.Round(time.Second), sample.Latitude, sample.Longitude)
	default:
		return fmt.Sprintf("Vehicle %s triggered %s", sample.VehicleID, rule.Kind)
	}
}

func buildMetadata(rule alerts.AlertRule, sample alerts.Sample, decision Decision) alerts.Metadata {
	meta := alerts.Metadata{
		SpeedKmh:        sample.SpeedKmh,
		DurationSeconds: decision.Elapsed.Seconds(),
		Latitude:        sample.Latitude,
		Longitude:       sample.Longitude,
	}
	switch rule.Kind {
	case alerts.KindExcessiveSpeed:
		meta.ThresholdKmh = rule.SpeedLimit()
	case alerts.KindProlongedStop:
		meta.ThresholdKmh = rule.StopSpeed()
		meta.RadiusMeters = rule.Radius()
		if decision.Window.HasAnchor {
			meta.Latitude = decision.Window.AnchorLat
			meta.Longitude = decision.Window.AnchorLng
		}
	}
	return meta
}
