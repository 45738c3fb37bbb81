package alerts

import (
	"fmt"
	"time"
)

// Threshold keys understood by the evaluator.
const (
	ThresholdMaxSpeedKmh     = "max_speed_kmh"
	ThresholdDurationSeconds = "duration_seconds"
	ThresholdRadiusMeters    = "radius_meters"
)

const (
	// DefaultDebounce applies when a rule carries no debounce interval.
	DefaultDebounce = 60 * time.Second
	// DefaultStopSpeedKmh is the speed at or below which a vehicle counts as stopped.
	DefaultStopSpeedKmh = 5.0
)

// AlertRule configures one alert kind.
type AlertRule struct {
	Kind             Kind               `json:"kind" yaml:"kind"`
	Enabled          bool               `json:"enabled" yaml:"enabled"`
	Thresholds       map[string]float64 `json:"thresholds" yaml:"thresholds"`
	TolerancePercent float64            `json:"tolerance_percent" yaml:"tolerance_percent"`
	DebounceSeconds  int                `json:"debounce_seconds" yaml:"debounce_seconds"`
	Priority         Priority           `json:"priority" yaml:"priority"`
	UpdatedAt        time.Time          `json:"updated_at" yaml:"-"`
}

// Validate checks rule invariants.
func (r AlertRule) Validate() error {
	if r.Kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidRule)
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRule, r.Priority)
	}
	if r.TolerancePercent < 0 {
		return fmt.Errorf("%w: negative tolerance", ErrInvalidRule)
	}
	if r.DebounceSeconds < 0 {
		return fmt.Errorf("%w: negative debounce", ErrInvalidRule)
	}
	for key, value := range r.Thresholds {
		if value < 0 {
			return fmt.Errorf("%w: negative threshold %s", ErrInvalidRule, key)
		}
	}
	switch r.Kind {
	case KindExcessiveSpeed:
		if r.Enabled && r.Thresholds[ThresholdMaxSpeedKmh] <= 0 {
			return fmt.Errorf("%w: %s requires %s", ErrInvalidRule, r.Kind, ThresholdMaxSpeedKmh)
		}
	case KindProlongedStop:
		if r.Enabled && r.Thresholds[ThresholdDurationSeconds] <= 0 {
			return fmt.Errorf("%w: %s requires %s", ErrInvalidRule, r.Kind, ThresholdDurationSeconds)
		}
	}
	return nil
}

// Threshold returns a named threshold and whether it is set.
func (r AlertRule) Threshold(key string) (float64, bool) {
	if r.Thresholds == nil {
		return 0, false
	}
	value, ok := r.Thresholds[key]
	return value, ok
}

// Debounce returns the configured cooldown or DefaultDebounce.
func (r AlertRule) Debounce() time.Duration {
	if r.DebounceSeconds <= 0 {
		return DefaultDebounce
	}
	return time.Duration(r.DebounceSeconds) * time.Second
}

// Duration returns the sustained-violation window.
func (r AlertRule) Duration() time.Duration {
	seconds, _ := r.Threshold(ThresholdDurationSeconds)
	return time.Duration(seconds * float64(time.Second))
}

// SpeedLimit returns max_speed_kmh widened by the tolerance percentage.
func (r AlertRule) SpeedLimit() float64 {
	limit, _ := r.Threshold(ThresholdMaxSpeedKmh)
	return limit * (1 + r.TolerancePercent/100)
}

// StopSpeed returns the speed at or below which a vehicle counts as stopped.
func (r AlertRule) StopSpeed() float64 {
	if value, ok := r.Threshold(ThresholdMaxSpeedKmh); ok && value > 0 {
		return value
	}
	return DefaultStopSpeedKmh
}

// Radius returns the stop geofence radius in meters, 0 when unchecked.
// The legacy key radius_metros is accepted as an alias.
func (r AlertRule) Radius() float64 {
	if value, ok := r.Threshold(ThresholdRadiusMeters); ok {
		return value
	}
	value, _ := r.Threshold("radius_metros")
	return value
}

// EffectivePriority falls back to medium.
func (r AlertRule) EffectivePriority() Priority {
	if r.Priority.Valid() {
		return r.Priority
	}
	return PriorityMedium
}

// Clone returns a deep copy.
func (r AlertRule) Clone() AlertRule {
	out := r
	if r.Thresholds != nil {
		out.Thresholds = make(map[string]float64, len(r.Thresholds))
		for k, v := range r.Thresholds {
			out.Thresholds[k] = v
		}
	}
	return out
}

// RulePatch is a partial rule update. Nil fields are left unchanged.
type RulePatch struct {
	Thresholds       map[string]float64 `json:"thresholds,omitempty"`
	TolerancePercent *float64           `json:"tolerance_percent,omitempty"`
	DebounceSeconds  *int               `json:"debounce_seconds,omitempty"`
	Priority         *Priority          `json:"priority,omitempty"`
	Enabled          *bool              `json:"enabled,omitempty"`
}

// Apply returns rule with the patch merged in. Threshold keys are merged, not replaced.
func (p RulePatch) Apply(rule AlertRule) AlertRule {
	out := rule.Clone()
	if len(p.Thresholds) > 0 {
		if out.Thresholds == nil {
			out.Thresholds = make(map[string]float64, len(p.Thresholds))
		}
		for k, v := range p.Thresholds {
			out.Thresholds[k] = v
		}
	}
	if p.TolerancePercent != nil {
		out.TolerancePercent = *p.TolerancePercent
	}
	if p.DebounceSeconds != nil {
		out.DebounceSeconds = *p.DebounceSeconds
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	return out
}

// Empty reports whether the patch changes nothing.
func (p RulePatch) Empty() bool {
	return len(p.Thresholds) == 0 && p.TolerancePercent == nil && p.DebounceSeconds == nil && p.Priority == nil && p.Enabled == nil
}

// DefaultRules is the configuration used when no rule store has been seeded.
func DefaultRules() []AlertRule {
	return []AlertRule{
		{
			Kind:            KindExcessiveSpeed,
			Enabled:         true,
			Thresholds:      map[string]float64{ThresholdMaxSpeedKmh: 100, ThresholdDurationSeconds: 30},
			DebounceSeconds: 60,
			Priority:        PriorityHigh,
		},
		{
			Kind:            KindProlongedStop,
			Enabled:         true,
			Thresholds:      map[string]float64{ThresholdDurationSeconds: 600, ThresholdRadiusMeters: 50, ThresholdMaxSpeedKmh: DefaultStopSpeedKmh},
			DebounceSeconds: 60,
			Priority:        PriorityMedium,
		},
		{
			Kind:       KindLowFuel,
			Enabled:    false,
			Thresholds: map[string]float64{"min_fuel_pct": 15},
			Priority:   PriorityMedium,
		},
		{
			Kind:       KindMaintenanceOverdue,
			Enabled:    false,
			Thresholds: map[string]float64{"overdue_days": 0},
			Priority:   PriorityLow,
		},
	}
}
