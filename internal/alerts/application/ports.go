package application

import (
	"context"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// RuleSource returns the full alert rule configuration.
type RuleSource interface {
	ListRules(ctx context.Context) ([]alerts.AlertRule, error)
}

// RuleRepository reads and writes alert rules.
type RuleRepository interface {
	RuleSource
	GetRule(ctx context.Context, kind alerts.Kind) (*alerts.AlertRule, error)
	SaveRule(ctx context.Context, rule alerts.AlertRule) error
}

// AlertRepository persists alert records.
type AlertRepository interface {
	Create(ctx context.Context, alert *alerts.Alert) error
	GetByID(ctx context.Context, id string) (*alerts.Alert, error)
	List(ctx context.Context, filter alerts.Filter) ([]alerts.Alert, error)
	// UpdateStatus moves id from one status to another and reports whether a row changed.
	UpdateStatus(ctx context.Context, id string, from, to alerts.Status, at time.Time, actor string) (bool, error)
}

// VehicleFinder resolves vehicle identity. Lookups return nil, nil when
// nothing matches.
type VehicleFinder interface {
	FindByID(ctx context.Context, id int64) (*alerts.Vehicle, error)
	FindByCode(ctx context.Context, code string) (*alerts.Vehicle, error)
}

// VehicleDirectory resolves vehicle identity and assignments.
type VehicleDirectory interface {
	VehicleFinder
	ActiveDriver(ctx context.Context, vehicleID int64) (*int64, error)
}

// AlertPublisher receives alerts right after they are persisted.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert alerts.Alert) error
}

// AlertNotifier publishes alert lifecycle events.
type AlertNotifier interface {
	Notify(ctx context.Context, event AlertEvent)
}

// Alert lifecycle event types.
const (
	EventFired     = "fired"
	EventSeen      = "seen"
	EventResolved  = "resolved"
	EventIgnored   = "ignored"
	EventEscalated = "escalated"
)

// AlertEvent represents a lifecycle update.
type AlertEvent struct {
	Type  string       `json:"type"`
	Alert alerts.Alert `json:"alert"`
}
