package alerts

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind identifies the condition an alert monitors.
type Kind string

const (
	KindExcessiveSpeed     Kind = "excessive_speed"
	KindProlongedStop      Kind = "prolonged_stop"
	KindLowFuel            Kind = "low_fuel"
	KindMaintenanceOverdue Kind = "maintenance_overdue"
)

// Evaluated lists the kinds the streaming evaluator handles.
var Evaluated = []Kind{KindExcessiveSpeed, KindProlongedStop}

// ParseKind normalizes a kind string.
func ParseKind(value string) Kind {
	return Kind(strings.TrimSpace(strings.ToLower(value)))
}

// Priority ranks alert urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to 1..4, 0 when unknown.
func (p Priority) Rank() int {
	switch Priority(strings.TrimSpace(strings.ToLower(string(p)))) {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid returns true for the four known priorities.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// AtLeast reports whether p ranks at or above target.
func (p Priority) AtLeast(target Priority) bool {
	return p.Rank() >= target.Rank()
}

// Status is the lifecycle state of a persisted alert.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSeen     Status = "seen"
	StatusResolved Status = "resolved"
	StatusIgnored  Status = "ignored"
)

// CanTransitionTo reports whether moving from s to next is allowed.
// pending -> seen | resolved | ignored, seen -> resolved. Terminal states never move.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSeen || next == StatusResolved || next == StatusIgnored
	case StatusSeen:
		return next == StatusResolved
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSeen, StatusResolved, StatusIgnored:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusIgnored
}

// Alert is a persisted alert record.
type Alert struct {
	ID          string          `json:"id"`
	VehicleID   int64           `json:"vehicle_id"`
	VehicleCode string          `json:"vehicle_code"`
	DriverID    *int64          `json:"driver_id,omitempty"`
	Kind        Kind            `json:"kind"`
	Message     string          `json:"message"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	FiredAt     time.Time       `json:"fired_at"`
	SeenAt      *time.Time      `json:"seen_at,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Metadata is the kind-specific context attached to a fired alert.
type Metadata struct {
	SpeedKmh        float64 `json:"speed_kmh"`
	ThresholdKmh    float64 `json:"threshold_kmh,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	RadiusMeters    float64 `json:"radius_meters,omitempty"`
}

// Filter narrows alert listings. Zero values are ignored.
type Filter struct {
	VehicleID int64
	Kind      Kind
	Status    Status
	From      time.Time
	To        time.Time
	Limit     int
}
