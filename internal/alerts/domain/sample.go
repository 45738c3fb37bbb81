package alerts

import (
	"errors"
	"math"
	"time"
)

// Sample is one GPS reading for a vehicle.
type Sample struct {
	VehicleID      string    `json:"vehicle_id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	SpeedKmh       float64   `json:"speed_kmh"`
	HeadingDegrees float64   `json:"heading_degrees"`
	AccuracyMeters float64   `json:"accuracy_meters,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source,omitempty"`
}

// Validate rejects samples the evaluator cannot use.
func (s Sample) Validate() error {
	if s.VehicleID == "" {
		return errors.New("sample: empty vehicle id")
	}
	if s.Timestamp.IsZero() {
		return errors.New("sample: missing timestamp")
	}
	if !finite(s.SpeedKmh) || s.SpeedKmh < 0 {
		return errors.New("sample: invalid speed")
	}
	if !finite(s.Latitude) || !finite(s.Longitude) {
		return errors.New("sample: coordinates out of range")
	}
	if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
		return errors.New("sample: coordinates out of range")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// TrackingWindow is the transient violation state for one (vehicle, kind).
type TrackingWindow struct {
	WindowStart  *time.Time
	AlreadyFired bool
	// Anchor is set for stop windows at window start.
	HasAnchor bool
	AnchorLat float64
	AnchorLng float64
}

// Idle reports whether no violation is being accumulated.
func (w TrackingWindow) Idle() bool {
	return w.WindowStart == nil
}

// Elapsed returns the time since window start, or zero when idle.
func (w TrackingWindow) Elapsed(at time.Time) time.Duration {
	if w.WindowStart == nil {
		return 0
	}
	return at.Sub(*w.WindowStart)
}
