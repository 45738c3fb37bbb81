package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
)

// ErrInvalidSample marks a payload that cannot be turned into a sample.
var ErrInvalidSample = errors.New("telemetry: invalid sample")

// PositionWriter persists accepted samples as position history.
type PositionWriter interface {
	Enqueue(sample alerts.Sample) bool
}

// DistanceQuery measures how far vehicles travelled in a window. An empty
// refs slice covers every vehicle.
type DistanceQuery interface {
	DistanceKm(ctx context.Context, refs []string, from, to time.Time) (float64, error)
}

// VehicleKey accepts a vehicle reference written as a JSON string or number.
type VehicleKey string

// UnmarshalJSON implements json.Unmarshaler.
func (k *VehicleKey) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*k = VehicleKey(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*k = VehicleKey(number.String())
	return nil
}

// SamplePayload is the native JSON form of a GPS sample.
type SamplePayload struct {
	VehicleID      VehicleKey `json:"vehicle_id"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	SpeedKmh       float64    `json:"speed_kmh"`
	HeadingDegrees float64    `json:"heading_degrees"`
	AccuracyMeters float64    `json:"accuracy_meters"`
	Timestamp      string     `json:"timestamp"`
	TS             int64      `json:"ts"`
}

// PositionData is the traccar-style message published by device gateways.
type PositionData struct {
	IMEI        string  `json:"imei"`
	TimestampMs int64   `json:"timestampMs"`
	Longitude   float64 `json:"lng"`
	Latitude    float64 `json:"lat"`
	Altitude    float64 `json:"altitude"`
	Angle       float64 `json:"angle"`
	Speed       float64 `json:"speed"`
	Satellites  int     `json:"satellites"`
	Ignition    bool    `json:"ignition"`
}

// DecodeSamples accepts a single sample object or an array of them.
func DecodeSamples(body []byte, source string) ([]alerts.Sample, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidSample)
	}
	var payloads []SamplePayload
	if strings.HasPrefix(trimmed, "[") {
		if err := unmarshal([]byte(trimmed), &payloads); err != nil {
			return nil, err
		}
	} else {
		var single SamplePayload
		if err := unmarshal([]byte(trimmed), &single); err != nil {
			return nil, err
		}
		payloads = []SamplePayload{single}
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrInvalidSample)
	}
	samples := make([]alerts.Sample, 0, len(payloads))
	for i, payload := range payloads {
		sample, err := payload.toSample(source)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// DecodePosition converts one gateway position message into a sample keyed by IMEI.
func DecodePosition(body []byte, source string) (alerts.Sample, error) {
	var position PositionData
	if err := unmarshal(body, &position); err != nil {
		return alerts.Sample{}, err
	}
	if strings.TrimSpace(position.IMEI) == "" {
		return alerts.Sample{}, fmt.Errorf("%w: missing imei", ErrInvalidSample)
	}
	ts, err := ParseTimestamp(position.TimestampMs)
	if err != nil {
		return alerts.Sample{}, err
	}
	sample := alerts.Sample{
		VehicleID:      strings.TrimSpace(position.IMEI),
		Latitude:       position.Latitude,
		Longitude:      position.Longitude,
		SpeedKmh:       position.Speed,
		HeadingDegrees: position.Angle,
		Timestamp:      ts,
		Source:         source,
	}
	if err := sample.Validate(); err != nil {
		return alerts.Sample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	return sample, nil
}

func (p SamplePayload) toSample(source string) (alerts.Sample, error) {
	vehicleID := strings.TrimSpace(string(p.VehicleID))
	if vehicleID == "" {
		return alerts.Sample{}, fmt.Errorf("%w: missing vehicle_id", ErrInvalidSample)
	}
	var (
		ts  time.Time
		err error
	)
	switch {
	case p.Timestamp != "":
		ts, err = time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil {
			return alerts.Sample{}, fmt.Errorf("%w: timestamp must be RFC3339", ErrInvalidSample)
		}
		ts = ts.UTC()
	default:
		ts, err = ParseTimestamp(p.TS)
		if err != nil {
			return alerts.Sample{}, err
		}
	}
	sample := alerts.Sample{
		VehicleID:      vehicleID,
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
		SpeedKmh:       p.SpeedKmh,
		HeadingDegrees: p.HeadingDegrees,
		AccuracyMeters: p.AccuracyMeters,
		Timestamp:      ts,
		Source:         source,
	}
	if err := sample.Validate(); err != nil {
		return alerts.Sample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	return sample, nil
}

// ParseTimestamp accepts epoch milliseconds or seconds.
func ParseTimestamp(value int64) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, fmt.Errorf("%w: invalid ts", ErrInvalidSample)
	}
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}

func unmarshal(body []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	return nil
}
