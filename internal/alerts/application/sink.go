package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	alerts "fleetwatch/internal/alerts/domain"
)

// FireRequest describes an alert to persist.
type FireRequest struct {
	Vehicle  alerts.VehicleRef
	Kind     alerts.Kind
	Message  string
	Priority alerts.Priority
	Metadata alerts.Metadata
	FiredAt  time.Time
}

// Sink resolves vehicle identity and persists alerts.
type Sink struct {
	vehicles  VehicleDirectory
	alerts    AlertRepository
	publisher AlertPublisher
	clock     Clock
	logger    *slog.Logger
	newID     func(time.Time) string
}

// SinkOption configures the sink.
type SinkOption func(*Sink)

// WithPublisher delivers each created alert to publisher after insert.
func WithPublisher(publisher AlertPublisher) SinkOption {
	return func(s *Sink) {
		s.publisher = publisher
	}
}

// WithSinkClock overrides the clock used for created_at.
func WithSinkClock(clock Clock) SinkOption {
	return func(s *Sink) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSinkLogger sets the logger.
func WithSinkLogger(logger *slog.Logger) SinkOption {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSink constructs an alert sink.
func NewSink(vehicles VehicleDirectory, repo AlertRepository, opts ...SinkOption) (*Sink, error) {
	if vehicles == nil {
		return nil, errors.New("alert sink: nil vehicle directory")
	}
	if repo == nil {
		return nil, errors.New("alert sink: nil alert repository")
	}
	s := &Sink{
		vehicles: vehicles,
		alerts:   repo,
		clock:    systemClock{},
		logger:   slog.Default(),
		newID: func(at time.Time) string {
			return ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Resolve finds the vehicle behind ref. See ResolveVehicle.
func (s *Sink) Resolve(ctx context.Context, ref alerts.VehicleRef) (*alerts.Vehicle, error) {
	return ResolveVehicle(ctx, s.vehicles, ref)
}

// Fire persists a pending alert and returns the stored record.
// Unknown vehicles yield ErrVehicleNotFound and nothing is written.
// Write failures are wrapped with ErrPersistence.
func (s *Sink) Fire(ctx context.Context, req FireRequest) (*alerts.Alert, error) {
	if s == nil {
		return nil, errors.New("alert sink: nil sink")
	}
	if req.Kind == "" {
		return nil, errors.New("alert sink: empty kind")
	}
	vehicle, err := s.Resolve(ctx, req.Vehicle)
	if err != nil {
		return nil, err
	}

	driverID := s.activeDriver(ctx, vehicle.ID)

	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("alert sink: encode metadata: %w", err)
	}
	now := s.clock.Now().UTC()
	firedAt := req.FiredAt.UTC()
	if firedAt.IsZero() {
		firedAt = now
	}
	priority := req.Priority
	if !priority.Valid() {
		priority = alerts.PriorityMedium
	}
	alert := &alerts.Alert{
		ID:          s.newID(firedAt),
		VehicleID:   vehicle.ID,
		VehicleCode: vehicle.Code,
		DriverID:    driverID,
		Kind:        req.Kind,
		Message:     req.Message,
		Priority:    priority,
		Status:      alerts.StatusPending,
		Metadata:    metadata,
		FiredAt:     firedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.alerts.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("%w: %w", alerts.ErrPersistence, err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishAlert(ctx, *alert); err != nil {
			s.logger.Warn("alert publish failed", "alert_id", alert.ID, "error", err)
		}
	}
	return alert, nil
}

func (s *Sink) activeDriver(ctx context.Context, vehicleID int64) *int64 {
	driverID, err := s.vehicles.ActiveDriver(ctx, vehicleID)
	if err != nil {
		s.logger.Warn("driver resolution failed", "vehicle_id", strconv.FormatInt(vehicleID, 10), "error", err)
		return nil
	}
	return driverID
}
