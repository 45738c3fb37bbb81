package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	alertapp "fleetwatch/internal/alerts/application"
	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/analytics/domain/kpi"
)

// AlertLister reads alerts in a window. A zero filter limit returns every match.
type AlertLister interface {
	List(ctx context.Context, filter alerts.Filter) ([]alerts.Alert, error)
}

// VehicleFinder resolves a vehicle reference.
type VehicleFinder = alertapp.VehicleFinder

// DistanceQuery measures travelled distance. Empty refs covers every vehicle.
type DistanceQuery interface {
	DistanceKm(ctx context.Context, refs []string, from, to time.Time) (float64, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// KPIQuery selects the window and optional vehicle for a report.
type KPIQuery struct {
	From    time.Time
	To      time.Time
	Vehicle string
}

// Report is a KPI summary for a window.
type Report struct {
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	VehicleID *int64    `json:"vehicle_id,omitempty"`
	KPIs      kpi.KPIs  `json:"kpis"`
}

// KPIService builds incident KPI reports from stored alerts and position history.
type KPIService struct {
	alerts   AlertLister
	vehicles VehicleFinder
	distance DistanceQuery
	clock    Clock
	window   time.Duration
	logger   *slog.Logger
}

// KPIOption configures the service.
type KPIOption func(*KPIService)

// WithDistanceQuery enables incidents-per-distance reporting.
func WithDistanceQuery(distance DistanceQuery) KPIOption {
	return func(s *KPIService) {
		s.distance = distance
	}
}

// WithKPIClock overrides the clock used for default windows.
func WithKPIClock(clock Clock) KPIOption {
	return func(s *KPIService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithDefaultWindow sets the window used when the query has no start.
func WithDefaultWindow(d time.Duration) KPIOption {
	return func(s *KPIService) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithKPILogger sets the logger.
func WithKPILogger(logger *slog.Logger) KPIOption {
	return func(s *KPIService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewKPIService constructs a KPI service.
func NewKPIService(lister AlertLister, vehicles VehicleFinder, opts ...KPIOption) (*KPIService, error) {
	if lister == nil {
		return nil, errors.New("kpi service: nil alert lister")
	}
	if vehicles == nil {
		return nil, errors.New("kpi service: nil vehicle finder")
	}
	s := &KPIService{
		alerts:   lister,
		vehicles: vehicles,
		clock:    systemClock{},
		window:   30 * 24 * time.Hour,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Compute returns the KPI report for query. A missing To defaults to now and
// a missing From to the default window before To. When distance cannot be
// measured the per-distance rate is left empty.
func (s *KPIService) Compute(ctx context.Context, query KPIQuery) (*Report, error) {
	if s == nil {
		return nil, errors.New("kpi service: nil service")
	}
	to := query.To.UTC()
	if to.IsZero() {
		to = s.clock.Now().UTC()
	}
	from := query.From.UTC()
	if from.IsZero() {
		from = to.Add(-s.window)
	}
	if !to.After(from) {
		return nil, kpi.ErrInvalidWindow
	}

	report := &Report{From: from, To: to}
	filter := alerts.Filter{From: from, To: to}
	var refs []string
	if query.Vehicle != "" {
		vehicle, err := alertapp.ResolveVehicle(ctx, s.vehicles, alerts.ParseVehicleRef(query.Vehicle))
		if err != nil {
			return nil, err
		}
		filter.VehicleID = vehicle.ID
		report.VehicleID = &vehicle.ID
		refs = []string{strconv.FormatInt(vehicle.ID, 10), vehicle.Code}
	}

	records, err := s.alerts.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("kpi service: list alerts: %w", err)
	}

	var km *float64
	if s.distance != nil {
		distance, err := s.distance.DistanceKm(ctx, refs, from, to)
		if err != nil {
			s.logger.Warn("kpi service: distance query failed", "error", err)
		} else {
			km = &distance
		}
	}

	report.KPIs = kpi.ComputeKPIs(kpi.FromAlerts(records), km)
	return report, nil
}
