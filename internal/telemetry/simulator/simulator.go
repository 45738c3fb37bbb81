package simulator

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
)

// SampleSubmitter accepts generated samples.
type SampleSubmitter interface {
	Submit(sample alerts.Sample) error
}

// Phase is a stretch of driving at a nominal speed.
type Phase struct {
	Name     string
	Duration time.Duration
	SpeedKmh float64
}

// DefaultPhases cycles through normal driving, a sustained speeding
// episode and a long stop.
func DefaultPhases() []Phase {
	return []Phase{
		{Name: "cruise", Duration: 2 * time.Minute, SpeedKmh: 55},
		{Name: "speeding", Duration: 90 * time.Second, SpeedKmh: 118},
		{Name: "cruise", Duration: time.Minute, SpeedKmh: 48},
		{Name: "stopped", Duration: 6 * time.Minute, SpeedKmh: 0},
	}
}

const earthRadiusMeters = 6371000.0

type vehicle struct {
	id       string
	lat, lng float64
	heading  float64
	offset   time.Duration
	last     time.Time
}

// Simulator generates synthetic GPS samples for a set of vehicles.
type Simulator struct {
	vehicles []*vehicle
	phases   []Phase
	cycle    time.Duration
	interval time.Duration
	jitter   float64
	rng      *rand.Rand
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the simulator.
type Option func(*Simulator)

// WithPhases replaces the default phase cycle.
func WithPhases(phases []Phase) Option {
	return func(s *Simulator) {
		if len(phases) > 0 {
			s.phases = phases
		}
	}
}

// WithInterval sets the tick between samples.
func WithInterval(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSeed makes the generated jitter reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Simulator) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithJitter sets the random speed variation in km/h applied while moving.
func WithJitter(kmh float64) Option {
	return func(s *Simulator) {
		if kmh >= 0 {
			s.jitter = kmh
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Simulator) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a simulator around (lat, lng). Vehicles start at staggered
// points of the phase cycle so they do not alert in lockstep.
func New(vehicleIDs []string, lat, lng float64, opts ...Option) (*Simulator, error) {
	if len(vehicleIDs) == 0 {
		return nil, errors.New("simulator: no vehicles")
	}
	s := &Simulator{
		phases:   DefaultPhases(),
		interval: 5 * time.Second,
		jitter:   3,
		rng:      rand.New(rand.NewPCG(1, 2)),
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, phase := range s.phases {
		s.cycle += phase.Duration
	}
	if s.cycle <= 0 {
		return nil, errors.New("simulator: empty phase cycle")
	}
	for i, id := range vehicleIDs {
		s.vehicles = append(s.vehicles, &vehicle{
			id:      id,
			lat:     lat + float64(i)*0.01,
			lng:     lng,
			heading: math.Mod(float64(i)*47, 360),
			offset:  time.Duration(i) * s.cycle / time.Duration(len(vehicleIDs)),
		})
	}
	return s, nil
}

// PhaseAt returns the phase reached after elapsed time in the cycle.
func (s *Simulator) PhaseAt(elapsed time.Duration) Phase {
	pos := (elapsed%s.cycle + s.cycle) % s.cycle
	for _, phase := range s.phases {
		if pos < phase.Duration {
			return phase
		}
		pos -= phase.Duration
	}
	return s.phases[len(s.phases)-1]
}

// Step advances every vehicle to at and returns one sample per vehicle.
// start anchors the phase cycle.
func (s *Simulator) Step(start, at time.Time) []alerts.Sample {
	samples := make([]alerts.Sample, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		phase := s.PhaseAt(at.Sub(start) + v.offset)
		speed := phase.SpeedKmh
		if speed > 0 && s.jitter > 0 {
			speed = math.Max(0, speed+(s.rng.Float64()*2-1)*s.jitter)
		}
		if !v.last.IsZero() && speed > 0 {
			meters := speed / 3.6 * at.Sub(v.last).Seconds()
			v.lat, v.lng = move(v.lat, v.lng, v.heading, meters)
			v.heading = math.Mod(v.heading+s.rng.Float64()*10-5+360, 360)
		}
		v.last = at
		samples = append(samples, alerts.Sample{
			VehicleID:      v.id,
			Latitude:       v.lat,
			Longitude:      v.lng,
			SpeedKmh:       math.Round(speed*10) / 10,
			HeadingDegrees: math.Round(v.heading),
			Timestamp:      at,
			Source:         "simulator",
		})
	}
	return samples
}

// Run emits samples every interval until ctx ends.
func (s *Simulator) Run(ctx context.Context, out SampleSubmitter) error {
	if out == nil {
		return errors.New("simulator: nil submitter")
	}
	start := s.now()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("simulator started", "vehicles", len(s.vehicles), "interval", s.interval, "cycle", s.cycle)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, sample := range s.Step(start, s.now()) {
				if err := out.Submit(sample); err != nil {
					s.logger.Warn("simulator: sample rejected", "vehicle_id", sample.VehicleID, "error", err)
				}
			}
		}
	}
}

// move returns the point reached after travelling meters along heading.
func move(lat, lng, heading, meters float64) (float64, float64) {
	toRad := math.Pi / 180
	phi1 := lat * toRad
	lambda1 := lng * toRad
	theta := heading * toRad
	delta := meters / earthRadiusMeters

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(phi1), math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))
	return phi2 / toRad, math.Mod(lambda2/toRad+540, 360) - 180
}
