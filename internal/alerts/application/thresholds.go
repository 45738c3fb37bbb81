package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/observability/metrics"
)

// DefaultThresholdTTL is how long a fetched rule set is served without I/O.
const DefaultThresholdTTL = 30 * time.Second

// Thresholds is the cached rule set keyed by kind.
// Disabled kinds stay in the map with Enabled=false.
type Thresholds map[alerts.Kind]alerts.AlertRule

// Active returns the rule for kind when it is present and enabled.
func (t Thresholds) Active(kind alerts.Kind) (alerts.AlertRule, bool) {
	rule, ok := t[kind]
	if !ok || !rule.Enabled {
		return alerts.AlertRule{}, false
	}
	return rule, true
}

// ThresholdStore caches rule configuration with a refresh TTL.
type ThresholdStore struct {
	source  RuleSource
	ttl     time.Duration
	clock   Clock
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group

	mu        sync.RWMutex
	cache     Thresholds
	fetchedAt time.Time
	valid     bool
}

// ThresholdOption configures the store.
type ThresholdOption func(*ThresholdStore)

// WithTTL overrides DefaultThresholdTTL.
func WithTTL(ttl time.Duration) ThresholdOption {
	return func(s *ThresholdStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithThresholdClock injects the clock used for expiry.
func WithThresholdClock(clock Clock) ThresholdOption {
	return func(s *ThresholdStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithThresholdLogger sets the logger.
func WithThresholdLogger(logger *slog.Logger) ThresholdOption {
	return func(s *ThresholdStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInitialRules seeds the cache served before the first successful fetch.
func WithInitialRules(rules []alerts.AlertRule) ThresholdOption {
	return func(s *ThresholdStore) {
		for _, rule := range rules {
			s.cache[rule.Kind] = rule.Clone()
		}
	}
}

// WithBreakerSettings replaces the default circuit breaker around fetches.
func WithBreakerSettings(settings gobreaker.Settings) ThresholdOption {
	return func(s *ThresholdStore) {
		s.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// NewThresholdStore constructs a store reading from source.
func NewThresholdStore(source RuleSource, opts ...ThresholdOption) (*ThresholdStore, error) {
	if source == nil {
		return nil, errors.New("thresholds: nil rule source")
	}
	s := &ThresholdStore{
		source: source,
		ttl:    DefaultThresholdTTL,
		clock:  systemClock{},
		logger: slog.Default(),
		cache:  make(Thresholds),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "threshold-fetch",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns the current thresholds, refreshing when the TTL has expired.
// It never fails: fetch errors are logged and the previous cache is served.
func (s *ThresholdStore) Get(ctx context.Context) Thresholds {
	if s == nil {
		return Thresholds{}
	}
	if snapshot, ok := s.fresh(); ok {
		return snapshot
	}
	_, _, _ = s.group.Do("refresh", func() (any, error) {
		// Another caller may have refreshed while this one waited for the group.
		if _, ok := s.fresh(); ok {
			return nil, nil
		}
		s.refresh(ctx)
		return nil, nil
	})
	return s.snapshot()
}

// Invalidate forces the next Get to fetch.
func (s *ThresholdStore) Invalidate() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

func (s *ThresholdStore) fresh() (Thresholds, bool) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid || now.Sub(s.fetchedAt) >= s.ttl {
		return nil, false
	}
	return s.copyLocked(), true
}

func (s *ThresholdStore) snapshot() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *ThresholdStore) copyLocked() Thresholds {
	out := make(Thresholds, len(s.cache))
	for kind, rule := range s.cache {
		out[kind] = rule
	}
	return out
}

func (s *ThresholdStore) refresh(ctx context.Context) {
	result, err := s.breaker.Execute(func() (any, error) {
		return s.source.ListRules(ctx)
	})
	if err != nil {
		metrics.IncThresholdRefresh(metrics.ResultError)
		s.logger.Warn("threshold refresh failed, serving cached rules", "error", err)
		return
	}
	rules, _ := result.([]alerts.AlertRule)

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(Thresholds, len(s.cache)+len(rules))
	for kind, rule := range s.cache {
		next[kind] = rule
	}
	for _, rule := range rules {
		if rule.Enabled {
			next[rule.Kind] = rule.Clone()
			continue
		}
		// Disabled rules keep their last thresholds but are skipped by the evaluator.
		prev, ok := next[rule.Kind]
		if !ok {
			prev = rule.Clone()
		}
		prev.Enabled = false
		next[rule.Kind] = prev
	}
	s.cache = next
	s.fetchedAt = s.clock.Now()
	s.valid = true
	metrics.IncThresholdRefresh(metrics.ResultSuccess)
}
