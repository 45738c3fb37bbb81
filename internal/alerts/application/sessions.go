package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/observability/metrics"
)

var (
	// ErrOutOfOrder is returned for a sample older than the last accepted one.
	ErrOutOfOrder = errors.New("sessions: sample older than last accepted")
	// ErrQueueFull is returned when a vehicle's queue has no room.
	ErrQueueFull = errors.New("sessions: vehicle queue full")
	// ErrSessionsClosed is returned after Close.
	ErrSessionsClosed = errors.New("sessions: closed")
)

// Processor evaluates one sample.
type Processor interface {
	Process(ctx context.Context, sample alerts.Sample) ([]Outcome, error)
}

// SessionEnder is told when a vehicle's session ends.
type SessionEnder interface {
	EndSession(vehicleID string)
}

type session struct {
	vehicleID string
	queue     chan alerts.Sample
	last      time.Time
	done      chan struct{}
	// prev is closed when the previous session of the same vehicle has finished.
	prev <-chan struct{}
}

// Sessions runs one worker per vehicle so samples of a vehicle are evaluated
// in order while different vehicles proceed in parallel.
type Sessions struct {
	processor Processor
	ender     SessionEnder
	queueSize int
	idle      time.Duration
	logger    *slog.Logger
	onOutcome func(alerts.Sample, Outcome)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	workers  map[string]*session
	retiring map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// SessionsOption configures Sessions.
type SessionsOption func(*Sessions)

// WithQueueSize sets the per-vehicle buffer.
func WithQueueSize(size int) SessionsOption {
	return func(s *Sessions) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithIdleTimeout ends sessions that receive nothing for d. Zero disables reaping.
func WithIdleTimeout(d time.Duration) SessionsOption {
	return func(s *Sessions) {
		if d >= 0 {
			s.idle = d
		}
	}
}

// WithSessionEnder sets the callback for ended sessions.
func WithSessionEnder(ender SessionEnder) SessionsOption {
	return func(s *Sessions) {
		s.ender = ender
	}
}

// WithSessionsLogger sets the logger.
func WithSessionsLogger(logger *slog.Logger) SessionsOption {
	return func(s *Sessions) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOutcomeHook observes every fire outcome.
func WithOutcomeHook(hook func(alerts.Sample, Outcome)) SessionsOption {
	return func(s *Sessions) {
		s.onOutcome = hook
	}
}

// NewSessions constructs a session manager.
func NewSessions(processor Processor, opts ...SessionsOption) (*Sessions, error) {
	if processor == nil {
		return nil, errors.New("sessions: nil processor")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sessions{
		processor: processor,
		queueSize: 64,
		idle:      10 * time.Minute,
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*session),
		retiring:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ender == nil {
		if ender, ok := processor.(SessionEnder); ok {
			s.ender = ender
		}
	}
	return s, nil
}

// Submit queues sample on its vehicle's session, starting one if needed.
func (s *Sessions) Submit(sample alerts.Sample) error {
	if err := sample.Validate(); err != nil {
		metrics.IncSampleRejected("invalid")
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionsClosed
	}
	sess, ok := s.workers[sample.VehicleID]
	prev, retiring := s.retiring[sample.VehicleID]
	last := time.Time{}
	switch {
	case ok:
		last = sess.last
	case retiring:
		last = prev.last
	}
	if sample.Timestamp.Before(last) {
		metrics.IncSampleRejected("out_of_order")
		return ErrOutOfOrder
	}
	if !ok {
		sess = &session{
			vehicleID: sample.VehicleID,
			queue:     make(chan alerts.Sample, s.queueSize),
			last:      last,
			done:      make(chan struct{}),
		}
		if retiring {
			sess.prev = prev.done
		}
		s.workers[sample.VehicleID] = sess
		s.wg.Add(1)
		go s.run(sess)
		metrics.SetActiveSessions(len(s.workers))
	}
	select {
	case sess.queue <- sample:
		sess.last = sample.Timestamp
		metrics.IncSampleReceived(sample.Source)
		return nil
	default:
		metrics.IncSampleRejected("queue_full")
		return ErrQueueFull
	}
}

// Stop ends the session of one vehicle after its queued samples are processed.
func (s *Sessions) Stop(vehicleID string) {
	s.mu.Lock()
	if sess, ok := s.workers[vehicleID]; ok {
		s.retireLocked(sess)
		close(sess.queue)
		metrics.SetActiveSessions(len(s.workers))
	}
	s.mu.Unlock()
}

// Active returns the number of live sessions.
func (s *Sessions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops accepting samples and waits for workers to drain. If ctx ends
// first, in-flight evaluation is cancelled.
func (s *Sessions) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, sess := range s.workers {
			s.retireLocked(sess)
			close(sess.queue)
		}
		metrics.SetActiveSessions(0)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Sessions) run(sess *session) {
	defer s.wg.Done()
	defer s.finish(sess)
	if sess.prev != nil {
		<-sess.prev
	}
	var (
		timer  *time.Timer
		idleCh <-chan time.Time
	)
	if s.idle > 0 {
		timer = time.NewTimer(s.idle)
		defer timer.Stop()
		idleCh = timer.C
	}
	for {
		select {
		case sample, ok := <-sess.queue:
			if !ok {
				s.end(sess.vehicleID)
				return
			}
			s.process(sample)
			if timer != nil {
				timer.Reset(s.idle)
			}
		case <-idleCh:
			s.mu.Lock()
			if s.workers[sess.vehicleID] == sess && len(sess.queue) == 0 {
				s.retireLocked(sess)
				metrics.SetActiveSessions(len(s.workers))
				s.mu.Unlock()
				s.logger.Debug("tracking session idle, ending", "vehicle_id", sess.vehicleID)
				s.end(sess.vehicleID)
				return
			}
			s.mu.Unlock()
			timer.Reset(s.idle)
		}
	}
}

func (s *Sessions) process(sample alerts.Sample) {
	outcomes, err := s.processor.Process(s.ctx, sample)
	if err != nil {
		s.logger.Warn("sample evaluation failed", "vehicle_id", sample.VehicleID, "error", err)
		return
	}
	for _, outcome := range outcomes {
		if outcome.Result == OutcomeFired && outcome.Alert != nil {
			s.logger.Info("alert fired", "vehicle_id", sample.VehicleID, "kind", string(outcome.Kind), "alert_id", outcome.Alert.ID)
		}
		if s.onOutcome != nil {
			s.onOutcome(sample, outcome)
		}
	}
}

func (s *Sessions) end(vehicleID string) {
	if s.ender != nil {
		s.ender.EndSession(vehicleID)
	}
}

func (s *Sessions) retireLocked(sess *session) {
	delete(s.workers, sess.vehicleID)
	s.retiring[sess.vehicleID] = sess
}

func (s *Sessions) finish(sess *session) {
	s.mu.Lock()
	if s.retiring[sess.vehicleID] == sess {
		delete(s.retiring, sess.vehicleID)
	}
	s.mu.Unlock()
	close(sess.done)
}
