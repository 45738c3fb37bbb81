package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	alertapp "fleetwatch/internal/alerts/application"
	"fleetwatch/internal/observability/metrics"
)

const defaultAsyncQueue = 256

// AsyncNotifier hands events to a single background worker so slow channels
// never block the caller. Events arriving while the queue is full are dropped.
type AsyncNotifier struct {
	next    alertapp.AlertNotifier
	queue   chan alertapp.AlertEvent
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// AsyncOption configures the async notifier.
type AsyncOption func(*AsyncNotifier)

// WithQueueSize bounds the number of pending events.
func WithQueueSize(size int) AsyncOption {
	return func(a *AsyncNotifier) {
		if size > 0 {
			a.queue = make(chan alertapp.AlertEvent, size)
		}
	}
}

// WithSendTimeout bounds how long one event may take to deliver.
func WithSendTimeout(timeout time.Duration) AsyncOption {
	return func(a *AsyncNotifier) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithAsyncLogger sets the logger.
func WithAsyncLogger(logger *slog.Logger) AsyncOption {
	return func(a *AsyncNotifier) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAsyncNotifier starts the delivery worker. Call Close to drain and stop it.
func NewAsyncNotifier(next alertapp.AlertNotifier, opts ...AsyncOption) *AsyncNotifier {
	a := &AsyncNotifier{
		next:    next,
		queue:   make(chan alertapp.AlertEvent, defaultAsyncQueue),
		timeout: 15 * time.Second,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Notify enqueues event without blocking.
func (a *AsyncNotifier) Notify(_ context.Context, event alertapp.AlertEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- event:
	default:
		metrics.IncNotifySend(metrics.ResultDropped)
		a.logger.Warn("alert notification dropped", "alert_id", event.Alert.ID, "event", event.Type)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *AsyncNotifier) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncNotifier) run() {
	defer close(a.done)
	for event := range a.queue {
		a.deliver(event)
	}
}

func (a *AsyncNotifier) deliver(event alertapp.AlertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("alert notifier panic", "alert_id", event.Alert.ID, "panic", r)
		}
	}()
	if a.next != nil {
		a.next.Notify(ctx, event)
	}
}
