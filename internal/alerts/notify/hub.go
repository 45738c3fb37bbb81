package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/observability/metrics"
)

// Listener receives newly created alerts.
type Listener func(alert alerts.Alert)

// Hub fans created alerts out to subscribed listeners.
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
	logger    *slog.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{listeners: make(map[uint64]Listener), logger: logger}
}

// Subscription is a registered listener.
type Subscription struct {
	hub  *Hub
	id   uint64
	once sync.Once
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.remove(s.id)
	})
}

// Subscribe registers onAlert for every alert published after this call.
func (h *Hub) Subscribe(onAlert Listener) *Subscription {
	if h == nil || onAlert == nil {
		return &Subscription{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = onAlert
	h.order = append(h.order, id)
	return &Subscription{hub: h, id: id}
}

// Len returns the number of listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Publish delivers alert to every listener in subscription order.
// A panicking listener is recovered and does not affect the others.
func (h *Hub) Publish(alert alerts.Alert) {
	if h == nil {
		return
	}
	h.mu.RLock()
	targets := make([]Listener, 0, len(h.order))
	for _, id := range h.order {
		if listener, ok := h.listeners[id]; ok {
			targets = append(targets, listener)
		}
	}
	h.mu.RUnlock()
	for _, listener := range targets {
		h.deliver(listener, alert)
	}
}

// PublishAlert lets the hub act as the sink's publisher.
func (h *Hub) PublishAlert(_ context.Context, alert alerts.Alert) error {
	h.Publish(alert)
	return nil
}

func (h *Hub) deliver(listener Listener, alert alerts.Alert) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncListenerPanic()
			h.logger.Error("alert listener panicked", "alert_id", alert.ID, "panic", fmt.Sprint(r))
		}
	}()
	listener(alert)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[id]; !ok {
		return
	}
	delete(h.listeners, id)
	for i, candidate := range h.order {
		if candidate == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}
