package notify

import (
	"context"

	alertapp "fleetwatch/internal/alerts/application"
	alerts "fleetwatch/internal/alerts/domain"
)

// MultiNotifier dispatches alert events to multiple notifiers.
type MultiNotifier struct {
	notifiers []alertapp.AlertNotifier
}

// NewMultiNotifier constructs a MultiNotifier.
func NewMultiNotifier(notifiers ...alertapp.AlertNotifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify forwards events to all notifiers.
func (m *MultiNotifier) Notify(ctx context.Context, event alertapp.AlertEvent) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		if notifier != nil {
			notifier.Notify(ctx, event)
		}
	}
}

// Listener adapts the notifier to a Hub listener that reports fired alerts.
func (m *MultiNotifier) Listener(ctx context.Context) Listener {
	return func(alert alerts.Alert) {
		m.Notify(ctx, alertapp.AlertEvent{Type: alertapp.EventFired, Alert: alert})
	}
}
