package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	alertapp "fleetwatch/internal/alerts/application"
	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/observability/metrics"
)

// AlertReader loads alert records.
type AlertReader interface {
	GetByID(ctx context.Context, id string) (*alerts.Alert, error)
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

// LinkResolver provides a dashboard link for an alert when available.
type LinkResolver func(ctx context.Context, alert alerts.Alert) string

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier sends alert notifications via a channel and handles escalation.
type Notifier struct {
	alerts         AlertReader
	channel        Channel
	template       *Template
	escalation     time.Duration
	escalateFrom   alerts.Priority
	clock          Clock
	logger         *slog.Logger
	mu             sync.Mutex
	timers         map[string]*time.Timer
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	link           LinkResolver
	requestTimeout time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation re-notifies alerts still pending after the delay.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithEscalationPriority sets the lowest priority that escalates. Defaults to high.
func WithEscalationPriority(priority alerts.Priority) Option {
	return func(n *Notifier) {
		if priority.Valid() {
			n.escalateFrom = priority
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithRequestTimeout overrides the default timeout for escalation checks.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same alert and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithLinkResolver injects a dashboard link resolver.
func WithLinkResolver(resolver LinkResolver) Option {
	return func(n *Notifier) {
		if resolver != nil {
			n.link = resolver
		}
	}
}

// NewNotifier constructs an alert notifier.
func NewNotifier(reader AlertReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if reader == nil {
		return nil, errors.New("alert notifier: nil alert reader")
	}
	if channel == nil {
		return nil, errors.New("alert notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		alerts:         reader,
		channel:        channel,
		template:       template,
		escalateFrom:   alerts.PriorityHigh,
		clock:          systemClock{},
		logger:         slog.Default(),
		timers:         make(map[string]*time.Timer),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements application.AlertNotifier.
func (n *Notifier) Notify(ctx context.Context, event alertapp.AlertEvent) {
	if n == nil || n.channel == nil {
		return
	}
	n.dispatch(ctx, event.Type, event.Alert)

	switch event.Type {
	case alertapp.EventFired:
		n.scheduleEscalation(event.Alert)
	case alertapp.EventSeen, alertapp.EventResolved, alertapp.EventIgnored:
		n.cancelEscalation(event.Alert.ID)
	}
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, eventType string, alert alerts.Alert) {
	link := ""
	if n.link != nil {
		link = n.link(ctx, alert)
	}
	content, err := n.template.Render(buildTemplateData(eventType, alert, link))
	if err != nil {
		n.logger.Warn("render alert notification", "alert_id", alert.ID, "error", err)
		return
	}
	if !n.shouldSend(alert.ID, eventType, content) {
		return
	}
	if err := n.channel.Send(ctx, content); err != nil {
		metrics.IncNotifySend(metrics.ResultError)
		n.logger.Warn("send alert notification", "alert_id", alert.ID, "event", eventType, "error", err)
		return
	}
	metrics.IncNotifySend(metrics.ResultSuccess)
	n.markSent(alert.ID, eventType, content)
}

func (n *Notifier) scheduleEscalation(alert alerts.Alert) {
	if n.escalation <= 0 || alert.ID == "" || !alert.Priority.AtLeast(n.escalateFrom) {
		return
	}
	n.mu.Lock()
	if existing, ok := n.timers[alert.ID]; ok && existing != nil {
		existing.Stop()
	}
	n.timers[alert.ID] = time.AfterFunc(n.escalation, func() {
		n.runEscalation(alert.ID)
	})
	n.mu.Unlock()
}

func (n *Notifier) cancelEscalation(alertID string) {
	if alertID == "" {
		return
	}
	n.mu.Lock()
	timer := n.timers[alertID]
	delete(n.timers, alertID)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(alertID string) {
	n.mu.Lock()
	delete(n.timers, alertID)
	n.mu.Unlock()

	ctx := context.Background()
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}

	alert, err := n.alerts.GetByID(ctx, alertID)
	if err != nil || alert == nil {
		return
	}
	if alert.Status != alerts.StatusPending {
		return
	}
	metrics.IncAlertEvent(alertapp.EventEscalated)
	n.dispatch(ctx, alertapp.EventEscalated, *alert)
}

func buildTemplateData(eventType string, alert alerts.Alert, link string) TemplateData {
	vehicle := alert.VehicleCode
	if vehicle == "" {
		vehicle = fmt.Sprintf("#%d", alert.VehicleID)
	}
	var meta alerts.Metadata
	if len(alert.Metadata) > 0 {
		_ = json.Unmarshal(alert.Metadata, &meta)
	}
	location := ""
	if meta.Latitude != 0 || meta.Longitude != 0 {
		location = fmt.Sprintf("%.5f,%.5f", meta.Latitude, meta.Longitude)
	}
	firedAt := alert.FiredAt
	if firedAt.IsZero() {
		firedAt = alert.CreatedAt
	}
	return TemplateData{
		Vehicle:    vehicle,
		VehicleID:  alert.VehicleID,
		Kind:       kindLabel(alert.Kind),
		Message:    alert.Message,
		Speed:      formatFloat(meta.SpeedKmh),
		Threshold:  formatFloat(meta.ThresholdKmh),
		Duration:   (time.Duration(meta.DurationSeconds) * time.Second).String(),
		Location:   location,
		FiredAt:    firedAt.UTC().Format(time.RFC3339),
		Status:     string(alert.Status),
		Priority:   string(alert.Priority),
		Suggestion: suggestionFor(alert.Kind, alert.Priority),
		Link:       link,
		Event:      eventType,
		EventLabel: eventLabel(eventType),
	}
}

func kindLabel(kind alerts.Kind) string {
	switch kind {
	case alerts.KindExcessiveSpeed:
		return "Excessive speed"
	case alerts.KindProlongedStop:
		return "Prolonged stop"
	case alerts.KindLowFuel:
		return "Low fuel"
	case alerts.KindMaintenanceOverdue:
		return "Maintenance overdue"
	default:
		return string(kind)
	}
}

func eventLabel(event string) string {
	switch event {
	case alertapp.EventFired:
		return "Triggered"
	case alertapp.EventSeen:
		return "Seen"
	case alertapp.EventResolved:
		return "Resolved"
	case alertapp.EventIgnored:
		return "Ignored"
	case alertapp.EventEscalated:
		return "Escalated"
	default:
		return event
	}
}

func suggestionFor(kind alerts.Kind, priority alerts.Priority) string {
	switch {
	case kind == alerts.KindExcessiveSpeed && priority.AtLeast(alerts.PriorityHigh):
		return "Contact the driver immediately."
	case kind == alerts.KindExcessiveSpeed:
		return "Review the trip with the driver."
	case kind == alerts.KindProlongedStop:
		return "Confirm the stop is planned."
	default:
		return "Review the vehicle status."
	}
}

func formatFloat(value float64) string {
	return fmt.Sprintf("%.2f", value)
}

func (n *Notifier) shouldSend(alertID, eventType, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(alertID, eventType)
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

// markSent records a delivery and prunes records that can no longer suppress one.
func (n *Notifier) markSent(alertID, eventType, content string) {
	retain := max(n.cooldown, n.dedupeWindow)
	if retain <= 0 {
		return
	}
	key := notificationKey(alertID, eventType)
	now := n.clock.Now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, record := range n.sent {
		if now.Sub(record.at) >= retain {
			delete(n.sent, k)
		}
	}
	n.sent[key] = sendRecord{at: now, hash: hashContent(content)}
}

func (n *Notifier) sentLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func notificationKey(alertID, eventType string) string {
	return alertID + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
