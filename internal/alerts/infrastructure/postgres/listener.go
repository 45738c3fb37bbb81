package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	alerts "fleetwatch/internal/alerts/domain"
)

// AlertLoader loads an alert by id.
type AlertLoader interface {
	GetByID(ctx context.Context, id string) (*alerts.Alert, error)
}

// AlertListener turns insert notifications on the alerts table into
// alerts delivered to a handler.
type AlertListener struct {
	dsn        string
	loader     AlertLoader
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// ListenerOption configures the listener.
type ListenerOption func(*AlertListener)

// WithListenerLogger sets the logger.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *AlertListener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithReconnectBackoff sets the reconnect delay bounds.
func WithReconnectBackoff(initial, limit time.Duration) ListenerOption {
	return func(l *AlertListener) {
		if initial > 0 && limit >= initial {
			l.minBackoff = initial
			l.maxBackoff = limit
		}
	}
}

// NewAlertListener constructs a listener on its own connection to dsn.
func NewAlertListener(dsn string, loader AlertLoader, opts ...ListenerOption) (*AlertListener, error) {
	if dsn == "" {
		return nil, errors.New("alert listener: empty dsn")
	}
	if loader == nil {
		return nil, errors.New("alert listener: nil loader")
	}
	l := &AlertListener{
		dsn:        dsn,
		loader:     loader,
		logger:     slog.Default(),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

type insertNotification struct {
	ID string `json:"id"`
}

// Run listens until ctx ends, reconnecting with exponential backoff.
// Notifications raised while disconnected are lost.
func (l *AlertListener) Run(ctx context.Context, handler func(alerts.Alert)) error {
	backoff := l.minBackoff
	for {
		err := l.listen(ctx, handler, func() { backoff = l.minBackoff })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("alert listener disconnected", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *AlertListener) listen(ctx context.Context, handler func(alerts.Alert), connected func()) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	connected()
	l.logger.Info("alert listener connected", "channel", NotifyChannel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var payload insertNotification
		if err := json.Unmarshal([]byte(notification.Payload), &payload); err != nil || payload.ID == "" {
			l.logger.Warn("alert listener: bad payload", "payload", notification.Payload)
			continue
		}
		alert, err := l.loader.GetByID(ctx, payload.ID)
		if err != nil {
			l.logger.Warn("alert listener: load failed", "alert_id", payload.ID, "error", err)
			continue
		}
		if alert == nil {
			continue
		}
		handler(*alert)
	}
}
