package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	alerts "fleetwatch/internal/alerts/domain"
)

// Feed carries created alerts between instances over a Redis stream.
type Feed struct {
	client goredis.UniversalClient
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewFeed constructs a feed on "<prefix>alerts:created".
func NewFeed(client goredis.UniversalClient, prefix string, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		client: client,
		stream: normalizePrefix(prefix) + "alerts:created",
		maxLen: 10000,
		logger: logger,
	}
}

// PublishAlert implements application.AlertPublisher.
func (f *Feed) PublishAlert(ctx context.Context, alert alerts.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return f.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: f.stream,
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
}

// Subscribe delivers alerts appended after the call to handler.
// It blocks until ctx is cancelled.
func (f *Feed) Subscribe(ctx context.Context, handler func(alerts.Alert)) error {
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := f.client.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{f.stream, lastID},
			Count:   50,
			Block:   5 * time.Second,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != goredis.Nil {
				f.logger.Warn("alert feed read failed", "stream", f.stream, "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
			}
			continue
		}

		for _, result := range results {
			for _, msg := range result.Messages {
				lastID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				var alert alerts.Alert
				if err := json.Unmarshal([]byte(data), &alert); err != nil {
					f.logger.Warn("alert feed decode failed", "id", msg.ID, "error", err)
					continue
				}
				handler(alert)
			}
		}
	}
}
