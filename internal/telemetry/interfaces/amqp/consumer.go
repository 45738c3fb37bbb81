package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	alertapp "fleetwatch/internal/alerts/application"
	alerts "fleetwatch/internal/alerts/domain"
	telemetry "fleetwatch/internal/telemetry/domain"
)

// Config describes the broker topology.
type Config struct {
	URL       string
	Exchange  string
	Queue     string
	Prefetch  int
	Reconnect time.Duration
	// Backoff delays the requeue of a message the pipeline could not take.
	Backoff time.Duration
}

// SampleSubmitter accepts one sample for evaluation.
type SampleSubmitter interface {
	Submit(sample alerts.Sample) error
}

// Consumer reads gateway position messages from RabbitMQ.
type Consumer struct {
	cfg     Config
	samples SampleSubmitter
	logger  *slog.Logger
}

// NewConsumer constructs a consumer that submits decoded samples.
func NewConsumer(cfg Config, samples SampleSubmitter, logger *slog.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp consumer: empty url")
	}
	if cfg.Queue == "" {
		return nil, errors.New("amqp consumer: empty queue")
	}
	if samples == nil {
		return nil, errors.New("amqp consumer: nil submitter")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 100
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, samples: samples, logger: logger}, nil
}

// Run consumes until ctx ends, reconnecting after broker failures.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("amqp consumer disconnected", "error", err, "retry_in", c.cfg.Reconnect)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.Reconnect):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := c.declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Info("amqp consumer connected", "queue", c.cfg.Queue)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.HandleDelivery(ctx, delivery)
		}
	}
}

func (c *Consumer) declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	if c.cfg.Exchange == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.Queue, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", c.cfg.Queue, err)
	}
	return nil
}

// HandleDelivery decodes one message and acknowledges it. Malformed and
// rejected samples are dropped. A full queue or a closed pipeline requeues
// after the backoff, which also pauses consumption while the vehicle is busy.
func (c *Consumer) HandleDelivery(ctx context.Context, delivery amqp.Delivery) {
	sample, err := telemetry.DecodePosition(delivery.Body, "amqp")
	if err != nil {
		c.logger.Warn("amqp consumer: bad message", "error", err)
		_ = delivery.Reject(false)
		return
	}
	err = c.samples.Submit(sample)
	switch {
	case err == nil:
		_ = delivery.Ack(false)
	case errors.Is(err, alertapp.ErrQueueFull), errors.Is(err, alertapp.ErrSessionsClosed):
		c.logger.Debug("amqp consumer: pipeline busy, requeueing", "vehicle_id", sample.VehicleID, "error", err)
		timer := time.NewTimer(c.cfg.Backoff)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
		_ = delivery.Nack(false, true)
	default:
		c.logger.Debug("amqp consumer: sample rejected", "vehicle_id", sample.VehicleID, "error", err)
		_ = delivery.Ack(false)
	}
}
