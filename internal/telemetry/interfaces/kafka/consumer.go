package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	alertapp "fleetwatch/internal/alerts/application"
	alerts "fleetwatch/internal/alerts/domain"
	telemetry "fleetwatch/internal/telemetry/domain"
)

// SampleSubmitter accepts one sample for evaluation.
type SampleSubmitter interface {
	Submit(sample alerts.Sample) error
}

// Config describes the consumer group.
type Config struct {
	Brokers []string
	Topics  []string
	GroupID string
	Version string
	// Oldest starts new groups at the oldest offset instead of the newest.
	Oldest bool
}

// Consumer reads gateway position messages from Kafka topics.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	samples SampleSubmitter
	logger  *slog.Logger
	retry   time.Duration
}

// NewConsumer creates the consumer group.
func NewConsumer(cfg Config, samples SampleSubmitter, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || len(cfg.Topics) == 0 || cfg.GroupID == "" {
		return nil, errors.New("kafka consumer: brokers, topics and group are required")
	}
	if samples == nil {
		return nil, errors.New("kafka consumer: nil submitter")
	}
	if logger == nil {
		logger = slog.Default()
	}
	saramaCfg := sarama.NewConfig()
	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: invalid version: %w", err)
		}
		saramaCfg.Version = version
	}
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.Oldest {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create group: %w", err)
	}
	return newConsumer(group, cfg.Topics, samples, logger), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, samples SampleSubmitter, logger *slog.Logger) *Consumer {
	return &Consumer{group: group, topics: topics, samples: samples, logger: logger, retry: time.Second}
}

// Run joins the group until ctx ends, then closes it.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.group.Close()
	for {
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Warn("kafka consume failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.retry):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Setup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler. Messages are marked
// once handled; a full vehicle queue is retried until it drains.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !c.handle(session.Context(), message) {
				return nil
			}
			session.MarkMessage(message, "")
		}
	}
}

// handle reports false when the session should stop without marking.
func (c *Consumer) handle(ctx context.Context, message *sarama.ConsumerMessage) bool {
	sample, err := telemetry.DecodePosition(message.Value, "kafka")
	if err != nil {
		c.logger.Warn("kafka consumer: bad message", "topic", message.Topic, "offset", message.Offset, "error", err)
		return true
	}
	for {
		err = c.samples.Submit(sample)
		switch {
		case err == nil:
			return true
		case errors.Is(err, alertapp.ErrSessionsClosed):
			return false
		case errors.Is(err, alertapp.ErrQueueFull):
			select {
			case <-ctx.Done():
				return false
			case <-time.After(10 * time.Millisecond):
			}
		default:
			c.logger.Debug("kafka consumer: sample rejected", "vehicle_id", sample.VehicleID, "error", err)
			return true
		}
	}
}
