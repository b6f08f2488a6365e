package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to a Kafka topic keyed by pocket.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher wraps a configured writer.
func NewKafkaPublisher(writer *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event WalletTransaction) error {
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Key()),
		Value: payload,
		Time:  time.Now(),
	})
}

// RedisPublisher fans events out on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher builds a pub/sub publisher.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, event WalletTransaction) error {
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// LogPublisher writes events to the structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher constructs a logging publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish writes the event to the logger.
func (p *LogPublisher) Publish(_ context.Context, event WalletTransaction) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("wallet transaction event",
		slog.String("type", string(event.Type)),
		slog.String("tenant_id", event.TenantID),
		slog.String("transaction_id", event.TransactionID),
		slog.String("reference_id", event.ReferenceID),
		slog.Int64("amount", event.Amount),
		slog.String("currency", event.Currency),
	)
	return nil
}
