package kafka

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/segmentio/kafka-go"

	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// Consumer reads a topic as part of a consumer group and commits after handling
type Consumer struct {
	reader *kafka.Reader
	log    *logger.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topic    string
	MinBytes int
	MaxBytes int
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 1e6
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		StartOffset: kafka.LastOffset,
	})

	return &Consumer{
		reader: reader,
		log:    logger.Get().With("component", "kafka_consumer", "topic", cfg.Topic),
	}
}

// Message is the part of a kafka message handlers care about
type Message struct {
	Key   []byte
	Value []byte
}

// Handler processes one message. A returned error is logged; the offset is still committed.
type Handler func(ctx context.Context, msg Message) error

// Consume blocks until ctx is done. Fetch failures back off up to 30s.
func (c *Consumer) Consume(ctx context.Context, handle Handler) error {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := b.Duration()
			c.log.Warnw("fetch failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		if err := handle(ctx, Message{Key: msg.Key, Value: msg.Value}); err != nil {
			c.log.Errorw("handler failed", "key", string(msg.Key), "offset", msg.Offset, "error", err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warnw("commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) Close() error {
	return errors.Wrap(c.reader.Close(), "close kafka reader")
}
