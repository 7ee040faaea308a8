package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// DefaultConsumerGroup is used when KafkaConfig.ConsumerGroup is empty.
const DefaultConsumerGroup = "notifier"

const (
	minRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff = 30 * time.Second
)

// KafkaConfig holds configuration for the Kafka bus.
type KafkaConfig struct {
	Brokers       []string // list of broker addresses
	ConsumerGroup string   // consumer group ID
}

// messageWriter is the subset of *kafka.Writer the bus uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the subset of *kafka.Reader the bus uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus implements Bus on Apache Kafka via segmentio/kafka-go.
//
// Offsets are committed only after the handler accepted a message. A
// retryable handler error keeps the message and retries it with backoff, so a
// transient outage stalls the partition instead of losing events.
type KafkaBus struct {
	config    KafkaConfig
	writer    messageWriter
	newReader func(topic string) messageReader
	logger    *zap.Logger

	mu      sync.Mutex
	readers map[string]*kafkaSubscription
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type kafkaSubscription struct {
	id      string
	topic   string
	reader  messageReader
	handler Handler
}

// NewKafkaBus creates a KafkaBus with a shared producer. Consumers are
// created per subscription.
func NewKafkaBus(config KafkaConfig, logger *zap.Logger) (*KafkaBus, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = DefaultConsumerGroup
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	b := newKafkaBus(config, writer, logger)
	b.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  config.Brokers,
			Topic:    topic,
			GroupID:  config.ConsumerGroup,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
			MaxWait:  500 * time.Millisecond,
		})
	}
	return b, nil
}

func newKafkaBus(config KafkaConfig, writer messageWriter, logger *zap.Logger) *KafkaBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		config:  config,
		writer:  writer,
		logger:  logger.Named("eventbus.kafka"),
		readers: make(map[string]*kafkaSubscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

var _ Bus = (*KafkaBus)(nil)

// Publish writes the payload to the Kafka topic. Messages are keyed by a
// fresh id so the hash balancer spreads them across partitions.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(uuid.New().String()),
		Value: payload,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Subscribe starts a consumer-group reader for topic.
func (b *KafkaBus) Subscribe(topic string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	sub := &kafkaSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		reader:  b.newReader(topic),
		handler: handler,
	}
	b.readers[sub.id] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consumeLoop(b.ctx, sub)
	}()
	return sub.id, nil
}

// Close stops all consumers, waits for in-flight handlers and closes the
// producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.mu.Unlock()

	b.wg.Wait()

	var errs []error
	for _, sub := range b.readers {
		if err := sub.reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *KafkaBus) consumeLoop(ctx context.Context, sub *kafkaSubscription) {
	logger := b.logger.With(zap.String("subscription_id", sub.id), zap.String("topic", sub.topic))
	for {
		msg, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // shutting down
			}
			logger.Warn("fetch failed", zap.Error(err))
			if !sleep(ctx, minRetryBackoff) {
				return
			}
			continue
		}

		if !b.handle(ctx, sub, msg, logger) {
			return // shutting down; the uncommitted message is redelivered
		}

		if err := sub.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Warn("commit failed",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// handle runs the handler until it succeeds or fails permanently. It returns
// false when ctx ends first.
func (b *KafkaBus) handle(ctx context.Context, sub *kafkaSubscription, msg kafka.Message, logger *zap.Logger) bool {
	backoff := minRetryBackoff
	for {
		err := sub.handler(ctx, msg.Value)
		if err == nil {
			return true
		}
		fields := []zap.Field{
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		}
		if !notify.IsRetryable(err) {
			logger.Warn("dropping message", fields...)
			return true
		}

		logger.Warn("handler failed, retrying", append(fields, zap.Duration("backoff", backoff))...)
		if !sleep(ctx, backoff) {
			return false
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
