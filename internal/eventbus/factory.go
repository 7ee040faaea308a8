package eventbus

import (
	"fmt"

	"go.uber.org/zap"
)

// Bus kinds accepted by New.
const (
	KindMemory = "memory"
	KindKafka  = "kafka"
	KindNATS   = "nats"
)

// Config selects and configures a bus.
type Config struct {
	Kind  string
	Kafka KafkaConfig
	NATS  NATSConfig
}

// New creates a Bus based on cfg.Kind. An empty kind picks Kafka when brokers
// are set, NATS when a URL is set, and the in-memory bus otherwise.
func New(cfg Config, logger *zap.Logger) (Bus, error) {
	kind := cfg.Kind
	if kind == "" {
		switch {
		case len(cfg.Kafka.Brokers) > 0:
			kind = KindKafka
		case cfg.NATS.URL != "":
			kind = KindNATS
		default:
			kind = KindMemory
		}
	}

	switch kind {
	case KindKafka:
		logger.Info("using kafka event bus", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("group", cfg.Kafka.ConsumerGroup))
		return NewKafkaBus(cfg.Kafka, logger)
	case KindNATS:
		logger.Info("using nats event bus", zap.String("url", cfg.NATS.URL))
		return NewNATSBus(cfg.NATS, logger)
	case KindMemory:
		logger.Info("using in-memory event bus")
		return NewInMemoryBus(logger), nil
	default:
		return nil, fmt.Errorf("unknown event bus kind %q", kind)
	}
}
