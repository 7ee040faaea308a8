package ingest

import (
	"slices"

	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/eventbus"
)

// Consumer subscribes the processor to bus topics.
type Consumer struct {
	bus       eventbus.Bus
	processor *Processor
	logger    *zap.Logger
}

func NewConsumer(bus eventbus.Bus, p *Processor, logger *zap.Logger) *Consumer {
	return &Consumer{bus: bus, processor: p, logger: logger.Named("ingest")}
}

// Start subscribes to every non-empty topic, or to eventbus.DefaultTopic
// when none is given. It returns immediately; payloads are handled on the
// bus's own goroutines until the bus is closed.
func (c *Consumer) Start(topics ...string) error {
	topics = slices.DeleteFunc(slices.Clone(topics), func(t string) bool { return t == "" })
	if len(topics) == 0 {
		topics = []string{eventbus.DefaultTopic}
	}
	for _, topic := range topics {
		if _, err := c.bus.Subscribe(topic, c.processor.Handle); err != nil {
			return err
		}
		c.logger.Info("consumer subscribed", zap.String("topic", topic))
	}
	return nil
}
