package eventbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type subscription struct {
	id      string
	handler Handler
}

type topicPayload struct {
	topic   string
	payload []byte
}

// InMemoryBus is a single-process Bus backed by a buffered channel. Handler
// errors are logged; there is no redelivery.
type InMemoryBus struct {
	// mu guards closed and the queue's lifetime; subsMu guards subs so the
	// dispatcher can keep draining while a publisher waits on a full queue.
	mu     sync.RWMutex
	closed bool
	subsMu sync.RWMutex
	subs   map[string][]subscription // topic -> subscriptions

	queue  chan topicPayload
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewInMemoryBus creates and starts an InMemoryBus. Call Close to stop its
// dispatch goroutine.
func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &InMemoryBus{
		subs:   make(map[string][]subscription),
		queue:  make(chan topicPayload, 1024),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("eventbus.memory"),
	}
	go b.dispatch()
	return b
}

var _ Bus = (*InMemoryBus)(nil)

// Publish enqueues a payload for asynchronous delivery. It blocks while the
// queue is full, until ctx is done.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case b.queue <- topicPayload{topic: topic, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for topic.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	id := uuid.New().String()
	b.subsMu.Lock()
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.subsMu.Unlock()
	return id, nil
}

// Close drains queued payloads and stops the dispatch goroutine.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	b.cancel()
	return nil
}

func (b *InMemoryBus) handlers(topic string) []Handler {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	subs := b.subs[topic]
	out := make([]Handler, len(subs))
	for i, s := range subs {
		out[i] = s.handler
	}
	return out
}

func (b *InMemoryBus) dispatch() {
	defer close(b.done)

	for tp := range b.queue {
		for _, h := range b.handlers(tp.topic) {
			if err := h(b.ctx, tp.payload); err != nil {
				b.logger.Warn("handler failed", zap.String("topic", tp.topic), zap.Error(err))
			}
		}
	}
}
