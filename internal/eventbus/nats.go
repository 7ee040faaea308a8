package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultQueueGroup spreads subjects across notifier replicas.
const DefaultQueueGroup = "notifier"

// NATSConfig holds configuration for the NATS bus.
type NATSConfig struct {
	URL        string
	QueueGroup string
	// HandlerTimeout bounds one handler call. Zero means 30s.
	HandlerTimeout time.Duration
}

// NATSBus implements Bus on core NATS. Delivery is at most once: core NATS
// has no redelivery, so handler errors are logged. A publisher that used
// request/reply gets the outcome back as a Reply.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed by the connection's ClosedHandler

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

// Reply is the response sent to request/reply publishers.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NewNATSBus connects to NATS with automatic reconnection. Extra options
// (e.g. disconnect handlers) can be appended.
func NewNATSBus(config NATSConfig, logger *zap.Logger, opts ...nats.Option) (*NATSBus, error) {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.QueueGroup == "" {
		config.QueueGroup = DefaultQueueGroup
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = 30 * time.Second
	}
	logger = logger.Named("eventbus.nats")
	done := make(chan struct{})

	defaults := []nats.Option{
		nats.Name("notifier"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) { close(done) }),
	}
	nc, err := nats.Connect(config.URL, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", config.URL, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NATSBus{
		conn:   nc,
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   done,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

var _ Bus = (*NATSBus)(nil)

// Publish sends the payload on subject topic.
func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Request publishes a payload and waits for the subscriber's Reply.
func (b *NATSBus) Request(ctx context.Context, topic string, payload []byte) (Reply, error) {
	if b.isClosed() {
		return Reply{}, ErrClosed
	}
	msg, err := b.conn.RequestWithContext(ctx, topic, payload)
	if err != nil {
		return Reply{}, fmt.Errorf("requesting %s: %w", topic, err)
	}
	var r Reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return Reply{}, fmt.Errorf("decoding reply: %w", err)
	}
	return r, nil
}

// Subscribe joins the queue group on subject topic (wildcards allowed).
func (b *NATSBus) Subscribe(topic string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	sub, err := b.conn.QueueSubscribe(topic, b.config.QueueGroup, func(msg *nats.Msg) {
		b.handle(topic, msg, handler)
	})
	if err != nil {
		return "", fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return "", fmt.Errorf("flushing subscription: %w", err)
	}

	id := uuid.New().String()
	b.subs[id] = sub
	return id, nil
}

func (b *NATSBus) handle(topic string, msg *nats.Msg, handler Handler) {
	ctx, cancel := context.WithTimeout(b.ctx, b.config.HandlerTimeout)
	defer cancel()

	reply := Reply{OK: true}
	if err := handler(ctx, msg.Data); err != nil {
		b.logger.Warn("handler failed", zap.String("subject", topic), zap.Error(err))
		reply = Reply{Error: err.Error()}
	}
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		b.logger.Debug("reply failed", zap.String("subject", topic), zap.Error(err))
	}
}

// Close drains subscriptions, letting in-flight handlers finish, and closes
// the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	defer b.cancel()
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("draining NATS connection: %w", err)
	}
	select {
	case <-b.done:
	case <-time.After(b.config.HandlerTimeout + 5*time.Second):
		b.conn.Close()
	}
	return nil
}

func (b *NATSBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
