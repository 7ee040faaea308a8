// Package subscription mutates the topic set of a registered connection.
package subscription

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/registry"
)

// Manager adds and removes topics on connection records. When the registry
// can mutate a single topic atomically that primitive is used; otherwise
// read-modify-write is serialised per connection id.
type Manager struct {
	reg    registry.Registry
	atomic registry.TopicMutator
	locks  *keyedMutex
	logger *zap.Logger
}

// NewManager creates a Manager over reg.
func NewManager(reg registry.Registry, logger *zap.Logger) *Manager {
	m := &Manager{
		reg:    reg,
		locks:  newKeyedMutex(),
		logger: logger.Named("subscription"),
	}
	if tm, ok := reg.(registry.TopicMutator); ok {
		m.atomic = tm
	}
	return m
}

// Subscribe adds topic to the connection's set and returns the new set.
// Subscribing twice is a no-op.
func (m *Manager) Subscribe(ctx context.Context, connectionID, topic string) ([]string, error) {
	if topic == "" {
		return nil, notify.Errorf(notify.KindBadRequest, "subscription.subscribe", "topic is required")
	}
	if m.atomic != nil {
		subs, err := m.atomic.AddTopic(ctx, connectionID, topic)
		if err != nil {
			return nil, err
		}
		m.logger.Debug("subscribed", zap.String("connection_id", connectionID), zap.String("topic", topic))
		return subs, nil
	}
	return m.update(ctx, "subscription.subscribe", connectionID, topic, registry.Connection.WithTopic)
}

// Unsubscribe removes topic from the connection's set and returns the new
// set. Removing a topic that is not present still succeeds.
func (m *Manager) Unsubscribe(ctx context.Context, connectionID, topic string) ([]string, error) {
	if topic == "" {
		return nil, notify.Errorf(notify.KindBadRequest, "subscription.unsubscribe", "topic is required")
	}
	if m.atomic != nil {
		subs, err := m.atomic.RemoveTopic(ctx, connectionID, topic)
		if err != nil {
			return nil, err
		}
		m.logger.Debug("unsubscribed", zap.String("connection_id", connectionID), zap.String("topic", topic))
		return subs, nil
	}
	return m.update(ctx, "subscription.unsubscribe", connectionID, topic, registry.Connection.WithoutTopic)
}

func (m *Manager) update(ctx context.Context, op, connectionID, topic string, apply func(registry.Connection, string) registry.Connection) ([]string, error) {
	unlock := m.locks.Lock(connectionID)
	defer unlock()

	conn, ok, err := m.reg.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notify.Errorf(notify.KindNotFound, op, "connection %s not found", connectionID)
	}

	next := apply(conn, topic)
	if !slices.Equal(next.Subscriptions, conn.Subscriptions) {
		if err := m.reg.Put(ctx, next); err != nil {
			return nil, err
		}
	}
	m.logger.Debug("subscriptions updated",
		zap.String("op", op),
		zap.String("connection_id", connectionID),
		zap.Strings("subscriptions", next.Subscriptions),
	)
	return slices.Clone(next.Subscriptions), nil
}
