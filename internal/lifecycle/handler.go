// Package lifecycle handles the commands of a duplex session: connect,
// disconnect, subscribe and unsubscribe.
package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/auth"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/registry"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/subscription"
)

// Sender pushes a single frame to the requesting connection.
type Sender interface {
	Send(ctx context.Context, connectionID string, msg notify.Message) bool
}

// Frame is the body of a subscribe or unsubscribe command.
type Frame struct {
	Action string `json:"action,omitempty"`
	Topic  string `json:"topic"`
}

// Handler applies lifecycle commands to the registry.
type Handler struct {
	reg    registry.Registry
	subs   *subscription.Manager
	sender Sender
	lease  time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler wires a handler. A non-positive lease means registry.DefaultLease.
func NewHandler(reg registry.Registry, subs *subscription.Manager, sender Sender, lease time.Duration, logger *zap.Logger) *Handler {
	if lease <= 0 {
		lease = registry.DefaultLease
	}
	return &Handler{
		reg:    reg,
		subs:   subs,
		sender: sender,
		lease:  lease,
		logger: logger.Named("lifecycle"),
		now:    time.Now,
	}
}

// OnConnect registers a new connection for a verified identity.
func (h *Handler) OnConnect(ctx context.Context, connectionID string, id auth.Identity) error {
	if id.UserID == "" {
		return notify.Errorf(notify.KindUnauthorized, "lifecycle.connect", "no verified identity")
	}
	if connectionID == "" {
		return notify.Errorf(notify.KindBadRequest, "lifecycle.connect", "connection id is required")
	}
	conn := registry.NewConnection(connectionID, id.UserID, h.now(), h.lease)
	if err := h.reg.Put(ctx, conn); err != nil {
		return err
	}
	h.logger.Info("connected", zap.String("connection_id", connectionID), zap.String("user_id", id.UserID))
	return nil
}

// OnDisconnect removes the connection. Disconnecting an unknown id succeeds.
func (h *Handler) OnDisconnect(ctx context.Context, connectionID string) error {
	if err := h.reg.Delete(ctx, connectionID); err != nil {
		return err
	}
	h.logger.Info("disconnected", zap.String("connection_id", connectionID))
	return nil
}

// OnSubscribe adds the frame's topic and acknowledges with the full set.
func (h *Handler) OnSubscribe(ctx context.Context, connectionID string, body []byte) error {
	return h.mutate(ctx, "lifecycle.subscribe", connectionID, body,
		h.subs.Subscribe, notify.TypeSubscriptionConfirmed)
}

// OnUnsubscribe removes the frame's topic and acknowledges with the full
// set, whether or not the topic was present.
func (h *Handler) OnUnsubscribe(ctx context.Context, connectionID string, body []byte) error {
	return h.mutate(ctx, "lifecycle.unsubscribe", connectionID, body,
		h.subs.Unsubscribe, notify.TypeUnsubscriptionConfirmed)
}

type mutation func(ctx context.Context, connectionID, topic string) ([]string, error)

// mutate guarantees the requester gets either an acknowledgement or an
// error frame.
func (h *Handler) mutate(ctx context.Context, op, connectionID string, body []byte, apply mutation, ackType string) error {
	var f Frame
	if len(body) > 0 {
		if err := json.Unmarshal(body, &f); err != nil {
			h.reject(ctx, connectionID, "Invalid message body")
			return notify.E(notify.KindBadRequest, op, err)
		}
	}
	if f.Topic == "" {
		h.reject(ctx, connectionID, "Topic is required")
		return notify.Errorf(notify.KindBadRequest, op, "topic is required")
	}

	subs, err := apply(ctx, connectionID, f.Topic)
	if err != nil {
		switch notify.KindOf(err) {
		case notify.KindNotFound:
			h.reject(ctx, connectionID, "Connection not found")
		default:
			h.reject(ctx, connectionID, "Could not update subscriptions, try again")
		}
		return err
	}

	if !h.sender.Send(ctx, connectionID, notify.Ack(ackType, f.Topic, subs, h.now())) {
		h.logger.Warn("acknowledgement not delivered",
			zap.String("connection_id", connectionID),
			zap.String("type", ackType),
		)
	}
	return nil
}

func (h *Handler) reject(ctx context.Context, connectionID, text string) {
	h.sender.Send(ctx, connectionID, notify.ErrorFrame(text, h.now()))
}
