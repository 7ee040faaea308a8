// Package delivery pushes notification messages to connections and prunes
// connections the transport reports as gone.
package delivery

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/registry"
)

const (
	defaultPushTimeout = 5 * time.Second
	defaultConcurrency = 32
)

// Options tunes fan-out.
type Options struct {
	// PushTimeout bounds each individual push.
	PushTimeout time.Duration
	// Concurrency caps the number of pushes in flight for one message.
	Concurrency int
}

// Engine resolves addressing against the registry and pushes to every
// target. Delivery is best effort and at most once per target: there are no
// retries and no outbox.
type Engine struct {
	reg     registry.Registry
	pusher  Pusher
	logger  *zap.Logger
	timeout time.Duration
	limit   int
}

// NewEngine wires an engine. Zero options take defaults.
func NewEngine(reg registry.Registry, pusher Pusher, logger *zap.Logger, opts Options) *Engine {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = defaultPushTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Engine{
		reg:     reg,
		pusher:  pusher,
		logger:  logger.Named("delivery"),
		timeout: opts.PushTimeout,
		limit:   opts.Concurrency,
	}
}

// Deliver pushes msg to every live connection addr resolves to and returns
// the number of successful pushes. The count is for observability only.
//
// A failed lookup for one addressing term does not stop the others: the
// targets that did resolve are still pushed to, and the lookup failure is
// returned as a transient error alongside the count.
func (e *Engine) Deliver(ctx context.Context, msg notify.Message, addr notify.Addressing) (int, error) {
	payload, err := msg.Encode()
	if err != nil {
		return 0, notify.E(notify.KindUnknown, "delivery.encode", err)
	}

	targets, resolveErr := e.resolve(ctx, addr)

	var (
		g         errgroup.Group
		delivered atomic.Int64
	)
	g.SetLimit(e.limit)
	for _, id := range targets {
		g.Go(func() error {
			if e.push(ctx, id, payload) {
				delivered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(delivered.Load())
	e.logger.Debug("fan-out complete",
		zap.String("type", msg.Type),
		zap.Int("targets", len(targets)),
		zap.Int("delivered", n),
	)
	if resolveErr != nil {
		return n, notify.E(notify.KindTransient, "delivery.resolve", resolveErr)
	}
	return n, nil
}

// Send pushes msg to a single connection, typically an acknowledgement or
// error frame for the requester.
func (e *Engine) Send(ctx context.Context, connectionID string, msg notify.Message) bool {
	payload, err := msg.Encode()
	if err != nil {
		e.logger.Error("encoding message", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return e.push(ctx, connectionID, payload)
}

// resolve returns the de-duplicated target ids in first-seen order.
func (e *Engine) resolve(ctx context.Context, addr notify.Addressing) ([]string, error) {
	var (
		ids  []string
		seen = make(map[string]struct{})
		errs []error
	)
	add := func(conns []registry.Connection) {
		for _, c := range conns {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			ids = append(ids, c.ID)
		}
	}
	lookup := func(term, value string, find func() ([]registry.Connection, error)) {
		conns, err := find()
		if err != nil {
			e.logger.Warn("resolving targets",
				zap.String("term", term),
				zap.String("value", value),
				zap.Error(err),
			)
			errs = append(errs, err)
			return
		}
		add(conns)
	}

	if addr.Broadcast {
		lookup("broadcast", "", func() ([]registry.Connection, error) { return e.reg.All(ctx) })
	} else {
		for _, u := range addr.UserIDs {
			lookup("user", u, func() ([]registry.Connection, error) { return e.reg.FindByUser(ctx, u) })
		}
		for _, t := range addr.Topics {
			lookup("topic", t, func() ([]registry.Connection, error) { return e.reg.FindBySubscribedTopic(ctx, t) })
		}
	}
	return ids, errors.Join(errs...)
}

func (e *Engine) push(ctx context.Context, id string, payload []byte) bool {
	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	res := e.pusher.Push(pctx, id, payload)
	cancel()

	switch res.Status {
	case StatusDelivered:
		return true
	case StatusGone:
		e.logger.Info("pruning gone connection", zap.String("connection_id", id), zap.Error(res.Err))
		if err := e.reg.Delete(ctx, id); err != nil {
			e.logger.Warn("pruning connection", zap.String("connection_id", id), zap.Error(err))
		}
	default:
		e.logger.Warn("push failed", zap.String("connection_id", id), zap.Error(res.Err))
	}
	return false
}
