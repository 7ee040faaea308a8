// Package ingest feeds domain events into the router and delivery engine.
// Every event in a payload is processed in isolation: a malformed or
// unroutable event is dropped and logged without affecting its neighbours.
package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/router"
)

// Deliverer pushes a message to the audience addr resolves to.
type Deliverer interface {
	Deliver(ctx context.Context, msg notify.Message, addr notify.Addressing) (int, error)
}

// Result summarises one payload.
type Result struct {
	// Processed counts events that were routed and handed to delivery.
	Processed int `json:"processed"`
	// Delivered counts successful pushes across all events.
	Delivered int `json:"delivered"`
	// Dropped counts records that failed to parse or route.
	Dropped int `json:"dropped"`
}

// Processor runs payloads through parse, route and deliver.
type Processor struct {
	router    *router.Router
	deliverer Deliverer
	timeout   time.Duration
	logger    *zap.Logger
}

// NewProcessor wires a processor. timeout bounds each event's delivery; a
// non-positive value means 10s.
func NewProcessor(r *router.Router, d Deliverer, timeout time.Duration, logger *zap.Logger) *Processor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Processor{
		router:    r,
		deliverer: d,
		timeout:   timeout,
		logger:    logger.Named("ingest"),
	}
}

// Process handles every event in raw. The error is non-nil only when at
// least one event hit a transient failure; it is then a Transient error so
// the caller can ask its transport for redelivery. Delivery is at most once
// per target, so a redelivered payload may reach some clients twice.
func (p *Processor) Process(ctx context.Context, raw []byte) (Result, error) {
	var res Result

	events, parseErrs := router.ParseEvents(raw)
	for _, err := range parseErrs {
		res.Dropped++
		p.logger.Warn("dropping unparseable record", zap.Error(err))
	}

	var transient []error
	for _, e := range events {
		routed, ok := p.router.Route(e)
		if !ok {
			res.Dropped++
			continue
		}

		n, err := p.deliver(ctx, routed)
		res.Processed++
		res.Delivered += n
		if err != nil {
			p.logger.Error("delivery incomplete",
				zap.String("event_id", e.ID),
				zap.String("source", e.Source),
				zap.String("detail_type", e.DetailType),
				zap.Int("delivered", n),
				zap.Error(err),
			)
			if notify.IsRetryable(err) {
				transient = append(transient, err)
			}
			continue
		}
		p.logger.Debug("event delivered",
			zap.String("event_id", e.ID),
			zap.String("detail_type", e.DetailType),
			zap.Int("delivered", n),
		)
	}

	if len(transient) > 0 {
		return res, notify.E(notify.KindTransient, "ingest.process", errors.Join(transient...))
	}
	return res, nil
}

func (p *Processor) deliver(ctx context.Context, routed router.Routed) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.deliverer.Deliver(ctx, routed.Message, routed.Addressing)
}

// Handle adapts Process to an eventbus.Handler.
func (p *Processor) Handle(ctx context.Context, payload []byte) error {
	_, err := p.Process(ctx, payload)
	return err
}
