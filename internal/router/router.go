// Package router classifies domain events into a notification message and
// the audience it should reach. It never looks at which connections exist.
package router

import (
	"time"

	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// Key identifies a route.
type Key struct {
	Source     string
	DetailType string
}

// Routed is the outcome of a successful classification.
type Routed struct {
	Message    notify.Message
	Addressing notify.Addressing
}

// Builder turns one event into a Routed. It returns a BadRequest error when
// the event lacks fields it needs.
type Builder func(e Event, now time.Time, logger *zap.Logger) (Routed, error)

// Router dispatches events through a table keyed by (source, detail-type).
type Router struct {
	routes map[Key]Builder
	logger *zap.Logger
	now    func() time.Time
}

// NewRouter returns a router with the reference routes registered.
func NewRouter(logger *zap.Logger) *Router {
	r := &Router{
		routes: make(map[Key]Builder),
		logger: logger.Named("router"),
		now:    time.Now,
	}
	r.Register(Key{SourceProperty, DetailPropertyCreated}, propertyChanged(notify.EventCreated, "Property created"))
	r.Register(Key{SourceProperty, DetailPropertyUpdated}, propertyChanged(notify.EventUpdated, "Property updated"))
	r.Register(Key{SourceAnalysis, DetailAnalysisCompleted}, analysisCompleted)
	r.Register(Key{SourceDirect, DetailTopicNotification}, topicNotification(notify.TypeNotification))
	r.Register(Key{SourceDirect, DetailPropertyNotification}, topicNotification(notify.TypePropertyNotification))
	r.Register(Key{SourceAdmin, DetailBroadcast}, broadcast)
	return r
}

// Register adds or replaces the builder for key.
func (r *Router) Register(key Key, b Builder) {
	r.routes[key] = b
}

// Route classifies e. Unknown and malformed events are logged and reported
// as ok=false; they are never an error for the caller.
func (r *Router) Route(e Event) (Routed, bool) {
	routed, err := r.Classify(e)
	if err != nil {
		fields := []zap.Field{
			zap.String("event_id", e.ID),
			zap.String("source", e.Source),
			zap.String("detail_type", e.DetailType),
			zap.Error(err),
		}
		if notify.Is(err, notify.KindUnrecognized) {
			r.logger.Debug("dropping unrecognized event", fields...)
		} else {
			r.logger.Warn("dropping malformed event", fields...)
		}
		return Routed{}, false
	}
	return routed, true
}

// Classify is Route with the reason for a drop: Unrecognized for an unknown
// key, BadRequest for a malformed event.
func (r *Router) Classify(e Event) (Routed, error) {
	b, ok := r.routes[e.Key()]
	if !ok {
		return Routed{}, notify.Errorf(notify.KindUnrecognized, "router.route", "no route for %q/%q", e.Source, e.DetailType)
	}
	routed, err := b(e, r.now().UTC(), r.logger)
	if err != nil {
		return Routed{}, err
	}
	return routed, nil
}
