// Package registry stores the connection records of live duplex sessions and
// answers the lookups the delivery engine needs: by connection id, by user,
// by subscribed topic and all.
//
// Records carry an absolute expiry. Every query treats an expired record as
// absent even when the backend has not physically removed it yet.
package registry

import (
	"context"
	"slices"
	"time"
)

// DefaultLease is the lifetime of a connection record absent renewal.
const DefaultLease = 24 * time.Hour

// Connection is one active duplex session.
type Connection struct {
	ID            string    `json:"connectionId"`
	UserID        string    `json:"userId"`
	ConnectedAt   time.Time `json:"connectedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Subscriptions []string  `json:"subscriptions"`
}

// NewConnection creates a record with an empty subscription set that expires
// lease after now.
func NewConnection(id, userID string, now time.Time, lease time.Duration) Connection {
	if lease <= 0 {
		lease = DefaultLease
	}
	now = now.UTC()
	return Connection{
		ID:            id,
		UserID:        userID,
		ConnectedAt:   now,
		ExpiresAt:     now.Add(lease),
		Subscriptions: []string{},
	}
}

// Expired reports whether the lease has run out at now.
func (c Connection) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Subscribed reports whether topic is in the subscription set.
func (c Connection) Subscribed(topic string) bool {
	return slices.Contains(c.Subscriptions, topic)
}

// WithTopic returns a copy with topic added to the set.
func (c Connection) WithTopic(topic string) Connection {
	c.Subscriptions = NormalizeTopics(append(slices.Clone(c.Subscriptions), topic))
	return c
}

// WithoutTopic returns a copy with topic removed from the set.
func (c Connection) WithoutTopic(topic string) Connection {
	c.Subscriptions = slices.DeleteFunc(slices.Clone(c.Subscriptions), func(t string) bool { return t == topic })
	return c
}

// NormalizeTopics sorts and de-duplicates a topic list, dropping empty
// entries. It never returns nil.
func NormalizeTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Registry is the connection store. Implementations must be safe for
// concurrent use; storage failures are reported as transient errors.
type Registry interface {
	// Put inserts or fully replaces a record. Last write wins.
	Put(ctx context.Context, conn Connection) error
	// Get returns false for unknown or expired ids.
	Get(ctx context.Context, id string) (Connection, bool, error)
	// Delete removes a record. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	// FindByUser returns all live connections of a user, unordered.
	FindByUser(ctx context.Context, userID string) ([]Connection, error)
	// FindBySubscribedTopic returns all live connections subscribed to topic.
	FindBySubscribedTopic(ctx context.Context, topic string) ([]Connection, error)
	// All returns every live connection.
	All(ctx context.Context) ([]Connection, error)
}

// TopicMutator is implemented by registries that can add or remove a single
// topic atomically. Both methods return the updated subscription set and a
// not-found error when the connection is absent.
type TopicMutator interface {
	AddTopic(ctx context.Context, id, topic string) ([]string, error)
	RemoveTopic(ctx context.Context, id, topic string) ([]string, error)
}

// Purger is implemented by registries that physically remove expired records
// on demand instead of relying on the storage engine's own expiry.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// Clock returns the current time. Registries take one so tests can move time.
type Clock func() time.Time
