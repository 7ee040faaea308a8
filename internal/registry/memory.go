package registry

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// MemoryRegistry keeps connection records in process memory with a user index
// and an inverted topic index. It is the reference backend and the one used
// by tests; state does not survive a restart.
type MemoryRegistry struct {
	mu     sync.RWMutex
	conns  map[string]Connection
	users  map[string]map[string]struct{} // userID -> connection ids
	topics map[string]map[string]struct{} // topic -> connection ids
	now    Clock
}

// NewMemoryRegistry creates an empty registry. A nil clock means time.Now.
func NewMemoryRegistry(clock Clock) *MemoryRegistry {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryRegistry{
		conns:  make(map[string]Connection),
		users:  make(map[string]map[string]struct{}),
		topics: make(map[string]map[string]struct{}),
		now:    clock,
	}
}

var (
	_ Registry     = (*MemoryRegistry)(nil)
	_ TopicMutator = (*MemoryRegistry)(nil)
	_ Purger       = (*MemoryRegistry)(nil)
)

func (m *MemoryRegistry) Put(_ context.Context, conn Connection) error {
	if conn.ID == "" {
		return notify.Errorf(notify.KindBadRequest, "registry.put", "connection id is required")
	}
	conn.Subscriptions = NormalizeTopics(conn.Subscriptions)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.unindex(conn.ID)
	m.conns[conn.ID] = conn
	m.index(conn)
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (Connection, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.live(id)
	if !ok {
		return Connection{}, false, nil
	}
	return clone(conn), true, nil
}

func (m *MemoryRegistry) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unindex(id)
	delete(m.conns, id)
	return nil
}

func (m *MemoryRegistry) FindByUser(_ context.Context, userID string) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.users[userID]), nil
}

func (m *MemoryRegistry) FindBySubscribedTopic(_ context.Context, topic string) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.topics[topic]), nil
}

func (m *MemoryRegistry) All(_ context.Context) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if !c.Expired(now) {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (m *MemoryRegistry) AddTopic(_ context.Context, id, topic string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.live(id)
	if !ok {
		return nil, notify.Errorf(notify.KindNotFound, "registry.add_topic", "connection %s not found", id)
	}
	if !conn.Subscribed(topic) {
		conn = conn.WithTopic(topic)
		m.conns[id] = conn
		addTo(m.topics, topic, id)
	}
	return slices.Clone(conn.Subscriptions), nil
}

func (m *MemoryRegistry) RemoveTopic(_ context.Context, id, topic string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.live(id)
	if !ok {
		return nil, notify.Errorf(notify.KindNotFound, "registry.remove_topic", "connection %s not found", id)
	}
	if conn.Subscribed(topic) {
		conn = conn.WithoutTopic(topic)
		m.conns[id] = conn
		removeFrom(m.topics, topic, id)
	}
	return slices.Clone(conn.Subscriptions), nil
}

// Purge drops expired records and their index entries.
func (m *MemoryRegistry) Purge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	purged := 0
	for id, c := range m.conns {
		if c.Expired(now) {
			m.unindex(id)
			delete(m.conns, id)
			purged++
		}
	}
	return purged, nil
}

// live must be called with the lock held.
func (m *MemoryRegistry) live(id string) (Connection, bool) {
	conn, ok := m.conns[id]
	if !ok || conn.Expired(m.now()) {
		return Connection{}, false
	}
	return conn, true
}

func (m *MemoryRegistry) collect(ids map[string]struct{}) []Connection {
	out := make([]Connection, 0, len(ids))
	for id := range ids {
		if c, ok := m.live(id); ok {
			out = append(out, clone(c))
		}
	}
	return out
}

func (m *MemoryRegistry) index(c Connection) {
	addTo(m.users, c.UserID, c.ID)
	for _, t := range c.Subscriptions {
		addTo(m.topics, t, c.ID)
	}
}

func (m *MemoryRegistry) unindex(id string) {
	old, ok := m.conns[id]
	if !ok {
		return
	}
	removeFrom(m.users, old.UserID, id)
	for _, t := range old.Subscriptions {
		removeFrom(m.topics, t, id)
	}
}

func addTo(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func clone(c Connection) Connection {
	c.Subscriptions = slices.Clone(c.Subscriptions)
	if c.Subscriptions == nil {
		c.Subscriptions = []string{}
	}
	return c
}
