package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// Field names of the connection hash.
const (
	fieldUserID      = "userId"
	fieldConnectedAt = "connectedAt"
	fieldExpiresAt   = "expiresAt"
)

const maxPurgeAttempts = 3

// RedisRegistry stores each connection as a hash plus a topic set, and keeps
// three index sets: all connection ids, ids per user and ids per topic.
// Record keys expire natively through PEXPIREAT; reads skip index entries
// whose record is gone and Purge removes them.
//
//	{prefix}conn:{id}         hash   userId, connectedAt, expiresAt
//	{prefix}conn:{id}:topics  set    subscribed topics
//	{prefix}conns             set    all connection ids
//	{prefix}user:{userId}     set    connection ids of a user
//	{prefix}topic:{topic}     set    connection ids subscribed to topic
type RedisRegistry struct {
	client *redis.Client
	prefix string
	now    Clock

	// beforeSweep runs between finding purge candidates and re-checking
	// them. Tests only.
	beforeSweep func()
}

// OpenRedis parses a redis:// URL and checks connectivity.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// NewRedisRegistry wraps an open client. An empty prefix defaults to
// "notifier:".
func NewRedisRegistry(client *redis.Client, prefix string, clock Clock) *RedisRegistry {
	if prefix == "" {
		prefix = "notifier:"
	}
	if clock == nil {
		clock = time.Now
	}
	return &RedisRegistry{client: client, prefix: prefix, now: clock}
}

var (
	_ Registry     = (*RedisRegistry)(nil)
	_ TopicMutator = (*RedisRegistry)(nil)
	_ Purger       = (*RedisRegistry)(nil)
)

func (r *RedisRegistry) connKey(id string) string     { return r.prefix + "conn:" + id }
func (r *RedisRegistry) topicsKey(id string) string   { return r.prefix + "conn:" + id + ":topics" }
func (r *RedisRegistry) allKey() string               { return r.prefix + "conns" }
func (r *RedisRegistry) userKey(userID string) string { return r.prefix + "user:" + userID }
func (r *RedisRegistry) topicKey(topic string) string { return r.prefix + "topic:" + topic }

func (r *RedisRegistry) Put(ctx context.Context, conn Connection) error {
	if conn.ID == "" {
		return notify.Errorf(notify.KindBadRequest, "registry.put", "connection id is required")
	}
	conn.Subscriptions = NormalizeTopics(conn.Subscriptions)
	connKey, topicsKey := r.connKey(conn.ID), r.topicsKey(conn.ID)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		oldUser, err := tx.HGet(ctx, connKey, fieldUserID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		oldTopics, err := tx.SMembers(ctx, topicsKey).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if oldUser != "" {
				p.SRem(ctx, r.userKey(oldUser), conn.ID)
			}
			for _, t := range oldTopics {
				p.SRem(ctx, r.topicKey(t), conn.ID)
			}
			p.Del(ctx, connKey, topicsKey)
			p.HSet(ctx, connKey,
				fieldUserID, conn.UserID,
				fieldConnectedAt, conn.ConnectedAt.UTC().Format(time.RFC3339Nano),
				fieldExpiresAt, conn.ExpiresAt.UTC().Format(time.RFC3339Nano),
			)
			p.PExpireAt(ctx, connKey, conn.ExpiresAt)
			if len(conn.Subscriptions) > 0 {
				p.SAdd(ctx, topicsKey, toAny(conn.Subscriptions)...)
				p.PExpireAt(ctx, topicsKey, conn.ExpiresAt)
			}
			for _, t := range conn.Subscriptions {
				p.SAdd(ctx, r.topicKey(t), conn.ID)
			}
			p.SAdd(ctx, r.userKey(conn.UserID), conn.ID)
			p.SAdd(ctx, r.allKey(), conn.ID)
			return nil
		})
		return err
	}, connKey, topicsKey)
	if err != nil {
		return notify.E(notify.KindTransient, "registry.put", err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (Connection, bool, error) {
	conns, _, err := r.load(ctx, r.client, []string{id})
	if err != nil {
		return Connection{}, false, notify.E(notify.KindTransient, "registry.get", err)
	}
	if len(conns) == 0 {
		return Connection{}, false, nil
	}
	return conns[0], true, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	connKey, topicsKey := r.connKey(id), r.topicsKey(id)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		userID, err := tx.HGet(ctx, connKey, fieldUserID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		topics, err := tx.SMembers(ctx, topicsKey).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, connKey, topicsKey)
			p.SRem(ctx, r.allKey(), id)
			if userID != "" {
				p.SRem(ctx, r.userKey(userID), id)
			}
			for _, t := range topics {
				p.SRem(ctx, r.topicKey(t), id)
			}
			return nil
		})
		return err
	}, connKey, topicsKey)
	if err != nil {
		return notify.E(notify.KindTransient, "registry.delete", err)
	}
	return nil
}

func (r *RedisRegistry) FindByUser(ctx context.Context, userID string) ([]Connection, error) {
	conns, err := r.findIndexed(ctx, r.userKey(userID), func(c Connection) bool { return c.UserID == userID })
	if err != nil {
		return nil, notify.E(notify.KindTransient, "registry.find_by_user", err)
	}
	return conns, nil
}

func (r *RedisRegistry) FindBySubscribedTopic(ctx context.Context, topic string) ([]Connection, error) {
	conns, err := r.findIndexed(ctx, r.topicKey(topic), func(c Connection) bool { return c.Subscribed(topic) })
	if err != nil {
		return nil, notify.E(notify.KindTransient, "registry.find_by_topic", err)
	}
	return conns, nil
}

func (r *RedisRegistry) All(ctx context.Context) ([]Connection, error) {
	conns, err := r.findIndexed(ctx, r.allKey(), func(Connection) bool { return true })
	if err != nil {
		return nil, notify.E(notify.KindTransient, "registry.all", err)
	}
	return conns, nil
}

func (r *RedisRegistry) AddTopic(ctx context.Context, id, topic string) ([]string, error) {
	return r.mutateTopic(ctx, "registry.add_topic", id, func(p redis.Pipeliner, expiresAt time.Time) {
		p.SAdd(ctx, r.topicsKey(id), topic)
		p.PExpireAt(ctx, r.topicsKey(id), expiresAt)
		p.SAdd(ctx, r.topicKey(topic), id)
	})
}

func (r *RedisRegistry) RemoveTopic(ctx context.Context, id, topic string) ([]string, error) {
	return r.mutateTopic(ctx, "registry.remove_topic", id, func(p redis.Pipeliner, _ time.Time) {
		p.SRem(ctx, r.topicsKey(id), topic)
		p.SRem(ctx, r.topicKey(topic), id)
	})
}

// mutateTopic applies a single-element set change inside MULTI/EXEC while
// watching the connection hash, so a concurrent delete or replace aborts it
// instead of resurrecting the set.
func (r *RedisRegistry) mutateTopic(ctx context.Context, op, id string, apply func(redis.Pipeliner, time.Time)) ([]string, error) {
	connKey := r.connKey(id)
	var members *redis.StringSliceCmd

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, connKey).Result()
		if err != nil {
			return err
		}
		conn, ok := decodeHash(id, fields)
		if !ok || conn.Expired(r.now()) {
			return notify.Errorf(notify.KindNotFound, op, "connection %s not found", id)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			apply(p, conn.ExpiresAt)
			members = p.SMembers(ctx, r.topicsKey(id))
			return nil
		})
		return err
	}, connKey)
	if err != nil {
		if notify.Is(err, notify.KindNotFound) {
			return nil, err
		}
		return nil, notify.E(notify.KindTransient, op, err)
	}
	return NormalizeTopics(members.Val()), nil
}

// Purge removes ids of expired or vanished records from every index set.
// Staleness is checked again while the record keys are watched, so a
// connection re-registered mid-purge keeps its index entries.
func (r *RedisRegistry) Purge(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, r.allKey()).Result()
	if err != nil {
		return 0, notify.E(notify.KindTransient, "registry.purge", err)
	}
	_, candidates, err := r.load(ctx, r.client, ids)
	if err != nil {
		return 0, notify.E(notify.KindTransient, "registry.purge", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	if r.beforeSweep != nil {
		r.beforeSweep()
	}

	watched := make([]string, len(candidates))
	for i, id := range candidates {
		watched[i] = r.connKey(id)
	}

	var purged int
	sweep := func(tx *redis.Tx) error {
		_, stale, err := r.load(ctx, tx, candidates)
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			purged = 0
			return nil
		}
		var indexes []string
		for _, pattern := range []string{r.prefix + "user:*", r.prefix + "topic:*"} {
			iter := tx.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				indexes = append(indexes, iter.Val())
			}
			if err := iter.Err(); err != nil {
				return err
			}
		}

		dead := toAny(stale)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, key := range indexes {
				p.SRem(ctx, key, dead...)
			}
			p.SRem(ctx, r.allKey(), dead...)
			for _, id := range stale {
				p.Del(ctx, r.connKey(id), r.topicsKey(id))
			}
			return nil
		})
		purged = len(stale)
		return err
	}

	for attempt := 0; attempt < maxPurgeAttempts; attempt++ {
		err = r.client.Watch(ctx, sweep, watched...)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return 0, notify.E(notify.KindTransient, "registry.purge", err)
	}
	return purged, nil
}

func (r *RedisRegistry) findIndexed(ctx context.Context, indexKey string, match func(Connection) bool) ([]Connection, error) {
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	// Stale ids are skipped here and left for Purge.
	conns, _, err := r.load(ctx, r.client, ids)
	if err != nil {
		return nil, err
	}
	out := conns[:0]
	for _, c := range conns {
		if match(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// load fetches records in one pipeline. Ids whose record is missing or
// expired are returned as stale.
func (r *RedisRegistry) load(ctx context.Context, c redis.Cmdable, ids []string) ([]Connection, []string, error) {
	if len(ids) == 0 {
		return []Connection{}, nil, nil
	}
	pipe := c.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(ids))
	topics := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		hashes[i] = pipe.HGetAll(ctx, r.connKey(id))
		topics[i] = pipe.SMembers(ctx, r.topicsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, err
	}

	now := r.now()
	conns := make([]Connection, 0, len(ids))
	var stale []string
	for i, id := range ids {
		conn, ok := decodeHash(id, hashes[i].Val())
		if !ok || conn.Expired(now) {
			stale = append(stale, id)
			continue
		}
		conn.Subscriptions = NormalizeTopics(topics[i].Val())
		conns = append(conns, conn)
	}
	return conns, stale, nil
}

func decodeHash(id string, fields map[string]string) (Connection, bool) {
	userID := fields[fieldUserID]
	if userID == "" {
		return Connection{}, false
	}
	connectedAt, err := time.Parse(time.RFC3339Nano, fields[fieldConnectedAt])
	if err != nil {
		return Connection{}, false
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, fields[fieldExpiresAt])
	if err != nil {
		return Connection{}, false
	}
	return Connection{
		ID:            id,
		UserID:        userID,
		ConnectedAt:   connectedAt,
		ExpiresAt:     expiresAt,
		Subscriptions: []string{},
	}, true
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
