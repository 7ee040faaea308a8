package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// PostgresRegistry stores connections in the connections table and their
// topics in connection_subscriptions, which doubles as the inverted topic
// index. Schema lives in internal/db/migrations.
type PostgresRegistry struct {
	db  *sql.DB
	now Clock
}

// NewPostgresRegistry wraps an open database handle.
func NewPostgresRegistry(db *sql.DB, clock Clock) *PostgresRegistry {
	if clock == nil {
		clock = time.Now
	}
	return &PostgresRegistry{db: db, now: clock}
}

var (
	_ Registry     = (*PostgresRegistry)(nil)
	_ TopicMutator = (*PostgresRegistry)(nil)
	_ Purger       = (*PostgresRegistry)(nil)
)

const selectConnections = `SELECT c.connection_id, c.user_id, c.connected_at, c.expires_at, s.topic
	FROM connections c
	LEFT JOIN connection_subscriptions s ON s.connection_id = c.connection_id`

const orderConnections = ` ORDER BY c.connection_id, s.topic`

func (p *PostgresRegistry) Put(ctx context.Context, conn Connection) error {
	if conn.ID == "" {
		return notify.Errorf(notify.KindBadRequest, "registry.put", "connection id is required")
	}
	conn.Subscriptions = NormalizeTopics(conn.Subscriptions)

	err := p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO connections (connection_id, user_id, connected_at, expires_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (connection_id) DO UPDATE
			 SET user_id = EXCLUDED.user_id, connected_at = EXCLUDED.connected_at, expires_at = EXCLUDED.expires_at`,
			conn.ID, conn.UserID, conn.ConnectedAt, conn.ExpiresAt,
		); err != nil {
			return fmt.Errorf("upserting connection: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM connection_subscriptions WHERE connection_id = $1`, conn.ID,
		); err != nil {
			return fmt.Errorf("clearing subscriptions: %w", err)
		}
		for _, topic := range conn.Subscriptions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO connection_subscriptions (connection_id, topic) VALUES ($1, $2)`,
				conn.ID, topic,
			); err != nil {
				return fmt.Errorf("inserting subscription %q: %w", topic, err)
			}
		}
		return nil
	})
	if err != nil {
		return notify.E(notify.KindTransient, "registry.put", err)
	}
	return nil
}

func (p *PostgresRegistry) Get(ctx context.Context, id string) (Connection, bool, error) {
	conns, err := p.query(ctx,
		selectConnections+` WHERE c.connection_id = $1 AND c.expires_at > $2`+orderConnections,
		id, p.now())
	if err != nil {
		return Connection{}, false, notify.E(notify.KindTransient, "registry.get", err)
	}
	if len(conns) == 0 {
		return Connection{}, false, nil
	}
	return conns[0], true, nil
}

func (p *PostgresRegistry) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = $1`, id); err != nil {
		return notify.E(notify.KindTransient, "registry.delete", err)
	}
	return nil
}

func (p *PostgresRegistry) FindByUser(ctx context.Context, userID string) ([]Connection, error) {
	conns, err := p.query(ctx,
		selectConnections+` WHERE c.user_id = $1 AND c.expires_at > $2`+orderConnections,
		userID, p.now())
	if err != nil {
		return nil, notify.E(notify.KindTransient, "registry.find_by_user", err)
	}
	return conns, nil
}

func (p *PostgresRegistry) FindBySubscribedTopic(ctx context.Context, topic string) ([]Connection, error) {
	conns, err := p.query(ctx,
		selectConnections+` WHERE c.expires_at > $2 AND c.connection_id IN
			(SELECT connection_id FROM connection_subscriptions WHERE topic = $1)`+orderConnections,
		topic, p.now())
	if err != nil {
		return nil, notify.E(notify.KindTransient, "registry.find_by_topic", err)
	}
	return conns, nil
}

func (p *PostgresRegistry) All(ctx context.Context) ([]Connection, error) {
	conns, err := p.query(ctx, selectConnections+` WHERE c.expires_at > $1`+orderConnections, p.now())
	if err != nil {
		return nil, notify.E(notify.KindTransient, "registry.all", err)
	}
	return conns, nil
}

func (p *PostgresRegistry) AddTopic(ctx context.Context, id, topic string) ([]string, error) {
	return p.mutateTopic(ctx, "registry.add_topic", id,
		`INSERT INTO connection_subscriptions (connection_id, topic) VALUES ($1, $2)
		 ON CONFLICT (connection_id, topic) DO NOTHING`, topic)
}

func (p *PostgresRegistry) RemoveTopic(ctx context.Context, id, topic string) ([]string, error) {
	return p.mutateTopic(ctx, "registry.remove_topic", id,
		`DELETE FROM connection_subscriptions WHERE connection_id = $1 AND topic = $2`, topic)
}

// mutateTopic locks the connection row so a concurrent delete cannot
// interleave, applies stmt and reads back the resulting set.
func (p *PostgresRegistry) mutateTopic(ctx context.Context, op, id, stmt, topic string) ([]string, error) {
	var topics []string
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM connections WHERE connection_id = $1 AND expires_at > $2 FOR UPDATE`,
			id, p.now(),
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return notify.Errorf(notify.KindNotFound, op, "connection %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("locking connection: %w", err)
		}

		if _, err := tx.ExecContext(ctx, stmt, id, topic); err != nil {
			return fmt.Errorf("updating subscription: %w", err)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT topic FROM connection_subscriptions WHERE connection_id = $1 ORDER BY topic`, id)
		if err != nil {
			return fmt.Errorf("reading subscriptions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var t string
			if err := rows.Scan(&t); err != nil {
				return err
			}
			topics = append(topics, t)
		}
		return rows.Err()
	})
	if err != nil {
		if notify.Is(err, notify.KindNotFound) {
			return nil, err
		}
		return nil, notify.E(notify.KindTransient, op, err)
	}
	return NormalizeTopics(topics), nil
}

// Purge deletes expired rows; subscriptions go with them by cascade.
func (p *PostgresRegistry) Purge(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM connections WHERE expires_at <= $1`, p.now())
	if err != nil {
		return 0, notify.E(notify.KindTransient, "registry.purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, notify.E(notify.KindTransient, "registry.purge", err)
	}
	return int(n), nil
}

// query runs a LEFT JOIN select ordered by connection id and folds the
// per-topic rows back into one Connection each.
func (p *PostgresRegistry) query(ctx context.Context, q string, args ...any) ([]Connection, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conns := []Connection{}
	for rows.Next() {
		var (
			c     Connection
			topic sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.ConnectedAt, &c.ExpiresAt, &topic); err != nil {
			return nil, err
		}
		if n := len(conns); n == 0 || conns[n-1].ID != c.ID {
			c.Subscriptions = []string{}
			conns = append(conns, c)
		}
		if topic.Valid {
			last := &conns[len(conns)-1]
			last.Subscriptions = append(last.Subscriptions, topic.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range conns {
		conns[i].Subscriptions = NormalizeTopics(conns[i].Subscriptions)
	}
	return conns, nil
}

func (p *PostgresRegistry) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
