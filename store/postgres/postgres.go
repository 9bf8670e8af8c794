// Package postgres backs the roster and message log with PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/networkmesh/meshchat/protocol"
	"github.com/networkmesh/meshchat/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL,
	public_key    TEXT NOT NULL,
	is_host       BOOLEAN NOT NULL DEFAULT FALSE,
	is_online     BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen     BIGINT NOT NULL DEFAULT 0,
	connection_id BIGINT NOT NULL DEFAULT 0,
	ip_address    TEXT NOT NULL DEFAULT '',
	created_at    BIGINT NOT NULL,
	updated_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	content      TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	sender_name  TEXT NOT NULL,
	timestamp    BIGINT NOT NULL,
	type         TEXT NOT NULL,
	room_id      TEXT NOT NULL DEFAULT '',
	is_encrypted BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_sender_id_idx ON messages (sender_id);
CREATE INDEX IF NOT EXISTS messages_timestamp_idx ON messages (timestamp);
CREATE INDEX IF NOT EXISTS messages_type_idx ON messages (type);
`

// Open connects to dsn, applies the schema, and returns both stores sharing
// one pool. Closing either store closes the pool.
func Open(ctx context.Context, dsn string) (*Users, *Messages, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return &Users{pool: pool}, &Messages{pool: pool}, nil
}

// Users is a PostgreSQL-backed store.UserStore.
type Users struct {
	pool *pgxpool.Pool
}

func (s *Users) Upsert(ctx context.Context, u store.User) error {
	now := time.Now().UnixMilli()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, public_key, is_host, is_online, last_seen, connection_id, ip_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			public_key = EXCLUDED.public_key,
			is_host = EXCLUDED.is_host,
			is_online = EXCLUDED.is_online,
			last_seen = EXCLUDED.last_seen,
			connection_id = EXCLUDED.connection_id,
			ip_address = EXCLUDED.ip_address,
			updated_at = EXCLUDED.updated_at`,
		u.ID, u.Username, u.PublicKey, u.IsHost, u.IsOnline, u.LastSeen, int64(u.ConnectionID), u.IPAddress, now)
	return err
}

func (s *Users) SetOnline(ctx context.Context, userID string, online bool, lastSeenMillis int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET is_online = $2, last_seen = $3, updated_at = $4 WHERE id = $1`,
		userID, online, lastSeenMillis, time.Now().UnixMilli())
	return err
}

func (s *Users) Get(ctx context.Context, userID string) (store.User, error) {
	var u store.User
	var connID int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, public_key, is_host, is_online, last_seen, connection_id, ip_address, created_at, updated_at
		FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Username, &u.PublicKey, &u.IsHost, &u.IsOnline, &u.LastSeen, &connID, &u.IPAddress, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, err
	}
	u.ConnectionID = uint64(connID)
	return u, nil
}

func (s *Users) List(ctx context.Context) ([]store.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, public_key, is_host, is_online, last_seen, connection_id, ip_address, created_at, updated_at
		FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.User
	for rows.Next() {
		var u store.User
		var connID int64
		if err := rows.Scan(&u.ID, &u.Username, &u.PublicKey, &u.IsHost, &u.IsOnline, &u.LastSeen, &connID, &u.IPAddress, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.ConnectionID = uint64(connID)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Users) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n)
	return n, err
}

func (s *Users) Close(context.Context) error {
	s.pool.Close()
	return nil
}

// Messages is a PostgreSQL-backed store.MessageStore.
type Messages struct {
	pool *pgxpool.Pool
}

func (s *Messages) Append(ctx context.Context, m store.Message) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, content, sender_id, sender_name, timestamp, type, room_id, is_encrypted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.Content, m.SenderID, m.SenderName, m.Timestamp, string(m.Type), m.RoomID, m.IsEncrypted, m.CreatedAt)
	return err
}

func (s *Messages) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM messages`).Scan(&n)
	return n, err
}

func (s *Messages) Recent(ctx context.Context, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, sender_id, sender_name, timestamp, type, room_id, is_encrypted, created_at
		FROM messages ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Message
	for rows.Next() {
		var m store.Message
		var typ string
		if err := rows.Scan(&m.ID, &m.Content, &m.SenderID, &m.SenderName, &m.Timestamp, &typ, &m.RoomID, &m.IsEncrypted, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = protocol.ChatMessageType(typ)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Messages) Close(context.Context) error {
	s.pool.Close()
	return nil
}
