package db

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dmrelay/models"
)

// Postgres is the PostgreSQL-backed Store.
type Postgres struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wrapPG("open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapPG("ping", err)
	}

	p := &Postgres{pool: pool, clock: now}
	if err := p.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			last_online TIMESTAMPTZ,
			last_offline TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			text TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, receiver, id)`,
	}
	for _, query := range queries {
		if _, err := p.pool.Exec(ctx, query); err != nil {
			return wrapPG("init", err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) AppendMessage(ctx context.Context, sender, receiver, text string) (models.Message, error) {
	// timestamptz keeps microseconds.
	timestamp := ceilTime(p.clock(), time.Microsecond)
	var id int64
	err := p.pool.QueryRow(ctx,
		"INSERT INTO messages (sender, receiver, text, sent_at) VALUES ($1, $2, $3, $4) RETURNING id",
		sender, receiver, text, timestamp,
	).Scan(&id)
	if err != nil {
		return models.Message{}, wrapPG("append", err)
	}

	return models.Message{
		ID:        strconv.FormatInt(id, 10),
		Sender:    sender,
		Receiver:  receiver,
		Text:      text,
		Timestamp: timestamp,
	}, nil
}

func (p *Postgres) History(ctx context.Context, user1, user2 string) ([]models.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, sender, receiver, text, sent_at
		FROM messages
		WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
		ORDER BY id ASC`,
		user1, user2,
	)
	if err != nil {
		return nil, wrapPG("history", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var id int64
		if err := rows.Scan(&id, &m.Sender, &m.Receiver, &m.Text, &m.Timestamp); err != nil {
			return nil, wrapPG("history", err)
		}
		m.ID = strconv.FormatInt(id, 10)
		m.Timestamp = m.Timestamp.UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG("history", err)
	}
	return messages, nil
}

func (p *Postgres) DeleteHistory(ctx context.Context, user1, user2 string) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		"DELETE FROM messages WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)",
		user1, user2,
	)
	if err != nil {
		return 0, wrapPG("delete history", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) MarkOnline(ctx context.Context, username string, t time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (username, last_online) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET last_online = EXCLUDED.last_online`,
		username, t.UTC(),
	)
	return wrapPG("mark online", err)
}

func (p *Postgres) MarkOffline(ctx context.Context, username string, t time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (username, last_offline) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET last_offline = EXCLUDED.last_offline`,
		username, t.UTC(),
	)
	return wrapPG("mark offline", err)
}

func (p *Postgres) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT username, last_online, last_offline FROM users ORDER BY username ASC",
	)
	if err != nil {
		return nil, wrapPG("list users", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		var online, offline *time.Time
		if err := rows.Scan(&u.Username, &online, &offline); err != nil {
			return nil, wrapPG("list users", err)
		}
		if online != nil {
			u.LastOnline = online.UTC()
		}
		if offline != nil {
			u.LastOffline = offline.UTC()
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG("list users", err)
	}
	return users, nil
}

// wrapPG flags connection-class SQLSTATEs and dial failures as unavailable.
func wrapPG(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		unavailable := pgerrcode.IsConnectionException(pgErr.Code) ||
			pgErr.Code == pgerrcode.AdminShutdown ||
			pgErr.Code == pgerrcode.CannotConnectNow
		return &StorageError{Op: op, Unavailable: unavailable, Err: err}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return &StorageError{Op: op, Unavailable: true, Err: err}
	}
	return &StorageError{Op: op, Err: err}
}
