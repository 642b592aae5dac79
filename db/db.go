package db

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dmrelay/models"
)

// DB is the SQLite-backed Store.
type DB struct {
	conn  *sql.DB
	clock func() time.Time
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, wrap("open", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, clock: now}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, wrap("init", err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			last_online TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, receiver, id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds columns introduced after the first schema.
func (db *DB) migrate() error {
	if !db.columnExists("users", "last_offline") {
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN last_offline TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	if err := db.conn.QueryRow(query, table, column).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// Message methods
func (db *DB) AppendMessage(ctx context.Context, sender, receiver, text string) (models.Message, error) {
	timestamp := db.clock()
	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (sender, receiver, text, timestamp) VALUES (?, ?, ?, ?)",
		sender, receiver, text, timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return models.Message{}, wrap("append", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.Message{}, wrap("append", err)
	}

	return models.Message{
		ID:        strconv.FormatInt(id, 10),
		Sender:    sender,
		Receiver:  receiver,
		Text:      text,
		Timestamp: timestamp,
	}, nil
}

func (db *DB) History(ctx context.Context, user1, user2 string) ([]models.Message, error) {
	query := `
		SELECT id, sender, receiver, text, timestamp
		FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, user1, user2, user2, user1)
	if err != nil {
		return nil, wrap("history", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var id int64
		var timestampStr string
		if err := rows.Scan(&id, &m.Sender, &m.Receiver, &m.Text, &timestampStr); err != nil {
			return nil, wrap("history", err)
		}

		timestamp, err := time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, wrap("history", err)
		}
		m.ID = strconv.FormatInt(id, 10)
		m.Timestamp = timestamp

		messages = append(messages, m)
	}

	return messages, wrap("history", rows.Err())
}

func (db *DB) DeleteHistory(ctx context.Context, user1, user2 string) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"DELETE FROM messages WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)",
		user1, user2, user2, user1,
	)
	if err != nil {
		return 0, wrap("delete history", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, wrap("delete history", err)
	}
	return deleted, nil
}

// User methods
func (db *DB) MarkOnline(ctx context.Context, username string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (username, last_online) VALUES (?, ?)
		ON CONFLICT(username) DO UPDATE SET last_online = excluded.last_online`,
		username, t.UTC().Format(time.RFC3339Nano),
	)
	return wrap("mark online", err)
}

func (db *DB) MarkOffline(ctx context.Context, username string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (username, last_offline) VALUES (?, ?)
		ON CONFLICT(username) DO UPDATE SET last_offline = excluded.last_offline`,
		username, t.UTC().Format(time.RFC3339Nano),
	)
	return wrap("mark offline", err)
}

func (db *DB) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT username, last_online, last_offline FROM users ORDER BY username ASC",
	)
	if err != nil {
		return nil, wrap("list users", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		var onlineStr, offlineStr string
		if err := rows.Scan(&u.Username, &onlineStr, &offlineStr); err != nil {
			return nil, wrap("list users", err)
		}
		// Empty means the event never happened for this user.
		if onlineStr != "" {
			u.LastOnline, _ = time.Parse(time.RFC3339Nano, onlineStr)
		}
		if offlineStr != "" {
			u.LastOffline, _ = time.Parse(time.RFC3339Nano, offlineStr)
		}
		users = append(users, u)
	}

	return users, wrap("list users", rows.Err())
}
