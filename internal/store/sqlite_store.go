package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteBackend is the single-file durable backend. Timestamps are stored
// as unix nanoseconds.
type sqliteBackend struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id      TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL,
	role    TEXT NOT NULL,
	content TEXT NOT NULL,
	ts      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, ts DESC);
CREATE TABLE IF NOT EXISTS chats (
	chat_id      TEXT PRIMARY KEY,
	last_message TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL DEFAULT 0,
	title        TEXT NOT NULL DEFAULT ''
);
`

func newSQLiteBackend(path string) (*sqliteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "chatrelay.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

func (s *sqliteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteBackend) UpsertMessage(ctx context.Context, msg *Message) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store not configured")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			role    = excluded.role,
			ts      = excluded.ts`,
		msg.ID, msg.ChatID, msg.Role, msg.Content, msg.Timestamp.UnixNano(),
	)
	return err
}

func (s *sqliteBackend) RecentMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlite store not configured")
	}
	if limit <= 0 {
		limit = dedupScanLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, ts
		FROM messages WHERE chat_id = ?
		ORDER BY ts DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &ts); err != nil {
			return nil, err
		}
		msg.Timestamp = time.Unix(0, ts)
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

func (s *sqliteBackend) GetMetadata(ctx context.Context, chatID string) (*ChatMetadata, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlite store not configured")
	}
	var meta ChatMetadata
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, last_message, updated_at, title
		FROM chats WHERE chat_id = ?`, chatID).
		Scan(&meta.ChatID, &meta.LastMessage, &updated, &meta.Title)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	if updated > 0 {
		meta.UpdatedAt = time.Unix(0, updated)
	}
	return &meta, nil
}

func (s *sqliteBackend) UpdateMetadata(ctx context.Context, chatID, lastMessage string, updatedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store not configured")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, last_message, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_message = excluded.last_message,
			updated_at   = excluded.updated_at`,
		chatID, lastMessage, updatedAt.UnixNano(),
	)
	return err
}

func (s *sqliteBackend) SetTitleIfAbsent(ctx context.Context, chatID, title string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlite store not configured")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, title)
		VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET title = excluded.title
		WHERE chats.title = ''`,
		chatID, title,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
