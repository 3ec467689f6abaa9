// Package storage is the local SQLite cache behind the conversation
// store: last known conversations and messages, so a reconnecting client
// has something to render before the service fetch completes. The
// message table's primary key doubles as the dedup backstop — inserting
// the same id twice can never yield two rows.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/backend"
)

// DB wraps the SQLite cache database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the cache database in the given directory.
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "cache.db")

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrency between UI reads and push writes.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			participants    TEXT NOT NULL,
			preview         TEXT,
			last_message_at INTEGER,
			unread          INTEGER DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			read_at         INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// SaveConversations upserts the cached conversation rows.
func (d *DB) SaveConversations(rows []backend.Conversation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, row := range rows {
		participants, err := json.Marshal(row.ParticipantIDs)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, participants, preview, last_message_at, unread)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				participants    = excluded.participants,
				preview         = excluded.preview,
				last_message_at = excluded.last_message_at,
				unread          = excluded.unread
		`, row.ID, string(participants), row.LastMessagePreview, row.LastMessageAt, row.UnreadCount); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", row.ID, err)
		}
	}
	return tx.Commit()
}

// LoadConversations returns the cached conversations, most recent first.
func (d *DB) LoadConversations() ([]backend.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`
		SELECT id, participants, preview, last_message_at, unread
		FROM conversations ORDER BY last_message_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.Conversation
	for rows.Next() {
		var (
			conv         backend.Conversation
			participants string
			preview      sql.NullString
			lastAt       sql.NullInt64
		)
		if err := rows.Scan(&conv.ID, &participants, &preview, &lastAt, &conv.UnreadCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &conv.ParticipantIDs); err != nil {
			return nil, fmt.Errorf("conversation %s participants: %w", conv.ID, err)
		}
		conv.LastMessagePreview = preview.String
		conv.LastMessageAt = lastAt.Int64
		out = append(out, conv)
	}
	return out, rows.Err()
}

// SaveMessages upserts a batch of messages.
func (d *DB) SaveMessages(conversationID string, msgs []backend.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, msg := range msgs {
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		if err := upsertMessage(tx, msg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertMessage stores one message; a duplicate id updates in place.
func (d *DB) UpsertMessage(msg backend.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertMessage(tx, msg); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadMessages returns the cached messages for a conversation in
// creation order.
func (d *DB) LoadMessages(conversationID string) ([]backend.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`
		SELECT id, conversation_id, sender_id, content, created_at, read_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, rowid
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.Message
	for rows.Next() {
		var (
			msg    backend.Message
			readAt sql.NullInt64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			v := readAt.Int64
			msg.ReadAt = &v
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func upsertMessage(tx *sql.Tx, msg backend.Message) error {
	var readAt any
	if msg.ReadAt != nil {
		readAt = *msg.ReadAt
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			read_at = excluded.read_at
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt, readAt); err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}
	return nil
}
