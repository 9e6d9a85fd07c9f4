package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/firstchat/internal/messaging"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			serial TEXT PRIMARY KEY,
			meta TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			chat_id TEXT PRIMARY KEY,
			pair_key TEXT NOT NULL UNIQUE,
			meta TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS chat_members (
			chat_id TEXT NOT NULL,
			serial TEXT NOT NULL,
			PRIMARY KEY (chat_id, serial),
			FOREIGN KEY (chat_id) REFERENCES chats(chat_id),
			FOREIGN KEY (serial) REFERENCES users(serial)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			chat_id TEXT NOT NULL,
			sender_serial TEXT,
			sender_meta TEXT,
			data TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (chat_id) REFERENCES chats(chat_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureUser creates the user if missing and returns it.
func (s *SQLiteStore) EnsureUser(ctx context.Context, serial string) (*messaging.User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (serial, meta, created_at) VALUES (?, ?, ?)`,
		serial, "{}", time.Now())
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, serial)
}

// GetUser retrieves a user by serial. It returns nil, nil when absent.
func (s *SQLiteStore) GetUser(ctx context.Context, serial string) (*messaging.User, error) {
	var user messaging.User
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT serial, meta FROM users WHERE serial = ?`,
		serial).Scan(&user.Serial, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if user.Meta, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUserMeta merges patch into the user's metadata.
func (s *SQLiteStore) UpdateUserMeta(ctx context.Context, serial string, patch messaging.Meta) (*messaging.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT meta FROM users WHERE serial = ?`, serial).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, messaging.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	meta, err := decodeMeta(raw)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = make(messaging.Meta)
	}
	for k, v := range patch {
		meta[k] = v
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET meta = ? WHERE serial = ?`, string(encoded), serial); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &messaging.User{Serial: serial, Meta: meta}, nil
}

// GetOrCreateDirectChat returns the chat between a and b, creating it with
// meta when it does not exist. The bool reports whether it was created.
func (s *SQLiteStore) GetOrCreateDirectChat(ctx context.Context, a, b string, meta messaging.Meta) (*messaging.Chat, bool, error) {
	key := pairKey(a, b)

	chat, err := s.chatByPair(ctx, key)
	if err != nil || chat != nil {
		return chat, false, err
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	chatID := "chat_" + uuid.New().String()
	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO chats (chat_id, pair_key, meta, created_at) VALUES (?, ?, ?, ?)`,
		chatID, key, string(encoded), now)
	if err != nil {
		return nil, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with another creator.
		tx.Rollback()
		chat, err := s.chatByPair(ctx, key)
		return chat, false, err
	}

	for _, serial := range []string{a, b} {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO users (serial, meta, created_at) VALUES (?, ?, ?)`,
			serial, "{}", now); err != nil {
			return nil, false, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO chat_members (chat_id, serial) VALUES (?, ?)`,
			chatID, serial); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return &messaging.Chat{
		ID:        chatID,
		Members:   sortedPair(a, b),
		Meta:      meta,
		CreatedAt: now,
	}, true, nil
}

// GetChat retrieves a chat with its members. It returns nil, nil when absent.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*messaging.Chat, error) {
	var chat messaging.Chat
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, meta, created_at FROM chats WHERE chat_id = ?`,
		chatID).Scan(&chat.ID, &meta, &chat.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if chat.Meta, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	if chat.Members, err = s.members(ctx, chatID); err != nil {
		return nil, err
	}
	return &chat, nil
}

// IsMember reports whether serial belongs to the chat.
func (s *SQLiteStore) IsMember(ctx context.Context, chatID, serial string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_members WHERE chat_id = ? AND serial = ?`,
		chatID, serial).Scan(&n)
	return n > 0, err
}

// CreateMessage stores a message. A nil sender stores a system message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *messaging.Message) error {
	var senderSerial, senderMeta sql.NullString
	if msg.Sender != nil {
		senderSerial = sql.NullString{String: msg.Sender.Serial, Valid: true}
		encoded, err := json.Marshal(msg.Sender.Meta)
		if err != nil {
			return err
		}
		senderMeta = sql.NullString{String: string(encoded), Valid: true}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, chat_id, sender_serial, sender_meta, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, senderSerial, senderMeta, msg.Data, msg.CreatedAt)
	return err
}

// ListRecentMessages returns up to limit messages of a chat, newest first.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, chatID string, limit int) ([]*messaging.Message, error) {
	query := `SELECT message_id, chat_id, sender_serial, sender_meta, data, created_at FROM messages WHERE chat_id = ? ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*messaging.Message{}
	for rows.Next() {
		var msg messaging.Message
		var senderSerial, senderMeta sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ChatID, &senderSerial, &senderMeta, &msg.Data, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if senderSerial.Valid {
			meta, err := decodeMeta(senderMeta)
			if err != nil {
				return nil, err
			}
			msg.Sender = &messaging.User{Serial: senderSerial.String, Meta: meta}
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) chatByPair(ctx context.Context, key string) (*messaging.Chat, error) {
	var chatID string
	err := s.db.QueryRowContext(ctx, `SELECT chat_id FROM chats WHERE pair_key = ?`, key).Scan(&chatID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetChat(ctx, chatID)
}

func (s *SQLiteStore) members(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT serial FROM chat_members WHERE chat_id = ? ORDER BY serial`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, err
		}
		members = append(members, serial)
	}
	return members, rows.Err()
}

func decodeMeta(raw sql.NullString) (messaging.Meta, error) {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil, nil
	}
	var meta messaging.Meta
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode meta: %w", err)
	}
	return meta, nil
}

func sortedPair(a, b string) []string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair
}

// pairKey is the length-prefixed sorted pair, so no two distinct pairs share a key.
func pairKey(a, b string) string {
	pair := sortedPair(a, b)
	return fmt.Sprintf("%d:%s|%s", len(pair[0]), pair[0], pair[1])
}
