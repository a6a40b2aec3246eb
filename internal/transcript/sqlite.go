package transcript

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS chats (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at);

CREATE TABLE IF NOT EXISTS messages (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    chat_id    TEXT NOT NULL,
    role       TEXT NOT NULL,
    content    TEXT NOT NULL,
    images     TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);
`

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDBPath returns the default database path (~/.local/share/kite/kite.db).
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "kite", "kite.db"), nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so collaborators (the quota backend)
// can share the same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateChat(c *Chat) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		c.ID,
		c.Title,
		c.CreatedAt.Format(time.RFC3339Nano),
		c.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(`
		SELECT id, title, created_at, updated_at
		FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) GetChat(id string) (*Chat, error) {
	row := s.db.QueryRow(`
		SELECT id, title, created_at, updated_at
		FROM chats WHERE id = ?`, id)

	var c Chat
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Title, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chat %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

func (s *SQLiteStore) TouchChat(id, title string) error {
	now := time.Now().Format(time.RFC3339Nano)
	var err error
	if title != "" {
		_, err = s.db.Exec(`UPDATE chats SET updated_at = ?, title = ? WHERE id = ?`, now, title, id)
	} else {
		_, err = s.db.Exec(`UPDATE chats SET updated_at = ? WHERE id = ?`, now, id)
	}
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChat(id string) error {
	if _, err := s.db.Exec("DELETE FROM messages WHERE chat_id = ?", id); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}
	result, err := s.db.Exec("DELETE FROM chats WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("chat %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(chatID string, m *Message) error {
	images, err := json.Marshal(imagesOrEmpty(m.Images))
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (id, chat_id, role, content, images, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, chatID, string(m.Role), m.Content, string(images),
		m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Messages(chatID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, images, created_at
		FROM messages WHERE chat_id = ? ORDER BY seq`, chatID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var role, images, createdAt string
		if err := rows.Scan(&m.ID, &role, &m.Content, &images, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		if err := json.Unmarshal([]byte(images), &m.Images); err != nil {
			return nil, fmt.Errorf("unmarshal images: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) DeleteMessagesAfter(chatID, messageID string) error {
	_, err := s.db.Exec(`
		DELETE FROM messages
		WHERE chat_id = ?
		  AND seq > (SELECT seq FROM messages WHERE id = ? AND chat_id = ?)`,
		chatID, messageID, chatID)
	if err != nil {
		return fmt.Errorf("delete messages after %s: %w", messageID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func imagesOrEmpty(images []string) []string {
	if images == nil {
		return []string{}
	}
	return images
}
