package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/temirov/toolstream/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS card_events (
	sequence INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	card_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_card_events_message ON card_events(message_id);
`

// SQLiteStore persists messages and card events in a SQLite database.
type SQLiteStore struct {
	database *sql.DB
}

// NewSQLiteStore opens (creating when needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store requires a path")
	}
	if directory := filepath.Dir(path); directory != "." {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// a single connection serializes writers
	database.SetMaxOpenConns(1)
	if _, err := database.Exec(sqliteSchema); err != nil {
		database.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return &SQLiteStore{database: database}, nil
}

func (sqliteStore *SQLiteStore) AppendText(ctx context.Context, messageID string, text string) error {
	_, err := sqliteStore.database.ExecContext(ctx, `
INSERT INTO messages (id, content, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET content = messages.content || excluded.content, updated_at = excluded.updated_at`,
		messageID, text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append message %s: %w", messageID, err)
	}
	return nil
}

// OverwriteContent replaces the stored value when content extends it.
func (sqliteStore *SQLiteStore) OverwriteContent(ctx context.Context, messageID string, content string) error {
	_, err := sqliteStore.database.ExecContext(ctx, `
INSERT INTO messages (id, content, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
WHERE substr(excluded.content, 1, length(messages.content)) = messages.content`,
		messageID, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("overwrite message %s: %w", messageID, err)
	}
	return nil
}

func (sqliteStore *SQLiteStore) Content(ctx context.Context, messageID string) (string, error) {
	var content string
	err := sqliteStore.database.QueryRowContext(ctx, `SELECT content FROM messages WHERE id = ?`, messageID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read message %s: %w", messageID, err)
	}
	return content, nil
}

func (sqliteStore *SQLiteStore) DispatchLifecycleEvent(ctx context.Context, messageID string, event types.LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode lifecycle event: %w", err)
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err = sqliteStore.database.ExecContext(ctx, `
INSERT INTO card_events (message_id, card_id, kind, status, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		messageID, event.CardID, string(event.Kind), string(event.Status), string(payload), occurredAt)
	if err != nil {
		return fmt.Errorf("record lifecycle event for %s: %w", messageID, err)
	}
	return nil
}

func (sqliteStore *SQLiteStore) Events(ctx context.Context, messageID string) ([]types.LifecycleEvent, error) {
	rows, err := sqliteStore.database.QueryContext(ctx, `SELECT payload FROM card_events WHERE message_id = ? ORDER BY sequence`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events for %s: %w", messageID, err)
	}
	defer rows.Close()

	var events []types.LifecycleEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		var event types.LifecycleEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("decode lifecycle event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (sqliteStore *SQLiteStore) Close() error {
	return sqliteStore.database.Close()
}

var _ Store = (*SQLiteStore)(nil)
