// ABOUTME: SQLite implementation of the transcript Store
// ABOUTME: Supports the pure-Go modernc driver and the cgo mattn driver

package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by NewSQLiteStore.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, no cgo
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the transcript database at path using
// driver, which defaults to DriverModernc. Parent directories are created as
// needed; ":memory:" gives a private in-memory database.
func NewSQLiteStore(path, driver string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "transcript")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if memory {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("transcript store initialized", "path", path, "driver", driver)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			attachments_json TEXT,
			task_id TEXT,
			needs_clarification INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (conversation_id, id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (sender IN ('user', 'agent'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing transcript store")
	return s.db.Close()
}

// Append inserts msg inside a transaction that also touches the
// conversation row. A repeated message ID returns ErrDuplicateMessage.
func (s *SQLiteStore) Append(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	created := msg.CreatedAt.UTC().Format(time.RFC3339Nano)

	attachments, err := jsonColumn(msg.Attachments, len(msg.Attachments) == 0)
	if err != nil {
		return fmt.Errorf("encoding attachments: %w", err)
	}
	metadata, err := jsonColumn(msg.Metadata, len(msg.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, msg.ConversationID, created, created)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, text, attachments_json, task_id,
			needs_clarification, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, string(msg.Sender), msg.Text, attachments, nullString(msg.TaskID),
		msg.NeedsClarification, metadata, created)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s in %s", ErrDuplicateMessage, msg.ID, msg.ConversationID)
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	msg.Seq = seq

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender", msg.Sender,
		"seq", seq,
	)
	return nil
}

// History returns messages for a conversation in insertion order.
func (s *SQLiteStore) History(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, conversation_id, sender, text, attachments_json, task_id,
			needs_clarification, metadata_json, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var msg Message
		var sender, createdAtStr string
		var attachments, taskID, metadata *string

		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &sender, &msg.Text, &attachments, &taskID,
			&msg.NeedsClarification, &metadata, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Sender = Sender(sender)

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		if attachments != nil {
			if err := json.Unmarshal([]byte(*attachments), &msg.Attachments); err != nil {
				return nil, fmt.Errorf("decoding attachments for %s: %w", msg.ID, err)
			}
		}
		if metadata != nil {
			if err := json.Unmarshal([]byte(*metadata), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for %s: %w", msg.ID, err)
			}
		}
		if taskID != nil {
			msg.TaskID = *taskID
		}

		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// jsonColumn encodes v for a nullable TEXT column; empty stores NULL.
func jsonColumn(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isConstraintViolation matches UNIQUE failures from either driver.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
