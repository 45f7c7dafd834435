package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"curri-chat/internal/domain"
)

// ConversationStore implements domain.ConversationRepository using SQLite.
// Messages are stored as a JSON column; timestamps as epoch milliseconds.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore opens (or creates) a SQLite database at dbPath and
// runs the schema migration.
func NewConversationStore(dbPath string) (*ConversationStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation db: %w", err)
	}
	return &ConversationStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			messages   TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

func (s *ConversationStore) GetAll(_ context.Context) ([]domain.Conversation, error) {
	rows, err := s.db.Query(
		"SELECT id, title, messages, created_at, updated_at FROM conversations ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *ConversationStore) GetByID(_ context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRow(
		"SELECT id, title, messages, created_at, updated_at FROM conversations WHERE id = ?", id,
	)
	c, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrConversationNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *ConversationStore) SearchByTitle(_ context.Context, query string) ([]domain.Conversation, error) {
	rows, err := s.db.Query(
		"SELECT id, title, messages, created_at, updated_at FROM conversations WHERE title LIKE ? ORDER BY updated_at DESC",
		"%"+query+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *ConversationStore) Insert(_ context.Context, c domain.Conversation) error {
	msgJSON, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO conversations (id, title, messages, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		c.ID, c.Title, string(msgJSON), c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *ConversationStore) Update(_ context.Context, c domain.Conversation) error {
	msgJSON, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	res, err := s.db.Exec(
		"UPDATE conversations SET title = ?, messages = ?, updated_at = ? WHERE id = ?",
		c.Title, string(msgJSON), c.UpdatedAt.UnixMilli(), c.ID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (s *ConversationStore) Delete(_ context.Context, id string) error {
	res, err := s.db.Exec("DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (s *ConversationStore) DeleteAll(_ context.Context) error {
	_, err := s.db.Exec("DELETE FROM conversations")
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var msgStr string
	var createdMs, updatedMs int64
	if err := row.Scan(&c.ID, &c.Title, &msgStr, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(msgStr), &c.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdMs)
	c.UpdatedAt = time.UnixMilli(updatedMs)
	return &c, nil
}

func scanConversations(rows *sql.Rows) ([]domain.Conversation, error) {
	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

var _ domain.ConversationRepository = (*ConversationStore)(nil)
