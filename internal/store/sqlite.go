package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the session database at path and runs the
// schema migration. Use ":memory:" for an ephemeral store in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The pool path touches the store from multiple goroutines; a single
	// connection serializes access the same way SQLite itself would.
	conn.SetMaxOpenConns(1)

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		user_id        INTEGER NOT NULL,
		topic_id       INTEGER NOT NULL,
		session_id     TEXT    NOT NULL,
		workspace_path TEXT    NOT NULL,
		model          TEXT    NOT NULL DEFAULT 'auto',
		created_at     TEXT    NOT NULL,
		updated_at     TEXT    NOT NULL,
		PRIMARY KEY (user_id, topic_id)
	);`
	_, err := s.conn.Exec(schema)
	return err
}

// Close closes the SQLite connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// GetSession returns the record for (userID, topicID), or nil if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, topicID int64) (*SessionRecord, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT user_id, topic_id, session_id, workspace_path, model, created_at, updated_at
		 FROM sessions WHERE user_id = ? AND topic_id = ?`,
		userID, topicID,
	)

	var rec SessionRecord
	var createdAt, updatedAt string
	err := row.Scan(&rec.UserID, &rec.TopicID, &rec.SessionID, &rec.WorkspacePath,
		&rec.Model, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

// UpsertSession creates or replaces the mapping, resetting model to DefaultModel.
func (s *SQLiteStore) UpsertSession(ctx context.Context, userID, topicID int64, sessionID, workspacePath string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sessions
		   (user_id, topic_id, session_id, workspace_path, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'auto', ?, ?)
		 ON CONFLICT(user_id, topic_id) DO UPDATE SET
		   session_id = excluded.session_id,
		   workspace_path = excluded.workspace_path,
		   model = 'auto',
		   updated_at = excluded.updated_at`,
		userID, topicID, sessionID, workspacePath, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// DeleteSession removes the mapping for (userID, topicID).
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, topicID int64) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = ? AND topic_id = ?`, userID, topicID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// GetModel returns the stored model, or DefaultModel if no row exists.
func (s *SQLiteStore) GetModel(ctx context.Context, userID, topicID int64) (string, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT model FROM sessions WHERE user_id = ? AND topic_id = ?`, userID, topicID)

	var model string
	err := row.Scan(&model)
	if err == sql.ErrNoRows {
		return DefaultModel, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query model: %w", err)
	}
	return model, nil
}

// SetModel updates the model for an existing row. No-op if the row does not exist.
func (s *SQLiteStore) SetModel(ctx context.Context, userID, topicID int64, model string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx,
		`UPDATE sessions SET model = ?, updated_at = ? WHERE user_id = ? AND topic_id = ?`,
		model, now, userID, topicID)
	if err != nil {
		return fmt.Errorf("failed to set model: %w", err)
	}
	return nil
}
