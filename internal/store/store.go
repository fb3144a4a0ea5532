// Package store persists the mapping from a Telegram conversation
// (user id + forum topic id) to its agent session and workspace.
package store

import (
	"context"
	"time"
)

// DefaultModel is the model value a fresh or replaced session starts with.
const DefaultModel = "auto"

// SessionRecord is one persistent (user, topic) → session mapping.
// SessionID is opaque to this layer. Model is reset to DefaultModel
// whenever the session id is replaced.
type SessionRecord struct {
	UserID        int64
	TopicID       int64
	SessionID     string
	WorkspacePath string
	Model         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the persistence interface consumed by the gateway core.
type Store interface {
	// GetSession returns the record for (userID, topicID), or nil if absent.
	GetSession(ctx context.Context, userID, topicID int64) (*SessionRecord, error)

	// UpsertSession creates or replaces the mapping. Replacing resets the
	// model to DefaultModel.
	UpsertSession(ctx context.Context, userID, topicID int64, sessionID, workspacePath string) error

	// DeleteSession removes the mapping. Used for stale-lock recovery.
	DeleteSession(ctx context.Context, userID, topicID int64) error

	// GetModel returns the stored model, or DefaultModel if no row exists.
	GetModel(ctx context.Context, userID, topicID int64) (string, error)

	// SetModel updates the model for an existing row. No-op if the row
	// does not exist.
	SetModel(ctx context.Context, userID, topicID int64, model string) error

	// Close releases the underlying connection.
	Close() error
}
