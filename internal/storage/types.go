package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an insert hits a uniqueness constraint.
	ErrConflict = errors.New("storage: unique conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (Path)
//   - "postgres": PostgreSQL via pgx (DSN)
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// PresenceRecord is the liveness row of one user.
// An empty ActiveConversationID means the user is not viewing anything.
type PresenceRecord struct {
	UserID               string
	ActiveConversationID string
	LastSeen             time.Time
}

// BatchMessage is one chat message folded into a pending batch.
type BatchMessage struct {
	RecipientID       string
	SenderID          string
	SenderDisplayName string
	ConversationID    string
	SubjectLabel      string
	Content           string
	At                time.Time
}

// PendingBatch is an accumulating, not yet delivered notification for one
// (recipient, sender, conversation) triple.
//
// FirstMessagePreview and FirstMessageAt are written once on creation.
type PendingBatch struct {
	ID                  string
	RecipientID         string
	SenderID            string
	SenderDisplayName   string
	ConversationID      string
	SubjectLabel        string
	MessageCount        int
	FirstMessagePreview string
	FirstMessageAt      time.Time
	LastMessageAt       time.Time
}

type PresenceStore interface {
	// UpsertPresence creates or refreshes the user's row with the given active conversation.
	UpsertPresence(ctx context.Context, userID, conversationID string, seen time.Time) error
	// ClearPresence nulls the active conversation. Missing rows are not an error.
	ClearPresence(ctx context.Context, userID string) error
	GetPresence(ctx context.Context, userID string) (rec PresenceRecord, ok bool, err error)
}

type BatchStore interface {
	// UpsertBatch folds m into the batch for its triple, creating it when absent.
	// The returned batch carries the post-update count and the write-once fields.
	UpsertBatch(ctx context.Context, m BatchMessage) (PendingBatch, error)
	GetBatch(ctx context.Context, recipientID, senderID, conversationID string) (PendingBatch, bool, error)
	// ListMatured returns batches whose last message is strictly older than cutoff.
	ListMatured(ctx context.Context, cutoff time.Time, limit int) ([]PendingBatch, error)
	// DeleteBatch removes the batch only while it still holds messageCount
	// messages. A batch that grew since it was read is kept and reports false.
	DeleteBatch(ctx context.Context, id string, messageCount int) (bool, error)
	// DeleteConversation removes every batch the recipient has for a conversation.
	DeleteConversation(ctx context.Context, recipientID, conversationID string) (int64, error)
}

type UsageStore interface {
	GetUsage(ctx context.Context, subject, day string) (count int64, ok bool, err error)
	// InsertUsage creates a zero row. It returns ErrConflict if the row already exists.
	InsertUsage(ctx context.Context, subject, day string, at time.Time) error
	// IncrementUsage adds one and returns the new value, or ErrNotFound.
	IncrementUsage(ctx context.Context, subject, day string, at time.Time) (int64, error)
}

// Store is the persistence API used by the pipeline.
type Store interface {
	PresenceStore
	BatchStore
	UsageStore
	Close() error
}
