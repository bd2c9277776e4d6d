// Package store defines the session store: durable per-conversation
// history with a tiered backend (Postgres primary, in-memory fallback).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable signals that an append could not be persisted
// after bounded retries. The caller must treat the message as
// unrecorded and may re-send.
var ErrStorageUnavailable = errors.New("session storage unavailable")

// ErrSessionNotFound is returned by reads on a missing or expired session.
var ErrSessionNotFound = errors.New("session not found")

// Session statuses.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Session is per-conversation metadata.
type Session struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	MessageCount     int       `json:"message_count"`
	ActiveWorkflowID string    `json:"active_workflow,omitempty"`
	Status           string    `json:"status"`
}

// Message is one immutable conversation record.
type Message struct {
	ID        string                 `json:"id"`
	Role      string                 `json:"role"` // "system", "user", "assistant"
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Workflow is the transient per-session workflow record.
type Workflow struct {
	ID            string                 `json:"workflow_id"`
	Kind          string                 `json:"kind"` // "ralph", "research_verify_synthesize", "single_agent"
	Status        string                 `json:"status"`
	Steps         []string               `json:"steps,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at,omitempty"`
	ResultsByStep map[string]interface{} `json:"results_by_step,omitempty"`
}

// SessionStore manages sessions, messages, per-session context, and
// workflow records. Appends within one session are serialized; readers
// must tolerate a session disappearing between calls (TTL expiry is
// authoritative).
type SessionStore interface {
	// CreateSession creates a session, generating an id when empty.
	// Idempotent: creating an existing id is a no-op.
	CreateSession(ctx context.Context, sessionID string) (string, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	UpdateSession(ctx context.Context, sessionID string, updates map[string]string) error
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendMessage atomically appends, bumps message_count and
	// updated_at, and evicts the oldest message over the cap.
	AppendMessage(ctx context.Context, sessionID, role, content string, metadata map[string]interface{}) (*Message, error)
	// RecentContext returns the last n messages in chronological order.
	RecentContext(ctx context.Context, sessionID string, n int) ([]Message, error)
	AllMessages(ctx context.Context, sessionID string) ([]Message, error)

	SetContext(ctx context.Context, sessionID, key string, value interface{}) error
	// GetContext returns the value for key, or nil when absent.
	GetContext(ctx context.Context, sessionID, key string) (interface{}, error)

	SaveWorkflow(ctx context.Context, sessionID string, wf *Workflow) error
	GetWorkflow(ctx context.Context, sessionID, workflowID string) (*Workflow, error)

	// Sweep deletes sessions idle longer than ttl, returning how many.
	Sweep(ctx context.Context, ttl time.Duration) (int, error)

	Close() error
}
