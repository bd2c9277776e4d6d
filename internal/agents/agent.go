// Package agents implements the agent manager: a registry of LLM-backed
// worker agents with role templates, task execution with learning
// injection, parallel fan-out, and an inter-agent message router.
package agents

import (
	"time"
)

// Agent lifecycle statuses.
const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusWaiting    = "waiting"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTerminated = "terminated"
)

// Agent roles.
const (
	RoleResearch  = "research"
	RoleVerify    = "verify"
	RoleCode      = "code"
	RoleSynthesis = "synthesis"
	RoleReview    = "review"
)

// Message is one inter-agent message.
type Message struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"message"`
	Kind      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the loosely-shaped outcome of one task execution. Known
// keys: "output", "error", "raw_response", "model", "finish_reason".
type Result map[string]interface{}

// Err returns the result's error string, empty on success.
func (r Result) Err() string {
	if s, ok := r["error"].(string); ok {
		return s
	}
	return ""
}

// Output returns the result's primary text output.
func (r Result) Output() string {
	if s, ok := r["output"].(string); ok {
		return s
	}
	return ""
}

// TaskRecord is one completed task in an agent's history.
type TaskRecord struct {
	Task        string    `json:"task"`
	Success     bool      `json:"success"`
	Result      Result    `json:"result"`
	CompletedAt time.Time `json:"completed_at"`
}

// Agent is one managed worker. Fields are guarded by the manager's
// lock; snapshots for serialization go through Info().
type Agent struct {
	ID           string
	Name         string
	Role         string
	SystemPrompt string
	Model        string
	Capabilities []string
	ParentID     string

	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CurrentTask string
	TaskHistory []TaskRecord

	inbox  chan Message
	outbox chan Message

	// cancel aborts the in-flight task on termination.
	cancel func()
}

// Info is the wire-safe snapshot of an agent.
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Status       string   `json:"status"`
	Model        string   `json:"model"`
	Capabilities []string `json:"capabilities"`
	ParentID     string   `json:"parent_id,omitempty"`
	CurrentTask  string   `json:"current_task,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	TaskAttempts int      `json:"task_attempts"`
}

func (a *Agent) info() Info {
	return Info{
		ID:           a.ID,
		Name:         a.Name,
		Role:         a.Role,
		Status:       a.Status,
		Model:        a.Model,
		Capabilities: a.Capabilities,
		ParentID:     a.ParentID,
		CurrentTask:  a.CurrentTask,
		CreatedAt:    a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    a.UpdatedAt.Format(time.RFC3339),
		TaskAttempts: len(a.TaskHistory),
	}
}

// Receive takes the next inbox message, blocking up to timeout.
// A zero timeout blocks until a message or manager shutdown.
func (a *Agent) Receive(timeout time.Duration) (Message, bool) {
	if timeout <= 0 {
		msg, ok := <-a.inbox
		return msg, ok
	}
	select {
	case msg, ok := <-a.inbox:
		return msg, ok
	case <-time.After(timeout):
		return Message{}, false
	}
}
