package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process fallback backend. Same interface as the
// Postgres store; data is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	maxMessages int
	sessions    map[string]*Session
	messages    map[string][]Message
	contexts    map[string]map[string]interface{}
	workflows   map[string]map[string]*Workflow
}

// NewMemoryStore creates a MemoryStore capping each session's message
// list at maxMessages (0 means the default of 100).
func NewMemoryStore(maxMessages int) *MemoryStore {
	if maxMessages <= 0 {
		maxMessages = 100
	}
	return &MemoryStore{
		maxMessages: maxMessages,
		sessions:    make(map[string]*Session),
		messages:    make(map[string][]Message),
		contexts:    make(map[string]map[string]interface{}),
		workflows:   make(map[string]map[string]*Workflow),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		return sessionID, nil
	}

	now := time.Now().UTC()
	s.sessions[sessionID] = &Session{
		ID:        sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusActive,
	}
	s.messages[sessionID] = nil
	s.contexts[sessionID] = make(map[string]interface{})
	s.workflows[sessionID] = make(map[string]*Workflow)
	return sessionID, nil
}

func (s *MemoryStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, sessionID string, updates map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if v, ok := updates["active_workflow"]; ok {
		sess.ActiveWorkflowID = v
	}
	if v, ok := updates["status"]; ok {
		sess.Status = v
	}
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	delete(s.contexts, sessionID)
	delete(s.workflows, sessionID)
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, sessionID, role, content string, metadata map[string]interface{}) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	msgs := append(s.messages[sessionID], msg)
	if len(msgs) > s.maxMessages {
		msgs = msgs[len(msgs)-s.maxMessages:]
	}
	s.messages[sessionID] = msgs

	sess.MessageCount = len(msgs)
	sess.UpdatedAt = msg.Timestamp
	return &msg, nil
}

func (s *MemoryStore) RecentContext(ctx context.Context, sessionID string, n int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	if n > len(msgs) {
		n = len(msgs)
	}
	out := make([]Message, n)
	copy(out, msgs[len(msgs)-n:])
	return out, nil
}

func (s *MemoryStore) AllMessages(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) SetContext(ctx context.Context, sessionID, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.contexts[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	m[key] = value
	return nil
}

func (s *MemoryStore) GetContext(ctx context.Context, sessionID, key string) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.contexts[sessionID]
	if !ok {
		return nil, nil
	}
	return m[key], nil
}

func (s *MemoryStore) SaveWorkflow(ctx context.Context, sessionID string, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.workflows[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	cp := *wf
	m[wf.ID] = &cp
	if sess, ok := s.sessions[sessionID]; ok {
		sess.ActiveWorkflowID = wf.ID
		sess.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, sessionID, workflowID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.workflows[sessionID]; ok {
		if wf, ok := m[workflowID]; ok {
			cp := *wf
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (s *MemoryStore) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.sessions, id)
		delete(s.messages, id)
		delete(s.contexts, id)
		delete(s.workflows, id)
	}
	return len(expired), nil
}

func (s *MemoryStore) Close() error { return nil }
