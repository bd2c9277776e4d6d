package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nextlevelbuilder/conductor/internal/store"
)

// writeAttempts bounds retries on transient write failures before the
// operation is reported as store.ErrStorageUnavailable.
const writeAttempts = 3

// Store implements store.SessionStore backed by Postgres.
type Store struct {
	db          *sql.DB
	maxMessages int
}

// Open connects to Postgres and returns a Store capping each session's
// message list at maxMessages (0 means the default of 100).
func Open(ctx context.Context, dsn string, maxMessages int) (*Store, error) {
	db, err := OpenDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if maxMessages <= 0 {
		maxMessages = 100
	}
	return &Store{db: db, maxMessages: maxMessages}, nil
}

// NewStore wraps an existing pool, for tests and the migrate command.
func NewStore(db *sql.DB, maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = 100
	}
	return &Store{db: db, maxMessages: maxMessages}
}

// newRowID mints a time-ordered UUID so freshly inserted rows index
// near the end of the btree.
func newRowID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (s *Store) CreateSession(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = newRowID()
	}

	now := time.Now().UTC()
	err := s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, created_at, updated_at, status)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
			sessionID, now, now, store.StatusActive,
		)
		return err
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)", sessionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("session exists: %w", err)
	}
	return exists, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	var sess store.Session
	var activeWorkflow sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at, message_count, active_workflow, status
		 FROM sessions WHERE id = $1`, sessionID,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt, &sess.MessageCount, &activeWorkflow, &sess.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.ActiveWorkflowID = activeWorkflow.String
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, updates map[string]string) error {
	now := time.Now().UTC()
	return s.retryWrite(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET
				active_workflow = COALESCE($2, active_workflow),
				status = COALESCE($3, status),
				updated_at = $4
			 WHERE id = $1`,
			sessionID, nilStr(updates["active_workflow"]), nilStr(updates["status"]), now,
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return store.ErrSessionNotFound
		}
		return nil
	})
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.retryWrite(ctx, func() error {
		// Child rows cascade via FK.
		_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1", sessionID)
		return err
	})
}

func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string, metadata map[string]interface{}) (*store.Message, error) {
	msg := store.Message{
		ID:        newRowID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	var metaJSON []byte
	if metadata != nil {
		metaJSON, _ = json.Marshal(metadata)
	}

	err := s.retryWrite(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var exists bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1 FOR UPDATE)", sessionID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrSessionNotFound
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (id, session_id, role, content, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, sessionID, role, content, metaJSON, msg.Timestamp,
		); err != nil {
			return err
		}

		// Evict everything older than the newest maxMessages rows.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM session_messages WHERE session_id = $1 AND id NOT IN (
				SELECT id FROM session_messages WHERE session_id = $1
				ORDER BY created_at DESC, id DESC LIMIT $2
			)`, sessionID, s.maxMessages,
		); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET
				message_count = (SELECT COUNT(*) FROM session_messages WHERE session_id = $1),
				updated_at = $2
			 WHERE id = $1`, sessionID, msg.Timestamp,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) RecentContext(ctx context.Context, sessionID string, n int) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, metadata, created_at FROM (
			SELECT id, role, content, metadata, created_at FROM session_messages
			WHERE session_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
		 ) latest ORDER BY created_at ASC, id ASC`, sessionID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent context: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) AllMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, metadata, created_at FROM session_messages
		 WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("all messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) SetContext(ctx context.Context, sessionID, key string, value interface{}) error {
	valJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode context value: %w", err)
	}
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO session_context (session_id, key, value, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, key) DO UPDATE SET value = $3, updated_at = $4`,
			sessionID, key, valJSON, time.Now().UTC(),
		)
		if isFKViolation(err) {
			return store.ErrSessionNotFound
		}
		return err
	})
}

func (s *Store) GetContext(ctx context.Context, sessionID, key string) (interface{}, error) {
	var valJSON []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM session_context WHERE session_id = $1 AND key = $2",
		sessionID, key,
	).Scan(&valJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	var value interface{}
	if err := json.Unmarshal(valJSON, &value); err != nil {
		return nil, fmt.Errorf("decode context value: %w", err)
	}
	return value, nil
}

func (s *Store) SaveWorkflow(ctx context.Context, sessionID string, wf *store.Workflow) error {
	wfJSON, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	now := time.Now().UTC()
	return s.retryWrite(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_workflows (session_id, workflow_id, data, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, workflow_id) DO UPDATE SET data = $3, updated_at = $4`,
			sessionID, wf.ID, wfJSON, now,
		); err != nil {
			if isFKViolation(err) {
				return store.ErrSessionNotFound
			}
			return err
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE sessions SET active_workflow = $2, updated_at = $3 WHERE id = $1",
			sessionID, wf.ID, now,
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return store.ErrSessionNotFound
		}
		return tx.Commit()
	})
}

func (s *Store) GetWorkflow(ctx context.Context, sessionID, workflowID string) (*store.Workflow, error) {
	var wfJSON []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM session_workflows WHERE session_id = $1 AND workflow_id = $2",
		sessionID, workflowID,
	).Scan(&wfJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	var wf store.Workflow
	if err := json.Unmarshal(wfJSON, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &wf, nil
}

func (s *Store) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE updated_at < $1", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Close() error { return s.db.Close() }

// retryWrite runs op up to writeAttempts times, backing off briefly
// between tries. Exhausted retries surface as ErrStorageUnavailable
// wrapping the last error; logical errors are never retried.
func (s *Store) retryWrite(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrSessionNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, lastErr)
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	var result []store.Message
	for rows.Next() {
		var msg store.Message
		var metaJSON []byte
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &metaJSON, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(metaJSON) > 0 {
			json.Unmarshal(metaJSON, &msg.Metadata)
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// isFKViolation reports whether err is a foreign key violation, which
// on child-table writes means the session row is gone.
func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
