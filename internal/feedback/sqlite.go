package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteBackend persists requests in the same database as the sqlite
// session store, so a restart does not lose pending approvals.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates the feedback table on db if needed.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS feedback_requests (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		step_name    TEXT NOT NULL,
		category     TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		status       TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		deadline     INTEGER NOT NULL,
		resolved_at  INTEGER NOT NULL DEFAULT 0,
		resolver     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_session ON feedback_requests(session_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_deadline ON feedback_requests(status, deadline);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create feedback schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Save(ctx context.Context, req *Request) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var resolvedAt int64
	if !req.ResolvedAt.IsZero() {
		resolvedAt = req.ResolvedAt.UnixNano()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feedback_requests
			(id, session_id, step_name, category, payload_json, status, created_at, deadline, resolved_at, resolver)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			resolved_at = excluded.resolved_at,
			resolver = excluded.resolver`,
		req.ID, req.SessionID, req.StepName, req.Category, string(payload),
		string(req.Status), req.CreatedAt.UnixNano(), req.Deadline.UnixNano(),
		resolvedAt, req.Resolver)
	if err != nil {
		return fmt.Errorf("save feedback request: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, step_name, category, payload_json, status, created_at, deadline, resolved_at, resolver
		FROM feedback_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

func (s *SQLiteBackend) Expired(ctx context.Context, now time.Time) ([]*Request, error) {
	return s.query(ctx, `
		SELECT id, session_id, step_name, category, payload_json, status, created_at, deadline, resolved_at, resolver
		FROM feedback_requests
		WHERE status = ? AND deadline <= ?
		ORDER BY deadline`, string(StatusPending), now.UnixNano())
}

func (s *SQLiteBackend) Pending(ctx context.Context, sessionID string) ([]*Request, error) {
	q := `
		SELECT id, session_id, step_name, category, payload_json, status, created_at, deadline, resolved_at, resolver
		FROM feedback_requests
		WHERE status = ?`
	args := []any{string(StatusPending)}
	if sessionID != "" {
		q += " AND session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY created_at DESC"
	return s.query(ctx, q, args...)
}

func (s *SQLiteBackend) query(ctx context.Context, q string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query feedback requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req        Request
		payload    string
		status     string
		createdAt  int64
		deadline   int64
		resolvedAt int64
	)
	err := row.Scan(&req.ID, &req.SessionID, &req.StepName, &req.Category,
		&payload, &status, &createdAt, &deadline, &resolvedAt, &req.Resolver)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	req.Status = Status(status)
	req.CreatedAt = time.Unix(0, createdAt)
	req.Deadline = time.Unix(0, deadline)
	if resolvedAt != 0 {
		req.ResolvedAt = time.Unix(0, resolvedAt)
	}
	return &req, nil
}
