package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store backed by SQLite. Session payloads are
// stored as JSON columns; the per-id mutation lock stays in-process
// since the daemon is the sole writer.
type SQLiteStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	locks *lockTable
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string, ttl time.Duration, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		locks:  newLockTable(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		context_json TEXT NOT NULL,
		history_json TEXT NOT NULL,
		template_json TEXT,
		stats_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// DB exposes the handle so sibling components (feedback persistence)
// can share the same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// GetOrCreate implements Store.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess != nil && !s.expired(sess) {
		return sess, nil
	}

	now := s.now()
	fresh := &Session{
		ID:        id,
		Phase:     PhaseInitial,
		Context:   make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh.Clone(), nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil || s.expired(sess) {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	stored := sess.Clone()
	stored.UpdatedAt = s.now()
	return s.write(ctx, stored)
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context, id string) (*Session, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil || s.expired(sess) {
		return nil, ErrNotFound
	}

	fresh := &Session{
		ID:        sess.ID,
		Phase:     PhaseInitial,
		Context:   make(map[string]string),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: s.now(),
	}
	if err := s.write(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh.Clone(), nil
}

// Lock implements Store.
func (s *SQLiteStore) Lock(id string) {
	s.locks.lock(id)
}

// Unlock implements Store.
func (s *SQLiteStore) Unlock(id string) {
	s.locks.unlock(id)
}

// Len implements Store.
func (s *SQLiteStore) Len() int {
	cutoff := int64(0)
	if s.ttl > 0 {
		cutoff = s.now().Add(-s.ttl).Unix()
	}
	var n int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE updated_at > ?`, cutoff)
	if err := row.Scan(&n); err != nil {
		return 0
	}
	return n
}

// Sweep deletes expired session rows and returns how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.ttl).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Start runs the TTL sweep loop until ctx is cancelled.
func (s *SQLiteStore) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Sweep(ctx)
				if err != nil {
					s.logger.Warn("session sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("session sweep evicted expired sessions", zap.Int("count", n))
				}
			}
		}
	}()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) get(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, phase, context_json, history_json, template_json, stats_json, created_at, updated_at
		FROM sessions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var (
		sess                     Session
		phase                    string
		ctxJSON, histJSON, stats string
		tplJSON                  sql.NullString
		createdAt, updatedAt     int64
	)
	err := row.Scan(&sess.ID, &phase, &ctxJSON, &histJSON, &tplJSON, &stats, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Phase = Phase(phase)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	if err := json.Unmarshal([]byte(ctxJSON), &sess.Context); err != nil {
		return nil, fmt.Errorf("decode session context: %w", err)
	}
	if err := json.Unmarshal([]byte(histJSON), &sess.History); err != nil {
		return nil, fmt.Errorf("decode session history: %w", err)
	}
	if tplJSON.Valid && tplJSON.String != "" {
		var tpl TemplateRef
		if err := json.Unmarshal([]byte(tplJSON.String), &tpl); err != nil {
			return nil, fmt.Errorf("decode selected template: %w", err)
		}
		sess.SelectedTemplate = &tpl
	}
	if err := json.Unmarshal([]byte(stats), &sess.Stats); err != nil {
		return nil, fmt.Errorf("decode session stats: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) write(ctx context.Context, sess *Session) error {
	ctxJSON, err := json.Marshal(sess.Context)
	if err != nil {
		return fmt.Errorf("encode session context: %w", err)
	}
	histJSON, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("encode session history: %w", err)
	}
	statsJSON, err := json.Marshal(sess.Stats)
	if err != nil {
		return fmt.Errorf("encode session stats: %w", err)
	}
	var tplJSON any
	if sess.SelectedTemplate != nil {
		b, err := json.Marshal(sess.SelectedTemplate)
		if err != nil {
			return fmt.Errorf("encode selected template: %w", err)
		}
		tplJSON = string(b)
	}

	query := `
		INSERT INTO sessions (id, phase, context_json, history_json, template_json, stats_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			context_json = excluded.context_json,
			history_json = excluded.history_json,
			template_json = excluded.template_json,
			stats_json = excluded.stats_json,
			updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, string(sess.Phase), string(ctxJSON), string(histJSON), tplJSON, string(statsJSON),
		sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) expired(sess *Session) bool {
	if s.ttl <= 0 {
		return false
	}
	return s.now().Sub(sess.UpdatedAt) > s.ttl
}
