package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/store"
)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		template TEXT NOT NULL DEFAULT '{}',
		handle TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		failure_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		health_failures INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ready_at DATETIME,
		last_healthy_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_instances_session ON instances(session_key);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		instance_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_key, seq);

	CREATE TABLE IF NOT EXISTS cleanup_tasks (
		handle TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL DEFAULT '',
		session_key TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Recorder ---

func (s *Store) RecordInstance(ctx context.Context, inst *domain.Instance) error {
	tpl, err := json.Marshal(inst.Template)
	if err != nil {
		return fmt.Errorf("encoding template: %w", err)
	}
	var readyAt, lastHealthyAt sql.NullTime
	if inst.ReadyAt != nil {
		readyAt = sql.NullTime{Time: inst.ReadyAt.UTC(), Valid: true}
	}
	if !inst.LastHealthyAt.IsZero() {
		lastHealthyAt = sql.NullTime{Time: inst.LastHealthyAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, session_key, template, handle, endpoint, state, failure_reason, failure_message,
			retry_count, health_failures, created_at, updated_at, ready_at, last_healthy_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			handle=excluded.handle, endpoint=excluded.endpoint, state=excluded.state,
			failure_reason=excluded.failure_reason, failure_message=excluded.failure_message,
			retry_count=excluded.retry_count, health_failures=excluded.health_failures,
			updated_at=excluded.updated_at, ready_at=excluded.ready_at, last_healthy_at=excluded.last_healthy_at`,
		inst.ID, inst.SessionKey, string(tpl), inst.Handle, inst.Endpoint, inst.State,
		inst.FailureReason, inst.FailureMessage, inst.RetryCount, inst.HealthFailures,
		inst.CreatedAt.UTC(), inst.UpdatedAt.UTC(), readyAt, lastHealthyAt,
	)
	return err
}

func (s *Store) RecordEvent(ctx context.Context, ev domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, instance_id, session_key, from_state, to_state, reason, message, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.InstanceID, ev.SessionKey, ev.From, ev.To, ev.Reason, ev.Message, ev.At.UTC(),
	)
	return err
}

func (s *Store) Events(ctx context.Context, sessionKey string, limit int) ([]domain.Event, error) {
	query := `SELECT id, instance_id, session_key, from_state, to_state, reason, message, at
		FROM events WHERE session_key=? ORDER BY seq ASC`
	args := []any{sessionKey}
	if limit > 0 {
		// Last N events, still in ASC order.
		query = `SELECT id, instance_id, session_key, from_state, to_state, reason, message, at FROM (
			SELECT id, instance_id, session_key, from_state, to_state, reason, message, at, seq
			FROM events WHERE session_key=? ORDER BY seq DESC LIMIT ?
		) sub ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.SessionKey, &e.From, &e.To, &e.Reason, &e.Message, &e.At); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) Instances(ctx context.Context, limit int) ([]domain.Instance, error) {
	query := `SELECT id, session_key, template, handle, endpoint, state, failure_reason, failure_message,
			retry_count, health_failures, created_at, updated_at, ready_at, last_healthy_at
		FROM instances ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Instance
	for rows.Next() {
		var (
			inst                   domain.Instance
			tpl                    string
			readyAt, lastHealthyAt sql.NullTime
		)
		if err := rows.Scan(&inst.ID, &inst.SessionKey, &tpl, &inst.Handle, &inst.Endpoint, &inst.State,
			&inst.FailureReason, &inst.FailureMessage, &inst.RetryCount, &inst.HealthFailures,
			&inst.CreatedAt, &inst.UpdatedAt, &readyAt, &lastHealthyAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tpl), &inst.Template); err != nil {
			return nil, fmt.Errorf("decoding template of %s: %w", inst.ID, err)
		}
		if readyAt.Valid {
			t := readyAt.Time
			inst.ReadyAt = &t
		}
		if lastHealthyAt.Valid {
			inst.LastHealthyAt = lastHealthyAt.Time
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- CleanupQueue ---

func (s *Store) EnqueueCleanup(ctx context.Context, task store.CleanupTask) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cleanup_tasks (handle, instance_id, session_key, attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(handle) DO UPDATE SET last_error=excluded.last_error, updated_at=excluded.updated_at`,
		task.Handle, task.InstanceID, task.SessionKey, task.Attempts, task.LastError, task.CreatedAt.UTC(), now,
	)
	return err
}

func (s *Store) PendingCleanups(ctx context.Context) ([]store.CleanupTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, session_key, handle, attempts, last_error, created_at, updated_at
		 FROM cleanup_tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []store.CleanupTask
	for rows.Next() {
		var t store.CleanupTask
		if err := rows.Scan(&t.InstanceID, &t.SessionKey, &t.Handle, &t.Attempts, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) CompleteCleanup(ctx context.Context, handle string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cleanup_tasks WHERE handle=?`, handle)
	return err
}

func (s *Store) BumpCleanup(ctx context.Context, handle string, errMsg string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cleanup_tasks SET attempts=attempts+1, last_error=?, updated_at=? WHERE handle=?`,
		errMsg, time.Now().UTC(), handle,
	)
	if err != nil {
		return 0, err
	}
	var attempts int
	err = s.db.QueryRowContext(ctx, `SELECT attempts FROM cleanup_tasks WHERE handle=?`, handle).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return attempts, err
}
