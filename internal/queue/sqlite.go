package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/miles/internal/domain"
	"github.com/ashureev/miles/internal/shared"
)

const (
	sqliteMaxRetries = 3
	sqliteBaseDelay  = 100 * time.Millisecond
	claimPollEvery   = 200 * time.Millisecond
)

// SQLiteQueue implements Queue on a single SQLite table. It suits local runs
// where the API and the workers share a filesystem.
type SQLiteQueue struct {
	db     *sql.DB
	logger *slog.Logger
	// claimMu serializes claims to keep SQLITE_BUSY rare.
	claimMu sync.Mutex
}

// NewSQLite opens (or creates) the queue database at dbPath.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the API read task status while a worker writes.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	q := &SQLiteQueue{db: db, logger: logger}
	if err := q.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		worker_name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		artifacts_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(status, created_at);
	`
	if _, err := q.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (q *SQLiteQueue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Close closes the database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// Submit inserts a PENDING task.
func (q *SQLiteQueue) Submit(ctx context.Context, workerName, prompt string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UnixNano()
	err := q.withRetry(ctx, "submit", func() error {
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO tasks (task_id, worker_name, prompt, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			id, workerName, prompt, string(domain.StatusPending), now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// Get returns the task, or a PENDING placeholder for unknown IDs.
func (q *SQLiteQueue) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT task_id, worker_name, prompt, status, result, artifacts_json, created_at, updated_at
		FROM tasks WHERE task_id = ?`, id)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pendingRecord(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

// Claim polls for the oldest PENDING task until wait elapses.
func (q *SQLiteQueue) Claim(ctx context.Context, wait time.Duration) (*domain.TaskRecord, error) {
	deadline := time.Now().Add(wait)
	for {
		rec, err := q.claimOnce(ctx)
		if err != nil || rec != nil {
			return rec, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(min(claimPollEvery, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (q *SQLiteQueue) claimOnce(ctx context.Context) (*domain.TaskRecord, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	var rec *domain.TaskRecord
	err := q.withRetry(ctx, "claim", func() error {
		row := q.db.QueryRowContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE task_id = (
				SELECT task_id FROM tasks WHERE status = ? ORDER BY created_at, rowid LIMIT 1
			)
			RETURNING task_id, worker_name, prompt, status, result, artifacts_json, created_at, updated_at`,
			string(domain.StatusStarted), time.Now().UnixNano(), string(domain.StatusPending))
		r, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			rec = nil
			return nil
		}
		rec = r
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return rec, nil
}

// MarkStarted sets the task to STARTED. Claim already does this; the call
// keeps the worker code backend-agnostic.
func (q *SQLiteQueue) MarkStarted(ctx context.Context, id string) error {
	return q.update(ctx, "mark started", id,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`,
		string(domain.StatusStarted), time.Now().UnixNano(), id)
}

// Complete records the terminal outcome.
func (q *SQLiteQueue) Complete(ctx context.Context, id string, out Outcome) error {
	artifacts := out.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	return q.update(ctx, "complete", id,
		`UPDATE tasks SET status = ?, result = ?, artifacts_json = ?, updated_at = ? WHERE task_id = ?`,
		string(out.Status), out.Result, string(artifactsJSON), time.Now().UnixNano(), id)
}

func (q *SQLiteQueue) update(ctx context.Context, op, id, query string, args ...any) error {
	var rows int64
	err := q.withRetry(ctx, op, func() error {
		result, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		q.logger.Warn("task update affected 0 rows", "op", op, "task_id", id)
	}
	return nil
}

// withRetry retries fn on SQLite lock conflicts with exponential backoff:
// 100ms, 200ms.
func (q *SQLiteQueue) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < sqliteMaxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == sqliteMaxRetries-1 {
			return err
		}
		delay := sqliteBaseDelay * time.Duration(1<<i)
		q.logger.Debug("sqlite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.TaskRecord, error) {
	var (
		rec                  domain.TaskRecord
		status, artifactsRaw string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.WorkerName, &rec.Prompt, &status, &rec.Result, &artifactsRaw, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Status = domain.TaskStatus(status)
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	if artifactsRaw != "" {
		if err := json.Unmarshal([]byte(artifactsRaw), &rec.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	if len(rec.Artifacts) == 0 {
		rec.Artifacts = nil
	}
	return &rec, nil
}
