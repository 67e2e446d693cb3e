package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrDuplicateID       = errors.New("task id already exists")
	ErrInvalidTransition = errors.New("task is not pending")
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    job_type TEXT NOT NULL,
    url TEXT NOT NULL,
    settings_key TEXT NOT NULL,
    settings_json TEXT NOT NULL,
    status TEXT NOT NULL,
    base_output_path TEXT NOT NULL,
    task_output_path TEXT NOT NULL,
    result_json TEXT,
    error_message TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

const taskColumns = `id, job_type, url, settings_key, settings_json, status,
    base_output_path, task_output_path, result_json, error_message, created_at`

// Store persists task records in SQLite. Every Create and UpdateTerminal is
// committed before returning, so a crash between enqueue and completion
// leaves an accurately observable pending record.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore initializes or connects to the task database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new task record.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if t == nil {
		return errors.New("task is nil")
	}
	settingsJSON, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO tasks (
            id, job_type, url, settings_key, settings_json, status,
            base_output_path, task_output_path, result_json, error_message,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		string(t.JobType),
		t.URL,
		t.SettingsKey,
		string(settingsJSON),
		string(t.Status),
		t.BaseOutputPath,
		t.TaskOutputPath,
		nullableString(string(t.Result)),
		nullableString(t.Error),
		t.CreatedAt.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get fetches a task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// List returns all tasks in insertion order, newest-last.
func (s *Store) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTerminal moves a pending task to a terminal status, recording the
// result on success or the error message on failure. The guard on the current
// status makes the transition single-shot even under concurrent callers.
func (s *Store) UpdateTerminal(ctx context.Context, id string, status Status, result json.RawMessage, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	if status == StatusCompleted && errMsg != "" {
		return errors.New("completed task cannot carry an error message")
	}
	if status == StatusFailed && len(result) > 0 {
		return errors.New("failed task cannot carry a result")
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks
         SET status = ?, result_json = ?, error_message = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(status),
		nullableString(string(result)),
		nullableString(errMsg),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish an unknown id from a task already finished.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", ErrInvalidTransition, id)
	}
	return nil
}

// FailOrphaned marks every pending task failed with the given reason. Called
// at startup, before any worker exists, to reconcile tasks whose jobs were
// lost when a previous process stopped.
func (s *Store) FailOrphaned(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, error_message = ?, updated_at = ? WHERE status = ?`,
		string(StatusFailed),
		reason,
		time.Now().UTC().Format(time.RFC3339Nano),
		string(StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned tasks: %w", err)
	}
	return res.RowsAffected()
}

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var (
		t            Task
		jobType      string
		status       string
		settingsJSON string
		resultJSON   sql.NullString
		errorMessage sql.NullString
		createdAt    string
	)
	err := row.Scan(
		&t.ID,
		&jobType,
		&t.URL,
		&t.SettingsKey,
		&settingsJSON,
		&status,
		&t.BaseOutputPath,
		&t.TaskOutputPath,
		&resultJSON,
		&errorMessage,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	t.JobType = JobType(jobType)
	t.Status = Status(status)
	if err := json.Unmarshal([]byte(settingsJSON), &t.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if resultJSON.Valid {
		t.Result = json.RawMessage(resultJSON.String)
	}
	if errorMessage.Valid {
		t.Error = errorMessage.String
	}
	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = parsed
	}
	return &t, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
