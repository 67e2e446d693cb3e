package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"ytdlapi/config"
	"ytdlapi/sandbox"
)

// Extractor is the external capability that fetches media for a task into its
// output directory and returns the metadata it produced.
type Extractor interface {
	Extract(ctx context.Context, t *Task) (json.RawMessage, error)
}

// Uploader mirrors a produced file to remote storage and returns its key.
type Uploader interface {
	Upload(ctx context.Context, localPath, taskID string) (string, error)
}

// Manager is the orchestration façade: it turns submissions into persisted
// pending tasks, hands them to the worker pool, and answers status queries.
type Manager struct {
	cfg       *config.Config
	store     *Store
	pool      *Pool
	extractor Extractor
	uploader  Uploader // nil when mirroring is not configured
}

func NewManager(cfg *config.Config, store *Store, extractor Extractor, uploader Uploader) *Manager {
	m := &Manager{
		cfg:       cfg,
		store:     store,
		extractor: extractor,
		uploader:  uploader,
	}
	m.pool = NewPool(cfg.MaxConcurrency, cfg.QueueSize, m.failPanicked)
	return m
}

// Store exposes the underlying task store for read-side collaborators.
func (m *Manager) Store() *Store {
	return m.store
}

// Start reconciles orphaned records and launches the worker pool.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.ReconcileOnStart {
		n, err := m.store.FailOrphaned(ctx, "orphaned by restart")
		if err != nil {
			return fmt.Errorf("reconcile orphaned tasks: %w", err)
		}
		if n > 0 {
			slog.Warn("failed orphaned pending tasks from previous run", "count", n)
		}
	}
	m.pool.Start(ctx)
	return nil
}

// Shutdown stops accepting submissions and waits for dispatched jobs to
// finish, up to ctx's deadline. Jobs still queued are abandoned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.pool.Close()
	return m.pool.Wait(ctx)
}

// Submit validates the request, persists a pending task, and enqueues its
// job. It returns the task id immediately; extraction runs asynchronously.
// Identical submissions are not deduplicated: each call creates an
// independent task with its own id and output directory.
func (m *Manager) Submit(ctx context.Context, jobType JobType, url, label string, settings Settings) (string, error) {
	if err := settings.Validate(jobType); err != nil {
		return "", fmt.Errorf("validate settings: %w", err)
	}

	base, err := sandbox.Resolve(m.cfg.OutputRoot, label)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	taskDir := filepath.Join(base, id)
	_, statErr := os.Stat(base)
	baseExisted := statErr == nil
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return "", fmt.Errorf("create task directory: %w", err)
	}

	t := &Task{
		ID:             id,
		JobType:        jobType,
		URL:            url,
		SettingsKey:    settings.Key(),
		Settings:       settings,
		Status:         StatusPending,
		BaseOutputPath: base,
		TaskOutputPath: taskDir,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.Create(ctx, t); err != nil {
		// Roll back what this submission created, including a label
		// directory that did not exist before.
		_ = os.Remove(taskDir)
		if !baseExisted {
			_ = os.Remove(base)
		}
		return "", err
	}

	job := Job{TaskID: id, Run: func() { m.process(t) }}
	if err := m.pool.Submit(job); err != nil {
		// The record exists but no worker will ever own it; close it out so
		// the task does not look pending forever.
		_ = m.store.UpdateTerminal(context.Background(), id, StatusFailed, nil, "not queued: "+err.Error())
		return "", err
	}

	slog.Info("task submitted", "task_id", id, "job_type", jobType, "url", url, "base", base)
	return id, nil
}

// Get returns a single task by id.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	return m.store.Get(ctx, id)
}

// List returns all tasks in insertion order.
func (m *Manager) List(ctx context.Context) ([]*Task, error) {
	return m.store.List(ctx)
}

// process runs on a pool worker. The extraction context deliberately does not
// descend from the pool's run context: a dispatched job runs to completion
// even while the process is shutting down, bounded only by the configured
// wall-clock timeout.
func (m *Manager) process(t *Task) {
	start := time.Now()
	slog.Info("task processing", "task_id", t.ID, "job_type", t.JobType)

	ctx := context.Background()
	if m.cfg.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ExtractTimeout)
		defer cancel()
	}

	result, err := m.extractor.Extract(ctx, t)
	if err != nil {
		slog.Error("task failed", "task_id", t.ID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		if updErr := m.store.UpdateTerminal(context.Background(), t.ID, StatusFailed, nil, err.Error()); updErr != nil {
			slog.Error("record task failure", "task_id", t.ID, "error", updErr)
		}
		return
	}

	if m.uploader != nil {
		result = m.mirror(t, result)
	}

	// Files are on disk before this point, so a client observing completed
	// can never see a partial download.
	if err := m.store.UpdateTerminal(context.Background(), t.ID, StatusCompleted, result, ""); err != nil {
		slog.Error("record task completion", "task_id", t.ID, "error", err)
		return
	}
	slog.Info("task completed", "task_id", t.ID, "elapsed_ms", time.Since(start).Milliseconds())
}

func (m *Manager) failPanicked(taskID string, cause any) {
	msg := fmt.Sprintf("job panicked: %v", cause)
	if err := m.store.UpdateTerminal(context.Background(), taskID, StatusFailed, nil, msg); err != nil {
		slog.Error("record panicked task", "task_id", taskID, "error", err)
	}
}

// mirror uploads every produced file to remote storage and records the keys
// in the result. Mirroring is best-effort: an upload failure is logged and
// the task still completes with whatever keys made it.
func (m *Manager) mirror(t *Task, result json.RawMessage) json.RawMessage {
	entries, err := os.ReadDir(t.TaskOutputPath)
	if err != nil {
		slog.Error("mirror: read task directory", "task_id", t.ID, "error", err)
		return result
	}

	var keys []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		key, err := m.uploader.Upload(context.Background(), filepath.Join(t.TaskOutputPath, entry.Name()), t.ID)
		if err != nil {
			slog.Error("mirror: upload", "task_id", t.ID, "file", entry.Name(), "error", err)
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return result
	}

	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	var payload map[string]any
	if err := json.Unmarshal(result, &payload); err != nil || payload == nil {
		payload = map[string]any{"info": result}
	}
	payload["s3_keys"] = keys
	merged, err := json.Marshal(payload)
	if err != nil {
		slog.Error("mirror: merge result", "task_id", t.ID, "error", err)
		return result
	}
	return merged
}
