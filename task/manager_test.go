package task

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdlapi/config"
	"ytdlapi/sandbox"
)

// fakeExtractor stands in for the yt-dlp runner. It can write files into the
// task directory before reporting success, the way the real tool does.
type fakeExtractor struct {
	extractFunc func(ctx context.Context, t *Task) (json.RawMessage, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, t *Task) (json.RawMessage, error) {
	if f.extractFunc != nil {
		return f.extractFunc(ctx, t)
	}
	return json.RawMessage(`{"title":"fake"}`), nil
}

func testManager(t *testing.T, extractor Extractor) (*Manager, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		OutputRoot:     t.TempDir(),
		MaxConcurrency: 2,
		QueueSize:      10,
	}
	store, err := OpenStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewManager(cfg, store, extractor, nil), cfg
}

func videoSettings(format string) Settings {
	return Settings{Video: &VideoSettings{Format: format}}
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) *Task {
	t.Helper()
	var got *Task
	require.Eventually(t, func() bool {
		task, err := m.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func TestManagerSubmitLifecycle(t *testing.T) {
	extractor := &fakeExtractor{
		extractFunc: func(ctx context.Context, task *Task) (json.RawMessage, error) {
			// Write the file before reporting success, like the real tool.
			path := filepath.Join(task.TaskOutputPath, "clip.mp4")
			if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
				return nil, err
			}
			time.Sleep(20 * time.Millisecond)
			return json.RawMessage(`{"title":"clip"}`), nil
		},
	}
	m, cfg := testManager(t, extractor)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	id, err := m.Submit(ctx, JobTypeVideo, "https://example.test/x", "default", videoSettings("best"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Pending is observable immediately, before extraction finishes.
	pending, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)
	assert.Equal(t, filepath.Join(cfg.OutputRoot, "default", id), pending.TaskOutputPath)
	assert.DirExists(t, pending.TaskOutputPath)

	completed := waitForStatus(t, m, id, StatusCompleted)
	assert.JSONEq(t, `{"title":"clip"}`, string(completed.Result))
	assert.FileExists(t, filepath.Join(completed.TaskOutputPath, "clip.mp4"))
}

func TestManagerExtractionFailure(t *testing.T) {
	extractor := &fakeExtractor{
		extractFunc: func(ctx context.Context, task *Task) (json.RawMessage, error) {
			return nil, errors.New("extractor: video unavailable")
		},
	}
	m, _ := testManager(t, extractor)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	id, err := m.Submit(ctx, JobTypeVideo, "https://example.test/x", "default", videoSettings("best"))
	require.NoError(t, err)

	failed := waitForStatus(t, m, id, StatusFailed)
	assert.Equal(t, "extractor: video unavailable", failed.Error)
	assert.Nil(t, failed.Result)
}

func TestManagerRejectsTraversalLabel(t *testing.T) {
	m, cfg := testManager(t, &fakeExtractor{})
	ctx := context.Background()

	_, err := m.Submit(ctx, JobTypeVideo, "https://example.test/x", "../etc", videoSettings("best"))
	assert.ErrorIs(t, err, sandbox.ErrInvalidLabel)

	// No record, no directory.
	tasks, listErr := m.List(ctx)
	require.NoError(t, listErr)
	assert.Empty(t, tasks)
	entries, globErr := filepath.Glob(filepath.Join(cfg.OutputRoot, "*"))
	require.NoError(t, globErr)
	assert.Empty(t, entries)
}

func TestManagerRejectsMismatchedSettings(t *testing.T) {
	m, _ := testManager(t, &fakeExtractor{})
	_, err := m.Submit(context.Background(), JobTypeAudio, "https://example.test/x", "default", videoSettings("best"))
	assert.Error(t, err)
}

func TestManagerNoDeduplication(t *testing.T) {
	m, _ := testManager(t, &fakeExtractor{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	first, err := m.Submit(ctx, JobTypeVideo, "https://example.test/x", "default", videoSettings("best"))
	require.NoError(t, err)
	second, err := m.Submit(ctx, JobTypeVideo, "https://example.test/x", "default", videoSettings("best"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	a, err := m.Get(ctx, first)
	require.NoError(t, err)
	b, err := m.Get(ctx, second)
	require.NoError(t, err)
	assert.NotEqual(t, a.TaskOutputPath, b.TaskOutputPath)
}

func TestManagerPanickingExtractor(t *testing.T) {
	extractor := &fakeExtractor{
		extractFunc: func(ctx context.Context, task *Task) (json.RawMessage, error) {
			panic("extractor exploded")
		},
	}
	m, _ := testManager(t, extractor)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	id, err := m.Submit(ctx, JobTypeVideo, "https://example.test/x", "default", videoSettings("best"))
	require.NoError(t, err)

	failed := waitForStatus(t, m, id, StatusFailed)
	assert.Contains(t, failed.Error, "panicked")
}

func TestManagerReconcileOnStart(t *testing.T) {
	cfg := &config.Config{
		OutputRoot:       t.TempDir(),
		MaxConcurrency:   1,
		QueueSize:        10,
		ReconcileOnStart: true,
	}
	store, err := OpenStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	defer store.Close()

	// A pending record left behind by a previous process.
	orphan := sampleTask("orphan")
	require.NoError(t, store.Create(context.Background(), orphan))

	m := NewManager(cfg, store, &fakeExtractor{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	got, err := m.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "orphaned by restart", got.Error)
}

func TestManagerSubmitRollsBackDirectories(t *testing.T) {
	m, cfg := testManager(t, &fakeExtractor{})
	ctx := context.Background()

	// A label directory that predates the submission must survive rollback.
	kept := filepath.Join(cfg.OutputRoot, "kept")
	require.NoError(t, os.MkdirAll(kept, 0o755))

	// Closing the store makes Create fail after the directories exist.
	require.NoError(t, m.Store().Close())

	_, err := m.Submit(ctx, JobTypeVideo, "https://example.test/x", "fresh", videoSettings("best"))
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(cfg.OutputRoot, "fresh"))

	_, err = m.Submit(ctx, JobTypeVideo, "https://example.test/x", "kept", videoSettings("best"))
	require.Error(t, err)
	assert.DirExists(t, kept)
}

func TestManagerSubmitAfterShutdown(t *testing.T) {
	m, _ := testManager(t, &fakeExtractor{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	_, err := m.Submit(context.Background(), JobTypeVideo, "https://example.test/x", "default", videoSettings("best"))
	assert.ErrorIs(t, err, ErrQueueClosed)
}
