// Package artifact exposes the files a completed task produced: enumeration,
// streaming, and zip bundling, always confined to the task's own directory.
package artifact

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"ytdlapi/sandbox"
	"ytdlapi/task"
)

var (
	ErrTaskNotCompleted = errors.New("task is not completed")
	ErrFileNotFound     = errors.New("file not found for this task")
	ErrNoFiles          = errors.New("no files found to zip")
)

// FileInfo describes one regular file in a task's output directory.
type FileInfo struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

type Service struct {
	store *task.Store
}

func NewService(store *task.Store) *Service {
	return &Service{store: store}
}

// completedTask loads a task and ensures it has finished successfully.
// Reads against a directory a worker is still writing are refused until the
// terminal status is visible, so partial downloads are never served.
func (s *Service) completedTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusCompleted {
		return nil, fmt.Errorf("%w: current status %s", ErrTaskNotCompleted, t.Status)
	}
	return t, nil
}

// ListFiles enumerates the regular files directly under the task's output
// directory, newest first. Zero files is a valid result, not an error.
func (s *Service) ListFiles(ctx context.Context, taskID string) ([]FileInfo, error) {
	t, err := s.completedTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(t.TaskOutputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("task output directory missing", "task_id", t.ID, "dir", t.TaskOutputPath)
			return []FileInfo{}, nil
		}
		return nil, fmt.Errorf("read task directory: %w", err)
	}

	type fileEntry struct {
		info    FileInfo
		modTime int64
	}
	files := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{
			info:    FileInfo{Name: entry.Name(), SizeBytes: info.Size()},
			modTime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime > files[j].modTime })

	out := make([]FileInfo, len(files))
	for i, f := range files {
		out[i] = f.info
	}
	return out, nil
}

// Open returns a readable stream for one named file. The name passes the same
// traversal defense as folder labels; this is a second trust boundary and is
// validated independently.
func (s *Service) Open(ctx context.Context, taskID, name string) (*os.File, error) {
	t, err := s.completedTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := sandbox.ValidateFilename(name); err != nil {
		return nil, err
	}

	path := filepath.Join(t.TaskOutputPath, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return os.Open(path)
}

// CreateZip bundles every listed file into a temporary archive and returns
// its path together with a release function. The caller must invoke release
// on every exit path; it removes the archive whether the response succeeded,
// failed, or was abandoned mid-transfer.
func (s *Service) CreateZip(ctx context.Context, taskID string) (string, func(), error) {
	t, err := s.completedTask(ctx, taskID)
	if err != nil {
		return "", nil, err
	}
	files, err := s.ListFiles(ctx, taskID)
	if err != nil {
		return "", nil, err
	}
	if len(files) == 0 {
		return "", nil, ErrNoFiles
	}

	tmp, err := os.CreateTemp("", "ytdlapi-*.zip")
	if err != nil {
		return "", nil, fmt.Errorf("create temp archive: %w", err)
	}
	release := func() {
		if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Error("remove temp archive", "path", tmp.Name(), "error", err)
		}
	}

	if err := writeZip(tmp, t.TaskOutputPath, files); err != nil {
		_ = tmp.Close()
		release()
		return "", nil, fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		release()
		return "", nil, fmt.Errorf("close archive: %w", err)
	}

	slog.Debug("created zip archive", "task_id", t.ID, "path", tmp.Name(), "file_count", len(files))
	return tmp.Name(), release, nil
}

func writeZip(w io.Writer, dir string, files []FileInfo) error {
	zw := zip.NewWriter(w)
	for _, file := range files {
		entry, err := zw.Create(file.Name)
		if err != nil {
			return err
		}
		src, err := os.Open(filepath.Join(dir, file.Name))
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, src)
		src.Close()
		if err != nil {
			return err
		}
	}
	return zw.Close()
}
