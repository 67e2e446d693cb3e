package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"ytdlapi/config"
	"ytdlapi/task"
)

// Runner wraps the yt-dlp binary. It is the external extraction capability:
// opaque, potentially slow, potentially failing. Any error it returns becomes
// the owning task's failure message.
type Runner struct {
	cfg       *config.Config
	extraArgs []string
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	if _, err := exec.LookPath(cfg.YtDlpBin); err != nil {
		return nil, fmt.Errorf("yt-dlp binary not found or not in PATH: %s", cfg.YtDlpBin)
	}

	extraArgs, err := SplitExtraArgs(cfg.YtDlpExtraArgs)
	if err != nil {
		return nil, err
	}

	return &Runner{cfg: cfg, extraArgs: extraArgs}, nil
}

// Extract downloads the task's media into its output directory and returns
// the metadata JSON the tool printed.
func (r *Runner) Extract(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	if err := r.checkResources(); err != nil {
		return nil, fmt.Errorf("insufficient system resources: %w", err)
	}

	args, err := BuildArgs(t.JobType, t.Settings, t.TaskOutputPath)
	if err != nil {
		return nil, err
	}
	args = append(args, r.extraArgs...)
	args = append(args, t.URL)

	slog.Info("yt-dlp extract start", "task_id", t.ID, "job_type", t.JobType, "url", t.URL)
	start := time.Now()
	out, err := r.run(ctx, args)
	if err != nil {
		return nil, err
	}
	slog.Info("yt-dlp extract done", "task_id", t.ID, "elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

// Info fetches metadata for a URL without downloading anything.
func (r *Runner) Info(ctx context.Context, url string) (json.RawMessage, error) {
	args := append([]string{"--dump-single-json", "--quiet", "--no-warnings"}, r.extraArgs...)
	args = append(args, url)
	return r.run(ctx, args)
}

// Formats returns the list of available formats for a URL.
func (r *Runner) Formats(ctx context.Context, url string) (json.RawMessage, error) {
	info, err := r.Info(ctx, url)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Formats json.RawMessage `json:"formats"`
	}
	if err := json.Unmarshal(info, &payload); err != nil {
		return nil, fmt.Errorf("parse formats: %w", err)
	}
	if payload.Formats == nil {
		return json.RawMessage("[]"), nil
	}
	return payload.Formats, nil
}

func (r *Runner) run(ctx context.Context, args []string) (json.RawMessage, error) {
	cmd := exec.CommandContext(ctx, r.cfg.YtDlpBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("yt-dlp failed: %w: %s", err, tail(stderr.String(), 500))
	}

	raw := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(raw) {
		return nil, fmt.Errorf("yt-dlp produced no parseable metadata")
	}
	return json.RawMessage(raw), nil
}

// checkResources verifies that the host has enough free memory and disk under
// the output root before a new download starts.
func (r *Runner) checkResources() error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		slog.Warn("could not get memory usage", "error", err)
	} else if r.cfg.ThrottleFreeMem > 0 && vm.Available < uint64(r.cfg.ThrottleFreeMem) {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.cfg.ThrottleFreeMem)
	}

	d, err := disk.Usage(r.cfg.OutputRoot)
	if err != nil {
		slog.Warn("could not get disk usage", "path", r.cfg.OutputRoot, "error", err)
	} else if r.cfg.ThrottleFreeDisk > 0 && d.Free < uint64(r.cfg.ThrottleFreeDisk) {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.cfg.ThrottleFreeDisk)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
