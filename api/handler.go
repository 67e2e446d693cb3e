package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ytdlapi/artifact"
	"ytdlapi/config"
	"ytdlapi/sandbox"
	"ytdlapi/task"
)

// MetadataProvider answers info/formats queries without creating a task.
type MetadataProvider interface {
	Info(ctx context.Context, url string) (json.RawMessage, error)
	Formats(ctx context.Context, url string) (json.RawMessage, error)
}

// URLSigner hands out presigned download URLs for mirrored artifacts.
type URLSigner interface {
	PresignGet(ctx context.Context, taskID, filename string) (string, error)
}

type Handler struct {
	taskManager *task.Manager
	files       *artifact.Service
	meta        MetadataProvider
	signer      URLSigner // nil when S3 mirroring is not configured
	cfg         *config.Config
}

func NewHandler(tm *task.Manager, files *artifact.Service, meta MetadataProvider, signer URLSigner, cfg *config.Config) *Handler {
	return &Handler{
		taskManager: tm,
		files:       files,
		meta:        meta,
		signer:      signer,
		cfg:         cfg,
	}
}

type VideoRequest struct {
	URL        string `json:"url" binding:"required"`
	OutputPath string `json:"output_path"`
	Format     string `json:"format"`
	Quiet      bool   `json:"quiet"`
}

type AudioRequest struct {
	URL          string `json:"url" binding:"required"`
	OutputPath   string `json:"output_path"`
	AudioFormat  string `json:"audio_format"`
	AudioQuality string `json:"audio_quality"`
	Quiet        bool   `json:"quiet"`
}

type SubtitlesRequest struct {
	URL            string   `json:"url" binding:"required"`
	OutputPath     string   `json:"output_path"`
	Languages      []string `json:"languages"`
	WriteManual    *bool    `json:"write_manual"`
	WriteAutomatic *bool    `json:"write_automatic"`
	ConvertTo      *string  `json:"convert_to"`
	Quiet          bool     `json:"quiet"`
}

func (h *Handler) handleSubmitVideo(c *gin.Context) {
	var req VideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Format == "" {
		req.Format = "bestvideo+bestaudio/best"
	}

	settings := task.Settings{Video: &task.VideoSettings{Format: req.Format, Quiet: req.Quiet}}
	h.submit(c, task.JobTypeVideo, req.URL, req.OutputPath, settings)
}

func (h *Handler) handleSubmitAudio(c *gin.Context) {
	var req AudioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AudioFormat == "" {
		req.AudioFormat = "mp3"
	}

	settings := task.Settings{Audio: &task.AudioSettings{
		AudioFormat:  req.AudioFormat,
		AudioQuality: req.AudioQuality,
		Quiet:        req.Quiet,
	}}
	h.submit(c, task.JobTypeAudio, req.URL, req.OutputPath, settings)
}

func (h *Handler) handleSubmitSubtitles(c *gin.Context) {
	var req SubtitlesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Languages) == 0 {
		req.Languages = []string{"en", "en.*"}
	}
	convertTo := "srt"
	if req.ConvertTo != nil {
		convertTo = *req.ConvertTo
	}

	settings := task.Settings{Subtitles: &task.SubtitleSettings{
		Languages:      req.Languages,
		WriteManual:    boolOrDefault(req.WriteManual, true),
		WriteAutomatic: boolOrDefault(req.WriteAutomatic, true),
		ConvertTo:      convertTo,
		Quiet:          req.Quiet,
	}}
	h.submit(c, task.JobTypeSubtitles, req.URL, req.OutputPath, settings)
}

func (h *Handler) submit(c *gin.Context, jobType task.JobType, url, label string, settings task.Settings) {
	id, err := h.taskManager.Submit(c.Request.Context(), jobType, url, label, settings)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrInvalidLabel):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid output_path. Provide a simple folder name (no slashes or '..')."})
		case errors.Is(err, task.ErrQueueClosed), errors.Is(err, task.ErrQueueFull):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "task_id": id})
}

// buildFilesURL points a completed task at its artifact listing endpoint,
// honoring a configured external base URL behind proxies.
func (h *Handler) buildFilesURL(c *gin.Context, t *task.Task) {
	if t.Status != task.StatusCompleted {
		return
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	t.FilesURL = fmt.Sprintf("%s/api/v1/tasks/%s/files", baseURL, t.ID)
}

func (h *Handler) handleGetTask(c *gin.Context) {
	t, err := h.taskManager.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.buildFilesURL(c, t)
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": t})
}

func (h *Handler) handleListTasks(c *gin.Context) {
	tasks, err := h.taskManager.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	for _, t := range tasks {
		h.buildFilesURL(c, t)
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": tasks})
}

func (h *Handler) handleInfo(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url query parameter is required"})
		return
	}
	info, err := h.meta.Info(c.Request.Context(), url)
	if err != nil {
		slog.Error("info request failed", "url", url, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": info})
}

func (h *Handler) handleFormats(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url query parameter is required"})
		return
	}
	formats, err := h.meta.Formats(c.Request.Context(), url)
	if err != nil {
		slog.Error("formats request failed", "url", url, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": formats})
}

func (h *Handler) handleListFiles(c *gin.Context) {
	infos, err := h.files.ListFiles(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.artifactError(c, err)
		return
	}
	if infos == nil {
		infos = []artifact.FileInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": infos})
}

func (h *Handler) handleGetFile(c *gin.Context) {
	name := c.Query("filename")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename query parameter is required"})
		return
	}
	f, err := h.files.Open(c.Request.Context(), c.Param("taskId"), name)
	if err != nil {
		h.artifactError(c, err)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	c.DataFromReader(http.StatusOK, st.Size(), "application/octet-stream", f, nil)
}

func (h *Handler) handleGetFileURL(c *gin.Context) {
	if h.signer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Remote storage is not configured"})
		return
	}
	name := c.Query("filename")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename query parameter is required"})
		return
	}
	taskID := c.Param("taskId")
	f, err := h.files.Open(c.Request.Context(), taskID, name)
	if err != nil {
		h.artifactError(c, err)
		return
	}
	f.Close()
	url, err := h.signer.PresignGet(c.Request.Context(), taskID, name)
	if err != nil {
		slog.Error("presign failed", "task_id", taskID, "filename", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "url": url})
}

func (h *Handler) handleGetZip(c *gin.Context) {
	id := c.Param("taskId")
	path, release, err := h.files.CreateZip(c.Request.Context(), id)
	if err != nil {
		h.artifactError(c, err)
		return
	}
	defer release()
	c.FileAttachment(path, "task-"+id+".zip")
}

func (h *Handler) artifactError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	case errors.Is(err, artifact.ErrTaskNotCompleted):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Task has not completed"})
	case errors.Is(err, sandbox.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filename"})
	case errors.Is(err, artifact.ErrFileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
	case errors.Is(err, artifact.ErrNoFiles):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task produced no files"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
