package api

import (
	"github.com/gin-gonic/gin"

	"ytdlapi/artifact"
	"ytdlapi/config"
	"ytdlapi/task"
)

func SetupRouter(tm *task.Manager, files *artifact.Service, meta MetadataProvider, signer URLSigner, cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())
	h := NewHandler(tm, files, meta, signer, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		// Task submission
		v1.POST("/download", h.handleSubmitVideo)
		v1.POST("/audio", h.handleSubmitAudio)
		v1.POST("/subtitles", h.handleSubmitSubtitles)

		// Task queries
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTask)

		// Metadata pass-throughs, no task created
		v1.GET("/info", h.handleInfo)
		v1.GET("/formats", h.handleFormats)

		// Artifacts of a completed task
		v1.GET("/tasks/:taskId/files", h.handleListFiles)
		v1.GET("/tasks/:taskId/file", h.handleGetFile)
		v1.GET("/tasks/:taskId/file/url", h.handleGetFileURL)
		v1.GET("/tasks/:taskId/zip", h.handleGetZip)
	}
	return r
}
