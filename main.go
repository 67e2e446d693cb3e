package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ytdlapi/api"
	"ytdlapi/artifact"
	"ytdlapi/config"
	"ytdlapi/storage"
	"ytdlapi/task"
	"ytdlapi/ytdlp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	runner, err := ytdlp.NewRunner(cfg)
	if err != nil {
		slog.Error("failed to initialize yt-dlp runner", "error", err)
		os.Exit(1)
	}

	store, err := task.OpenStore(cfg.DBFile)
	if err != nil {
		slog.Error("failed to open task store", "db_file", cfg.DBFile, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var uploader task.Uploader
	var signer api.URLSigner
	if cfg.S3Configured() {
		mirror, err := storage.NewS3Mirror(ctx, cfg)
		if err != nil {
			slog.Error("failed to initialize S3 mirror", "error", err)
			os.Exit(1)
		}
		uploader = mirror
		signer = mirror
		slog.Info("artifact mirroring enabled", "bucket", cfg.S3Bucket)
	}

	taskManager := task.NewManager(cfg, store, runner, uploader)
	if err := taskManager.Start(ctx); err != nil {
		slog.Error("failed to start task manager", "error", err)
		os.Exit(1)
	}

	router := api.SetupRouter(taskManager, artifact.NewService(store), runner, signer, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := taskManager.Shutdown(shutdownCtx); err != nil {
		slog.Error("task manager shutdown", "error", err)
	}

	slog.Info("server exiting")
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
