package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"mediaqgo/internal/config"
	"mediaqgo/internal/executor"
	"mediaqgo/internal/handler"
	"mediaqgo/internal/history"
	"mediaqgo/internal/metadata"
	"mediaqgo/internal/models"
	"mediaqgo/internal/report"
	"mediaqgo/internal/scheduler"
	"mediaqgo/internal/storage"
	"mediaqgo/internal/websocket"
)

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		SetupLogger(slog.LevelInfo)
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	SetupLogger(cfg.Level())

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server exited")
}

func run(cfg config.Config) error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	hist, err := history.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer hist.Close()

	executors, err := buildExecutors(cfg)
	if err != nil {
		return err
	}

	store := storage.New()
	sched, err := scheduler.New(store, executors, scheduler.Options{
		Limit:       cfg.MaxConcurrent,
		PollTimeout: cfg.PollTimeout,
		Backoff:     cfg.Backoff,
		History:     hist,
	})
	if err != nil {
		return err
	}

	hub := websocket.NewHub()
	reporter := report.New(sched, hub, report.Options{
		Debounce:  cfg.Debounce,
		Interval:  cfg.RefreshInterval,
		NameWidth: cfg.NameWidth,
	})
	sched.SetRefresher(reporter)

	r := handler.NewRouter(handler.Deps{
		Queue:       sched,
		History:     hist,
		Reports:     reporter,
		Resolver:    metadata.NewResolver(nil),
		DownloadDir: cfg.DownloadDir,
		WebSocket:   hub.WsHandler,
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx) })
	g.Go(func() error {
		slog.Info("Server starting", "port", cfg.Port, "limit", cfg.MaxConcurrent)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		if err := sched.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Running tasks were interrupted", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// buildExecutors registers one executor per kind. Kinds whose external tool
// is missing are left out, so enqueueing them fails up front.
func buildExecutors(cfg config.Config) (map[models.Kind]scheduler.Executor, error) {
	executors := make(map[models.Kind]scheduler.Executor, len(models.Kinds))

	ffmpeg, err := executor.FindFFmpeg(cfg.FFmpegPath)
	if err != nil {
		slog.Warn("ffmpeg not found, conversions disabled", "error", err)
	}
	ffprobe, err := executor.FindFFprobe(cfg.FFprobePath)
	if err != nil {
		slog.Warn("ffprobe not found, conversion progress will be unknown", "error", err)
	}

	for _, kind := range []models.Kind{models.KindVideoDownload, models.KindAudioDownload} {
		d, err := executor.NewDownloader(kind, executor.DownloaderOptions{
			Executable: cfg.YtdlpPath,
			FFmpegPath: ffmpeg,
		})
		if err != nil {
			return nil, err
		}
		executors[kind] = d
	}

	if ffmpeg == "" {
		return executors, nil
	}
	for _, kind := range []models.Kind{models.KindVideoConversion, models.KindAudioExtraction, models.KindAudioConversion} {
		t, err := executor.NewTranscoder(kind, ffmpeg, ffprobe)
		if err != nil {
			return nil, err
		}
		executors[kind] = t
	}
	return executors, nil
}

func SetupLogger(level slog.Level) {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02 15:04:05",
		AddSource:  true,
	})

	slog.SetDefault(slog.New(handler))
}
