package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/renderd/internal/api"
	"github.com/bobarin/renderd/internal/composer"
	"github.com/bobarin/renderd/internal/config"
	"github.com/bobarin/renderd/internal/executor"
	"github.com/bobarin/renderd/internal/fetcher"
	"github.com/bobarin/renderd/internal/jobstore"
	"github.com/bobarin/renderd/internal/metrics"
	"github.com/bobarin/renderd/internal/normalizer"
	"github.com/bobarin/renderd/internal/pkg/logger"
	"github.com/bobarin/renderd/internal/publisher"
	"github.com/bobarin/renderd/internal/services"
	"github.com/bobarin/renderd/internal/storage"
	"github.com/bobarin/renderd/internal/worker"
	"github.com/bobarin/renderd/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "renderd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, ServiceName: "renderd"})
	log.Info("starting renderd", "port", cfg.APIPort, "storage", cfg.StorageProvider)

	m := metrics.New()

	// Workspaces and the janitor that clears crash leftovers
	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot, cfg.DiskQuotaBytes, log)
	if err != nil {
		return err
	}
	janitor := workspace.NewJanitor(workspaces, cfg.JobTimeout, log)
	janitor.OnSweep(func(removed int) {
		m.WorkspacesSwept.Add(float64(removed))
		m.WorkspaceReserved.Set(float64(workspaces.Reserved()))
	})
	janitor.RunOnce()
	if err := janitor.Start(cfg.JanitorSchedule); err != nil {
		return err
	}

	// Status store (Redis when configured)
	store, err := jobstore.New(cfg.RedisURL, cfg.StatusTTL, log)
	if err != nil {
		return fmt.Errorf("failed to open status store: %w", err)
	}
	defer store.Close()

	// Initialize storage
	ctx := context.Background()
	blob, err := storage.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Info("initialized storage", "provider", blob.Provider())

	ffmpegSvc := services.NewFFmpegService(cfg.FFmpegPath, log)
	ffprobeSvc := services.NewFFprobeService(cfg.FFprobePath, log)

	w := worker.New(worker.Deps{
		Workspaces: workspaces,
		Fetcher: fetcher.New(fetcher.Options{
			Concurrency: cfg.FetchConcurrency,
			Timeout:     cfg.FetchTimeout,
			MaxRetries:  cfg.FetchMaxRetries,
			MaxBytes:    cfg.MaxAssetBytes,
		}, log),
		Prober: ffprobeSvc,
		Normalizer: normalizer.New(ffmpegSvc, ffprobeSvc, normalizer.Options{
			Preset:      cfg.NormalizePreset,
			CRF:         cfg.NormalizeCRF,
			Oversample:  cfg.KenBurnsOversample,
			Concurrency: cfg.NormalizeConcurrency,
		}, log),
		Executor: executor.New(ffmpegSvc, executor.Options{
			Factor: cfg.RenderTimeoutFactor,
			Min:    cfg.RenderTimeoutMin,
		}, log),
		Publisher: publisher.New(blob, publisher.Options{
			Bucket:        cfg.StorageBucket,
			MaxRetries:    cfg.UploadMaxRetries,
			MaxConcurrent: cfg.MaxActiveJobs,
		}, log),
		Store:   store,
		Metrics: m,
	}, worker.Options{
		MaxActive:         cfg.MaxActiveJobs,
		MaxQueued:         cfg.MaxQueuedJobs,
		RenderConcurrency: cfg.RenderConcurrency,
		JobTimeout:        cfg.JobTimeout,
		Encoding: composer.Encoding{
			Preset:   cfg.RenderPreset,
			CRF:      cfg.RenderCRF,
			FontsDir: cfg.FontsDir,
		},
	}, log)

	routerCfg := api.RouterConfig{
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		Metrics:            m.Handler(),
		Logger:             log,
	}
	if local, ok := blob.(*storage.LocalFS); ok {
		routerCfg.FilesRoot = local.Root()
	}
	handler := api.NewHandler(w, cfg.RenderDefaults(), log)

	// Requests hold the connection for the whole render, so there is no
	// write timeout; the job timeout bounds them instead.
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.NewRouter(handler, routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("API server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop admitting first, then let running jobs finish their responses.
	drained := make(chan error, 1)
	go func() { drained <- w.Drain(shutdownCtx) }()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	if err := <-drained; err != nil {
		log.Warn("jobs still running at shutdown", "error", err)
	}
	janitor.Stop(shutdownCtx)

	log.Info("server exited")
	return nil
}
