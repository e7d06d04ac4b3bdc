package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WiseWong6/pdf/internal/api"
	"github.com/WiseWong6/pdf/internal/config"
	"github.com/WiseWong6/pdf/internal/llm"
	"github.com/WiseWong6/pdf/internal/ocr"
	"github.com/WiseWong6/pdf/internal/pipeline"
	"github.com/WiseWong6/pdf/internal/render"
	"github.com/WiseWong6/pdf/internal/restore"
	"github.com/WiseWong6/pdf/internal/retry"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	settings, err := config.NewSettingsStore(cfg.DefaultSettings(), cfg.SettingsFile)
	if err != nil {
		log.Error("load settings", "error", err)
		os.Exit(1)
	}
	if settings.Snapshot().APIKey == "" {
		log.Warn("no API credential configured; documents will fail until one is set via /api/settings")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize clients.
	stats := llm.NewStats(cfg.StatsWindow)
	client := llm.NewClient(cfg.LLMBaseURL, cfg.LLMHTTPTimeout, stats)
	ocrCaller := ocr.NewCaller(client, cfg.OCRMaxTokens, retry.RealClock, log)
	restoreCaller := restore.NewCaller(client, cfg.RestoreMaxTokens, cfg.MaxConcurrentRestore, retry.RealClock, log)
	renderer := render.Renderer{Opts: render.Options{
		DPI:      cfg.RenderDPI,
		MaxSide:  cfg.MaxImageSide,
		Pdftoppm: cfg.PdftoppmPath,
		Timeout:  cfg.RenderTimeout,
	}}

	// Initialize pipeline.
	store := pipeline.NewStore()
	pages := pipeline.NewPageRunner(store, ocrCaller, restoreCaller, nil, log)
	worker := pipeline.NewWorker(store, renderer, pages, settings, log)
	sched := pipeline.NewScheduler(store, worker, cfg.MaxActiveDocuments, log)
	sched.Start(ctx)

	// Initialize HTTP server.
	srv := api.NewServer(sched, store, settings, stats, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		sched.Stop()
		client.Close()
	}()

	log.Info("starting ocr restoration service", "port", cfg.Port, "ocr_model", settings.Snapshot().OCRModel, "max_active", cfg.MaxActiveDocuments)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
