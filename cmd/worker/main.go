package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"file-ingestion-service/internal/app"
	"file-ingestion-service/internal/config"
	"file-ingestion-service/internal/logger"
	"file-ingestion-service/internal/models"
	"file-ingestion-service/internal/processing"
	"file-ingestion-service/internal/telemetry"
	"file-ingestion-service/internal/worker"
)

func main() {
	cfg := config.Load()
	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	// Worker ID from env, else hostname, else pid.
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	lg = lg.With(logger.String("service", "worker"))

	deps, err := app.Bootstrap(ctx, cfg, lg)
	if err != nil {
		lg.Error("bootstrap failed", logger.Error(err))
		os.Exit(1)
	}
	defer deps.Close()

	processor := worker.NewProcessor(worker.Options{
		WorkerID:           workerID,
		PollInterval:       cfg.WorkerPollInterval,
		VisibilityTimeout:  cfg.VisibilityTimeout,
		ScheduledBatchSize: cfg.ScheduledBatchSize,
	}, deps.Queue, deps.Controller, lg)

	pool := deps.Store.Pool()
	uploader := processing.NewStorageUploader(deps.Objects, cfg.S3UploadPrefix, lg)
	processor.RegisterHandler(models.TaskProcessFile, processing.NewSpreadsheetLoader(processing.NewPgxTableWriter(pool), cfg.TableSchema, lg))
	processor.RegisterHandler(models.TaskStorageUpload, uploader)
	processor.RegisterHandler(models.TaskStorageDirectory, uploader)
	processor.RegisterHandler(models.TaskBuildAnalytics, processing.NewAnalyticsBuilder(pool, cfg.TableSchema, lg))

	if cfg.AnalyticsSchedule != "" {
		sched, err := worker.NewScheduler(ctx, cfg.AnalyticsSchedule, deps.Intake, lg)
		if err != nil {
			lg.Error("analytics schedule", logger.Error(err))
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			lg.Warn("metrics server stopped", logger.Error(err))
		}
	}()

	lg.Info("worker started",
		logger.String("worker_id", workerID),
		logger.Int("concurrency", cfg.WorkerConcurrency),
		logger.Duration("visibility", cfg.VisibilityTimeout),
		logger.Int("ingest_max_retries", cfg.IngestMaxRetries))
	if err := worker.RunPool(ctx, processor, cfg.WorkerConcurrency); err != nil {
		lg.Error("worker stopped", logger.Error(err))
	}
}
