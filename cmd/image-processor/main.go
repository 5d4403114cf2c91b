package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	imagehandler "github.com/gidorah/image-processing-service-api/internal/api/handlers/image"
	transformhandler "github.com/gidorah/image-processing-service-api/internal/api/handlers/transform"
	"github.com/gidorah/image-processing-service-api/internal/api/router"
	"github.com/gidorah/image-processing-service-api/internal/api/server"
	"github.com/gidorah/image-processing-service-api/internal/cache"
	"github.com/gidorah/image-processing-service-api/internal/config"
	"github.com/gidorah/image-processing-service-api/internal/engine"
	"github.com/gidorah/image-processing-service-api/internal/infra/kafka/consumer"
	"github.com/gidorah/image-processing-service-api/internal/infra/kafka/producer"
	"github.com/gidorah/image-processing-service-api/internal/job"
	jobmsg "github.com/gidorah/image-processing-service-api/internal/kafka/handlers/job"
	"github.com/gidorah/image-processing-service-api/internal/metrics"
	imagerepo "github.com/gidorah/image-processing-service-api/internal/repository/image"
	jobrepo "github.com/gidorah/image-processing-service-api/internal/repository/job"
	transformsvc "github.com/gidorah/image-processing-service-api/internal/service/transform"
	"github.com/gidorah/image-processing-service-api/internal/storage/file"
	"github.com/gidorah/image-processing-service-api/internal/worker"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}
	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Retry strategy for Kafka and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Initialize object storage (MinIO).
	storage, err := file.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	// Repositories, queue producer and the orchestration core.
	imgRepo := imagerepo.NewRepository(db)
	jRepo := jobrepo.NewRepository(db)
	p := producer.New(&cfg.Kafka, strategy)

	mtr := metrics.New("image_processor")

	policy := job.RetryPolicy{
		MaxAttempts: cfg.Jobs.MaxAttempts,
		BackoffBase: cfg.Jobs.BackoffBase,
		BackoffCap:  cfg.Jobs.BackoffCap,
	}
	manager := job.NewManager(jRepo, p, policy, cfg.Jobs.LivenessTimeout)

	eng := engine.Default(engine.Limits{
		MaxPixelDim: cfg.Transform.MaxPixelDim,
		MaxCost:     cfg.Transform.MaxCost,
	}, cfg.Transform.FontPath)

	artifactCache := cache.New(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)

	service := transformsvc.NewService(imgRepo, storage, manager, artifactCache, eng, mtr, transformsvc.Options{
		MaxOperations: cfg.Transform.MaxOperations,
		MaxPixelDim:   cfg.Transform.MaxPixelDim,
		SyncThreshold: cfg.Transform.SyncThreshold,
	})

	// Worker pool executing claimed jobs, fed by the Kafka consumer.
	pool := worker.NewPool(cfg.Jobs.Workers, manager, service, mtr)
	pendingHandler := jobmsg.NewPendingHandler(pool)
	c := consumer.New(&cfg.Kafka, strategy, pendingHandler)

	var wg sync.WaitGroup
	pool.Start(ctx, &wg)

	wg.Add(1)
	go c.Consume(ctx, &wg)

	// Reaper: reclaims stale running jobs and promotes elapsed retries.
	wg.Add(1)
	go manager.RunReaper(ctx, cfg.Jobs.ReaperInterval, &wg)

	// Prometheus listener.
	if cfg.Metrics.Addr != "" {
		go metrics.Serve(ctx, cfg.Metrics.Addr)
	}

	// HTTP handlers and server.
	imgHandler := imagehandler.NewHandler(service)
	trHandler := transformhandler.NewHandler(service)

	r := router.Setup(imgHandler, trHandler)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Wait for consumer, workers and reaper to finish.
	wg.Wait()

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}
	for i, s := range db.Slaves {
		if err := s.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	// Close Kafka producer and consumer clients.
	if err = p.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
	}
	if err = c.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
	}
}
