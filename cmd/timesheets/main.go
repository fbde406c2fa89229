package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/timesheets/internal/app"
	jobmetrics "github.com/odyssey-erp/timesheets/internal/jobs"
	"github.com/odyssey-erp/timesheets/internal/observability"
	"github.com/odyssey-erp/timesheets/internal/platform/cache"
	"github.com/odyssey-erp/timesheets/internal/platform/db"
	"github.com/odyssey-erp/timesheets/internal/shared"
	"github.com/odyssey-erp/timesheets/internal/supervision"
	"github.com/odyssey-erp/timesheets/internal/timesheet"
	"github.com/odyssey-erp/timesheets/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisOpts := cfg.RedisOptions()
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	jobClient, err := jobs.NewClient(redisOpts.AsynqOpts())
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	directory := supervision.NewCachedDirectory(supervision.NewPGDirectory(dbpool), redisClient, cfg.SupervisionTTL, logger)

	service := timesheet.NewService(timesheet.Dependencies{
		Repository: timesheet.NewRepository(dbpool),
		Directory:  directory,
		Notifier:   jobs.NewQueueNotifier(jobClient, cfg.NotifyQueue, jobMetrics),
		Locker:     shared.NewRedisLocker(redisClient, cfg.LockTTL),
		Audit:      shared.NewAuditLogger(dbpool),
		Approvals:  shared.NewApprovalRecorder(dbpool, logger),
		Metrics:    metrics,
		Logger:     logger,
	}, timesheet.ServiceConfig{
		BatchConcurrency:  cfg.BatchConcurrency,
		RepositoryTimeout: cfg.RepositoryTimeout,
	})
	idempotency := shared.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL)
	timesheetHandler := timesheet.NewHandler(logger, service, idempotency)

	inspector := asynq.NewInspector(redisOpts.AsynqOpts())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		TimesheetHandler: timesheetHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
		Ready: func(r *http.Request) error {
			if err := dbpool.Ping(r.Context()); err != nil {
				return err
			}
			return redisClient.Ping(r.Context()).Err()
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
