package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/timesheets/internal/app"
	jobmetrics "github.com/odyssey-erp/timesheets/internal/jobs"
	"github.com/odyssey-erp/timesheets/internal/platform/cache"
	"github.com/odyssey-erp/timesheets/internal/platform/db"
	"github.com/odyssey-erp/timesheets/internal/shared"
	"github.com/odyssey-erp/timesheets/internal/supervision"
	"github.com/odyssey-erp/timesheets/internal/timesheet"
	"github.com/odyssey-erp/timesheets/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions())
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)
	auditLogger := shared.NewAuditLogger(pool)
	repo := timesheet.NewRepository(pool)

	// Reconciliation promotes timesheets, which must still notify and lock
	// the same way the API does.
	queue := asynq.NewClient(redisOpts.AsynqOpts())
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	service := timesheet.NewService(timesheet.Dependencies{
		Repository: repo,
		Directory:  supervision.NewCachedDirectory(supervision.NewPGDirectory(pool), redisClient, cfg.SupervisionTTL, logger),
		Notifier:   jobs.NewQueueNotifier(queue, cfg.NotifyQueue, metrics),
		Locker:     shared.NewRedisLocker(redisClient, cfg.LockTTL),
		Audit:      auditLogger,
		Approvals:  shared.NewApprovalRecorder(pool, logger),
		Logger:     logger,
	}, timesheet.ServiceConfig{
		BatchConcurrency:  cfg.BatchConcurrency,
		RepositoryTimeout: cfg.RepositoryTimeout,
	})

	notifyJob := &jobs.NotifyJob{
		Sender:  jobs.LogSender{Logger: logger},
		Audit:   auditLogger,
		Logger:  logger,
		Metrics: metrics,
	}
	reconcileJob := &jobs.ReconcileJob{
		Reconciler: service,
		Lister:     repo,
		Logger:     logger,
		Metrics:    metrics,
	}

	var cron []jobs.CronRegistration
	if cfg.SweepCron != "" {
		sweep, err := jobs.SweepCron(cfg.SweepCron, cfg.SweepLimit)
		if err != nil {
			logger.Error("build sweep task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, sweep)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts.AsynqOpts(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    jobs.TimesheetHandlers(notifyJob, reconcileJob),
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
