// Command timesheetctl runs operational tasks against the timesheet stores.
//
//	timesheetctl reconcile <timesheet-id>
//	timesheetctl sweep [limit]
//	timesheetctl queues
//	timesheetctl supervisors show <project|team> <id>
//	timesheetctl supervisors set <project|team> <id> [user,user,...]
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/odyssey-erp/timesheets/cmd/timesheetctl/cli"
	"github.com/odyssey-erp/timesheets/internal/app"
	"github.com/odyssey-erp/timesheets/internal/platform/cache"
	"github.com/odyssey-erp/timesheets/internal/platform/db"
	"github.com/odyssey-erp/timesheets/internal/supervision"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger := app.NewLogger(cfg)

	switch args[0] {
	case "reconcile", "sweep", "queues":
		jobsCLI := cli.NewJobsCLI(cfg.RedisOptions().AsynqOpts())
		defer func() {
			if err := jobsCLI.Close(); err != nil {
				logger.Warn("jobs cli close", slog.Any("error", err))
			}
		}()
		return runJobs(ctx, jobsCLI, args, stdout, stderr)
	case "supervisors":
		if len(args) < 2 {
			usage(stderr)
			return 2
		}
		pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "connect postgres: %v\n", err)
			return 1
		}
		defer pool.Close()
		redisClient, err := cache.New(ctx, cfg.RedisOptions())
		if err != nil {
			// Without redis the cache is bypassed; servers keep stale entries until TTL.
			logger.Warn("redis unavailable, supervision cache not invalidated", slog.Any("error", err))
			redisClient = nil
		} else {
			defer func() { _ = redisClient.Close() }()
		}
		store := supervision.NewCachedDirectory(supervision.NewPGDirectory(pool), redisClient, cfg.SupervisionTTL, logger)
		sup := &cli.SupervisorsCLI{Store: store, Stdout: stdout, Stderr: stderr}
		switch args[1] {
		case "show":
			return sup.ShowCommand(ctx, args[2:])
		case "set":
			return sup.SetCommand(ctx, args[2:])
		}
	}
	usage(stderr)
	return 2
}

func runJobs(ctx context.Context, jobsCLI *cli.JobsCLI, args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "reconcile":
		if len(args) != 2 {
			usage(stderr)
			return 2
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "invalid timesheet id %q\n", args[1])
			return 2
		}
		info, err := jobsCLI.Reconcile(ctx, id)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "reconcile: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s (%s)\n", info.ID, info.Queue)
	case "sweep":
		limit := 0
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "invalid limit %q\n", args[1])
				return 2
			}
			limit = n
		}
		info, err := jobsCLI.Sweep(ctx, limit)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "sweep: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s (%s)\n", info.ID, info.Queue)
	case "queues":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "queues: %v\n", err)
			return 1
		}
		for _, s := range stats {
			_, _ = fmt.Fprintln(stdout, s.String())
		}
	}
	return 0
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `usage:
  timesheetctl reconcile <timesheet-id>
  timesheetctl sweep [limit]
  timesheetctl queues
  timesheetctl supervisors show <project|team> <id>
  timesheetctl supervisors set <project|team> <id> [user,user,...]`)
}
