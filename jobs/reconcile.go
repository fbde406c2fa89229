package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/timesheets/internal/jobs"
	"github.com/odyssey-erp/timesheets/internal/timesheet"
)

// DefaultSweepLimit caps how many pending timesheets one sweep visits.
const DefaultSweepLimit = 500

// Reconciler re-evaluates the aggregate status of a timesheet.
type Reconciler interface {
	Reconcile(ctx context.Context, id int64) (timesheet.Status, error)
}

// PendingLister finds timesheets awaiting reconciliation.
type PendingLister interface {
	ListIDsByStatus(ctx context.Context, status timesheet.Status, limit int) ([]int64, error)
}

// ReconcileJob handles single reconcile tasks and the periodic sweep.
type ReconcileJob struct {
	Reconciler Reconciler
	Lister     PendingLister
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// HandleOne reconciles the timesheet named in the payload.
func (j *ReconcileJob) HandleOne(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Reconciler == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.TimesheetID <= 0 {
		return fmt.Errorf("reconcile: bad payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track("timesheet_reconcile")
	defer func() { err = tracker.End(err) }()

	status, err := j.Reconciler.Reconcile(ctx, payload.TimesheetID)
	if errors.Is(err, timesheet.ErrNotFound) {
		return fmt.Errorf("reconcile timesheet %d: %v: %w", payload.TimesheetID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	j.logger().Debug("timesheet reconciled",
		slog.Int64("timesheet_id", payload.TimesheetID),
		slog.String("status", string(status)))
	return nil
}

// HandleSweep reconciles pending timesheets. Individual failures are logged
// and counted; the sweep only fails when nothing could be listed.
func (j *ReconcileJob) HandleSweep(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Reconciler == nil || j.Lister == nil {
		return errors.New("reconcile sweep: handler not configured")
	}
	var payload SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("reconcile sweep: bad payload: %w", asynq.SkipRetry)
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = DefaultSweepLimit
	}
	tracker := j.Metrics.Track("timesheet_reconcile_sweep")
	defer func() { err = tracker.End(err) }()

	ids, err := j.Lister.ListIDsByStatus(ctx, timesheet.StatusPending, payload.Limit)
	if err != nil {
		return fmt.Errorf("list pending timesheets: %w", err)
	}
	logger := j.logger()
	promoted, failed := 0, 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		status, err := j.Reconciler.Reconcile(ctx, id)
		if err != nil {
			failed++
			logger.Warn("reconcile timesheet", slog.Int64("timesheet_id", id), slog.Any("error", err))
			continue
		}
		if status == timesheet.StatusApproved {
			promoted++
		}
	}
	logger.Info("reconcile sweep finished",
		slog.Int("scanned", len(ids)),
		slog.Int("promoted", promoted),
		slog.Int("failed", failed))
	return nil
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
