package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/timesheets/internal/timesheet"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotifications carries timesheet events to their recipients.
	QueueNotifications = "notifications"

	// TaskTimesheetNotify delivers one timesheet event.
	TaskTimesheetNotify = "timesheet:notify"
	// TaskTimesheetReconcile re-runs aggregate reconciliation for one timesheet.
	TaskTimesheetReconcile = "timesheet:reconcile"
	// TaskTimesheetReconcileSweep reconciles every pending timesheet.
	TaskTimesheetReconcileSweep = "timesheet:reconcile-sweep"
)

// ReconcilePayload identifies the timesheet to reconcile.
type ReconcilePayload struct {
	TimesheetID int64 `json:"timesheetId"`
}

// SweepPayload bounds a reconcile sweep.
type SweepPayload struct {
	Limit int `json:"limit"`
}

// NewNotifyTask wraps evt in a task. The event id doubles as task id so a
// retried enqueue never produces a second delivery.
func NewNotifyTask(evt timesheet.Event, queue string) (*asynq.Task, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	if queue == "" {
		queue = QueueNotifications
	}
	return asynq.NewTask(TaskTimesheetNotify, body,
		asynq.Queue(queue),
		asynq.TaskID(evt.ID.String()),
		asynq.MaxRetry(5),
	), nil
}

// NewReconcileTask builds a reconcile task for timesheetID.
func NewReconcileTask(timesheetID int64) (*asynq.Task, error) {
	if timesheetID <= 0 {
		return nil, fmt.Errorf("jobs: invalid timesheet id %d", timesheetID)
	}
	body, err := json.Marshal(ReconcilePayload{TimesheetID: timesheetID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTimesheetReconcile, body, asynq.Queue(QueueDefault)), nil
}

// NewReconcileSweepTask builds a sweep task.
func NewReconcileSweepTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTimesheetReconcileSweep, body, asynq.Queue(QueueDefault)), nil
}
