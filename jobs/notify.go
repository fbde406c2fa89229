package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/timesheets/internal/jobs"
	"github.com/odyssey-erp/timesheets/internal/shared"
	"github.com/odyssey-erp/timesheets/internal/timesheet"
)

// Enqueuer is the subset of *asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueNotifier implements timesheet.Notifier by enqueuing a notify task.
type QueueNotifier struct {
	enqueuer Enqueuer
	queue    string
	metrics  *jobmetrics.Metrics
}

// NewQueueNotifier constructs a notifier publishing to queue.
func NewQueueNotifier(enqueuer Enqueuer, queue string, metrics *jobmetrics.Metrics) *QueueNotifier {
	if queue == "" {
		queue = QueueNotifications
	}
	return &QueueNotifier{enqueuer: enqueuer, queue: queue, metrics: metrics}
}

// Notify enqueues evt. A duplicate task id means the event is already queued.
func (n *QueueNotifier) Notify(ctx context.Context, evt timesheet.Event) error {
	task, err := NewNotifyTask(evt, n.queue)
	if err != nil {
		n.metrics.AddNotification(string(evt.Type), "dropped")
		return err
	}
	if _, err := n.enqueuer.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		n.metrics.AddNotification(string(evt.Type), "dropped")
		return fmt.Errorf("enqueue %s: %w", evt.Type, err)
	}
	n.metrics.AddNotification(string(evt.Type), "enqueued")
	return nil
}

// Message is a rendered notification for one recipient.
type Message struct {
	RecipientID int64
	Subject     string
	Body        string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the structured log. It is the default until a
// mail or chat integration is configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs msg.
func (s LogSender) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "timesheet notification",
		slog.Int64("recipient_id", msg.RecipientID),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body))
	return nil
}

// AuditRecorder records delivered notifications.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NotifyJob handles TaskTimesheetNotify.
type NotifyJob struct {
	Sender  Sender
	Audit   AuditRecorder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle renders the event for each recipient and sends it.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	var evt timesheet.Event
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("decode notify payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track("timesheet_notify")
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(
		slog.String("event", string(evt.Type)),
		slog.Int64("timesheet_id", evt.TimesheetID))

	messages := Render(evt)
	if len(messages) == 0 {
		logger.Debug("notification has no recipients")
		return nil
	}
	for _, msg := range messages {
		if err := j.Sender.Send(ctx, msg); err != nil {
			logger.Error("send notification", slog.Int64("recipient_id", msg.RecipientID), slog.Any("error", err))
			return err
		}
	}
	j.Metrics.AddNotification(string(evt.Type), "delivered")
	if j.Audit != nil {
		recipients := make([]int64, 0, len(messages))
		for _, msg := range messages {
			recipients = append(recipients, msg.RecipientID)
		}
		_ = j.Audit.Record(ctx, shared.AuditLog{
			ActorID:  evt.ActorID,
			Action:   "TIMESHEET_NOTIFY",
			Entity:   "timesheet",
			EntityID: strconv.FormatInt(evt.TimesheetID, 10),
			Meta:     map[string]any{"event": string(evt.Type), "event_id": evt.ID.String(), "recipients": recipients},
			At:       time.Now().UTC(),
		})
	}
	return nil
}

func (j *NotifyJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

// Render turns an event into per-recipient messages. Owners hear about
// decisions on their week; supervisors hear about requests waiting on them.
func Render(evt timesheet.Event) []Message {
	week := evt.WeekStart.Format("2006-01-02")
	owner := func(subject, body string) []Message {
		return []Message{{RecipientID: evt.OwnerID, Subject: subject, Body: body}}
	}
	switch evt.Type {
	case timesheet.EventSubmitted:
		return nil
	case timesheet.EventDayBatchProcessed:
		body := fmt.Sprintf("%d day(s) reviewed", evt.Succeeded)
		if evt.Failed > 0 {
			body += fmt.Sprintf(", %d skipped", evt.Failed)
		}
		return owner("Timesheet for week of "+week+" reviewed", body)
	case timesheet.EventApproved:
		return owner("Timesheet for week of "+week+" approved", "Every logged day has been approved.")
	case timesheet.EventRejected:
		return owner("Timesheet for week of "+week+" rejected", evt.Reason)
	case timesheet.EventEditRequested:
		out := make([]Message, 0, len(evt.Waiting))
		for _, id := range evt.Waiting {
			out = append(out, Message{
				RecipientID: id,
				Subject:     "Edit requested for week of " + week,
				Body:        fmt.Sprintf("User %d asks to edit timesheet %d.", evt.OwnerID, evt.TimesheetID),
			})
		}
		return out
	case timesheet.EventEditApproved:
		return owner("Edit request approved", fmt.Sprintf("Approved, waiting on %d other supervisor(s).", len(evt.Waiting)))
	case timesheet.EventEditConsented:
		return owner("Timesheet for week of "+week+" is editable", "All supervisors approved your edit request.")
	case timesheet.EventEditRejected:
		body := "Your edit request was declined."
		if evt.Reason != "" {
			body += " " + evt.Reason
		}
		return owner("Edit request declined", body)
	}
	return nil
}
