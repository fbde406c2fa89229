package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/timesheets/internal/jobs"
	"github.com/odyssey-erp/timesheets/internal/shared"
	"github.com/odyssey-erp/timesheets/internal/timesheet"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type captureSender struct {
	messages []Message
	err      error
}

func (s *captureSender) Send(_ context.Context, msg Message) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

type captureAudit struct {
	logs []shared.AuditLog
}

func (a *captureAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func sampleEvent(typ timesheet.EventType) timesheet.Event {
	return timesheet.Event{
		ID:          uuid.New(),
		Type:        typ,
		TimesheetID: 12,
		OwnerID:     5,
		ActorID:     7,
		WeekStart:   time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		At:          time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC),
	}
}

func TestQueueNotifierEnqueuesEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	enq := &fakeEnqueuer{}
	n := NewQueueNotifier(enq, "", metrics)

	evt := sampleEvent(timesheet.EventApproved)
	require.NoError(t, n.Notify(context.Background(), evt))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskTimesheetNotify, enq.tasks[0].Type())

	var decoded timesheet.Event
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &decoded))
	require.Equal(t, evt.ID, decoded.ID)
	require.Equal(t, evt.TimesheetID, decoded.TimesheetID)

	require.NoError(t, testutil.GatherAndCompare(reg, stringsReader(`
# HELP odyssey_timesheet_notifications_total Timesheet events grouped by type and delivery outcome.
# TYPE odyssey_timesheet_notifications_total counter
odyssey_timesheet_notifications_total{event="timesheet.approved",outcome="enqueued"} 1
`), "odyssey_timesheet_notifications_total"))
}

func TestQueueNotifierTreatsDuplicateAsDelivered(t *testing.T) {
	enq := &fakeEnqueuer{err: asynq.ErrTaskIDConflict}
	n := NewQueueNotifier(enq, QueueNotifications, nil)
	require.NoError(t, n.Notify(context.Background(), sampleEvent(timesheet.EventRejected)))
}

func TestQueueNotifierReportsEnqueueFailure(t *testing.T) {
	boom := errors.New("redis down")
	n := NewQueueNotifier(&fakeEnqueuer{err: boom}, QueueNotifications, nil)
	err := n.Notify(context.Background(), sampleEvent(timesheet.EventRejected))
	require.ErrorIs(t, err, boom)
}

func TestNotifyJobSendsToWaitingSupervisors(t *testing.T) {
	sender := &captureSender{}
	audit := &captureAudit{}
	job := &NotifyJob{Sender: sender, Audit: audit}

	evt := sampleEvent(timesheet.EventEditRequested)
	evt.Waiting = []int64{1, 2, 3}
	task, err := NewNotifyTask(evt, "")
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, sender.messages, 3)
	for i, msg := range sender.messages {
		require.Equal(t, evt.Waiting[i], msg.RecipientID)
		require.Contains(t, msg.Subject, "2024-03-04")
	}
	require.Len(t, audit.logs, 1)
	require.Equal(t, "TIMESHEET_NOTIFY", audit.logs[0].Action)
	require.Equal(t, "12", audit.logs[0].EntityID)
}

func TestNotifyJobRetriesOnSendFailure(t *testing.T) {
	boom := errors.New("smtp down")
	audit := &captureAudit{}
	job := &NotifyJob{Sender: &captureSender{err: boom}, Audit: audit}
	task, err := NewNotifyTask(sampleEvent(timesheet.EventApproved), "")
	require.NoError(t, err)

	require.ErrorIs(t, job.Handle(context.Background(), task), boom)
	require.Empty(t, audit.logs)
}

func TestNotifyJobSkipsRetryOnBadPayload(t *testing.T) {
	job := &NotifyJob{Sender: &captureSender{}}
	err := job.Handle(context.Background(), asynq.NewTask(TaskTimesheetNotify, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRenderRecipients(t *testing.T) {
	submitted := sampleEvent(timesheet.EventSubmitted)
	require.Empty(t, Render(submitted))

	batch := sampleEvent(timesheet.EventDayBatchProcessed)
	batch.Succeeded, batch.Failed = 3, 2
	msgs := Render(batch)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(5), msgs[0].RecipientID)
	require.Equal(t, "3 day(s) reviewed, 2 skipped", msgs[0].Body)

	rejected := sampleEvent(timesheet.EventEditRejected)
	rejected.Reason = "week is closed"
	msgs = Render(rejected)
	require.Len(t, msgs, 1)
	require.Equal(t, "Your edit request was declined. week is closed", msgs[0].Body)

	consented := sampleEvent(timesheet.EventEditConsented)
	require.Contains(t, Render(consented)[0].Subject, "is editable")
}
