package timesheet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/timesheets/internal/shared"
)

// consensusFixture stores an approved timesheet touching project 10
// (supervisors 1 and 2) and team 20 (supervisors 2 and 3).
func consensusFixture(t *testing.T) (*fixture, Timesheet) {
	t.Helper()
	f := newFixture()
	f.dir.projects[10] = []int64{2, 1}
	f.dir.teams[20] = []int64{3, 2}
	ts := pendingTimesheet(99,
		Category{Kind: CategoryProject, Items: []Item{itemWith(ptr(10), nil, DayApproved, 8)}},
		Category{Kind: CategoryTeam, Items: []Item{itemWith(nil, ptr(20), DayApproved, 0, 4)}},
	)
	ts.Status = StatusApproved
	return f, f.repo.put(ts)
}

func TestRequestEditFreezesApproverUnion(t *testing.T) {
	f, ts := consensusFixture(t)

	got, err := f.svc.RequestEdit(context.Background(), ts.ID, 99)
	require.NoError(t, err)
	require.Equal(t, StatusEditRequested, got.Status)
	require.NotNil(t, got.EditRequest)
	require.Equal(t, []int64{1, 2, 3}, got.EditRequest.RequiredApprovers)
	require.Empty(t, got.EditRequest.Approved)
	require.Equal(t, StatusApproved, got.EditRequest.PreviousStatus)
	require.Equal(t, fixedNow, got.EditRequest.RequestedAt)

	events := f.notifier.ofType(EventEditRequested)
	require.Len(t, events, 1)
	require.Equal(t, []int64{1, 2, 3}, events[0].Waiting)
	require.Len(t, f.approvals.logs, 1)
	require.Equal(t, shared.ApprovalSubmit, f.approvals.logs[0].Action)

	// Later directory changes do not alter the frozen set.
	f.dir.projects[10] = []int64{7}
	stored := f.repo.stored(t, ts.ID)
	require.Equal(t, []int64{1, 2, 3}, stored.EditRequest.RequiredApprovers)
}

func TestRequestEditGuards(t *testing.T) {
	f, ts := consensusFixture(t)

	_, err := f.svc.RequestEdit(context.Background(), ts.ID, 5)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.RequestEdit(context.Background(), 404, 99)
	require.ErrorIs(t, err, ErrNotFound)

	draft := f.repo.put(Timesheet{OwnerID: 99, WeekStart: WeekStart(fixedNow), Status: StatusDraft})
	_, err = f.svc.RequestEdit(context.Background(), draft.ID, 99)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.RequestEdit(context.Background(), ts.ID, 99)
	require.NoError(t, err)
	_, err = f.svc.RequestEdit(context.Background(), ts.ID, 99)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRequestEditWithoutApprovers(t *testing.T) {
	f := newFixture()
	ts := pendingTimesheet(99, Category{Kind: CategoryAbsence, Items: []Item{itemWith(nil, nil, DayPending, 8)}})
	ts = f.repo.put(ts)

	_, err := f.svc.RequestEdit(context.Background(), ts.ID, 99)
	require.ErrorIs(t, err, ErrNoApproversAvailable)

	stored := f.repo.stored(t, ts.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.Nil(t, stored.EditRequest)
	require.Empty(t, f.notifier.events)
}

func TestApproveEditRequestUnanimity(t *testing.T) {
	f, ts := consensusFixture(t)
	_, err := f.svc.RequestEdit(context.Background(), ts.ID, 99)
	require.NoError(t, err)

	done, err := f.svc.ApproveEditRequest(context.Background(), ts.ID, 1)
	require.NoError(t, err)
	require.False(t, done)
	done, err = f.svc.ApproveEditRequest(context.Background(), ts.ID, 2)
	require.NoError(t, err)
	require.False(t, done)

	stored := f.repo.stored(t, ts.ID)
	require.Equal(t, StatusEditRequested, stored.Status)
	require.Equal(t, []int64{1, 2}, stored.EditRequest.Approved)

	waiting := f.notifier.ofType(EventEditApproved)
	require.Len(t, waiting, 2)
	require.Equal(t, []int64{3}, waiting[1].Waiting)

	done, err = f.svc.ApproveEditRequest(context.Background(), ts.ID, 3)
	require.NoError(t, err)
	require.True(t, done)

	stored = f.repo.stored(t, ts.ID)
	require.Equal(t, StatusDraft, stored.Status)
	require.Nil(t, stored.EditRequest)
	require.Len(t, f.notifier.ofType(EventEditConsented), 1)
	require.Equal(t, 1, f.metrics.edits["consented"])
	require.Contains(t, f.audit.actions(), "TIMESHEET_EDIT_UNLOCK")
}

func TestApproveEditRequestIsIdempotent(t *testing.T) {
	f, ts := consensusFixture(t)
	_, err := f.svc.RequestEdit(context.Background(), ts.ID, 99)
	require.NoError(t, err)

	done, err := f.svc.ApproveEditRequest(context.Background(), ts.ID, 2)
	require.NoError(t, err)
	require.False(t, done)
	before := f.repo.stored(t, ts.ID)

	done, err = f.svc.ApproveEditRequest(context.Background(), ts.ID, 2)
	require.NoError(t, err)
	require.False(t, done)

	after := f.repo.stored(t, ts.ID)
	require.Equal(t, []int64{2}, after.EditRequest.Approved)
	require.Equal(t, before.Version, after.Version)
	require.Len(t, f.notifier.ofType(EventEditApproved), 1)
	require.Equal(t, 1, f.metrics.edits["approved"])
}

func TestApproveEditRequestFullConsensusNotifiedOnce(t *testing.T) {
	f := newFixture()
	f.dir.projects[10] = []int64{1}
	ts := pendingTimesheet(99, Category{Kind: CategoryProject, Items: []Item{itemWith(ptr(10), nil, DayPending, 8)}})
	ts = f.repo.put(ts)
	_, err := f.svc.RequestEdit(context.Background(), ts.ID, 99)
	require.NoError(t, err)

	done, err := f.svc.ApproveEditRequest(context.Background(), ts.ID, 1)
	require.NoError(t, err)
	require.True(t, done)

	// The request is closed; a repeat cannot announce consensus again.
	_, err = f.svc.ApproveEditRequest(context.Background(), ts.ID, 1)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Len(t, f.notifier.ofType(EventEditConsented), 1)
}

func TestApproveEditRequestUnauthorized(t *testing.T) {
	f, ts := consensusFixture(t)
	_, err := f.svc.ApproveEditRequest(context.Background(), ts.ID, 1)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.RequestEdit(context.Background(), ts.ID, 99)
	require.NoError(t, err)

	_, err = f.svc.ApproveEditRequest(context.Background(), ts.ID, 4)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Empty(t, f.repo.stored(t, ts.ID).EditRequest.Approved)
}

func TestRejectEditRequestRestoresPreviousStatus(t *testing.T) {
	for _, previous := range []Status{StatusPending, StatusApproved, StatusRejected} {
		t.Run(string(previous), func(t *testing.T) {
			f, ts := consensusFixture(t)
			stored := f.repo.stored(t, ts.ID)
			stored.Status = previous
			_, err := f.repo.Save(context.Background(), stored)
			require.NoError(t, err)

			_, err = f.svc.RequestEdit(context.Background(), ts.ID, 99)
			require.NoError(t, err)
			_, err = f.svc.ApproveEditRequest(context.Background(), ts.ID, 1)
			require.NoError(t, err)
			_, err = f.svc.ApproveEditRequest(context.Background(), ts.ID, 3)
			require.NoError(t, err)

			got, err := f.svc.RejectEditRequest(context.Background(), ts.ID, 2, "week is closed")
			require.NoError(t, err)
			require.Equal(t, previous, got.Status)
			require.Nil(t, got.EditRequest)

			evts := f.notifier.ofType(EventEditRejected)
			require.Len(t, evts, 1)
			require.Equal(t, "week is closed", evts[0].Reason)

			// A fresh request starts from an empty approved set.
			again, err := f.svc.RequestEdit(context.Background(), ts.ID, 99)
			require.NoError(t, err)
			require.Empty(t, again.EditRequest.Approved)
		})
	}
}

func TestRejectEditRequestUnauthorized(t *testing.T) {
	f, ts := consensusFixture(t)
	_, err := f.svc.RequestEdit(context.Background(), ts.ID, 99)
	require.NoError(t, err)

	_, err = f.svc.RejectEditRequest(context.Background(), ts.ID, 8, "no")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, StatusEditRequested, f.repo.stored(t, ts.ID).Status)
}

func TestEditHistoryVisibility(t *testing.T) {
	f, ts := consensusFixture(t)
	_, err := f.svc.RequestEdit(context.Background(), ts.ID, 99)
	require.NoError(t, err)
	_, err = f.svc.ApproveEditRequest(context.Background(), ts.ID, 3)
	require.NoError(t, err)

	logs, err := f.svc.EditHistory(context.Background(), ts.ID, 99)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, shared.ApprovalSubmit, logs[0].Action)
	require.Equal(t, shared.ApprovalApprove, logs[1].Action)
	require.Equal(t, int64(3), logs[1].ActorID)

	_, err = f.svc.EditHistory(context.Background(), ts.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.EditHistory(context.Background(), ts.ID, 42)
	require.ErrorIs(t, err, ErrUnauthorized)
}
