package timesheet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/timesheets/internal/shared"
)

type memoryRepo struct {
	mu         sync.Mutex
	timesheets map[int64]Timesheet
	nextID     int64
	failGet    error
	getHook    func(ctx context.Context, id int64) error
	failUpdate error
	conflicts  int
	saves      int
	itemWrites int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{timesheets: make(map[int64]Timesheet)}
}

func (r *memoryRepo) put(ts Timesheet) Timesheet {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	ts.ID = r.nextID
	if ts.Version == 0 {
		ts.Version = 1
	}
	r.timesheets[ts.ID] = ts.Clone()
	return ts
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Timesheet, error) {
	if r.getHook != nil {
		if err := r.getHook(ctx, id); err != nil {
			return Timesheet{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return Timesheet{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failGet != nil {
		return Timesheet{}, r.failGet
	}
	ts, ok := r.timesheets[id]
	if !ok {
		return Timesheet{}, ErrNotFound
	}
	return ts.Clone(), nil
}

func (r *memoryRepo) ListByIDs(ctx context.Context, ids []int64) ([]Timesheet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Timesheet
	for _, id := range ids {
		if ts, ok := r.timesheets[id]; ok {
			out = append(out, ts.Clone())
		}
	}
	return out, nil
}

func (r *memoryRepo) FindByOwnerWeek(ctx context.Context, ownerID int64, weekStart time.Time) (Timesheet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ts := range r.timesheets {
		if ts.OwnerID == ownerID && ts.WeekStart.Equal(WeekStart(weekStart)) {
			return ts.Clone(), nil
		}
	}
	return Timesheet{}, ErrNotFound
}

func (r *memoryRepo) Create(ctx context.Context, ts Timesheet) (Timesheet, error) {
	ts.Version = 1
	return r.put(ts), nil
}

func (r *memoryRepo) Save(ctx context.Context, ts Timesheet) (Timesheet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.timesheets[ts.ID]
	if !ok {
		return Timesheet{}, ErrNotFound
	}
	if stored.Version != ts.Version {
		return Timesheet{}, ErrConflict
	}
	ts.Version++
	r.timesheets[ts.ID] = ts.Clone()
	r.saves++
	return ts.Clone(), nil
}

func (r *memoryRepo) UpdateItem(ctx context.Context, id, version int64, categoryIndex, itemIndex int, item Item) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate != nil {
		return 0, r.failUpdate
	}
	if r.conflicts > 0 {
		r.conflicts--
		return 0, ErrConflict
	}
	stored, ok := r.timesheets[id]
	if !ok {
		return 0, ErrNotFound
	}
	if stored.Version != version {
		return 0, ErrConflict
	}
	target, err := stored.ItemAt(categoryIndex, itemIndex)
	if err != nil {
		return 0, err
	}
	*target = item.Clone()
	stored.Version++
	r.timesheets[id] = stored
	r.itemWrites++
	return stored.Version, nil
}

func (r *memoryRepo) stored(t *testing.T, id int64) Timesheet {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.timesheets[id]
	require.True(t, ok)
	return ts.Clone()
}

type memoryDirectory struct {
	projects map[int64][]int64
	teams    map[int64][]int64
	err      error
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{projects: make(map[int64][]int64), teams: make(map[int64][]int64)}
}

func (d *memoryDirectory) SupervisedProjectIDs(ctx context.Context, userID int64) ([]int64, error) {
	return d.supervised(d.projects, userID)
}

func (d *memoryDirectory) SupervisedTeamIDs(ctx context.Context, userID int64) ([]int64, error) {
	return d.supervised(d.teams, userID)
}

func (d *memoryDirectory) supervised(set map[int64][]int64, userID int64) ([]int64, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []int64
	for id, users := range set {
		for _, u := range users {
			if u == userID {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (d *memoryDirectory) ProjectSupervisors(ctx context.Context, projectID int64) ([]int64, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.projects[projectID], nil
}

func (d *memoryDirectory) TeamSupervisors(ctx context.Context, teamID int64) ([]int64, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.teams[teamID], nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(ctx context.Context, evt Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return nil
}

func (n *recordingNotifier) ofType(typ EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, evt := range n.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type recordingApprovals struct {
	mu   sync.Mutex
	logs []shared.ApprovalLog
}

func (a *recordingApprovals) Record(ctx context.Context, log shared.ApprovalLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingApprovals) List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []shared.ApprovalLog
	for _, l := range a.logs {
		if l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

type countingMetrics struct {
	mu         sync.Mutex
	applied    map[DayStatus]int
	skipped    map[DayStatus]int
	promotions int
	edits      map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		applied: make(map[DayStatus]int),
		skipped: make(map[DayStatus]int),
		edits:   make(map[string]int),
	}
}

func (m *countingMetrics) DayUpdates(status DayStatus, outcome string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if outcome == "applied" {
		m.applied[status] += n
		return
	}
	m.skipped[status] += n
}

func (m *countingMetrics) Promotion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promotions++
}

func (m *countingMetrics) EditRequest(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits[action]++
}

type fixture struct {
	repo      *memoryRepo
	dir       *memoryDirectory
	notifier  *recordingNotifier
	audit     *recordingAudit
	approvals *recordingApprovals
	metrics   *countingMetrics
	svc       *Service
}

var fixedNow = time.Date(2024, 3, 6, 9, 30, 0, 0, time.UTC)

func newFixture() *fixture {
	f := &fixture{
		repo:      newMemoryRepo(),
		dir:       newMemoryDirectory(),
		notifier:  &recordingNotifier{},
		audit:     &recordingAudit{},
		approvals: &recordingApprovals{},
		metrics:   newCountingMetrics(),
	}
	f.svc = NewService(Dependencies{
		Repository: f.repo,
		Directory:  f.dir,
		Notifier:   f.notifier,
		Audit:      f.audit,
		Approvals:  f.approvals,
		Metrics:    f.metrics,
	}, ServiceConfig{Now: func() time.Time { return fixedNow }})
	return f
}

func ptr(v int64) *int64 { return &v }

// itemWith builds an item whose days carry the given hours, all at status.
func itemWith(projectID, teamID *int64, status DayStatus, hours ...float64) Item {
	item := NewItem("work", projectID, teamID)
	for d, h := range hours {
		item.Hours[d] = h
	}
	for d := range item.DailyStatus {
		item.DailyStatus[d] = status
	}
	return item
}

func pendingTimesheet(ownerID int64, categories ...Category) Timesheet {
	return Timesheet{
		OwnerID:    ownerID,
		WeekStart:  WeekStart(fixedNow),
		Status:     StatusPending,
		Categories: categories,
	}
}

func requireSevenSlots(t *testing.T, ts Timesheet) {
	t.Helper()
	for _, cat := range ts.Categories {
		for _, it := range cat.Items {
			require.Len(t, it.Hours, DaysPerWeek)
			require.Len(t, it.Descriptions, DaysPerWeek)
			require.Len(t, it.DailyStatus, DaysPerWeek)
		}
	}
}

var errBoom = errors.New("boom")
