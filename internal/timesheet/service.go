package timesheet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/timesheets/internal/shared"
)

// Repository describes the persistence operations used by Service.
// Save and UpdateItem must reject writes whose Version is stale with ErrConflict.
type Repository interface {
	Get(ctx context.Context, id int64) (Timesheet, error)
	ListByIDs(ctx context.Context, ids []int64) ([]Timesheet, error)
	FindByOwnerWeek(ctx context.Context, ownerID int64, weekStart time.Time) (Timesheet, error)
	Create(ctx context.Context, ts Timesheet) (Timesheet, error)
	Save(ctx context.Context, ts Timesheet) (Timesheet, error)
	UpdateItem(ctx context.Context, id, version int64, categoryIndex, itemIndex int, item Item) (int64, error)
}

// Directory answers who supervises which projects and teams.
type Directory interface {
	SupervisedProjectIDs(ctx context.Context, userID int64) ([]int64, error)
	SupervisedTeamIDs(ctx context.Context, userID int64) ([]int64, error)
	ProjectSupervisors(ctx context.Context, projectID int64) ([]int64, error)
	TeamSupervisors(ctx context.Context, teamID int64) ([]int64, error)
}

// Locker serialises work on a single timesheet.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// AuditPort records transitions for the audit trail.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort records edit-request decisions and reads them back.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// MetricsPort receives counters for processed work.
type MetricsPort interface {
	DayUpdates(status DayStatus, outcome string, n int)
	Promotion()
	EditRequest(action string)
}

// ServiceConfig tunes batch processing.
type ServiceConfig struct {
	// BatchConcurrency bounds how many timesheets a batch processes at once.
	BatchConcurrency  int
	// RepositoryTimeout bounds the work done for a single timesheet.
	RepositoryTimeout time.Duration
	Now               func() time.Time
}

// Dependencies wires the collaborators of Service. Only Repository and
// Directory are required.
type Dependencies struct {
	Repository Repository
	Directory  Directory
	Notifier   Notifier
	Locker     Locker
	Audit      AuditPort
	Approvals  ApprovalPort
	Metrics    MetricsPort
	Logger     *slog.Logger
}

// Service orchestrates day-level decisions, reconciliation and edit requests.
type Service struct {
	repo      Repository
	directory Directory
	notifier  Notifier
	locker    Locker
	audit     AuditPort
	approvals ApprovalPort
	metrics   MetricsPort
	logger    *slog.Logger
	cfg       ServiceConfig
}

const (
	approvalModule     = "TIMESHEET_EDIT"
	maxConflictRetries = 3
)

// NewService constructs the timesheet service.
func NewService(deps Dependencies, cfg ServiceConfig) *Service {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 4
	}
	if cfg.RepositoryTimeout <= 0 {
		cfg.RepositoryTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	locker := deps.Locker
	if locker == nil {
		locker = shared.NewKeyedMutex()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      deps.Repository,
		directory: deps.Directory,
		notifier:  deps.Notifier,
		locker:    locker,
		audit:     deps.Audit,
		approvals: deps.Approvals,
		metrics:   deps.Metrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// Get returns a timesheet by id.
func (s *Service) Get(ctx context.Context, id int64) (Timesheet, error) {
	ts, err := s.repo.Get(ctx, id)
	if err != nil {
		return Timesheet{}, repoErr(err)
	}
	return ts, nil
}

// ListByIDs returns the timesheets that exist among ids.
func (s *Service) ListByIDs(ctx context.Context, ids []int64) ([]Timesheet, error) {
	items, err := s.repo.ListByIDs(ctx, ids)
	if err != nil {
		return nil, repoErr(err)
	}
	return items, nil
}

// SupervisionFor loads the projects and teams a user supervises.
func (s *Service) SupervisionFor(ctx context.Context, userID int64) (Supervision, error) {
	projects, err := s.directory.SupervisedProjectIDs(ctx, userID)
	if err != nil {
		return Supervision{}, fmt.Errorf("%w: supervised projects: %w", ErrRepositoryUnavailable, err)
	}
	teams, err := s.directory.SupervisedTeamIDs(ctx, userID)
	if err != nil {
		return Supervision{}, fmt.Errorf("%w: supervised teams: %w", ErrRepositoryUnavailable, err)
	}
	return NewSupervision(projects, teams), nil
}

// withLock runs fn while holding the timesheet's lock, bounded by RepositoryTimeout.
func (s *Service) withLock(ctx context.Context, id int64, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RepositoryTimeout)
	defer cancel()
	release, err := s.locker.Acquire(ctx, shared.TimesheetLockKey(id))
	if err != nil {
		if errors.Is(err, shared.ErrLockTimeout) {
			return fmt.Errorf("%w: timesheet %d is busy", ErrConflict, id)
		}
		return fmt.Errorf("%w: %w", ErrRepositoryUnavailable, err)
	}
	defer release()
	return fn(ctx)
}

// repoErr keeps domain errors intact and classifies the rest as infrastructure.
func repoErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrValidation) || errors.Is(err, ErrRepositoryUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRepositoryUnavailable, err)
}

func (s *Service) notify(ctx context.Context, evt Event) {
	if s.notifier == nil {
		return
	}
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.At.IsZero() {
		evt.At = s.cfg.Now().UTC()
	}
	// The transition is already committed; a cancelled request must not drop the event.
	if err := s.notifier.Notify(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("timesheet notify",
			slog.String("event", string(evt.Type)),
			slog.Int64("timesheet_id", evt.TimesheetID),
			slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(context.WithoutCancel(ctx), shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "timesheet",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       s.cfg.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("timesheet audit", slog.String("action", action), slog.Int64("timesheet_id", id), slog.Any("error", err))
	}
}

func (s *Service) recordApproval(ctx context.Context, id, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(context.WithoutCancel(ctx), shared.ApprovalLog{
		Module:  approvalModule,
		RefID:   shared.ApprovalRef(approvalModule, id),
		ActorID: actorID,
		Action:  action,
		Note:    note,
		At:      s.cfg.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("timesheet approval log", slog.Int64("timesheet_id", id), slog.Any("error", err))
	}
}

func (s *Service) event(ts Timesheet, typ EventType, actorID int64) Event {
	return Event{
		Type:        typ,
		TimesheetID: ts.ID,
		OwnerID:     ts.OwnerID,
		ActorID:     actorID,
		Status:      ts.Status,
		WeekStart:   ts.WeekStart,
	}
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
