package timesheet

import (
	"context"
	"fmt"
)

// Aggregate decides the timesheet status implied by its day statuses. It only
// ever promotes PENDING to APPROVED: rejecting a whole week takes an explicit
// action carrying a reason, and an open edit request leaves only through
// consensus or veto. The bool reports whether the status changes.
func Aggregate(ts Timesheet) (Status, bool) {
	if ts.Status != StatusPending {
		return ts.Status, false
	}
	substantive := 0
	for _, cat := range ts.Categories {
		for _, it := range cat.Items {
			for d := 0; d < DaysPerWeek; d++ {
				if !it.Substantive(d) {
					continue
				}
				substantive++
				if it.DailyStatus[d] != DayApproved {
					return ts.Status, false
				}
			}
		}
	}
	if substantive == 0 {
		return ts.Status, false
	}
	if !CanTransition(ts.Status, StatusApproved) {
		return ts.Status, false
	}
	return StatusApproved, true
}

// Reconcile re-reads the persisted timesheet and promotes it to APPROVED when
// every substantive day is approved. It returns the resulting status.
func (s *Service) Reconcile(ctx context.Context, id int64) (Status, error) {
	var (
		ts       Timesheet
		promoted bool
	)
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		var err error
		ts, promoted, err = s.reconcileLocked(ctx, id)
		return err
	})
	if err != nil {
		return "", err
	}
	if promoted {
		s.afterPromotion(ctx, 0, ts)
	}
	return ts.Status, nil
}

// reconcileLocked must run under the timesheet lock, after every write of the
// current unit of work has been persisted.
func (s *Service) reconcileLocked(ctx context.Context, id int64) (Timesheet, bool, error) {
	ts, err := s.repo.Get(ctx, id)
	if err != nil {
		return Timesheet{}, false, repoErr(err)
	}
	next, promote := Aggregate(ts)
	if !promote {
		return ts, false, nil
	}
	ts.Status = next
	ts.RejectionReason = ""
	saved, err := s.repo.Save(ctx, ts)
	if err != nil {
		return Timesheet{}, false, fmt.Errorf("promote timesheet %d: %w", id, repoErr(err))
	}
	return saved, true, nil
}

func (s *Service) afterPromotion(ctx context.Context, actorID int64, ts Timesheet) {
	if s.metrics != nil {
		s.metrics.Promotion()
	}
	s.recordAudit(ctx, actorID, "TIMESHEET_APPROVE", ts.ID, map[string]any{"week_start": ts.WeekStart.Format("2006-01-02")})
	s.notify(ctx, s.event(ts, EventApproved, actorID))
}
