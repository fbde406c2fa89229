package timesheet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateInput describes a new weekly timesheet.
type CreateInput struct {
	OwnerID    int64      `json:"ownerId" validate:"required,gt=0"`
	WeekOf     time.Time  `json:"weekOf" validate:"required"`
	Categories []Category `json:"categories" validate:"dive"`
}

// UpdateHoursInput describes an owner edit of one day slot.
type UpdateHoursInput struct {
	TimesheetID   int64   `json:"-"`
	OwnerID       int64   `json:"-"`
	CategoryIndex int     `json:"categoryIndex" validate:"gte=0"`
	ItemIndex     int     `json:"itemIndex" validate:"gte=0"`
	DayIndex      int     `json:"dayIndex" validate:"gte=0,lte=6"`
	Hours         float64 `json:"hours" validate:"gte=0,lte=24"`
	Description   string  `json:"description" validate:"max=1000"`
}

// Create opens the owner's timesheet for the week containing WeekOf. Only one
// timesheet may exist per owner and week.
func (s *Service) Create(ctx context.Context, input CreateInput) (Timesheet, error) {
	week := WeekStart(input.WeekOf)
	existing, err := s.repo.FindByOwnerWeek(ctx, input.OwnerID, week)
	switch {
	case err == nil:
		return existing, fmt.Errorf("%w: timesheet %d already covers week %s", ErrConflict, existing.ID, week.Format("2006-01-02"))
	case !errors.Is(err, ErrNotFound):
		return Timesheet{}, repoErr(err)
	}

	ts := Timesheet{
		OwnerID:    input.OwnerID,
		WeekStart:  week,
		Status:     StatusDraft,
		Categories: make([]Category, 0, len(input.Categories)),
	}
	for _, cat := range input.Categories {
		items := make([]Item, 0, len(cat.Items))
		for _, it := range cat.Items {
			item := it.Clone()
			for d := range item.DailyStatus {
				item.DailyStatus[d] = DayDraft
			}
			item.RejectionReasons = nil
			items = append(items, item)
		}
		ts.Categories = append(ts.Categories, Category{Kind: cat.Kind, Items: items})
	}
	if err := ts.Validate(); err != nil {
		return Timesheet{}, err
	}
	created, err := s.repo.Create(ctx, ts)
	if err != nil {
		return Timesheet{}, repoErr(err)
	}
	s.recordAudit(ctx, input.OwnerID, "TIMESHEET_CREATE", created.ID, map[string]any{"week_start": week.Format("2006-01-02")})
	return created, nil
}

// Submit hands a draft timesheet to supervisors. Every substantive day that is
// still in draft or was rejected becomes pending.
func (s *Service) Submit(ctx context.Context, id, ownerID int64) (Timesheet, error) {
	var ts Timesheet
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return repoErr(err)
		}
		if current.OwnerID != ownerID {
			return fmt.Errorf("%w: only the owner may submit", ErrUnauthorized)
		}
		if !CanTransition(current.Status, StatusPending) {
			return fmt.Errorf("%w: cannot submit from %s", ErrInvalidState, current.Status)
		}
		for ci := range current.Categories {
			items := current.Categories[ci].Items
			for ii := range items {
				for d := 0; d < DaysPerWeek; d++ {
					if items[ii].Substantive(d) && CanTransitionDay(items[ii].DailyStatus[d], DayPending) {
						items[ii].DailyStatus[d] = DayPending
					}
				}
			}
		}
		current.Status = StatusPending
		current.RejectionReason = ""
		ts, err = s.repo.Save(ctx, current)
		return repoErr(err)
	})
	if err != nil {
		return Timesheet{}, err
	}
	s.recordAudit(ctx, ownerID, "TIMESHEET_SUBMIT", id, map[string]any{"days": ts.SubstantiveDays()})
	s.notify(ctx, s.event(ts, EventSubmitted, ownerID))
	return ts, nil
}

// UpdateHours lets the owner change one day while the timesheet is editable.
// The edited day returns to draft; editing a rejected timesheet reopens it as
// a draft.
func (s *Service) UpdateHours(ctx context.Context, input UpdateHoursInput) (Timesheet, error) {
	if input.DayIndex < 0 || input.DayIndex >= DaysPerWeek {
		return Timesheet{}, fmt.Errorf("%w: day %d", ErrNotFound, input.DayIndex)
	}
	if input.Hours < 0 || input.Hours > 24 {
		return Timesheet{}, fmt.Errorf("%w: hours must be between 0 and 24", ErrValidation)
	}
	var ts Timesheet
	err := s.withLock(ctx, input.TimesheetID, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, input.TimesheetID)
		if err != nil {
			return repoErr(err)
		}
		if current.OwnerID != input.OwnerID {
			return fmt.Errorf("%w: only the owner may edit hours", ErrUnauthorized)
		}
		if !current.Status.Editable() {
			return fmt.Errorf("%w: timesheet is %s", ErrInvalidState, current.Status)
		}
		reopen := current.Status != StatusDraft
		if reopen && !CanTransition(current.Status, StatusDraft) {
			return fmt.Errorf("%w: cannot reopen from %s", ErrInvalidState, current.Status)
		}
		item, err := current.ItemAt(input.CategoryIndex, input.ItemIndex)
		if err != nil {
			return err
		}
		day := input.DayIndex
		if item.DailyStatus[day] != DayDraft {
			if !CanTransitionDay(item.DailyStatus[day], DayDraft) {
				return fmt.Errorf("%w: day %d is %s", ErrValidation, day, item.DailyStatus[day])
			}
			item.DailyStatus[day] = DayDraft
		}
		item.Hours[day] = input.Hours
		item.Descriptions[day] = strings.TrimSpace(input.Description)
		item.setReason(day, "")
		if reopen {
			current.Status = StatusDraft
			current.RejectionReason = ""
		}
		ts, err = s.repo.Save(ctx, current)
		return repoErr(err)
	})
	if err != nil {
		return Timesheet{}, err
	}
	return ts, nil
}

// RejectTimesheet rejects the whole week. Day-level reconciliation never does
// this on its own.
func (s *Service) RejectTimesheet(ctx context.Context, id, supervisorID int64, reason string) (Timesheet, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Timesheet{}, errReasonRequired
	}
	sup, err := s.SupervisionFor(ctx, supervisorID)
	if err != nil {
		return Timesheet{}, err
	}
	var ts Timesheet
	err = s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return repoErr(err)
		}
		if !CanActOnAny(sup, current) {
			return fmt.Errorf("%w: supervisor %d has no authority over timesheet %d", ErrUnauthorized, supervisorID, id)
		}
		if !CanTransition(current.Status, StatusRejected) {
			return fmt.Errorf("%w: cannot reject from %s", ErrInvalidState, current.Status)
		}
		current.Status = StatusRejected
		current.RejectionReason = reason
		ts, err = s.repo.Save(ctx, current)
		return repoErr(err)
	})
	if err != nil {
		return Timesheet{}, err
	}
	s.recordAudit(ctx, supervisorID, "TIMESHEET_REJECT", id, map[string]any{"reason": reason})
	evt := s.event(ts, EventRejected, supervisorID)
	evt.Reason = reason
	s.notify(ctx, evt)
	return ts, nil
}
