package timesheet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DayUpdate asks for one status on several days of the same item.
type DayUpdate struct {
	TimesheetID     int64     `json:"timesheetId" validate:"required,gt=0"`
	CategoryIndex   int       `json:"categoryIndex" validate:"gte=0"`
	ItemIndex       int       `json:"itemIndex" validate:"gte=0"`
	DayIndices      []int     `json:"dayIndices" validate:"required,min=1"`
	Status          DayStatus `json:"status" validate:"required,oneof=APPROVED REJECTED"`
	RejectionReason string    `json:"rejectionReason,omitempty" validate:"max=500"`
}

// Failure reasons reported per skipped day.
const (
	FailureNotFound          = "not_found"
	FailureUnauthorized      = "unauthorized"
	FailureInvalidTransition = "invalid_transition"
	FailureReasonRequired    = "reason_required"
	FailureEditRequested     = "edit_requested"
)

// DayFailure describes a day that was skipped.
type DayFailure struct {
	Selection DaySelection `json:"selection"`
	Status    DayStatus    `json:"status"`
	Reason    string       `json:"reason"`
	Err       error        `json:"-"`
}

// BatchResult summarises a batch. Skipped days keep their previous state.
type BatchResult struct {
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Failures   []DayFailure     `json:"failures,omitempty"`
	Reconciled map[int64]Status `json:"reconciled,omitempty"`
}

type dayOp struct {
	day    int
	status DayStatus
	reason string
}

type itemGroup struct {
	timesheetID   int64
	categoryIndex int
	itemIndex     int
	ops           []dayOp
}

type groupKey struct {
	timesheetID   int64
	categoryIndex int
	itemIndex     int
}

var errReasonRequired = fmt.Errorf("%w: rejection reason required", ErrValidation)

// GroupSelections turns flat day selections into one update per item.
func GroupSelections(selections []DaySelection, status DayStatus, reason string) []DayUpdate {
	var out []DayUpdate
	index := make(map[groupKey]int)
	for _, sel := range selections {
		key := groupKey{sel.TimesheetID, sel.CategoryIndex, sel.ItemIndex}
		pos, ok := index[key]
		if !ok {
			pos = len(out)
			index[key] = pos
			out = append(out, DayUpdate{
				TimesheetID:     sel.TimesheetID,
				CategoryIndex:   sel.CategoryIndex,
				ItemIndex:       sel.ItemIndex,
				Status:          status,
				RejectionReason: reason,
			})
		}
		out[pos].DayIndices = append(out[pos].DayIndices, sel.DayIndex)
	}
	return out
}

// groupUpdates merges updates addressing the same item, preserving first
// appearance order and dropping repeated identical day requests.
func groupUpdates(updates []DayUpdate) ([]int64, map[int64][]*itemGroup) {
	var order []int64
	byTimesheet := make(map[int64][]*itemGroup)
	index := make(map[groupKey]*itemGroup)
	for _, u := range updates {
		key := groupKey{u.TimesheetID, u.CategoryIndex, u.ItemIndex}
		g, ok := index[key]
		if !ok {
			g = &itemGroup{timesheetID: u.TimesheetID, categoryIndex: u.CategoryIndex, itemIndex: u.ItemIndex}
			index[key] = g
			if _, seen := byTimesheet[u.TimesheetID]; !seen {
				order = append(order, u.TimesheetID)
			}
			byTimesheet[u.TimesheetID] = append(byTimesheet[u.TimesheetID], g)
		}
		reason := strings.TrimSpace(u.RejectionReason)
		for _, day := range u.DayIndices {
			op := dayOp{day: day, status: u.Status, reason: reason}
			if !containsOp(g.ops, op) {
				g.ops = append(g.ops, op)
			}
		}
	}
	return order, byTimesheet
}

func containsOp(ops []dayOp, op dayOp) bool {
	for _, existing := range ops {
		if existing.day == op.day && existing.status == op.status {
			return true
		}
	}
	return false
}

// ApplyDayBatch applies approve/reject decisions by actorID on a best-effort
// basis. Days that fail validation or authorization are reported in the result
// and never abort their siblings. An error is returned only when persistence
// fails; the other timesheets still run to completion and reconcile, and the
// caller is expected to retry the whole batch. Once started, per-timesheet
// work is not interrupted by cancellation of ctx.
func (s *Service) ApplyDayBatch(ctx context.Context, actorID int64, updates []DayUpdate) (BatchResult, error) {
	result := BatchResult{Reconciled: make(map[int64]Status)}
	if len(updates) == 0 {
		return result, nil
	}
	for _, u := range updates {
		if u.Status != DayApproved && u.Status != DayRejected {
			return result, fmt.Errorf("%w: batch status must be APPROVED or REJECTED, got %q", ErrValidation, u.Status)
		}
	}
	sup, err := s.SupervisionFor(ctx, actorID)
	if err != nil {
		return result, err
	}

	order, byTimesheet := groupUpdates(updates)

	var mu sync.Mutex
	outcomes := make(map[int64]timesheetOutcome, len(order))
	workCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(s.cfg.BatchConcurrency)
	for _, id := range order {
		groups := byTimesheet[id]
		g.Go(func() error {
			out, err := s.applyTimesheet(workCtx, actorID, sup, id, groups)
			mu.Lock()
			outcomes[id] = out
			mu.Unlock()
			return err
		})
	}
	runErr := g.Wait()

	for _, id := range order {
		out, ok := outcomes[id]
		if !ok {
			continue
		}
		result.Succeeded += out.succeeded
		result.Failed += len(out.failures)
		result.Failures = append(result.Failures, out.failures...)
		if out.reconciled {
			result.Reconciled[id] = out.status
		}
		s.reportOutcome(ctx, actorID, out)
	}
	if runErr != nil {
		s.logger.Error("apply day batch",
			slog.Int64("actor_id", actorID),
			slog.Int("succeeded", result.Succeeded),
			slog.Int("failed", result.Failed),
			slog.Any("error", runErr))
		return result, runErr
	}
	return result, nil
}

type timesheetOutcome struct {
	timesheet  Timesheet
	succeeded  int
	byStatus   map[DayStatus]int
	failures   []DayFailure
	reconciled bool
	promoted   bool
	status     Status
}

func (s *Service) applyTimesheet(ctx context.Context, actorID int64, sup Supervision, id int64, groups []*itemGroup) (timesheetOutcome, error) {
	out := timesheetOutcome{byStatus: make(map[DayStatus]int)}
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		for _, g := range groups {
			if err := s.applyItemGroup(ctx, sup, g, &out); err != nil {
				return err
			}
		}
		if out.succeeded == 0 {
			return nil
		}
		ts, promoted, err := s.reconcileLocked(ctx, id)
		if err != nil {
			return err
		}
		out.timesheet = ts
		out.reconciled = true
		out.promoted = promoted
		out.status = ts.Status
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("timesheet %d: %w", id, err)
	}
	return out, nil
}

// applyItemGroup performs one read-modify-write cycle on a single item.
func (s *Service) applyItemGroup(ctx context.Context, sup Supervision, g *itemGroup, out *timesheetOutcome) error {
	for attempt := 0; ; attempt++ {
		ts, err := s.repo.Get(ctx, g.timesheetID)
		if errors.Is(err, ErrNotFound) {
			out.failures = append(out.failures, g.failAll(err)...)
			return nil
		}
		if err != nil {
			return repoErr(err)
		}
		if ts.Status == StatusEditRequested {
			// Days are frozen until the edit request is settled.
			out.failures = append(out.failures, g.failAll(fmt.Errorf("%w: timesheet %d has an open edit request", ErrInvalidState, ts.ID))...)
			return nil
		}
		current, err := ts.ItemAt(g.categoryIndex, g.itemIndex)
		if err != nil {
			out.failures = append(out.failures, g.failAll(err)...)
			return nil
		}
		if out.timesheet.ID == 0 {
			out.timesheet = ts
		}

		item := current.Clone()
		var applied []dayOp
		var failures []DayFailure
		for _, op := range g.ops {
			if err := applyDay(sup, &item, op); err != nil {
				failures = append(failures, g.fail(op, err))
				continue
			}
			applied = append(applied, op)
		}
		if len(applied) > 0 {
			_, err = s.repo.UpdateItem(ctx, ts.ID, ts.Version, g.categoryIndex, g.itemIndex, item)
			if errors.Is(err, ErrConflict) && attempt < maxConflictRetries {
				continue
			}
			if err != nil {
				return repoErr(err)
			}
		}
		out.failures = append(out.failures, failures...)
		out.succeeded += len(applied)
		for _, op := range applied {
			out.byStatus[op.status]++
		}
		return nil
	}
}

// applyDay validates and applies a single day decision on item.
func applyDay(sup Supervision, item *Item, op dayOp) error {
	if op.day < 0 || op.day >= DaysPerWeek {
		return fmt.Errorf("%w: day %d", ErrNotFound, op.day)
	}
	current := item.DailyStatus[op.day]
	if !CanTransitionDay(current, op.status) {
		return fmt.Errorf("%w: day %d cannot move from %s to %s", ErrValidation, op.day, current, op.status)
	}
	if !CanAct(sup, *item) {
		return fmt.Errorf("%w: day %d", ErrUnauthorized, op.day)
	}
	if op.status == DayRejected && op.reason == "" {
		return errReasonRequired
	}
	item.DailyStatus[op.day] = op.status
	if op.status == DayRejected {
		item.setReason(op.day, op.reason)
	} else {
		item.setReason(op.day, "")
	}
	return nil
}

func (g *itemGroup) fail(op dayOp, err error) DayFailure {
	return DayFailure{
		Selection: DaySelection{TimesheetID: g.timesheetID, CategoryIndex: g.categoryIndex, ItemIndex: g.itemIndex, DayIndex: op.day},
		Status:    op.status,
		Reason:    failureReason(err),
		Err:       err,
	}
}

func (g *itemGroup) failAll(err error) []DayFailure {
	out := make([]DayFailure, 0, len(g.ops))
	for _, op := range g.ops {
		out = append(out, g.fail(op, err))
	}
	return out
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, errReasonRequired):
		return FailureReasonRequired
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrUnauthorized):
		return FailureUnauthorized
	case errors.Is(err, ErrInvalidState):
		return FailureEditRequested
	default:
		return FailureInvalidTransition
	}
}

func (s *Service) reportOutcome(ctx context.Context, actorID int64, out timesheetOutcome) {
	if s.metrics != nil {
		for status, n := range out.byStatus {
			s.metrics.DayUpdates(status, "applied", n)
		}
		skipped := make(map[DayStatus]int)
		for _, f := range out.failures {
			skipped[f.Status]++
		}
		for status, n := range skipped {
			s.metrics.DayUpdates(status, "skipped", n)
		}
	}
	if out.timesheet.ID == 0 || out.succeeded == 0 {
		return
	}
	s.recordAudit(ctx, actorID, "TIMESHEET_DAYS_UPDATE", out.timesheet.ID, map[string]any{
		"approved": out.byStatus[DayApproved],
		"rejected": out.byStatus[DayRejected],
		"skipped":  len(out.failures),
	})
	evt := s.event(out.timesheet, EventDayBatchProcessed, actorID)
	evt.Succeeded = out.succeeded
	evt.Failed = len(out.failures)
	s.notify(ctx, evt)
	if out.promoted {
		s.afterPromotion(ctx, actorID, out.timesheet)
	}
}
