package timesheet

import (
	"context"
	"fmt"
	"slices"

	"github.com/odyssey-erp/timesheets/internal/shared"
)

// RequestEdit asks to unlock a submitted timesheet. Every supervisor of a
// project or team referenced by the timesheet must consent; the set is frozen
// now and not recomputed if assignments change later.
func (s *Service) RequestEdit(ctx context.Context, id, ownerID int64) (Timesheet, error) {
	var ts Timesheet
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return repoErr(err)
		}
		if current.OwnerID != ownerID {
			return fmt.Errorf("%w: only the owner may request an edit", ErrUnauthorized)
		}
		if !CanTransition(current.Status, StatusEditRequested) {
			return fmt.Errorf("%w: cannot request edit from %s", ErrInvalidState, current.Status)
		}
		approvers, err := s.requiredApprovers(ctx, current)
		if err != nil {
			return err
		}
		if len(approvers) == 0 {
			return ErrNoApproversAvailable
		}
		current.EditRequest = &EditRequest{
			RequiredApprovers: approvers,
			Approved:          []int64{},
			PreviousStatus:    current.Status,
			RequestedBy:       ownerID,
			RequestedAt:       s.cfg.Now().UTC(),
		}
		current.Status = StatusEditRequested
		ts, err = s.repo.Save(ctx, current)
		return repoErr(err)
	})
	if err != nil {
		return Timesheet{}, err
	}
	if s.metrics != nil {
		s.metrics.EditRequest("requested")
	}
	s.recordApproval(ctx, id, ownerID, shared.ApprovalSubmit, fmt.Sprintf("edit requested from %s", ts.EditRequest.PreviousStatus))
	s.recordAudit(ctx, ownerID, "TIMESHEET_EDIT_REQUEST", id, map[string]any{"approvers": ts.EditRequest.RequiredApprovers})
	evt := s.event(ts, EventEditRequested, ownerID)
	evt.Waiting = slices.Clone(ts.EditRequest.RequiredApprovers)
	s.notify(ctx, evt)
	return ts, nil
}

// ApproveEditRequest records supervisorID's consent. It reports true once
// every required approver has consented, at which point the timesheet is back
// in DRAFT. Approving twice has no further effect.
func (s *Service) ApproveEditRequest(ctx context.Context, id, supervisorID int64) (bool, error) {
	var (
		ts       Timesheet
		changed  bool
		complete bool
	)
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return repoErr(err)
		}
		req, err := openEditRequest(current)
		if err != nil {
			return err
		}
		if !req.Requires(supervisorID) {
			return fmt.Errorf("%w: supervisor %d is not a required approver", ErrUnauthorized, supervisorID)
		}
		if req.HasApproved(supervisorID) {
			ts = current
			return nil
		}
		req.Approved = append(req.Approved, supervisorID)
		slices.Sort(req.Approved)
		changed = true
		if req.Complete() {
			if !CanTransition(current.Status, StatusDraft) {
				return fmt.Errorf("%w: cannot unlock from %s", ErrInvalidState, current.Status)
			}
			current.Status = StatusDraft
			current.EditRequest = nil
			complete = true
		}
		ts, err = s.repo.Save(ctx, current)
		return repoErr(err)
	})
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	if complete {
		if s.metrics != nil {
			s.metrics.EditRequest("consented")
		}
		s.recordApproval(ctx, id, supervisorID, shared.ApprovalApprove, "edit request approved")
		s.recordApproval(ctx, id, supervisorID, shared.ApprovalComplete, "all approvers consented")
		s.recordAudit(ctx, supervisorID, "TIMESHEET_EDIT_UNLOCK", id, nil)
		s.notify(ctx, s.event(ts, EventEditConsented, supervisorID))
		return true, nil
	}
	if s.metrics != nil {
		s.metrics.EditRequest("approved")
	}
	s.recordApproval(ctx, id, supervisorID, shared.ApprovalApprove, "edit request approved")
	evt := s.event(ts, EventEditApproved, supervisorID)
	evt.Waiting = ts.EditRequest.Pending()
	s.notify(ctx, evt)
	return false, nil
}

// RejectEditRequest vetoes the request: the timesheet returns to the status it
// had before the request and the consensus state is discarded.
func (s *Service) RejectEditRequest(ctx context.Context, id, supervisorID int64, reason string) (Timesheet, error) {
	var ts Timesheet
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return repoErr(err)
		}
		req, err := openEditRequest(current)
		if err != nil {
			return err
		}
		if !req.Requires(supervisorID) {
			return fmt.Errorf("%w: supervisor %d is not a required approver", ErrUnauthorized, supervisorID)
		}
		if !CanRestore(current.Status, req.PreviousStatus) {
			return fmt.Errorf("%w: cannot restore %s", ErrInvalidState, req.PreviousStatus)
		}
		current.Status = req.PreviousStatus
		current.EditRequest = nil
		ts, err = s.repo.Save(ctx, current)
		return repoErr(err)
	})
	if err != nil {
		return Timesheet{}, err
	}
	if s.metrics != nil {
		s.metrics.EditRequest("rejected")
	}
	s.recordApproval(ctx, id, supervisorID, shared.ApprovalReject, reason)
	s.recordAudit(ctx, supervisorID, "TIMESHEET_EDIT_REJECT", id, map[string]any{"restored": string(ts.Status)})
	evt := s.event(ts, EventEditRejected, supervisorID)
	evt.Reason = reason
	s.notify(ctx, evt)
	return ts, nil
}

func openEditRequest(ts Timesheet) (*EditRequest, error) {
	if ts.Status != StatusEditRequested || ts.EditRequest == nil {
		return nil, fmt.Errorf("%w: timesheet %d has no open edit request", ErrInvalidState, ts.ID)
	}
	return ts.EditRequest, nil
}

// requiredApprovers is the distinct union of the supervisors of every project
// and team referenced by the timesheet's items.
func (s *Service) requiredApprovers(ctx context.Context, ts Timesheet) ([]int64, error) {
	projects := make(map[int64]struct{})
	teams := make(map[int64]struct{})
	for _, cat := range ts.Categories {
		for _, it := range cat.Items {
			switch {
			case it.ProjectID != nil:
				projects[*it.ProjectID] = struct{}{}
			case it.TeamID != nil:
				teams[*it.TeamID] = struct{}{}
			}
		}
	}
	approvers := make(map[int64]struct{})
	for _, projectID := range sortedIDs(projects) {
		ids, err := s.directory.ProjectSupervisors(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("%w: project %d supervisors: %w", ErrRepositoryUnavailable, projectID, err)
		}
		for _, id := range ids {
			approvers[id] = struct{}{}
		}
	}
	for _, teamID := range sortedIDs(teams) {
		ids, err := s.directory.TeamSupervisors(ctx, teamID)
		if err != nil {
			return nil, fmt.Errorf("%w: team %d supervisors: %w", ErrRepositoryUnavailable, teamID, err)
		}
		for _, id := range ids {
			approvers[id] = struct{}{}
		}
	}
	return sortedIDs(approvers), nil
}

// EditHistory lists every edit-request decision recorded for a timesheet,
// oldest first. Only the owner and supervisors of its items may read it.
func (s *Service) EditHistory(ctx context.Context, id, actorID int64) ([]shared.ApprovalLog, error) {
	ts, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, repoErr(err)
	}
	if ts.OwnerID != actorID {
		sup, err := s.SupervisionFor(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if !CanActOnAny(sup, ts) {
			return nil, fmt.Errorf("%w: user %d cannot view timesheet %d", ErrUnauthorized, actorID, id)
		}
	}
	if s.approvals == nil {
		return nil, nil
	}
	logs, err := s.approvals.List(ctx, approvalModule, shared.ApprovalRef(approvalModule, id))
	if err != nil {
		return nil, fmt.Errorf("%w: approval history: %w", ErrRepositoryUnavailable, err)
	}
	return logs, nil
}
