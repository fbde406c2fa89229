package timesheet

import (
	"fmt"
	"strings"
)

// Status is the timesheet-level lifecycle state.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusPending       Status = "PENDING"
	StatusApproved      Status = "APPROVED"
	StatusRejected      Status = "REJECTED"
	StatusEditRequested Status = "EDIT_REQUESTED"
)

// DayStatus is the per-day lifecycle state of a single item slot.
type DayStatus string

const (
	DayDraft    DayStatus = "DRAFT"
	DayPending  DayStatus = "PENDING"
	DayApproved DayStatus = "APPROVED"
	DayRejected DayStatus = "REJECTED"
)

var timesheetTransitions = map[Status][]Status{
	StatusDraft:         {StatusPending},
	StatusPending:       {StatusApproved, StatusRejected, StatusEditRequested},
	StatusApproved:      {StatusEditRequested},
	StatusRejected:      {StatusEditRequested, StatusDraft},
	StatusEditRequested: {StatusDraft},
}

// editRestores lists the statuses a vetoed edit request may fall back to.
// They are not ordinary transitions out of EDIT_REQUESTED.
var editRestores = map[Status]bool{
	StatusPending:  true,
	StatusApproved: true,
	StatusRejected: true,
}

var dayTransitions = map[DayStatus][]DayStatus{
	DayDraft:    {DayPending},
	// PENDING→DRAFT is the owner editing a day of a reopened timesheet.
	DayPending:  {DayApproved, DayRejected, DayDraft},
	DayRejected: {DayDraft, DayPending},
	DayApproved: {DayDraft},
}

// Valid reports whether s is a known timesheet status.
func (s Status) Valid() bool {
	_, ok := timesheetTransitions[s]
	return ok
}

// Valid reports whether s is a known day status.
func (s DayStatus) Valid() bool {
	_, ok := dayTransitions[s]
	return ok
}

// ParseStatus converts a loosely cased string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown timesheet status %q", ErrValidation, raw)
	}
	return s, nil
}

// ParseDayStatus converts a loosely cased string into a DayStatus.
func ParseDayStatus(raw string) (DayStatus, error) {
	s := DayStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown day status %q", ErrValidation, raw)
	}
	return s, nil
}

// CanTransition reports whether a timesheet may move from current to next.
// Staying in the same state is never a transition.
func CanTransition(current, next Status) bool {
	for _, allowed := range timesheetTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanRestore reports whether a rejected edit request may return the timesheet
// to previous, the status it held when the request was opened.
func CanRestore(current, previous Status) bool {
	return current == StatusEditRequested && editRestores[previous]
}

// CanTransitionDay reports whether a single day may move from current to next.
func CanTransitionDay(current, next DayStatus) bool {
	for _, allowed := range dayTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Editable reports whether the owner may change hours while the timesheet is in s.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusRejected
}
