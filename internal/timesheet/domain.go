package timesheet

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// DaysPerWeek is the number of day slots carried by every item.
const DaysPerWeek = 7

// CategoryKind selects which authorization rule applies to a category's items.
type CategoryKind string

const (
	CategoryProject CategoryKind = "PROJECT"
	CategoryTeam    CategoryKind = "TEAM"
	CategoryAbsence CategoryKind = "ABSENCE"
)

// Valid reports whether k is a known category kind.
func (k CategoryKind) Valid() bool {
	switch k {
	case CategoryProject, CategoryTeam, CategoryAbsence:
		return true
	}
	return false
}

// Timesheet is one employee's weekly work record.
type Timesheet struct {
	ID              int64
	OwnerID         int64
	WeekStart       time.Time
	Status          Status
	Categories      []Category
	RejectionReason string
	EditRequest     *EditRequest
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Category groups items of the same kind.
type Category struct {
	Kind  CategoryKind `json:"kind"`
	Items []Item       `json:"items"`
}

// Item is one logical line of work. The three day arrays are index-aligned,
// Monday first.
type Item struct {
	Work             string                 `json:"work,omitempty"`
	ProjectID        *int64                 `json:"projectId,omitempty"`
	TeamID           *int64                 `json:"teamId,omitempty"`
	Hours            [DaysPerWeek]float64   `json:"hours"`
	Descriptions     [DaysPerWeek]string    `json:"descriptions"`
	DailyStatus      [DaysPerWeek]DayStatus `json:"dailyStatus"`
	RejectionReasons map[int]string         `json:"rejectionReasons,omitempty"`
}

// DaySelection addresses one day of one item in one timesheet.
type DaySelection struct {
	TimesheetID   int64 `json:"timesheetId"`
	CategoryIndex int   `json:"categoryIndex"`
	ItemIndex     int   `json:"itemIndex"`
	DayIndex      int   `json:"dayIndex"`
}

// EditRequest tracks supervisor consent for unlocking a submitted timesheet.
// RequiredApprovers is fixed when the request is made.
type EditRequest struct {
	RequiredApprovers []int64   `json:"requiredApprovers"`
	Approved          []int64   `json:"approved"`
	PreviousStatus    Status    `json:"previousStatus"`
	RequestedBy       int64     `json:"requestedBy"`
	RequestedAt       time.Time `json:"requestedAt"`
}

var (
	// ErrValidation indicates an illegal transition or malformed input.
	ErrValidation = errors.New("timesheet: invalid input")
	// ErrUnauthorized indicates the actor lacks authority over the target.
	ErrUnauthorized = errors.New("timesheet: unauthorized")
	// ErrNoApproversAvailable indicates an edit request has nobody to approve it.
	ErrNoApproversAvailable = errors.New("timesheet: no approvers available")
	// ErrNotFound indicates a missing timesheet or an out-of-range index.
	ErrNotFound = errors.New("timesheet: not found")
	// ErrRepositoryUnavailable wraps infrastructure failures.
	ErrRepositoryUnavailable = errors.New("timesheet: repository unavailable")
	// ErrInvalidState occurs when the timesheet status forbids the action.
	ErrInvalidState = errors.New("timesheet: invalid state transition")
	// ErrConflict indicates a concurrent modification or duplicate week.
	ErrConflict = errors.New("timesheet: conflict")
)

// WeekStart normalises t to the Monday of its ISO week at 00:00 UTC.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

// NewItem returns an item with every day in draft.
func NewItem(work string, projectID, teamID *int64) Item {
	item := Item{Work: work, ProjectID: projectID, TeamID: teamID}
	for i := range item.DailyStatus {
		item.DailyStatus[i] = DayDraft
	}
	return item
}

// Validate checks the structural invariants of an item.
func (it Item) Validate() error {
	if it.ProjectID != nil && it.TeamID != nil {
		return fmt.Errorf("%w: item references both project and team", ErrValidation)
	}
	for i := 0; i < DaysPerWeek; i++ {
		if it.Hours[i] < 0 || it.Hours[i] > 24 {
			return fmt.Errorf("%w: hours for day %d out of range", ErrValidation, i)
		}
		if !it.DailyStatus[i].Valid() {
			return fmt.Errorf("%w: day %d has unknown status %q", ErrValidation, i, it.DailyStatus[i])
		}
	}
	return nil
}

// Substantive reports whether the day slot has logged work.
func (it Item) Substantive(day int) bool {
	return day >= 0 && day < DaysPerWeek && it.Hours[day] > 0
}

// Clone returns a deep copy safe for mutation.
func (it Item) Clone() Item {
	out := it
	if it.ProjectID != nil {
		v := *it.ProjectID
		out.ProjectID = &v
	}
	if it.TeamID != nil {
		v := *it.TeamID
		out.TeamID = &v
	}
	if it.RejectionReasons != nil {
		out.RejectionReasons = make(map[int]string, len(it.RejectionReasons))
		for k, v := range it.RejectionReasons {
			out.RejectionReasons[k] = v
		}
	}
	return out
}

func (it *Item) setReason(day int, reason string) {
	if reason == "" {
		if it.RejectionReasons != nil {
			delete(it.RejectionReasons, day)
			if len(it.RejectionReasons) == 0 {
				it.RejectionReasons = nil
			}
		}
		return
	}
	if it.RejectionReasons == nil {
		it.RejectionReasons = make(map[int]string)
	}
	it.RejectionReasons[day] = reason
}

// ItemAt resolves a category/item address.
func (t *Timesheet) ItemAt(categoryIndex, itemIndex int) (*Item, error) {
	if categoryIndex < 0 || categoryIndex >= len(t.Categories) {
		return nil, fmt.Errorf("%w: category %d", ErrNotFound, categoryIndex)
	}
	items := t.Categories[categoryIndex].Items
	if itemIndex < 0 || itemIndex >= len(items) {
		return nil, fmt.Errorf("%w: item %d in category %d", ErrNotFound, itemIndex, categoryIndex)
	}
	return &t.Categories[categoryIndex].Items[itemIndex], nil
}

// Clone returns a deep copy of the timesheet.
func (t Timesheet) Clone() Timesheet {
	out := t
	out.Categories = make([]Category, len(t.Categories))
	for i, cat := range t.Categories {
		items := make([]Item, len(cat.Items))
		for j, it := range cat.Items {
			items[j] = it.Clone()
		}
		out.Categories[i] = Category{Kind: cat.Kind, Items: items}
	}
	if t.EditRequest != nil {
		req := *t.EditRequest
		req.RequiredApprovers = slices.Clone(t.EditRequest.RequiredApprovers)
		req.Approved = slices.Clone(t.EditRequest.Approved)
		out.EditRequest = &req
	}
	return out
}

// Validate checks every category and item.
func (t Timesheet) Validate() error {
	if t.OwnerID == 0 {
		return fmt.Errorf("%w: owner required", ErrValidation)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, t.Status)
	}
	if !t.WeekStart.Equal(WeekStart(t.WeekStart)) {
		return fmt.Errorf("%w: week start must be a Monday at 00:00 UTC", ErrValidation)
	}
	for i, cat := range t.Categories {
		if !cat.Kind.Valid() {
			return fmt.Errorf("%w: category %d has unknown kind %q", ErrValidation, i, cat.Kind)
		}
		for j, it := range cat.Items {
			if err := it.Validate(); err != nil {
				return fmt.Errorf("category %d item %d: %w", i, j, err)
			}
		}
	}
	return nil
}

// SubstantiveDays counts days with logged hours across every item.
func (t Timesheet) SubstantiveDays() int {
	n := 0
	for _, cat := range t.Categories {
		for _, it := range cat.Items {
			for d := 0; d < DaysPerWeek; d++ {
				if it.Substantive(d) {
					n++
				}
			}
		}
	}
	return n
}

// HasApproved reports whether supervisorID already consented.
func (r *EditRequest) HasApproved(supervisorID int64) bool {
	return r != nil && slices.Contains(r.Approved, supervisorID)
}

// Requires reports whether supervisorID belongs to the consensus set.
func (r *EditRequest) Requires(supervisorID int64) bool {
	return r != nil && slices.Contains(r.RequiredApprovers, supervisorID)
}

// Complete reports whether every required approver has consented.
func (r *EditRequest) Complete() bool {
	if r == nil || len(r.RequiredApprovers) == 0 {
		return false
	}
	for _, id := range r.RequiredApprovers {
		if !slices.Contains(r.Approved, id) {
			return false
		}
	}
	return true
}

// Pending lists the required approvers who have not consented yet.
func (r *EditRequest) Pending() []int64 {
	if r == nil {
		return nil
	}
	var out []int64
	for _, id := range r.RequiredApprovers {
		if !slices.Contains(r.Approved, id) {
			out = append(out, id)
		}
	}
	return out
}
