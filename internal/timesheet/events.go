package timesheet

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a status transition observed by the notifier.
type EventType string

const (
	EventSubmitted         EventType = "timesheet.submitted"
	EventDayBatchProcessed EventType = "day_batch.processed"
	EventApproved          EventType = "timesheet.approved"
	EventRejected          EventType = "timesheet.rejected"
	EventEditRequested     EventType = "edit_request.created"
	EventEditApproved      EventType = "edit_request.approved"
	EventEditConsented     EventType = "edit_request.consented"
	EventEditRejected      EventType = "edit_request.rejected"
)

// Event is delivered to the notifier after a committed transition.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Type        EventType `json:"type"`
	TimesheetID int64     `json:"timesheetId"`
	OwnerID     int64     `json:"ownerId"`
	ActorID     int64     `json:"actorId"`
	Status      Status    `json:"status"`
	WeekStart   time.Time `json:"weekStart"`
	Succeeded   int       `json:"succeeded,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	Waiting     []int64   `json:"waiting,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier receives transition events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, evt Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}
