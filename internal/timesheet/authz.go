package timesheet

// Supervision is the set of projects and teams a supervisor has authority over.
type Supervision struct {
	ProjectIDs map[int64]struct{}
	TeamIDs    map[int64]struct{}
}

// NewSupervision builds a Supervision from id slices.
func NewSupervision(projectIDs, teamIDs []int64) Supervision {
	sup := Supervision{
		ProjectIDs: make(map[int64]struct{}, len(projectIDs)),
		TeamIDs:    make(map[int64]struct{}, len(teamIDs)),
	}
	for _, id := range projectIDs {
		sup.ProjectIDs[id] = struct{}{}
	}
	for _, id := range teamIDs {
		sup.TeamIDs[id] = struct{}{}
	}
	return sup
}

// Any reports whether the supervisor has authority over anything at all.
func (s Supervision) Any() bool {
	return len(s.ProjectIDs) > 0 || len(s.TeamIDs) > 0
}

// CanAct decides whether the supervisor may act on the days of item.
// Project takes precedence over team; unassigned items fall back to any
// supervisory authority.
func CanAct(sup Supervision, item Item) bool {
	switch {
	case item.ProjectID != nil:
		_, ok := sup.ProjectIDs[*item.ProjectID]
		return ok
	case item.TeamID != nil:
		_, ok := sup.TeamIDs[*item.TeamID]
		return ok
	default:
		return sup.Any()
	}
}

// CanActOnAny reports whether the supervisor may act on at least one item of ts.
func CanActOnAny(sup Supervision, ts Timesheet) bool {
	for _, cat := range ts.Categories {
		for _, it := range cat.Items {
			if CanAct(sup, it) {
				return true
			}
		}
	}
	return false
}
