package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/odyssey-erp/timesheets/internal/supervision"
)

// SupervisorStore is the directory surface used by the supervisor commands.
type SupervisorStore interface {
	ProjectSupervisors(ctx context.Context, projectID int64) ([]int64, error)
	TeamSupervisors(ctx context.Context, teamID int64) ([]int64, error)
	Replace(ctx context.Context, scope supervision.Scope, targetID int64, userIDs []int64) error
}

// SupervisorsCLI manages project and team supervisor lists.
type SupervisorsCLI struct {
	Store  SupervisorStore
	Stdout io.Writer
	Stderr io.Writer
}

func (c *SupervisorsCLI) streams() (io.Writer, io.Writer) {
	stdout, stderr := c.Stdout, c.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}

// ShowCommand prints the supervisors of a project or team.
// args: <project|team> <id>
func (c *SupervisorsCLI) ShowCommand(ctx context.Context, args []string) int {
	stdout, stderr := c.streams()
	if len(args) != 2 {
		_, _ = fmt.Fprintln(stderr, "usage: supervisors show <project|team> <id>")
		return 2
	}
	scope, id, err := parseTarget(args[0], args[1])
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}
	var ids []int64
	switch scope {
	case supervision.ScopeProject:
		ids, err = c.Store.ProjectSupervisors(ctx, id)
	default:
		ids, err = c.Store.TeamSupervisors(ctx, id)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "supervisors show: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s %d: %s\n", scope, id, joinIDs(ids))
	return 0
}

// SetCommand replaces the supervisors of a project or team.
// args: <project|team> <id> <user,user,...>; an empty list clears it.
func (c *SupervisorsCLI) SetCommand(ctx context.Context, args []string) int {
	stdout, stderr := c.streams()
	if len(args) < 2 || len(args) > 3 {
		_, _ = fmt.Fprintln(stderr, "usage: supervisors set <project|team> <id> [user,user,...]")
		return 2
	}
	scope, id, err := parseTarget(args[0], args[1])
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}
	var users []int64
	if len(args) == 3 {
		users, err = parseIDs(args[2])
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 2
		}
	}
	if err := c.Store.Replace(ctx, scope, id, users); err != nil {
		_, _ = fmt.Fprintf(stderr, "supervisors set: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s %d: %s\n", scope, id, joinIDs(users))
	return 0
}

func parseTarget(rawScope, rawID string) (supervision.Scope, int64, error) {
	scope := supervision.Scope(strings.ToLower(strings.TrimSpace(rawScope)))
	if scope != supervision.ScopeProject && scope != supervision.ScopeTeam {
		return "", 0, fmt.Errorf("scope must be project or team, got %q", rawScope)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("id must be a positive integer, got %q", rawID)
	}
	return scope, id, nil
}

// parseIDs reads a comma separated id list, dropping duplicates.
func parseIDs(raw string) ([]int64, error) {
	seen := make(map[int64]struct{})
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "(none)"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
