// Package supervision answers who supervises which projects and teams.
package supervision

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/timesheets/internal/platform/db"
)

// Scope selects the assignment table.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeTeam    Scope = "team"
)

// ErrUnknownScope is returned for scopes other than project and team.
var ErrUnknownScope = errors.New("supervision: unknown scope")

func (s Scope) table() (table, column string, err error) {
	switch s {
	case ScopeProject:
		return "project_supervisors", "project_id", nil
	case ScopeTeam:
		return "team_supervisors", "team_id", nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnknownScope, s)
}

// PGDirectory reads supervisor assignments from PostgreSQL.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory constructs a directory over pool.
func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

// SupervisedProjectIDs lists the projects userID supervises.
func (d *PGDirectory) SupervisedProjectIDs(ctx context.Context, userID int64) ([]int64, error) {
	return d.ids(ctx, `SELECT project_id FROM project_supervisors WHERE user_id = $1 ORDER BY project_id`, userID)
}

// SupervisedTeamIDs lists the teams userID supervises.
func (d *PGDirectory) SupervisedTeamIDs(ctx context.Context, userID int64) ([]int64, error) {
	return d.ids(ctx, `SELECT team_id FROM team_supervisors WHERE user_id = $1 ORDER BY team_id`, userID)
}

// ProjectSupervisors lists the supervisors of projectID.
func (d *PGDirectory) ProjectSupervisors(ctx context.Context, projectID int64) ([]int64, error) {
	return d.ids(ctx, `SELECT user_id FROM project_supervisors WHERE project_id = $1 ORDER BY user_id`, projectID)
}

// TeamSupervisors lists the supervisors of teamID.
func (d *PGDirectory) TeamSupervisors(ctx context.Context, teamID int64) ([]int64, error) {
	return d.ids(ctx, `SELECT user_id FROM team_supervisors WHERE team_id = $1 ORDER BY user_id`, teamID)
}

// Assign makes userID a supervisor of the project or team.
func (d *PGDirectory) Assign(ctx context.Context, scope Scope, targetID, userID int64) error {
	table, column, err := scope.table()
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`INSERT INTO %s (%s, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, table, column)
	_, err = d.pool.Exec(ctx, sql, targetID, userID)
	return err
}

// Unassign removes userID from the project or team supervisors.
func (d *PGDirectory) Unassign(ctx context.Context, scope Scope, targetID, userID int64) error {
	table, column, err := scope.table()
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1 AND user_id = $2`, table, column)
	_, err = d.pool.Exec(ctx, sql, targetID, userID)
	return err
}

// Replace sets the full supervisor list of a project or team in one transaction.
func (d *PGDirectory) Replace(ctx context.Context, scope Scope, targetID int64, userIDs []int64) error {
	table, column, err := scope.table()
	if err != nil {
		return err
	}
	return db.WithTx(ctx, d.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, table, column), targetID); err != nil {
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}
		_, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s, user_id)
SELECT $1, u FROM unnest($2::bigint[]) AS u
ON CONFLICT DO NOTHING`, table, column), targetID, userIDs)
		return err
	})
}

func (d *PGDirectory) ids(ctx context.Context, sql string, arg int64) ([]int64, error) {
	rows, err := d.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
