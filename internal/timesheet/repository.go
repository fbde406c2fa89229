package timesheet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository persists timesheets in PostgreSQL. Categories and the edit
// request are stored as JSONB; version implements optimistic concurrency.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const timesheetColumns = `id, owner_id, week_start, status, categories, rejection_reason, edit_request, version, created_at, updated_at`

func scanTimesheet(row pgx.Row) (Timesheet, error) {
	var (
		ts          Timesheet
		status      string
		categories  []byte
		editRequest []byte
	)
	err := row.Scan(&ts.ID, &ts.OwnerID, &ts.WeekStart, &status, &categories, &ts.RejectionReason, &editRequest, &ts.Version, &ts.CreatedAt, &ts.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Timesheet{}, ErrNotFound
		}
		return Timesheet{}, err
	}
	ts.Status = Status(status)
	ts.WeekStart = WeekStart(ts.WeekStart)
	if len(categories) > 0 {
		if err := json.Unmarshal(categories, &ts.Categories); err != nil {
			return Timesheet{}, fmt.Errorf("decode categories of timesheet %d: %w", ts.ID, err)
		}
	}
	if len(editRequest) > 0 && string(editRequest) != "null" {
		var req EditRequest
		if err := json.Unmarshal(editRequest, &req); err != nil {
			return Timesheet{}, fmt.Errorf("decode edit request of timesheet %d: %w", ts.ID, err)
		}
		ts.EditRequest = &req
	}
	return ts, nil
}

func encodeDocument(ts Timesheet) ([]byte, []byte, error) {
	categories := ts.Categories
	if categories == nil {
		categories = []Category{}
	}
	catJSON, err := json.Marshal(categories)
	if err != nil {
		return nil, nil, err
	}
	var reqJSON []byte
	if ts.EditRequest != nil {
		reqJSON, err = json.Marshal(ts.EditRequest)
		if err != nil {
			return nil, nil, err
		}
	}
	return catJSON, reqJSON, nil
}

// Get fetches a timesheet by ID.
func (r *PGRepository) Get(ctx context.Context, id int64) (Timesheet, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+timesheetColumns+` FROM timesheets WHERE id = $1`, id)
	return scanTimesheet(row)
}

// ListByIDs returns the timesheets among ids ordered by id. Missing ids are skipped.
func (r *PGRepository) ListByIDs(ctx context.Context, ids []int64) ([]Timesheet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+timesheetColumns+` FROM timesheets WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Timesheet
	for rows.Next() {
		ts, err := scanTimesheet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// ListIDsByStatus returns up to limit timesheet ids in status, oldest update first.
func (r *PGRepository) ListIDsByStatus(ctx context.Context, status Status, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM timesheets WHERE status = $1 ORDER BY updated_at, id LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// FindByOwnerWeek returns the owner's timesheet for the given week start.
func (r *PGRepository) FindByOwnerWeek(ctx context.Context, ownerID int64, weekStart time.Time) (Timesheet, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+timesheetColumns+` FROM timesheets WHERE owner_id = $1 AND week_start = $2`, ownerID, WeekStart(weekStart))
	return scanTimesheet(row)
}

// Create inserts a new timesheet at version 1.
func (r *PGRepository) Create(ctx context.Context, ts Timesheet) (Timesheet, error) {
	catJSON, reqJSON, err := encodeDocument(ts)
	if err != nil {
		return Timesheet{}, err
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO timesheets (owner_id, week_start, status, categories, rejection_reason, edit_request, version)
VALUES ($1, $2, $3, $4, $5, $6, 1)
RETURNING `+timesheetColumns, ts.OwnerID, WeekStart(ts.WeekStart), string(ts.Status), catJSON, ts.RejectionReason, reqJSON)
	created, err := scanTimesheet(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Timesheet{}, fmt.Errorf("%w: owner %d already has a timesheet for %s", ErrConflict, ts.OwnerID, ts.WeekStart.Format("2006-01-02"))
		}
		return Timesheet{}, err
	}
	return created, nil
}

// Save writes the whole document when ts.Version matches the stored version.
func (r *PGRepository) Save(ctx context.Context, ts Timesheet) (Timesheet, error) {
	catJSON, reqJSON, err := encodeDocument(ts)
	if err != nil {
		return Timesheet{}, err
	}
	row := r.pool.QueryRow(ctx, `UPDATE timesheets
SET status = $3, categories = $4, rejection_reason = $5, edit_request = $6, version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $2
RETURNING `+timesheetColumns, ts.ID, ts.Version, string(ts.Status), catJSON, ts.RejectionReason, reqJSON)
	saved, err := scanTimesheet(row)
	if errors.Is(err, ErrNotFound) {
		return Timesheet{}, r.missOrConflict(ctx, ts.ID)
	}
	return saved, err
}

// UpdateItem replaces a single item in place when version matches, returning
// the new version.
func (r *PGRepository) UpdateItem(ctx context.Context, id, version int64, categoryIndex, itemIndex int, item Item) (int64, error) {
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return 0, err
	}
	path := []string{strconv.Itoa(categoryIndex), "items", strconv.Itoa(itemIndex)}
	var next int64
	err = r.pool.QueryRow(ctx, `UPDATE timesheets
SET categories = jsonb_set(categories, $3::text[], $4::jsonb, false), version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $2
RETURNING version`, id, version, path, itemJSON).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, r.missOrConflict(ctx, id)
		}
		return 0, err
	}
	return next, nil
}

func (r *PGRepository) missOrConflict(ctx context.Context, id int64) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM timesheets WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: timesheet %d was modified concurrently", ErrConflict, id)
}
