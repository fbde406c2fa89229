package supervision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheVersionKey = "supervision:version"

// Source is the uncached directory.
type Source interface {
	SupervisedProjectIDs(ctx context.Context, userID int64) ([]int64, error)
	SupervisedTeamIDs(ctx context.Context, userID int64) ([]int64, error)
	ProjectSupervisors(ctx context.Context, projectID int64) ([]int64, error)
	TeamSupervisors(ctx context.Context, teamID int64) ([]int64, error)
}

// Assigner mutates supervisor assignments.
type Assigner interface {
	Assign(ctx context.Context, scope Scope, targetID, userID int64) error
	Unassign(ctx context.Context, scope Scope, targetID, userID int64) error
}

// Replacer swaps a whole supervisor list at once.
type Replacer interface {
	Replace(ctx context.Context, scope Scope, targetID int64, userIDs []int64) error
}

// CachedDirectory caches directory lookups in redis under a version that is
// bumped whenever assignments change. Concurrent misses for the same key
// share one source query.
type CachedDirectory struct {
	source Source
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCachedDirectory wraps source. A nil client disables caching.
func NewCachedDirectory(source Source, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDirectory{source: source, client: client, ttl: ttl, logger: logger}
}

// SupervisedProjectIDs lists the projects userID supervises.
func (c *CachedDirectory) SupervisedProjectIDs(ctx context.Context, userID int64) ([]int64, error) {
	return c.fetch(ctx, "user-projects", userID, c.source.SupervisedProjectIDs)
}

// SupervisedTeamIDs lists the teams userID supervises.
func (c *CachedDirectory) SupervisedTeamIDs(ctx context.Context, userID int64) ([]int64, error) {
	return c.fetch(ctx, "user-teams", userID, c.source.SupervisedTeamIDs)
}

// ProjectSupervisors lists the supervisors of projectID.
func (c *CachedDirectory) ProjectSupervisors(ctx context.Context, projectID int64) ([]int64, error) {
	return c.fetch(ctx, "project", projectID, c.source.ProjectSupervisors)
}

// TeamSupervisors lists the supervisors of teamID.
func (c *CachedDirectory) TeamSupervisors(ctx context.Context, teamID int64) ([]int64, error) {
	return c.fetch(ctx, "team", teamID, c.source.TeamSupervisors)
}

// Assign delegates to the source and invalidates cached lookups.
func (c *CachedDirectory) Assign(ctx context.Context, scope Scope, targetID, userID int64) error {
	assigner, ok := c.source.(Assigner)
	if !ok {
		return errors.New("supervision: source is read-only")
	}
	if err := assigner.Assign(ctx, scope, targetID, userID); err != nil {
		return err
	}
	return c.Invalidate(ctx)
}

// Unassign delegates to the source and invalidates cached lookups.
func (c *CachedDirectory) Unassign(ctx context.Context, scope Scope, targetID, userID int64) error {
	assigner, ok := c.source.(Assigner)
	if !ok {
		return errors.New("supervision: source is read-only")
	}
	if err := assigner.Unassign(ctx, scope, targetID, userID); err != nil {
		return err
	}
	return c.Invalidate(ctx)
}

// Replace delegates to the source and invalidates cached lookups.
func (c *CachedDirectory) Replace(ctx context.Context, scope Scope, targetID int64, userIDs []int64) error {
	replacer, ok := c.source.(Replacer)
	if !ok {
		return errors.New("supervision: source cannot replace assignments")
	}
	if err := replacer.Replace(ctx, scope, targetID, userIDs); err != nil {
		return err
	}
	return c.Invalidate(ctx)
}

// Invalidate drops every cached lookup by bumping the version.
func (c *CachedDirectory) Invalidate(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

func (c *CachedDirectory) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

func (c *CachedDirectory) fetch(ctx context.Context, kind string, id int64, load func(context.Context, int64) ([]int64, error)) ([]int64, error) {
	if c.client == nil {
		return load(ctx, id)
	}
	ver, err := c.version(ctx)
	if err != nil {
		c.logger.Warn("supervision cache version", slog.Any("error", err))
		return load(ctx, id)
	}
	key := fmt.Sprintf("supervision:%s:%s:v%d", kind, strconv.FormatInt(id, 10), ver)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var ids []int64
		if err := json.Unmarshal(payload, &ids); err == nil {
			return ids, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("supervision cache read", slog.String("key", key), slog.Any("error", err))
	}

	// The shared load outlives any single waiter's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		ids, err := load(loadCtx, id)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []int64{}
		}
		raw, err := json.Marshal(ids)
		if err == nil {
			if err := c.client.Set(loadCtx, key, raw, c.ttl).Err(); err != nil {
				c.logger.Warn("supervision cache write", slog.String("key", key), slog.Any("error", err))
			}
		}
		return ids, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]int64), nil
	}
}
