package supervision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type memorySource struct {
	mu       sync.Mutex
	projects map[int64][]int64
	teams    map[int64][]int64
	calls    int
	err      error
}

func newMemorySource() *memorySource {
	return &memorySource{projects: make(map[int64][]int64), teams: make(map[int64][]int64)}
}

func (s *memorySource) lookup(set map[int64][]int64, id int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]int64(nil), set[id]...), nil
}

func (s *memorySource) reverse(set map[int64][]int64, userID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var out []int64
	for id, users := range set {
		for _, u := range users {
			if u == userID {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (s *memorySource) SupervisedProjectIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.reverse(s.projects, userID)
}

func (s *memorySource) SupervisedTeamIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.reverse(s.teams, userID)
}

func (s *memorySource) ProjectSupervisors(ctx context.Context, projectID int64) ([]int64, error) {
	return s.lookup(s.projects, projectID)
}

func (s *memorySource) TeamSupervisors(ctx context.Context, teamID int64) ([]int64, error) {
	return s.lookup(s.teams, teamID)
}

func (s *memorySource) Assign(ctx context.Context, scope Scope, targetID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch scope {
	case ScopeProject:
		s.projects[targetID] = append(s.projects[targetID], userID)
	case ScopeTeam:
		s.teams[targetID] = append(s.teams[targetID], userID)
	default:
		return ErrUnknownScope
	}
	return nil
}

func (s *memorySource) Unassign(ctx context.Context, scope Scope, targetID, userID int64) error {
	return nil
}

func (s *memorySource) Replace(ctx context.Context, scope Scope, targetID int64, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch scope {
	case ScopeProject:
		s.projects[targetID] = append([]int64(nil), userIDs...)
	case ScopeTeam:
		s.teams[targetID] = append([]int64(nil), userIDs...)
	default:
		return ErrUnknownScope
	}
	return nil
}

func (s *memorySource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newCachedDirectory(t *testing.T, src Source) (*CachedDirectory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCachedDirectory(src, client, time.Minute, nil), mr
}

func TestCachedDirectoryServesFromRedis(t *testing.T) {
	src := newMemorySource()
	src.projects[10] = []int64{1, 2}
	dir, _ := newCachedDirectory(t, src)
	ctx := context.Background()

	ids, err := dir.ProjectSupervisors(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids)

	ids, err = dir.ProjectSupervisors(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids)
	require.Equal(t, 1, src.callCount())

	empty, err := dir.TeamSupervisors(ctx, 99)
	require.NoError(t, err)
	require.Empty(t, empty)
	_, err = dir.TeamSupervisors(ctx, 99)
	require.NoError(t, err)
	require.Equal(t, 2, src.callCount())
}

func TestCachedDirectoryAssignInvalidates(t *testing.T) {
	src := newMemorySource()
	src.teams[20] = []int64{3}
	dir, _ := newCachedDirectory(t, src)
	ctx := context.Background()

	teams, err := dir.SupervisedTeamIDs(ctx, 4)
	require.NoError(t, err)
	require.Empty(t, teams)

	require.NoError(t, dir.Assign(ctx, ScopeTeam, 20, 4))

	teams, err = dir.SupervisedTeamIDs(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, []int64{20}, teams)
}

func TestCachedDirectoryReplaceInvalidates(t *testing.T) {
	src := newMemorySource()
	src.projects[10] = []int64{1, 2}
	dir, _ := newCachedDirectory(t, src)
	ctx := context.Background()

	ids, err := dir.ProjectSupervisors(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids)

	require.NoError(t, dir.Replace(ctx, ScopeProject, 10, []int64{7}))
	ids, err = dir.ProjectSupervisors(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{7}, ids)

	require.ErrorIs(t, dir.Replace(ctx, Scope("org"), 1, nil), ErrUnknownScope)
}

func TestCachedDirectoryExpires(t *testing.T) {
	src := newMemorySource()
	src.projects[10] = []int64{1}
	dir, mr := newCachedDirectory(t, src)
	ctx := context.Background()

	_, err := dir.ProjectSupervisors(ctx, 10)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	_, err = dir.ProjectSupervisors(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, src.callCount())
}

func TestCachedDirectoryDoesNotCacheErrors(t *testing.T) {
	src := newMemorySource()
	src.err = errors.New("db down")
	dir, _ := newCachedDirectory(t, src)
	ctx := context.Background()

	_, err := dir.ProjectSupervisors(ctx, 10)
	require.Error(t, err)

	src.mu.Lock()
	src.err = nil
	src.projects[10] = []int64{5}
	src.mu.Unlock()

	ids, err := dir.ProjectSupervisors(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{5}, ids)
}

func TestCachedDirectoryFallsBackWhenRedisDown(t *testing.T) {
	src := newMemorySource()
	src.projects[10] = []int64{1}
	dir, mr := newCachedDirectory(t, src)
	mr.Close()

	ids, err := dir.ProjectSupervisors(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)
}

func TestCachedDirectoryWithoutClient(t *testing.T) {
	src := newMemorySource()
	src.teams[20] = []int64{9}
	dir := NewCachedDirectory(src, nil, 0, nil)

	ids, err := dir.TeamSupervisors(context.Background(), 20)
	require.NoError(t, err)
	require.Equal(t, []int64{9}, ids)
	require.NoError(t, dir.Invalidate(context.Background()))
}

func TestScopeTable(t *testing.T) {
	table, column, err := ScopeProject.table()
	require.NoError(t, err)
	require.Equal(t, "project_supervisors", table)
	require.Equal(t, "project_id", column)

	_, _, err = Scope("org").table()
	require.ErrorIs(t, err, ErrUnknownScope)
}

// gatedSource blocks project lookups until release is closed and fails them
// when the lookup context has been cancelled by then.
type gatedSource struct {
	*memorySource
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *gatedSource) ProjectSupervisors(ctx context.Context, projectID int64) ([]int64, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.memorySource.ProjectSupervisors(ctx, projectID)
}

func TestCachedDirectorySharedLoadSurvivesCancelledCaller(t *testing.T) {
	src := &gatedSource{memorySource: newMemorySource(), started: make(chan struct{}), release: make(chan struct{})}
	src.projects[10] = []int64{1, 2}
	dir, _ := newCachedDirectory(t, src)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := dir.ProjectSupervisors(firstCtx, 10)
		firstErr <- err
	}()
	<-src.started

	type result struct {
		ids []int64
		err error
	}
	second := make(chan result, 1)
	go func() {
		ids, err := dir.ProjectSupervisors(context.Background(), 10)
		second <- result{ids, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(src.release)

	got := <-second
	require.NoError(t, got.err)
	require.Equal(t, []int64{1, 2}, got.ids)

	ids, err := dir.ProjectSupervisors(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids)
}
