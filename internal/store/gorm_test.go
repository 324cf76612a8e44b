package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0019-KDU/online-lab-env/internal/session"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
)

var profile = session.Profile{
	Image:    "registry.local/ubuntu-desktop:latest",
	CPU:      "1",
	Memory:   "2Gi",
	Storage:  "5Gi",
	Duration: 2 * time.Hour,
}

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := Open("sqlite", ":memory:", 0)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return NewGormStore(db)
}

func createSession(t *testing.T, s *GormStore, userID string, now time.Time) session.LabSession {
	t.Helper()
	rec := session.New(userID, "labs", profile, false, now)
	require.NoError(t, s.Create(context.Background(), &rec))
	require.NotEmpty(t, rec.ID)
	return rec
}

func TestGormStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := createSession(t, s, "u1", now)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.WorkloadName, got.WorkloadName)
	assert.Equal(t, session.StatusPending, got.Status)
	assert.Nil(t, got.EndTime)
	assert.True(t, got.AutoShutdownTime.Equal(now.Add(2*time.Hour)))

	byWorkload, err := s.GetByWorkload(ctx, rec.WorkloadName)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byWorkload.ID)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, laberrors.ErrNotFound))
}

func TestGormStore_DuplicateWorkloadRejected(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	createSession(t, s, "u1", now)

	dup := session.New("u1", "labs", profile, false, now)
	err := s.Create(context.Background(), &dup)
	require.Error(t, err)
	assert.True(t, laberrors.IsType(err, laberrors.ErrorTypeConflict))
}

func TestGormStore_TransitionIsConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := createSession(t, s, "u1", now)

	running := rec.Running("https://labs.example.com/lab/"+rec.ID+"/", now.Add(time.Minute))
	require.NoError(t, s.Transition(ctx, running, session.StatusPending))

	stopped := running.Stopped(now.Add(time.Hour))
	require.NoError(t, s.Transition(ctx, stopped, session.StatusRunning))

	// a second terminal transition from running loses
	terminated := running.Terminated("expired", now.Add(2*time.Hour))
	err := s.Transition(ctx, terminated, session.StatusRunning)
	assert.True(t, errors.Is(err, ErrStaleTransition))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, got.Status)
	require.NotNil(t, got.EndTime)
	assert.True(t, got.EndTime.Equal(now.Add(time.Hour)))
	assert.Empty(t, got.AccessURL)
}

func TestGormStore_UserQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a := createSession(t, s, "u1", now)
	b := createSession(t, s, "u1", now.Add(time.Second))
	createSession(t, s, "u2", now)
	require.NoError(t, s.Transition(ctx, a.Running("url", now), session.StatusPending))
	require.NoError(t, s.Transition(ctx, b.Failed("boom", now), session.StatusPending))

	n, err := s.CountByUser(ctx, "u1", session.ActiveStatuses...)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	running, err := s.ListByStatus(ctx, session.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)
}

func TestGormStore_ListExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	past := createSession(t, s, "u1", now.Add(-3*time.Hour))
	future := createSession(t, s, "u2", now)
	pending := createSession(t, s, "u3", now.Add(-3*time.Hour))
	require.NoError(t, s.Transition(ctx, past.Running("url", now), session.StatusPending))
	require.NoError(t, s.Transition(ctx, future.Running("url", now), session.StatusPending))

	expired, err := s.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, past.ID, expired[0].ID)
	assert.NotEqual(t, pending.ID, expired[0].ID)
}

func TestGormStore_Purge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	old := createSession(t, s, "u1", now.Add(-48*time.Hour))
	recent := createSession(t, s, "u2", now.Add(-time.Hour))
	live := createSession(t, s, "u3", now.Add(-48*time.Hour))
	require.NoError(t, s.Transition(ctx, old.Failed("boom", now.Add(-47*time.Hour)), session.StatusPending))
	require.NoError(t, s.Transition(ctx, recent.Failed("boom", now.Add(-time.Hour)), session.StatusPending))
	require.NoError(t, s.Transition(ctx, live.Running("url", now.Add(-47*time.Hour)), session.StatusPending))

	n, err := s.Purge(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, old.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.Get(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, live.ID)
	assert.NoError(t, err)
}

func TestGormStore_Ping(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
