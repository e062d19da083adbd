// Copyright 2025 James Ross
package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, zap.NewNop(), nil)
}

func TestCreateFailsOnDuplicate(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now().UTC()
	j := &jobdoc.Job{ID: "job-1", JobType: jobdoc.JobTypeSearch, Status: jobdoc.StatusQueued, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, c.Create(ctx, j))
	err := c.Create(ctx, j)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetNotFound(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPatchUpdatesStatusIndex(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now().UTC()
	j := &jobdoc.Job{ID: "job-2", JobType: jobdoc.JobTypePipeline, Status: jobdoc.StatusQueued, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, c.Create(ctx, j))

	err := c.Patch(ctx, "job-2", func(job *jobdoc.Job) error {
		job.Status = jobdoc.StatusRunning
		job.UpdatedAt = time.Now().UTC()
		return nil
	})
	require.NoError(t, err)

	queued, err := c.Query(ctx, jobdoc.StatusQueued, 10)
	require.NoError(t, err)
	require.Empty(t, queued)

	running, err := c.Query(ctx, jobdoc.StatusRunning, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "job-2", running[0].ID)
}

func TestQueryOrdersByUpdatedAtAscending(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		j := &jobdoc.Job{
			ID: id, JobType: jobdoc.JobTypeSearch, Status: jobdoc.StatusRunning,
			CreatedAt: base, UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, c.Create(ctx, j))
	}
	jobs, err := c.Query(ctx, jobdoc.StatusRunning, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, "a", jobs[0].ID)
	require.Equal(t, "c", jobs[2].ID)
}

func TestQueryMultiUnionsAndDedupes(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, c.Create(ctx, &jobdoc.Job{ID: "q1", JobType: jobdoc.JobTypeSearch, Status: jobdoc.StatusQueued, CreatedAt: base, UpdatedAt: base}))
	require.NoError(t, c.Create(ctx, &jobdoc.Job{ID: "r1", JobType: jobdoc.JobTypeSearch, Status: jobdoc.StatusRunning, CreatedAt: base, UpdatedAt: base.Add(time.Minute)}))

	jobs, err := c.QueryMulti(ctx, []jobdoc.Status{jobdoc.StatusQueued, jobdoc.StatusRunning}, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "q1", jobs[0].ID)
}
