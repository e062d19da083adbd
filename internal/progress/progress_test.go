// Copyright 2025 James Ross
package progress

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReporter(t *testing.T) (*Reporter, *jobstore.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, zap.NewNop(), nil)
	return New(store, zap.NewNop(), 3), store
}

func TestAppendEventTruncatesAndPreservesOrder(t *testing.T) {
	r, store := newTestReporter(t)
	ctx := context.Background()
	job := &jobdoc.Job{ID: "j1", Status: jobdoc.StatusQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))

	for i := 0; i < 5; i++ {
		r.AppendEvent(ctx, "j1", "progress", jobdoc.PhaseSearch, fmt.Sprintf("tick %d", i), nil, nil)
	}

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, got.Events, 3)
	require.Equal(t, "tick 2", got.Events[0].Message)
	require.Equal(t, "tick 4", got.Events[2].Message)
}

func TestUpdateProgressSetsStatusAndPhase(t *testing.T) {
	r, store := newTestReporter(t)
	ctx := context.Background()
	job := &jobdoc.Job{ID: "j1", Status: jobdoc.StatusQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))

	running := jobdoc.StatusRunning
	require.NoError(t, r.UpdateProgress(ctx, "j1", &running, jobdoc.Progress{Phase: jobdoc.PhaseSearch, StepName: "searching"}))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, jobdoc.StatusRunning, got.Status)
	require.Equal(t, jobdoc.PhaseSearch, got.Progress.Phase)
}

func TestFailIsSticky(t *testing.T) {
	r, store := newTestReporter(t)
	ctx := context.Background()
	job := &jobdoc.Job{ID: "j1", Status: jobdoc.StatusCompleted, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))

	require.NoError(t, r.Fail(ctx, "j1", "boom", "test"))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, jobdoc.StatusCompleted, got.Status)
}

func TestMarkQueuedForStage(t *testing.T) {
	r, store := newTestReporter(t)
	ctx := context.Background()
	job := &jobdoc.Job{ID: "j1", Status: jobdoc.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))

	require.NoError(t, r.MarkQueuedForStage(ctx, "j1", jobdoc.PhaseRanking))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, got.Progress.HasQueuedSentinel())
	require.Equal(t, jobdoc.PhaseRanking, got.Progress.Phase)
}
