// Copyright 2025 James Ross
package dlqproc

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobstore"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/progress"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProcessor(t *testing.T) (*Processor, *jobstore.Client, *queue.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, zap.NewNop(), nil)
	cfg := queue.DefaultConfig()
	cfg.MaxDeliveryCount = 1
	q := queue.New(rdb, zap.NewNop(), cfg)
	rep := progress.New(store, zap.NewNop(), 100)
	return New(q, "jobs", "dlq1", store, rep, zap.NewNop()), store, q
}

func TestHandleFailsJobWithReason(t *testing.T) {
	p, store, q := newTestProcessor(t)
	ctx := context.Background()

	job := &jobdoc.Job{ID: "j1", JobType: jobdoc.JobTypePipeline, Status: jobdoc.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))
	require.NoError(t, q.Send(ctx, "jobs", queue.Message{JobID: "j1", JobType: "pipeline"}))

	msg, err := q.Receive(ctx, "jobs", "c1")
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, "jobs", "c1", msg, "max_retries_exceeded", "stage kept erroring"))

	dlqMsg, err := q.ReceiveDLQ(ctx, "jobs", "dlq1")
	require.NoError(t, err)
	p.handle(ctx, dlqMsg)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, jobdoc.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
}

func TestHandleIsNoOpForTerminalJob(t *testing.T) {
	p, store, q := newTestProcessor(t)
	ctx := context.Background()

	job := &jobdoc.Job{ID: "j1", JobType: jobdoc.JobTypePipeline, Status: jobdoc.StatusCompleted, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))

	msg := &queue.QueuedMessage{Body: queue.Message{JobID: "j1"}, DeadLetterReason: "whatever"}
	p.handle(ctx, msg)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, jobdoc.StatusCompleted, got.Status)
}

func TestSweepOnceDrainsBacklogWithoutBlocking(t *testing.T) {
	p, store, q := newTestProcessor(t)
	ctx := context.Background()

	job := &jobdoc.Job{ID: "j1", JobType: jobdoc.JobTypePipeline, Status: jobdoc.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))
	require.NoError(t, q.Send(ctx, "jobs", queue.Message{JobID: "j1", JobType: "pipeline"}))
	msg, err := q.Receive(ctx, "jobs", "c1")
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, "jobs", "c1", msg, "max_retries_exceeded", "stage kept erroring"))

	p.sweepOnce(ctx)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, jobdoc.StatusFailed, got.Status)
}
