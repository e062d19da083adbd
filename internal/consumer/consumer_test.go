// Copyright 2025 James Ross
package consumer

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

type fakeExecutor struct {
	isFinal bool
	err     error
	calls   int
}

func (f *fakeExecutor) Run(ctx context.Context, job *jobdoc.Job, stage jobdoc.Phase, payload map[string]interface{}) (bool, error) {
	f.calls++
	return f.isFinal, f.err
}

type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) NotifyComplete(to, jobID, query string) error {
	f.sent = append(f.sent, to)
	return nil
}

func newTestConsumer(t *testing.T, exec StageRunner, notifier *fakeNotifier) (*Consumer, *jobstore.Client, *queue.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, zap.NewNop(), nil)
	q := queue.New(rdb, zap.NewNop(), queue.DefaultConfig())
	rep := progress.New(store, zap.NewNop(), 100)
	c := New(q, "jobs", "c1", store, rep, exec, notifier, 30, zap.NewNop())
	return c, store, q
}

func TestHandleSkipsTerminalJob(t *testing.T) {
	exec := &fakeExecutor{}
	c, store, q := newTestConsumer(t, exec, &fakeNotifier{})
	ctx := context.Background()

	job := &jobdoc.Job{ID: "j1", JobType: jobdoc.JobTypePipeline, Status: jobdoc.StatusCompleted, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))
	require.NoError(t, q.Send(ctx, "jobs", queue.Message{JobID: "j1", JobType: "pipeline", Payload: map[string]interface{}{"stage": "search"}}))

	msg, err := q.Receive(ctx, "jobs", "c1")
	require.NoError(t, err)
	c.handle(ctx, msg)

	require.Equal(t, 0, exec.calls)
}

func TestHandleRunsAndCompletesOnFinal(t *testing.T) {
	exec := &fakeExecutor{isFinal: true}
	notifier := &fakeNotifier{}
	c, store, q := newTestConsumer(t, exec, notifier)
	ctx := context.Background()

	job := &jobdoc.Job{ID: "j1", JobType: jobdoc.JobTypePipeline, Status: jobdoc.StatusQueued, Query: "q", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))
	require.NoError(t, q.Send(ctx, "jobs", queue.Message{JobID: "j1", JobType: "pipeline", Payload: map[string]interface{}{"stage": "report", "notification_email": "a@example.com"}}))

	msg, err := q.Receive(ctx, "jobs", "c1")
	require.NoError(t, err)
	c.handle(ctx, msg)

	require.Equal(t, 1, exec.calls)
	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, jobdoc.StatusCompleted, got.Status)
	require.Len(t, notifier.sent, 1)
}

func TestHandleProceedsAfterBoundedRereadExhausted(t *testing.T) {
	exec := &fakeExecutor{isFinal: false}
	c, store, q := newTestConsumer(t, exec, &fakeNotifier{})
	ctx := context.Background()

	// Document stuck on "search" the whole time; the message claims
	// "ranking", exactly one stage ahead. The re-read loop never observes
	// a fresher document, so it should exhaust and still run the stage
	// rather than drop the message.
	job := &jobdoc.Job{ID: "j1", JobType: jobdoc.JobTypePipeline, Status: jobdoc.StatusRunning, Query: "q",
		CreatedAt: time.Now(), UpdatedAt: time.Now(), Progress: jobdoc.Progress{Phase: jobdoc.PhaseSearch}}
	require.NoError(t, store.Create(ctx, job))
	require.NoError(t, q.Send(ctx, "jobs", queue.Message{JobID: "j1", JobType: "pipeline", Payload: map[string]interface{}{"stage": "ranking"}}))

	msg, err := q.Receive(ctx, "jobs", "c1")
	require.NoError(t, err)
	c.handle(ctx, msg)

	require.Equal(t, 1, exec.calls)
}

func TestHandleDropsMissingJobID(t *testing.T) {
	exec := &fakeExecutor{}
	c, _, q := newTestConsumer(t, exec, &fakeNotifier{})
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "jobs", queue.Message{JobID: "", JobType: ""}))
	msg, err := q.Receive(ctx, "jobs", "c1")
	require.NoError(t, err)
	c.handle(ctx, msg)

	require.Equal(t, 0, exec.calls)
}
