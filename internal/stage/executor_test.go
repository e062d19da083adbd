// Copyright 2025 James Ross
package stage

import (
	"context"
	"io"
	"os"
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

type fakeArtifacts struct {
	objects map[string][]byte
}

func newFakeArtifacts() *fakeArtifacts { return &fakeArtifacts{objects: map[string][]byte{}} }

func (f *fakeArtifacts) ResultsPath(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "/"
		}
		out += p
	}
	return out
}

func (f *fakeArtifacts) Put(ctx context.Context, path string, data []byte, contentType string) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[path] = cp
	return nil
}

func (f *fakeArtifacts) Download(ctx context.Context, path string, w io.Writer) (bool, error) {
	data, ok := f.objects[path]
	if !ok {
		return false, nil
	}
	_, err := w.Write(data)
	return true, err
}

type fakeQueue struct {
	sent []queue.Message
}

func (f *fakeQueue) Send(ctx context.Context, queueName string, body queue.Message) error {
	f.sent = append(f.sent, body)
	return nil
}

func newTestExecutor(t *testing.T, stages map[jobdoc.Phase]Fn) (*Executor, *fakeArtifacts, *fakeQueue, *jobstore.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, zap.NewNop(), nil)
	rep := progress.New(store, zap.NewNop(), 100)
	fa := newFakeArtifacts()
	fq := &fakeQueue{}
	scratch := t.TempDir()
	exec := New(Config{ScratchRoot: scratch, ReportTimeout: time.Second}, fa, fq, "jobs", rep, stages, zap.NewNop())
	return exec, fa, fq, store
}

func fakeSearchFn(papers int) Fn {
	return func(ctx context.Context, jobID string, payload map[string]interface{}, scratchDir string, progress ProgressFunc) (ResultDelta, error) {
		progress(1, "searching", 1, 1, "done", 0, 0)
		if err := os.WriteFile(scratchDir+"/snowball.json", []byte(`{"papers":[]}`), 0o644); err != nil {
			return nil, err
		}
		return ResultDelta{PapersFoundKey: papers}, nil
	}
}

func TestRunSearchEnqueuesRanking(t *testing.T) {
	exec, _, fq, store := newTestExecutor(t, map[jobdoc.Phase]Fn{jobdoc.PhaseSearch: fakeSearchFn(5)})
	ctx := context.Background()
	job := &jobdoc.Job{ID: "j1", JobType: jobdoc.JobTypePipeline, Status: jobdoc.StatusRunning, Query: "quantum computing", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))

	isFinal, err := exec.Run(ctx, job, jobdoc.PhaseSearch, map[string]interface{}{"query": "quantum computing"})
	require.NoError(t, err)
	require.False(t, isFinal)
	require.Len(t, fq.sent, 1)
	require.Equal(t, "ranking", fq.sent[0].Payload["stage"])

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, got.Progress.HasQueuedSentinel())
	require.Equal(t, jobdoc.PhaseRanking, got.Progress.Phase)
}

func TestRunSearchEmptyShortCircuits(t *testing.T) {
	exec, _, fq, store := newTestExecutor(t, map[jobdoc.Phase]Fn{jobdoc.PhaseSearch: fakeSearchFn(0)})
	ctx := context.Background()
	job := &jobdoc.Job{ID: "j1", JobType: jobdoc.JobTypePipeline, Status: jobdoc.StatusRunning, Query: "empty query", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))

	isFinal, err := exec.Run(ctx, job, jobdoc.PhaseSearch, map[string]interface{}{"query": "empty query"})
	require.NoError(t, err)
	require.True(t, isFinal)
	require.Empty(t, fq.sent)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, jobdoc.StatusFailed, got.Status)
}

func TestRunReportIsFinalForPipeline(t *testing.T) {
	reportFn := func(ctx context.Context, jobID string, payload map[string]interface{}, scratchDir string, progress ProgressFunc) (ResultDelta, error) {
		return ResultDelta{"report_size": 3}, nil
	}
	exec, fa, fq, store := newTestExecutor(t, map[jobdoc.Phase]Fn{jobdoc.PhaseReport: reportFn})
	ctx := context.Background()
	job := &jobdoc.Job{ID: "j1", JobType: jobdoc.JobTypePipeline, Status: jobdoc.StatusRunning, Query: "q", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, job))

	slug := jobdoc.Slugify("q")
	fa.objects[slug+"/j1/metadata.json"] = []byte(`{"elo_ranked_file":"elo_ranked_1.json"}`)
	fa.objects[slug+"/j1/snowball.json"] = []byte(`{"papers":[]}`)
	fa.objects[slug+"/j1/elo_ranked_1.json"] = []byte(`{"papers":[]}`)

	isFinal, err := exec.Run(ctx, job, jobdoc.PhaseReport, map[string]interface{}{})
	require.NoError(t, err)
	require.True(t, isFinal)
	require.Empty(t, fq.sent)
}
