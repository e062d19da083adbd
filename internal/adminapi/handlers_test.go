// Copyright 2025 James Ross
package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/artifacts"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/config"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobstore"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/queue"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T) (*Handler, *jobstore.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, zap.NewNop(), nil)
	q := queue.New(rdb, zap.NewNop(), queue.DefaultConfig())
	blobs, err := artifacts.New(artifacts.Config{Bucket: "test-bucket", Region: "us-east-1"}, zap.NewNop())
	require.NoError(t, err)

	cfg := &config.Config{
		Queue:        config.Queue{Name: "jobs"},
		Orchestrator: config.Orchestrator{JobTTLDays: 30},
	}

	h := NewHandler(cfg, store, q, blobs, zap.NewNop())
	return h, store
}

func withVars(r *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(r, vars)
}

func TestCreateJobPersistsAndEnqueues(t *testing.T) {
	h, store := newTestHandler(t)

	body, _ := json.Marshal(CreateJobRequest{JobType: "pipeline", Query: "graph neural networks"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateJob(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp CreateJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, "queued", resp.Status)

	job, err := store.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.Equal(t, "graph neural networks", job.Query)
	require.Equal(t, jobdoc.PhaseInit, job.Progress.Phase)
}

func TestCreateJobRejectsMissingQuery(t *testing.T) {
	h, _ := newTestHandler(t)

	body, _ := json.Marshal(CreateJobRequest{JobType: "pipeline"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateJob(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobRejectsBadJobType(t *testing.T) {
	h, _ := newTestHandler(t)

	body, _ := json.Marshal(CreateJobRequest{JobType: "bogus", Query: "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateJob(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobReturnsStoredJob(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	job := &jobdoc.Job{ID: "j1", JobType: jobdoc.JobTypeSearch, Status: jobdoc.StatusRunning, Query: "q"}
	require.NoError(t, store.Create(ctx, job))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/j1", nil)
	req = withVars(req, map[string]string{"id": "j1"})
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "j1", resp.JobID)
	require.Equal(t, "q", resp.Query)
}

func TestGetJobReturnsNotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil)
	req = withVars(req, map[string]string{"id": "missing"})
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobEventsReturnsAppendedEvents(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	job := &jobdoc.Job{
		ID: "j1", JobType: jobdoc.JobTypeSearch, Status: jobdoc.StatusRunning, Query: "q",
		Events: []jobdoc.Event{jobdoc.NewEvent("phase_start", jobdoc.PhaseSearch, "starting search", nil, nil)},
	}
	require.NoError(t, store.Create(ctx, job))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/j1/events", nil)
	req = withVars(req, map[string]string{"id": "j1"})
	rec := httptest.NewRecorder()

	h.GetJobEvents(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp JobEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	require.Equal(t, "phase_start", resp.Events[0].Type)
}
