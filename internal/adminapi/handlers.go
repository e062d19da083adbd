// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/artifacts"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/config"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobstore"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/queue"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler holds the ingress API's dependencies: create_job/get_job/
// enqueue_job per spec.md §6's "thin over C1/C3" ingress contract.
type Handler struct {
	cfg    *config.Config
	store  *jobstore.Client
	queue  *queue.Client
	blobs  *artifacts.Store
	logger *zap.Logger
}

func NewHandler(cfg *config.Config, store *jobstore.Client, q *queue.Client, blobs *artifacts.Store, logger *zap.Logger) *Handler {
	return &Handler{cfg: cfg, store: store, queue: q, blobs: blobs, logger: logger}
}

// CreateJob handles POST /api/v1/jobs: creates the document in `queued`
// status and enqueues the first stage message, per spec.md §6's
// `create_job`/`enqueue_job` pair.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required")
		return
	}
	jobType := jobdoc.JobType(req.JobType)
	if jobType != jobdoc.JobTypePipeline && jobType != jobdoc.JobTypeSearch {
		writeError(w, http.StatusBadRequest, "INVALID_JOB_TYPE", "job_type must be 'pipeline' or 'search'")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	jobID := jobstore.NewJobID()
	payload := req.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if req.NotificationEmail != "" {
		payload["notification_email"] = req.NotificationEmail
	}

	job := &jobdoc.Job{
		ID:        jobID,
		JobType:   jobType,
		Status:    jobdoc.StatusQueued,
		Query:     req.Query,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: jobdoc.ExpiresAt(now, h.cfg.Orchestrator.JobTTLDays),
		Progress:  jobdoc.Progress{Phase: jobdoc.PhaseInit},
	}

	if err := h.store.Create(ctx, job); err != nil {
		h.logger.Error("adminapi: create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "CREATE_FAILED", "failed to create job")
		return
	}

	sendPayload := map[string]interface{}{}
	for k, v := range payload {
		sendPayload[k] = v
	}
	sendPayload["stage"] = string(jobType.StartPhase())
	if err := h.queue.Send(ctx, h.cfg.Queue.Name, queue.Message{JobID: jobID, JobType: string(jobType), Payload: sendPayload}); err != nil {
		h.logger.Error("adminapi: enqueue job failed", zap.Error(err), zap.String("job_id", jobID))
		writeError(w, http.StatusInternalServerError, "ENQUEUE_FAILED", "job created but failed to enqueue")
		return
	}

	writeJSON(w, http.StatusAccepted, CreateJobResponse{JobID: jobID, Status: string(jobdoc.StatusQueued), Timestamp: now})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	job, err := h.store.Get(ctx, jobID)
	if err == jobstore.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	if err != nil {
		h.logger.Error("adminapi: get job failed", zap.Error(err), zap.String("job_id", jobID))
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to read job")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// GetJobEvents handles GET /api/v1/jobs/{id}/events.
func (h *Handler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	job, err := h.store.Get(ctx, jobID)
	if err == jobstore.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	if err != nil {
		h.logger.Error("adminapi: get job events failed", zap.Error(err), zap.String("job_id", jobID))
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to read job")
		return
	}

	events := make([]JobEvent, 0, len(job.Events))
	for _, ev := range job.Events {
		events = append(events, JobEvent{Ts: ev.Ts, Type: ev.Type, Level: string(ev.Level), Phase: string(ev.Phase), Message: ev.Message, Fields: ev.Fields})
	}
	writeJSON(w, http.StatusOK, JobEventsResponse{JobID: jobID, Events: events})
}

// Health handles GET /healthz: the connectivity self-check spec.md's
// original_source ports from `test_cosmos_connection`, generalized to
// every durable backend the orchestrator depends on.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	ok := true
	if err := h.store.Ping(ctx); err != nil {
		checks["jobstore"] = err.Error()
		ok = false
	} else {
		checks["jobstore"] = "ok"
	}
	if err := h.queue.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
		ok = false
	} else {
		checks["queue"] = "ok"
	}
	if err := h.blobs.Ping(ctx); err != nil {
		checks["artifacts"] = err.Error()
		ok = false
	} else {
		checks["artifacts"] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !ok {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	writeJSON(w, status, HealthResponse{Status: state, Checks: checks})
}

func toJobResponse(job *jobdoc.Job) JobResponse {
	return JobResponse{
		JobID:   job.ID,
		JobType: string(job.JobType),
		Status:  string(job.Status),
		Query:   job.Query,
		Progress: JobProgress{
			Phase: string(job.Progress.Phase), Step: job.Progress.Step, StepName: job.Progress.StepName,
			Message: job.Progress.Message, Current: job.Progress.Current, Total: job.Progress.Total,
		},
		Result:       job.Result,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
