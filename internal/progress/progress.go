// Copyright 2025 James Ross

// Package progress implements the Progress Reporter (C5): the sole
// writer path to job documents. All status, progress, result, and event
// mutations go through here so that every state transition is
// observable via the event log, per spec.md's data-flow note that "all
// writes to C1 go through C5".
package progress

import (
	"context"
	"time"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobstore"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/obs"
	"go.uber.org/zap"
)

// Reporter wraps a jobstore.Client with the event-log and progress
// mutation helpers every other component calls instead of patching
// documents directly.
type Reporter struct {
	store        *jobstore.Client
	log          *zap.Logger
	maxJobEvents int
}

func New(store *jobstore.Client, log *zap.Logger, maxJobEvents int) *Reporter {
	return &Reporter{store: store, log: log, maxJobEvents: maxJobEvents}
}

// AppendEvent appends a structured event to the job's bounded event log
// and, if level is nil, applies the type's default severity. This is
// best-effort: failures are logged, never propagated, since observability
// must never block a stage from completing.
func (r *Reporter) AppendEvent(ctx context.Context, jobID, eventType string, phase jobdoc.Phase, message string, level *jobdoc.Level, fields map[string]interface{}) {
	ev := jobdoc.NewEvent(eventType, phase, message, level, fields)
	err := r.store.Patch(ctx, jobID, func(j *jobdoc.Job) error {
		before := len(j.Events)
		j.Events = jobdoc.AppendEvent(j.Events, ev, r.maxJobEvents)
		if len(j.Events) < before+1 {
			obs.EventLogTruncations.Inc()
		}
		return nil
	})
	if err != nil {
		r.log.Warn("progress: append event failed", obs.String("job_id", jobID), obs.String("event_type", eventType), obs.Err(err))
	}
}

// UpdateProgress merges a progress snapshot into the job document,
// updates updated_at, and optionally transitions status. It is the only
// place that writes progress.phase/step_name/message/current/total.
func (r *Reporter) UpdateProgress(ctx context.Context, jobID string, status *jobdoc.Status, p jobdoc.Progress) error {
	return r.store.Patch(ctx, jobID, func(j *jobdoc.Job) error {
		if status != nil && !j.Status.Terminal() {
			j.Status = *status
		}
		j.Progress = p
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// MergeResult last-write-wins merges fields into the job's accumulating
// result object.
func (r *Reporter) MergeResult(ctx context.Context, jobID string, partial map[string]interface{}) error {
	return r.store.Patch(ctx, jobID, func(j *jobdoc.Job) error {
		if j.Result == nil {
			j.Result = map[string]interface{}{}
		}
		for k, v := range partial {
			j.Result[k] = v
		}
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// Fail flips the job to failed (if not already terminal) with an error
// message, and appends a job_failed event with the given reason tag.
func (r *Reporter) Fail(ctx context.Context, jobID, errorMessage, reason string) error {
	err := r.store.Patch(ctx, jobID, func(j *jobdoc.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = jobdoc.StatusFailed
		j.ErrorMessage = &errorMessage
		j.Progress.Phase = jobdoc.PhaseError
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	fields := map[string]interface{}{}
	if reason != "" {
		fields["reason"] = reason
	}
	r.AppendEvent(ctx, jobID, "job_failed", jobdoc.PhaseError, errorMessage, nil, fields)
	return nil
}

// Complete flips the job to completed (if not already terminal) and
// appends a job_complete event.
func (r *Reporter) Complete(ctx context.Context, jobID string) error {
	err := r.store.Patch(ctx, jobID, func(j *jobdoc.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = jobdoc.StatusCompleted
		j.Progress.Phase = jobdoc.PhaseComplete
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	r.AppendEvent(ctx, jobID, "job_complete", jobdoc.PhaseComplete, "job completed", nil, nil)
	return nil
}

// MarkQueuedForStage records progress for the next stage with
// step_name="Queued" — the "progress first" half of the handoff rule in
// spec.md §4.6: this must happen-before the corresponding queue send.
func (r *Reporter) MarkQueuedForStage(ctx context.Context, jobID string, stage jobdoc.Phase) error {
	running := jobdoc.StatusRunning
	return r.UpdateProgress(ctx, jobID, &running, jobdoc.Progress{
		Phase:    stage,
		StepName: jobdoc.QueuedSentinel,
		Message:  "Queued",
	})
}
