// Copyright 2025 James Ross
package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/obs"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/progress"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/queue"
	"go.uber.org/zap"
)

// Config bounds the executor's scratch-directory root and the REPORT
// wall-clock deadline.
type Config struct {
	ScratchRoot   string
	ReportTimeout time.Duration
}

// ArtifactStore is the subset of *artifacts.Store the executor needs;
// kept as an interface so tests can substitute an in-memory fake instead
// of standing up a real/fake S3 endpoint.
type ArtifactStore interface {
	ResultsPath(parts ...string) string
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Download(ctx context.Context, path string, w io.Writer) (bool, error)
}

// QueueSender is the subset of *queue.Client the executor needs to hand
// off to the next stage.
type QueueSender interface {
	Send(ctx context.Context, queueName string, body queue.Message) error
}

// Executor runs one stage at a time against a job, owning the
// scratch-directory lifecycle, artifact handoff, stage handoff, and the
// empty-search short-circuit.
type Executor struct {
	cfg       Config
	artifacts ArtifactStore
	queue     QueueSender
	queueName string
	reporter  *progress.Reporter
	stages    map[jobdoc.Phase]Fn
	log       *zap.Logger
}

func New(cfg Config, store ArtifactStore, q QueueSender, queueName string, reporter *progress.Reporter, stages map[jobdoc.Phase]Fn, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{cfg: cfg, artifacts: store, queue: q, queueName: queueName, reporter: reporter, stages: stages, log: log}
}

// Run executes stage for job, having already passed the idempotency
// gate. It returns isFinal=true when the job has reached a terminal
// outcome (completed its chain, failed, or short-circuited) and the
// caller (internal/consumer) should not expect any further message for
// this job from this invocation.
func (e *Executor) Run(ctx context.Context, job *jobdoc.Job, stage jobdoc.Phase, payload map[string]interface{}) (isFinal bool, err error) {
	jobID := job.ID
	slug := jobdoc.Slugify(job.Query)
	scratchDir := filepath.Join(e.cfg.ScratchRoot, jobID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return true, fmt.Errorf("stage: mkdir scratch: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	e.reporter.AppendEvent(ctx, jobID, "phase_start", stage, fmt.Sprintf("starting %s", stage), nil, nil)

	meta, err := e.downloadMetadata(ctx, slug, jobID)
	if err != nil {
		e.log.Warn("stage: metadata download failed", obs.String("job_id", jobID), obs.Err(err))
		meta = &Metadata{}
	}
	if err := e.downloadPrerequisites(ctx, slug, jobID, stage, scratchDir, meta); err != nil {
		return e.fail(ctx, jobID, stage, err, "prerequisite_download_failed")
	}

	fn, ok := e.stages[stage]
	if !ok {
		return e.fail(ctx, jobID, stage, fmt.Errorf("no stage function registered for %s", stage), "unregistered_stage")
	}

	runCtx := ctx
	if stage == jobdoc.PhaseReport && e.cfg.ReportTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.ReportTimeout)
		defer cancel()
	}

	start := time.Now()
	delta, err := fn(runCtx, jobID, payload, scratchDir, e.progressCallback(ctx, jobID, stage))
	obs.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	if err != nil {
		if stage == jobdoc.PhaseReport && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			e.reporter.AppendEvent(ctx, jobID, "phase_error", jobdoc.PhaseReport, "report stage timed out", nil, map[string]interface{}{"step": 4})
			return e.fail(ctx, jobID, stage, fmt.Errorf("report stage timed out after %s", e.cfg.ReportTimeout), "report_timeout")
		}
		return e.fail(ctx, jobID, stage, err, "stage_error")
	}

	// Empty-search short-circuit: fail immediately and do not enqueue
	// ranking; the scratch files are still uploaded.
	if stage == jobdoc.PhaseSearch {
		if papers, ok := delta[PapersFoundKey].(int); ok && papers == 0 {
			msg := "Search produced 0 papers; cannot continue to ranking/report."
			if err := e.reporter.Fail(ctx, jobID, msg, "empty_search"); err != nil {
				e.log.Warn("stage: fail patch error", obs.Err(err))
			}
			_ = e.uploadScratch(ctx, slug, jobID, scratchDir, meta, stage)
			return true, nil
		}
	}

	if err := e.uploadScratch(ctx, slug, jobID, scratchDir, meta, stage); err != nil {
		return e.fail(ctx, jobID, stage, err, "upload_failed")
	}

	if err := e.reporter.MergeResult(ctx, jobID, delta); err != nil {
		e.log.Warn("stage: merge result failed", obs.String("job_id", jobID), obs.Err(err))
	}
	e.reporter.AppendEvent(ctx, jobID, "phase_complete", stage, fmt.Sprintf("%s complete", stage), nil, nil)

	if stage == jobdoc.PhaseReport {
		if warnings := CitationCheck(delta); len(warnings) > 0 {
			e.reporter.AppendEvent(ctx, jobID, "phase_warning", jobdoc.PhaseReport, "citation check found issues", nil, map[string]interface{}{"warnings": warnings})
		}
	}

	next, final := nextPhase(job.JobType, stage)
	if final {
		return true, nil
	}

	if err := e.reporter.MarkQueuedForStage(ctx, jobID, next); err != nil {
		e.log.Warn("stage: mark queued failed", obs.String("job_id", jobID), obs.Err(err))
	}
	nextPayload := map[string]interface{}{}
	for k, v := range payload {
		nextPayload[k] = v
	}
	nextPayload["stage"] = string(next)
	sendErr := e.queue.Send(ctx, e.queueName, queue.Message{JobID: jobID, JobType: string(job.JobType), Payload: nextPayload})
	if sendErr != nil {
		e.reporter.AppendEvent(ctx, jobID, "job_enqueue_failed", next, sendErr.Error(), nil, nil)
		_ = e.reporter.Fail(ctx, jobID, sendErr.Error(), "enqueue_failed")
		return true, sendErr
	}
	return false, nil
}

func (e *Executor) fail(ctx context.Context, jobID string, stage jobdoc.Phase, cause error, reason string) (bool, error) {
	e.reporter.AppendEvent(ctx, jobID, "phase_error", stage, cause.Error(), nil, nil)
	if err := e.reporter.Fail(ctx, jobID, cause.Error(), reason); err != nil {
		e.log.Warn("stage: fail patch error", obs.Err(err))
	}
	return true, cause
}

func (e *Executor) progressCallback(ctx context.Context, jobID string, stage jobdoc.Phase) ProgressFunc {
	return func(step int, stepName string, current, total int, message string, iter, totalIter int) {
		running := jobdoc.StatusRunning
		p := jobdoc.Progress{Phase: stage, Step: step, StepName: stepName, Message: message, Current: current, Total: total}
		if err := e.reporter.UpdateProgress(ctx, jobID, &running, p); err != nil {
			e.log.Debug("stage: progress update failed", obs.String("job_id", jobID), obs.Err(err))
		}
		fields := map[string]interface{}{"step": step, "current": current, "total": total}
		if iter > 0 {
			fields["iter"] = iter
			fields["total_iter"] = totalIter
		}
		e.reporter.AppendEvent(ctx, jobID, "progress", stage, message, nil, fields)
	}
}

func (e *Executor) downloadMetadata(ctx context.Context, slug, jobID string) (*Metadata, error) {
	var buf bytes.Buffer
	found, err := e.artifacts.Download(ctx, e.artifacts.ResultsPath(slug, jobID, "metadata.json"), &buf)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Metadata{}, nil
	}
	var m Metadata
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		return nil, fmt.Errorf("stage: invalid metadata.json: %w", err)
	}
	return &m, nil
}

func (e *Executor) downloadPrerequisites(ctx context.Context, slug, jobID string, stage jobdoc.Phase, scratchDir string, meta *Metadata) error {
	switch stage {
	case jobdoc.PhaseRanking:
		return e.downloadInto(ctx, slug, jobID, "snowball.json", scratchDir)
	case jobdoc.PhaseReport:
		if err := e.downloadInto(ctx, slug, jobID, "snowball.json", scratchDir); err != nil {
			return err
		}
		if meta.EloRankedFile == "" {
			return fmt.Errorf("stage: metadata.json missing elo_ranked_file, cannot run report")
		}
		return e.downloadInto(ctx, slug, jobID, meta.EloRankedFile, scratchDir)
	}
	return nil
}

func (e *Executor) downloadInto(ctx context.Context, slug, jobID, filename, scratchDir string) error {
	var buf bytes.Buffer
	found, err := e.artifacts.Download(ctx, e.artifacts.ResultsPath(slug, jobID, filename), &buf)
	if err != nil {
		return fmt.Errorf("stage: download %s: %w", filename, err)
	}
	if !found {
		return fmt.Errorf("stage: required artifact %s not found", filename)
	}
	return os.WriteFile(filepath.Join(scratchDir, filename), buf.Bytes(), 0o644)
}

// uploadScratch uploads every file in scratchDir to the job's results
// path, updates metadata.json with this stage's output filename, and
// uploads the refreshed metadata.json too.
func (e *Executor) uploadScratch(ctx context.Context, slug, jobID, scratchDir string, meta *Metadata, stage jobdoc.Phase) error {
	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		return fmt.Errorf("stage: read scratch dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(scratchDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("stage: read %s: %w", entry.Name(), err)
		}
		contentType := "application/json"
		if filepath.Ext(entry.Name()) == ".html" {
			contentType = "text/html"
		}
		path := e.artifacts.ResultsPath(slug, jobID, entry.Name())
		if err := e.artifacts.Put(ctx, path, data, contentType); err != nil {
			return err
		}
		switch {
		case entry.Name() == "snowball.json":
			meta.SnowballFile = entry.Name()
		case stage == jobdoc.PhaseRanking && strings.HasPrefix(entry.Name(), "elo_ranked_"):
			meta.EloRankedFile = entry.Name()
		case stage == jobdoc.PhaseReport && strings.HasPrefix(entry.Name(), "report_top_k"):
			meta.ReportFile = entry.Name()
		}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return e.artifacts.Put(ctx, e.artifacts.ResultsPath(slug, jobID, "metadata.json"), metaBytes, "application/json")
}

// nextPhase returns the phase following current in jobType's chain, and
// whether current is already the chain's final non-terminal phase.
func nextPhase(jobType jobdoc.JobType, current jobdoc.Phase) (jobdoc.Phase, bool) {
	if current == jobType.FinalPhase() {
		return "", true
	}
	order := jobdoc.StageOrder[current]
	for phase, o := range jobdoc.StageOrder {
		if o == order+1 {
			return phase, false
		}
	}
	return "", true
}

// CitationCheck is the REPORT stage's final, non-fatal validation hook:
// it looks for a well-known "citation_warnings" field in the result
// delta and surfaces it so the executor can emit a phase_warning event.
func CitationCheck(delta ResultDelta) []string {
	raw, ok := delta["citation_warnings"]
	if !ok {
		return nil
	}
	warnings, ok := raw.([]string)
	if !ok {
		return nil
	}
	return warnings
}
