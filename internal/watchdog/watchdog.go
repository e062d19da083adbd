// Copyright 2025 James Ross

// Package watchdog implements the three Watchdog Controllers (C9):
// stale-fail, queued-rescue, and running-rescue, each an independent
// periodic reconciler over the job store, in the same polling-loop
// style this codebase's internal/reaper already uses for orphaned
// queue entries.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobstore"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/obs"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/progress"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/queue"
	"go.uber.org/zap"
)

// StageRunner is the subset of *stage.Executor the queued-rescue
// watchdog needs to execute a stage directly, mirroring
// internal/consumer.StageRunner.
type StageRunner interface {
	Run(ctx context.Context, job *jobdoc.Job, stage jobdoc.Phase, payload map[string]interface{}) (isFinal bool, err error)
}

// QueueSender is the subset of *queue.Client the running-rescue watchdog
// needs to re-enqueue a stalled stage.
type QueueSender interface {
	Send(ctx context.Context, queueName string, body queue.Message) error
}

// Config holds the thresholds spec.md §4.9 pins to env knobs.
type Config struct {
	StaleMinutes          int
	RunningRescueMinutes  int
	QueuedSeconds         int
	StaleFailPeriod       time.Duration
	QueuedRescuePeriod    time.Duration
	RunningRescuePeriod   time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleMinutes:         30,
		RunningRescueMinutes: 8,
		QueuedSeconds:        20,
		StaleFailPeriod:      5 * time.Minute,
		QueuedRescuePeriod:   10 * time.Second,
		RunningRescuePeriod:  time.Minute,
	}
}

// Controllers bundles the three watchdogs behind a single start/stop
// surface for cmd/orchestrator.
type Controllers struct {
	cfg       Config
	store     *jobstore.Client
	reporter  *progress.Reporter
	executor  StageRunner
	queue     QueueSender
	queueName string
	log       *zap.Logger
}

func New(cfg Config, store *jobstore.Client, reporter *progress.Reporter, executor StageRunner, q QueueSender, queueName string, log *zap.Logger) *Controllers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controllers{cfg: cfg, store: store, reporter: reporter, executor: executor, queue: q, queueName: queueName, log: log}
}

// Run starts all three controllers on their independent schedules and
// blocks until ctx is canceled.
func (c *Controllers) Run(ctx context.Context) {
	staleTicker := time.NewTicker(c.cfg.StaleFailPeriod)
	queuedTicker := time.NewTicker(c.cfg.QueuedRescuePeriod)
	runningTicker := time.NewTicker(c.cfg.RunningRescuePeriod)
	defer staleTicker.Stop()
	defer queuedTicker.Stop()
	defer runningTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTicker.C:
			c.runStaleFail(ctx)
		case <-queuedTicker.C:
			c.runQueuedRescue(ctx)
		case <-runningTicker.C:
			c.runRunningRescue(ctx)
		}
	}
}

// runStaleFail implements §4.9.1: any running job whose updated_at age
// exceeds StaleMinutes (or is unparseable — a zero time, here) is failed.
func (c *Controllers) runStaleFail(ctx context.Context) {
	jobs, err := c.store.Query(ctx, jobdoc.StatusRunning, 1000)
	if err != nil {
		c.log.Warn("watchdog: stale-fail query failed", obs.Err(err))
		return
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		elapsed := now.Sub(job.UpdatedAt)
		if job.UpdatedAt.IsZero() {
			elapsed = time.Duration(c.cfg.StaleMinutes+1) * time.Minute
		}
		if elapsed < time.Duration(c.cfg.StaleMinutes)*time.Minute {
			continue
		}
		msg := fmt.Sprintf("Job has been running for %d minutes with no progress update; marking failed.", int(elapsed.Minutes()))
		if err := c.reporter.Fail(ctx, job.ID, msg, "stale"); err != nil {
			c.log.Warn("watchdog: stale-fail patch failed", obs.String("job_id", job.ID), obs.Err(err))
		}
		obs.WatchdogActions.WithLabelValues("stale_fail", "failed").Inc()
	}
}

// runningRescueEligible implements the §4.9.4 disjointness invariant:
// minutes in [RunningRescueMinutes, StaleMinutes).
func (c *Controllers) runningRescueEligible(elapsed time.Duration) bool {
	lo := time.Duration(c.cfg.RunningRescueMinutes) * time.Minute
	hi := time.Duration(c.cfg.StaleMinutes) * time.Minute
	return elapsed >= lo && elapsed < hi
}

// runRunningRescue implements §4.9.3: soft re-enqueue of a stalled but
// not-yet-stale running job whose progress carries no Queued sentinel.
func (c *Controllers) runRunningRescue(ctx context.Context) {
	jobs, err := c.store.Query(ctx, jobdoc.StatusRunning, 1000)
	if err != nil {
		c.log.Warn("watchdog: running-rescue query failed", obs.Err(err))
		return
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		elapsed := now.Sub(job.UpdatedAt)
		if !c.runningRescueEligible(elapsed) {
			continue
		}
		if _, ok := jobdoc.StageOrder[job.Progress.Phase]; !ok {
			continue
		}
		if job.Progress.HasQueuedSentinel() {
			continue
		}
		c.reporter.AppendEvent(ctx, job.ID, "progress", job.Progress.Phase,
			fmt.Sprintf("Rescue watchdog re-enqueuing %s stage", job.Progress.Phase), nil,
			map[string]interface{}{"reason": "running_rescue_watchdog"})

		if err := c.reporter.MarkQueuedForStage(ctx, job.ID, job.Progress.Phase); err != nil {
			c.log.Warn("watchdog: running-rescue mark-queued failed", obs.String("job_id", job.ID), obs.Err(err))
			c.reporter.AppendEvent(ctx, job.ID, "phase_warning", job.Progress.Phase, "running-rescue failed to re-enqueue", nil, nil)
			continue
		}
		if err := c.enqueue(ctx, job.ID, string(job.JobType), job.Progress.Phase, job.Payload); err != nil {
			c.log.Warn("watchdog: running-rescue enqueue failed", obs.String("job_id", job.ID), obs.Err(err))
			c.reporter.AppendEvent(ctx, job.ID, "phase_warning", job.Progress.Phase, "running-rescue failed to re-enqueue", nil, nil)
			continue
		}
		obs.WatchdogActions.WithLabelValues("running_rescue", "re-enqueued").Inc()
	}
}

// runQueuedRescue implements §4.9.2: at most one stage execution per
// tick, picked as the oldest eligible job ("cold start" detection).
func (c *Controllers) runQueuedRescue(ctx context.Context) {
	jobs, err := c.store.QueryMulti(ctx, []jobdoc.Status{jobdoc.StatusQueued, jobdoc.StatusRunning}, 1000)
	if err != nil {
		c.log.Warn("watchdog: queued-rescue query failed", obs.Err(err))
		return
	}
	now := time.Now().UTC()
	threshold := time.Duration(c.cfg.QueuedSeconds) * time.Second
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		eligible := job.Status == jobdoc.StatusQueued || job.Progress.HasQueuedSentinel()
		if !eligible {
			continue
		}
		if now.Sub(job.UpdatedAt) < threshold {
			continue
		}
		c.rescueOne(ctx, job)
		return // at most one job per tick
	}
}

func (c *Controllers) rescueOne(ctx context.Context, job *jobdoc.Job) {
	stage := job.Progress.Phase
	switch stage {
	case jobdoc.PhaseInit, "":
		stage = jobdoc.PhaseSearch
	case jobdoc.PhaseSearch, jobdoc.PhaseRanking, jobdoc.PhaseReport:
		// already the phase to run
	default:
		return // unknown phase, skip per spec step 1
	}

	elapsedSec := int(time.Since(job.UpdatedAt).Seconds())
	c.reporter.AppendEvent(ctx, job.ID, "progress", stage,
		fmt.Sprintf("Rescue watchdog running %s stage (queued %ds)", stage, elapsedSec), nil,
		map[string]interface{}{"reason": "queued_watchdog"})
	running := jobdoc.StatusRunning
	_ = c.reporter.UpdateProgress(ctx, job.ID, &running, jobdoc.Progress{Phase: stage, StepName: "Running", Message: "Rescue watchdog running"})

	isFinal, err := c.executor.Run(ctx, job, stage, job.Payload)
	if err != nil {
		if ferr := c.reporter.Fail(ctx, job.ID, err.Error(), "queued_watchdog"); ferr != nil {
			c.log.Warn("watchdog: queued-rescue fail patch failed", obs.String("job_id", job.ID), obs.Err(ferr))
		}
		obs.WatchdogActions.WithLabelValues("queued_rescue", "failed").Inc()
		return
	}
	if isFinal && stage == jobdoc.PhaseReport {
		fresh, err := c.store.Get(ctx, job.ID)
		if err == nil && fresh.Status == jobdoc.StatusRunning {
			_ = c.reporter.Complete(ctx, job.ID)
		}
	}
	obs.WatchdogActions.WithLabelValues("queued_rescue", "ran").Inc()
}

func (c *Controllers) enqueue(ctx context.Context, jobID, jobType string, stage jobdoc.Phase, payload map[string]interface{}) error {
	if c.queue == nil {
		return nil
	}
	nextPayload := map[string]interface{}{}
	for k, v := range payload {
		nextPayload[k] = v
	}
	nextPayload["stage"] = string(stage)
	return c.queue.Send(ctx, c.queueName, queue.Message{JobID: jobID, JobType: jobType, Payload: nextPayload})
}
