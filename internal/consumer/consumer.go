// Copyright 2025 James Ross

// Package consumer implements the Message Consumer (C7): decode,
// latency observation, idempotency gate invocation (with the bounded
// re-read loop for the "stage ahead by one" case), stage dispatch, and
// terminal completion/notification handling.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/idempotency"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobstore"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/notify"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/obs"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/progress"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/queue"
	"go.uber.org/zap"
)

// StageRunner is the subset of *stage.Executor the consumer needs,
// interfaced so tests can substitute a fake without standing up real
// artifact/queue backends.
type StageRunner interface {
	Run(ctx context.Context, job *jobdoc.Job, stage jobdoc.Phase, payload map[string]interface{}) (isFinal bool, err error)
}

// Consumer drains one queue, running the idempotency gate and dispatching
// to the stage executor for every message that should run.
type Consumer struct {
	queue        *queue.Client
	queueName    string
	consumerID   string
	store        *jobstore.Client
	reporter     *progress.Reporter
	executor     StageRunner
	notifier     notify.Notifier
	staleMinutes int
	log          *zap.Logger
}

func New(q *queue.Client, queueName, consumerID string, store *jobstore.Client, reporter *progress.Reporter, executor StageRunner, notifier notify.Notifier, staleMinutes int, log *zap.Logger) *Consumer {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{queue: q, queueName: queueName, consumerID: consumerID, store: store, reporter: reporter, executor: executor, notifier: notifier, staleMinutes: staleMinutes, log: log}
}

// Run loops receiving and handling messages until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := c.queue.Receive(ctx, c.queueName, c.consumerID)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			c.log.Warn("consumer: receive failed", obs.Err(err))
			continue
		}
		c.handle(ctx, msg)
	}
}

// handle processes exactly one message and acks/nacks it. Any stage
// failure is logged and the message is nacked so the broker's own
// redelivery/dead-letter policy can drive recovery, per spec.md §4.7
// step 5 ("re-raise to allow the broker to drive its retry/DLQ policy").
func (c *Consumer) handle(ctx context.Context, msg *queue.QueuedMessage) {
	if msg.Body.JobID == "" || msg.Body.JobType == "" {
		c.log.Warn("consumer: dropping message missing job_id/job_type")
		_ = c.queue.Ack(ctx, c.queueName, c.consumerID, msg)
		return
	}

	latency := time.Since(msg.EnqueuedTime)
	obs.AddSpanAttributes(ctx, obs.KeyValue("queue.latency_seconds", latency.Seconds()))

	stageName, explicit := msg.Body.Stage()

	job, err := c.store.Get(ctx, msg.Body.JobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		c.log.Warn("consumer: job not found, dropping", obs.String("job_id", msg.Body.JobID))
		_ = c.queue.Ack(ctx, c.queueName, c.consumerID, msg)
		return
	}
	if err != nil {
		c.log.Warn("consumer: transient job store error", obs.String("job_id", msg.Body.JobID), obs.Err(err))
		_ = c.queue.Nack(ctx, c.queueName, c.consumerID, msg, "store_error", err.Error())
		return
	}

	decision, job := c.evaluateWithBoundedReread(ctx, job, stageName, explicit)

	switch decision.Action {
	case idempotency.Skip:
		_ = c.queue.Ack(ctx, c.queueName, c.consumerID, msg)
		return
	case idempotency.Reread:
		// Bounded re-read exhausted, still ahead by exactly one step: likely
		// a stale read rather than a true gap, so proceed and trust the
		// message's stage rather than drop it.
	}

	runStage := jobdoc.Phase(stageName)
	if runStage == "" {
		runStage = job.Progress.Phase
	}

	isFinal, runErr := c.executor.Run(ctx, job, runStage, msg.Body.Payload)
	if runErr != nil {
		c.log.Warn("consumer: stage run failed", obs.String("job_id", job.ID), obs.String("stage", string(runStage)), obs.Err(runErr))
		c.maybeNotify(ctx, job.ID, job.Query, payloadEmail(msg.Body.Payload), false)
		_ = c.queue.Nack(ctx, c.queueName, c.consumerID, msg, "stage_error", runErr.Error())
		return
	}

	if isFinal {
		fresh, err := c.store.Get(ctx, job.ID)
		if err == nil && !fresh.Status.Terminal() {
			if err := c.reporter.Complete(ctx, job.ID); err != nil {
				c.log.Warn("consumer: complete patch failed", obs.String("job_id", job.ID), obs.Err(err))
			}
			c.maybeNotify(ctx, job.ID, job.Query, payloadEmail(msg.Body.Payload), true)
		} else if err == nil && fresh.Status == jobdoc.StatusFailed {
			c.maybeNotify(ctx, job.ID, job.Query, payloadEmail(msg.Body.Payload), false)
		}
	}

	_ = c.queue.Ack(ctx, c.queueName, c.consumerID, msg)
}

func payloadEmail(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload["notification_email"].(string); ok {
		return v
	}
	return ""
}

func (c *Consumer) maybeNotify(ctx context.Context, jobID, query, to string, success bool) {
	if to == "" {
		return
	}
	if err := c.notifier.NotifyComplete(to, jobID, query); err != nil {
		c.log.Warn("consumer: notify failed", obs.String("job_id", jobID), obs.Err(err))
		return
	}
	level := jobdoc.LevelInfo
	c.reporter.AppendEvent(ctx, jobID, "email_sent", "", "notification sent", &level, map[string]interface{}{"success": success})
}

// evaluateWithBoundedReread runs the gate and, on a Reread verdict,
// re-fetches the document up to BoundedRereadTotal/BoundedRereadStep
// times hoping to observe a fresher phase, per spec.md §5 step 6.
func (c *Consumer) evaluateWithBoundedReread(ctx context.Context, job *jobdoc.Job, stageName string, explicit bool) (idempotency.Decision, *jobdoc.Job) {
	decision := idempotency.Evaluate(job, stageName, explicit, time.Now().UTC(), c.staleMinutes)
	if decision.Action != idempotency.Reread {
		return decision, job
	}

	deadline := time.Now().Add(idempotency.BoundedRereadTotal)
	ticker := time.NewTicker(idempotency.BoundedRereadStep)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return decision, job
		case <-ticker.C:
		}
		fresh, err := c.store.Get(ctx, job.ID)
		if err != nil {
			continue
		}
		job = fresh
		decision = idempotency.Evaluate(job, stageName, explicit, time.Now().UTC(), c.staleMinutes)
		if decision.Action != idempotency.Reread {
			return decision, job
		}
	}
	return decision, job
}
