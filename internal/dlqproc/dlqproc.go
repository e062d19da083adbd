// Copyright 2025 James Ross

// Package dlqproc implements the DLQ Processor (C8): a second consumer
// bound to the dead-letter sub-queue that flips a dead-lettered job's
// document to failed with the broker's stated reason, mirroring this
// codebase's existing worker/reaper split between the happy-path
// consumer and its failure-drain sibling.
package dlqproc

import (
	"context"
	"errors"
	"fmt"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobstore"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/obs"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/progress"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/queue"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Processor drains the dead-letter sub-queue for one queue name.
type Processor struct {
	queue      *queue.Client
	queueName  string
	consumerID string
	store      *jobstore.Client
	reporter   *progress.Reporter
	log        *zap.Logger
}

func New(q *queue.Client, queueName, consumerID string, store *jobstore.Client, reporter *progress.Reporter, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{queue: q, queueName: queueName, consumerID: consumerID, store: store, reporter: reporter, log: log}
}

// Run loops receiving and handling dead-lettered messages until ctx is
// canceled.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := p.queue.ReceiveDLQ(ctx, p.queueName, p.consumerID)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			p.log.Warn("dlqproc: receive failed", obs.Err(err))
			continue
		}
		p.handle(ctx, msg)
	}
}

// handle flips the referenced job to failed with the broker's recorded
// dead-letter reason, then acks the DLQ entry unconditionally: a job
// that's absent or already terminal makes this a no-op, not a retry
// target, since spec.md §4.8 treats dead-lettering as a one-way drain.
func (p *Processor) handle(ctx context.Context, msg *queue.QueuedMessage) {
	defer func() { _ = p.queue.AckDLQ(ctx, p.queueName, p.consumerID, msg) }()

	if msg.Body.JobID == "" {
		p.log.Warn("dlqproc: dead-lettered message missing job_id")
		return
	}

	job, err := p.store.Get(ctx, msg.Body.JobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		p.log.Warn("dlqproc: job not found for dead-lettered message", obs.String("job_id", msg.Body.JobID))
		return
	}
	if err != nil {
		p.log.Warn("dlqproc: store error", obs.String("job_id", msg.Body.JobID), obs.Err(err))
		return
	}
	if job.Status.Terminal() {
		return
	}

	reason := msg.DeadLetterReason
	if reason == "" {
		reason = "unknown"
	}
	message := fmt.Sprintf("Job dead-lettered: %s.", reason)
	if msg.DeadLetterErrorDescription != "" {
		message = fmt.Sprintf("%s %s", message, msg.DeadLetterErrorDescription)
	}

	if err := p.reporter.Fail(ctx, job.ID, message, reason); err != nil {
		p.log.Warn("dlqproc: fail patch failed", obs.String("job_id", job.ID), obs.Err(err))
	}
}

// RunScheduled runs a coarse batch sweep of the DLQ on a cron schedule
// instead of Run's continuous blocking drain. Useful for deployments
// that dead-letter rarely and would rather not hold a consumer slot
// open indefinitely; spec is a standard five-field cron expression
// (e.g. "*/5 * * * *"). Blocks until ctx is canceled.
func (p *Processor) RunScheduled(ctx context.Context, spec string) error {
	c := cron.New()
	id, err := c.AddFunc(spec, func() { p.sweepOnce(ctx) })
	if err != nil {
		return fmt.Errorf("dlqproc: invalid cron spec %q: %w", spec, err)
	}
	p.log.Info("dlqproc: scheduled sweep registered", obs.String("spec", spec), obs.Int("entry_id", int(id)))
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// sweepOnce drains the DLQ, returning once a receive waits the queue's
// ReceiveTimeout without getting a message.
func (p *Processor) sweepOnce(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := p.queue.ReceiveDLQ(ctx, p.queueName, p.consumerID)
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		if err != nil {
			p.log.Warn("dlqproc: scheduled sweep receive failed", obs.Err(err))
			return
		}
		p.handle(ctx, msg)
	}
}
