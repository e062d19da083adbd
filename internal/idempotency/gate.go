// Copyright 2025 James Ross

// Package idempotency implements the idempotency gate: the decision
// procedure invoked at the start of every stage execution that decides
// whether a consumer should run a stage, skip it, or treat it as final.
// The bounded re-read loop for the "ahead by one" case lives with the
// caller (internal/consumer) since it needs to re-fetch the document from
// internal/jobstore, which this package does not depend on.
package idempotency

import (
	"time"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/obs"
)

// Action is the gate's verdict for a given stage invocation.
type Action int

const (
	// Run means the consumer should execute the stage.
	Run Action = iota
	// Skip means the consumer should not execute the stage and should ack
	// the message without changing job state.
	Skip
	// Reread means the message's stage is exactly one ahead of the
	// document's current phase; the caller should perform a bounded
	// re-read and call Evaluate again with the freshened document.
	Reread
)

func (a Action) String() string {
	switch a {
	case Run:
		return "run"
	case Skip:
		return "skip"
	case Reread:
		return "reread"
	default:
		return "unknown"
	}
}

// Decision is the gate's full verdict, including whether this is the
// job's final word (terminal) so the consumer knows whether to flip
// status or notify.
type Decision struct {
	Action       Action
	IsFinal      bool
	OverridePhase bool // true when the run is due to a stale override (step 2): the executor should trust S, not P
	Reason       string
}

// BoundedRereadTotal and BoundedRereadStep are the §5 step 6 constants:
// up to ~2s total, polling every ~150ms, hoping to observe a fresher
// document than the one that looked "ahead by one".
const (
	BoundedRereadTotal = 2 * time.Second
	BoundedRereadStep  = 150 * time.Millisecond
)

// Evaluate runs steps 1-5 and 7 of the gate against the given document
// for a message specifying stage S. Step 6 (ahead-by-one bounded re-read)
// is signaled via Reread; the caller re-fetches the document and calls
// Evaluate again up to BoundedRereadTotal/BoundedRereadStep times.
func Evaluate(job *jobdoc.Job, stage string, hasStageOverride bool, now time.Time, staleMinutes int) Decision {
	// Step 1: terminal states are sticky.
	if job.Status.Terminal() {
		record("skip")
		return Decision{Action: Skip, IsFinal: true, Reason: "terminal"}
	}

	// A job still in its pre-execution queued status has never run a
	// stage yet (lifecycle note: "transitions to running upon first
	// stage execution"), so none of steps 2-4's running-only conditions
	// can apply to it and its progress.phase is not yet meaningful for
	// the ahead/behind comparison in steps 5-6. Always run.
	if job.Status == jobdoc.StatusQueued {
		record("run_initial")
		return Decision{Action: Run, IsFinal: false, Reason: "initial_queued"}
	}

	stale := jobdoc.IsStale(job.UpdatedAt, now, staleMinutes)

	// Step 2: running but stale — trust the message's stage, not the
	// document's stalled phase.
	if job.Status == jobdoc.StatusRunning && stale {
		record("run_stale_override")
		return Decision{Action: Run, IsFinal: false, OverridePhase: true, Reason: "stale_override"}
	}

	currentPhase := job.Progress.Phase
	S := jobdoc.Phase(stage)

	// Step 3: Queued sentinel on the stage we're about to run.
	if job.Status == jobdoc.StatusRunning && currentPhase == S && job.Progress.HasQueuedSentinel() {
		record("run_queued_sentinel")
		return Decision{Action: Run, IsFinal: false, Reason: "queued_sentinel"}
	}

	// Step 4: running with no stage override in the message — we can't
	// tell where we are relative to the document.
	if job.Status == jobdoc.StatusRunning && !hasStageOverride {
		record("skip")
		return Decision{Action: Skip, IsFinal: false, Reason: "no_stage_override"}
	}

	sOrder, sKnown := jobdoc.StageOrder[S]
	pOrder, pKnown := jobdoc.StageOrder[currentPhase]

	// Step 5: message's stage is behind the document's current phase.
	if sKnown && pKnown && sOrder < pOrder {
		record("skip")
		return Decision{Action: Skip, IsFinal: false, Reason: "stage_behind"}
	}

	// Step 6: message's stage is ahead of the document's current phase.
	if sKnown && pKnown && sOrder > pOrder {
		if sOrder == pOrder+1 {
			record("reread")
			return Decision{Action: Reread, IsFinal: false, Reason: "stage_ahead_by_one"}
		}
		record("skip")
		return Decision{Action: Skip, IsFinal: false, Reason: "stage_ahead_by_many"}
	}

	// sOrder == pOrder (same stage, not caught by step 3): step 3 already
	// handles the Queued-sentinel case, so reaching here means the stage
	// is already running — a duplicate delivery mid-run. Skip it rather
	// than running the stage concurrently.
	if sKnown && pKnown && sOrder == pOrder {
		record("skip")
		return Decision{Action: Skip, IsFinal: false, Reason: "stage_matches"}
	}

	record("skip")
	return Decision{Action: Skip, IsFinal: false, Reason: "default"}
}

func record(action string) {
	obs.IdempotencyGateDecisions.WithLabelValues(action).Inc()
}
