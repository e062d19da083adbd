// Copyright 2025 James Ross
package jobdoc

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the job lifecycle state. Terminal states (Completed, Failed)
// are sticky: once reached, nothing may change status again.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobType selects which stage chain a job runs: pipeline runs all three
// stages, search stops after SEARCH.
type JobType string

const (
	JobTypePipeline JobType = "pipeline"
	JobTypeSearch   JobType = "search"
)

// Phase tracks progress within the job's stage chain. Phase only advances
// forward in StageOrder, except for the absorbing Error phase.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseSearch   Phase = "search"
	PhaseRanking  Phase = "ranking"
	PhaseReport   Phase = "report"
	PhaseUpload   Phase = "upload"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// StageOrder gives the canonical search < ranking < report ordering used
// by the idempotency gate. Phases outside this map (init, upload,
// complete, error) never participate in the ahead/behind comparison.
var StageOrder = map[Phase]int{
	PhaseSearch:  0,
	PhaseRanking: 1,
	PhaseReport:  2,
}

// QueuedSentinel is the step_name value meaning "progress was written for
// the next stage but no worker has picked it up yet".
const QueuedSentinel = "Queued"

type Progress struct {
	Phase    Phase  `json:"phase"`
	Step     int    `json:"step"`
	StepName string `json:"step_name"`
	Message  string `json:"message"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
}

// HasQueuedSentinel reports whether this progress snapshot means "waiting
// for the next worker", per the glossary definition: step_name=="Queued"
// or the substring "queued" appears in message.
func (p Progress) HasQueuedSentinel() bool {
	if p.StepName == QueuedSentinel {
		return true
	}
	return strings.Contains(strings.ToLower(p.Message), "queued")
}

// Job is the root durable record. Only the Progress Reporter (package
// progress) mutates it; everything else reads through the Job Store.
type Job struct {
	ID               string                 `json:"-"`
	JobType          JobType                `json:"job_type"`
	Status           Status                 `json:"status"`
	Query            string                 `json:"query"`
	Payload          map[string]interface{} `json:"payload"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	ExpiresAt        int64                  `json:"expires_at"`
	Progress         Progress               `json:"progress"`
	Result           map[string]interface{} `json:"result,omitempty"`
	ErrorMessage     *string                `json:"error_message,omitempty"`
	Events           []Event                `json:"events,omitempty"`
}

// MarshalJSON carries the triplicated identity fields (id, job_id, jobId)
// required so a document copied into a store with a different
// partition-key convention is still readable. See jobstore.Client.
func (j Job) MarshalJSON() ([]byte, error) {
	type alias Job
	w := struct {
		ID         string `json:"id"`
		JobID      string `json:"job_id"`
		JobIDCamel string `json:"jobId"`
		alias
	}{ID: j.ID, JobID: j.ID, JobIDCamel: j.ID, alias: alias(j)}
	return json.Marshal(w)
}

func (j *Job) UnmarshalJSON(b []byte) error {
	type alias Job
	w := struct {
		ID    string `json:"id"`
		JobID string `json:"job_id"`
		alias
	}{}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*j = Job(w.alias)
	if w.JobID != "" {
		j.ID = w.JobID
	} else {
		j.ID = w.ID
	}
	return nil
}

// StartPhase returns the first phase executed for a job type: search for
// both pipeline and search jobs.
func (t JobType) StartPhase() Phase {
	return PhaseSearch
}

// FinalPhase is the last non-terminal phase before Complete.
func (t JobType) FinalPhase() Phase {
	if t == JobTypeSearch {
		return PhaseSearch
	}
	return PhaseReport
}
