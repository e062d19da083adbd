// Copyright 2025 James Ross
package jobdoc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugifyIdempotent(t *testing.T) {
	cases := []string{
		"Neural Retrieval Methods!!",
		"  leading and trailing  ",
		"already_a_slug",
		"Émile's Über-Search",
		"",
	}
	for _, q := range cases {
		once := Slugify(q)
		twice := Slugify(once)
		assert.Equal(t, once, twice, "slugify not idempotent for %q", q)
	}
}

func TestSlugifyTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "a "
	}
	s := Slugify(long)
	assert.LessOrEqual(t, len(s), maxSlugLen)
}

func TestAppendEventTruncatesFIFO(t *testing.T) {
	var events []Event
	for i := 0; i < 150; i++ {
		events = AppendEvent(events, NewEvent("progress", PhaseSearch, "tick", nil, nil), 100)
	}
	require.Len(t, events, 100)
	// the last 100 appends survive, in order
	assert.Equal(t, "progress", events[0].Type)
	assert.Equal(t, "progress", events[99].Type)
}

func TestAppendEventPreservesOrderAndContent(t *testing.T) {
	var events []Event
	for i := 0; i < 5; i++ {
		events = AppendEvent(events, NewEvent("progress", PhaseSearch, "", nil, map[string]interface{}{"n": i}), 3)
	}
	require.Len(t, events, 3)
	assert.Equal(t, 2, events[0].Fields["n"])
	assert.Equal(t, 4, events[2].Fields["n"])
}

func TestDefaultLevelTable(t *testing.T) {
	assert.Equal(t, LevelError, DefaultLevel("phase_error"))
	assert.Equal(t, LevelWarning, DefaultLevel("phase_warning"))
	assert.Equal(t, LevelInfo, DefaultLevel("job_created"))
	assert.Equal(t, LevelInfo, DefaultLevel("some_unknown_type"))
}

func TestEventMarshalMergesFields(t *testing.T) {
	ev := NewEvent("phase_error", PhaseReport, "boom", nil, map[string]interface{}{"reason": "timeout"})
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "timeout", out["reason"])
	assert.Equal(t, "boom", out["message"])
}

func TestJobMarshalCarriesTriplicatedIdentity(t *testing.T) {
	j := Job{ID: "abc123", JobType: JobTypePipeline, Status: StatusQueued}
	b, err := json.Marshal(j)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "abc123", out["id"])
	assert.Equal(t, "abc123", out["job_id"])
	assert.Equal(t, "abc123", out["jobId"])
}

func TestJobUnmarshalRoundTrip(t *testing.T) {
	j := Job{ID: "xyz", JobType: JobTypeSearch, Status: StatusRunning, Query: "q"}
	b, err := json.Marshal(j)
	require.NoError(t, err)
	var j2 Job
	require.NoError(t, json.Unmarshal(b, &j2))
	assert.Equal(t, j.ID, j2.ID)
	assert.Equal(t, j.Status, j2.Status)
	assert.Equal(t, j.Query, j2.Query)
}

func TestHasQueuedSentinel(t *testing.T) {
	assert.True(t, Progress{StepName: "Queued"}.HasQueuedSentinel())
	assert.True(t, Progress{Message: "job is queued for ranking"}.HasQueuedSentinel())
	assert.False(t, Progress{StepName: "Running", Message: "working"}.HasQueuedSentinel())
}

func TestIsStale(t *testing.T) {
	now := time.Now()
	assert.True(t, IsStale(time.Time{}, now, 30))
	assert.False(t, IsStale(now.Add(-10*time.Minute), now, 30))
	assert.True(t, IsStale(now.Add(-31*time.Minute), now, 30))
}

func TestPhaseDurations(t *testing.T) {
	base := time.Now()
	events := []Event{
		{Ts: base, Type: "phase_start", Phase: PhaseSearch},
		{Ts: base.Add(5 * time.Second), Type: "phase_complete", Phase: PhaseSearch},
		{Ts: base.Add(6 * time.Second), Type: "phase_start", Phase: PhaseRanking},
		{Ts: base.Add(20 * time.Second), Type: "phase_error", Phase: PhaseRanking},
	}
	d := PhaseDurations(events)
	assert.InDelta(t, 5.0, d["search"], 0.01)
	assert.InDelta(t, 14.0, d["ranking"], 0.01)
}
