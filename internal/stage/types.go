// Copyright 2025 James Ross

// Package stage implements the Stage Executor (C6): scratch-directory
// lifecycle, prerequisite artifact download, outer REPORT timeout,
// stage-handoff (progress-first-then-enqueue), and the empty-search
// short-circuit. The three SEARCH/RANK/REPORT algorithms themselves are
// out of scope; package stage/builtin supplies deterministic stand-ins
// implementing the Fn contract defined here.
package stage

import "context"

// ProgressFunc is how a stage function reports incremental progress; the
// executor wires it straight into the Progress Reporter. iter/totalIter
// are 0 when the stage isn't inside an iterative sub-loop.
type ProgressFunc func(step int, stepName string, current, total int, message string, iter, totalIter int)

// ResultDelta is what a stage contributes to the job's accumulating
// result object; Executor.Run merges it last-write-wins.
type ResultDelta map[string]interface{}

// PapersFoundKey is the ResultDelta key SEARCH sets; Executor.Run reads
// it to decide the empty-search short-circuit.
const PapersFoundKey = "papers_found"

// Fn is the pluggable per-stage algorithm. It writes its own output
// files into scratchDir (the executor uploads the directory afterward)
// and reports progress via the given callback.
type Fn func(ctx context.Context, jobID string, payload map[string]interface{}, scratchDir string, progress ProgressFunc) (ResultDelta, error)

// Metadata is the per-job metadata.json document the executor rewrites
// after every stage so the next stage can discover the previous stage's
// output filenames without guessing.
type Metadata struct {
	SnowballFile   string `json:"snowball_file,omitempty"`
	EloRankedFile  string `json:"elo_ranked_file,omitempty"`
	ReportFile     string `json:"report_file,omitempty"`
}
