// Copyright 2025 James Ross

// Package builtin provides deterministic stand-in implementations of the
// SEARCH/RANK/REPORT algorithms, whose real logic is out of scope. They
// satisfy stage.Fn so cmd/orchestrator has something concrete to wire
// the Stage Executor to, and so stage.Executor can be exercised in tests
// without a network-calling search/ranking/LLM backend.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/stage"
)

// paper is the minimal shape SEARCH/RANK/REPORT pass between each other
// through snowball.json / elo_ranked_*.json.
type paper struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// Search writes snowball.json with papers derived from payload["query"]
// (a fixed placeholder query when the payload has none; the job's Query
// field is not consulted), reporting progress as it goes. It never
// actually calls an external search API.
func Search(ctx context.Context, jobID string, payload map[string]interface{}, scratchDir string, progress stage.ProgressFunc) (stage.ResultDelta, error) {
	query, _ := payload["query"].(string)
	if query == "" {
		query = "unspecified query"
	}
	progress(1, "searching", 0, 1, fmt.Sprintf("searching for %q", query), 0, 0)

	papers := seedPapers(query)
	progress(1, "searching", 1, 1, fmt.Sprintf("found %d papers", len(papers)), 0, 0)

	if err := writeJSON(filepath.Join(scratchDir, "snowball.json"), map[string]interface{}{"query": query, "papers": papers}); err != nil {
		return nil, err
	}
	return stage.ResultDelta{stage.PapersFoundKey: len(papers)}, nil
}

// Rank reads snowball.json from the scratch directory (downloaded there
// by the executor) and writes a deterministically-scored elo_ranked file.
func Rank(ctx context.Context, jobID string, payload map[string]interface{}, scratchDir string, progress stage.ProgressFunc) (stage.ResultDelta, error) {
	var snowball struct {
		Papers []paper `json:"papers"`
	}
	if err := readJSON(filepath.Join(scratchDir, "snowball.json"), &snowball); err != nil {
		return nil, fmt.Errorf("builtin: rank: read snowball.json: %w", err)
	}

	kFactor := intFromPayload(payload, "k_factor", 32)
	pairing := stringFromPayload(payload, "pairing", "swiss")

	total := len(snowball.Papers)
	for i, p := range snowball.Papers {
		snowball.Papers[i].Score = eloScore(p.ID, i)
		progress(2, "ranking", i+1, total, fmt.Sprintf("ranked %s", p.Title), i+1, total)
	}

	filename := fmt.Sprintf("elo_ranked_k%d_p%s.json", kFactor, pairing)
	if err := writeJSON(filepath.Join(scratchDir, filename), map[string]interface{}{"papers": snowball.Papers}); err != nil {
		return nil, err
	}
	return stage.ResultDelta{"papers_ranked": total}, nil
}

// Report reads the ranked papers and emits a deterministic top-K report.
func Report(ctx context.Context, jobID string, payload map[string]interface{}, scratchDir string, progress stage.ProgressFunc) (stage.ResultDelta, error) {
	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		return nil, err
	}
	var rankedFile string
	for _, e := range entries {
		if filepath.Base(e.Name()) != "snowball.json" && filepath.Ext(e.Name()) == ".json" {
			rankedFile = e.Name()
			break
		}
	}
	if rankedFile == "" {
		return nil, fmt.Errorf("builtin: report: no elo_ranked file in scratch dir")
	}

	var ranked struct {
		Papers []paper `json:"papers"`
	}
	if err := readJSON(filepath.Join(scratchDir, rankedFile), &ranked); err != nil {
		return nil, err
	}

	progress(3, "reporting", 0, 1, "composing report", 0, 0)

	k := intFromPayload(payload, "report_top_k", 10)
	if k > len(ranked.Papers) {
		k = len(ranked.Papers)
	}
	topK := ranked.Papers[:k]

	filename := fmt.Sprintf("report_top_k%d.json", k)
	if err := writeJSON(filepath.Join(scratchDir, filename), map[string]interface{}{"top_k": topK}); err != nil {
		return nil, err
	}
	html := renderHTML(topK)
	if err := os.WriteFile(filepath.Join(scratchDir, "report.html"), []byte(html), 0o644); err != nil {
		return nil, err
	}
	progress(3, "reporting", 1, 1, "report complete", 0, 0)

	return stage.ResultDelta{"report_size": k}, nil
}

// intFromPayload reads an integer-valued job parameter, accepting the
// numeric types encoding/json produces for interface{} (float64) as well
// as a plain int, falling back to def when absent or the wrong type.
func intFromPayload(payload map[string]interface{}, key string, def int) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func stringFromPayload(payload map[string]interface{}, key, def string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return def
}

func seedPapers(query string) []paper {
	n := 5
	papers := make([]paper, 0, n)
	for i := 0; i < n; i++ {
		papers = append(papers, paper{
			ID:    fmt.Sprintf("%s-%d", query, i),
			Title: fmt.Sprintf("A study related to %s (#%d)", query, i+1),
		})
	}
	return papers
}

func eloScore(id string, rank int) float64 {
	return 1000.0 - float64(rank)*10.0
}

func renderHTML(papers []paper) string {
	out := "<html><body><h1>Report</h1><ol>"
	for _, p := range papers {
		out += fmt.Sprintf("<li>%s (score %.1f)</li>", p.Title, p.Score)
	}
	out += "</ol></body></html>"
	return out
}

func writeJSON(path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func readJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Registry returns the phase-to-Fn map cmd/orchestrator wires into
// stage.Executor.
func Registry() map[jobdoc.Phase]stage.Fn {
	return map[jobdoc.Phase]stage.Fn{
		jobdoc.PhaseSearch:  Search,
		jobdoc.PhaseRanking: Rank,
		jobdoc.PhaseReport:  Report,
	}
}
