// Package replay implements the two-mode Replay Engine (C8): review-only
// (read the saved verdict back) and rerun (re-execute the saved plan
// deterministically through the local skill primitives, never touching the
// network). Grounded on original_source/apps/console/min_loop.py's replay
// commands and kernel/bus.py's prefix resolution.
package replay

import (
	"encoding/csv"
	"os"

	"github.com/overhuman/overhuman/internal/kinderr"
	"github.com/overhuman/overhuman/internal/outbox"
	"github.com/overhuman/overhuman/internal/skills"
)

// ReviewOnlyResult is what the review-only mode returns: the last
// review.scored payload, or a synthetic "no saved review" verdict.
type ReviewOnlyResult struct {
	TraceID string         `json:"trace_id"`
	Verdict map[string]any `json:"verdict"`
}

// Engine replays episodes stored in a file-backend episodes directory.
// A relational-backend deployment resolves trace ids and loads episodes
// through its own store and then calls the same ReviewOnly/Rerun helpers
// against the loaded *outbox.Episode.
type Engine struct {
	EpisodesDir string
}

// New builds a replay Engine over a file-backend episodes directory.
func New(episodesDir string) *Engine {
	return &Engine{EpisodesDir: episodesDir}
}

// ResolveTrace implements the unique-prefix matching policy: zero matches
// treats input as a literal id, one match resolves it, multiple matches is
// a kinderr.AmbiguousPrefix error enumerating candidates.
func (e *Engine) ResolveTrace(traceIDOrPrefix string) (string, error) {
	return outbox.ResolvePrefix(e.EpisodesDir, traceIDOrPrefix)
}

// ReviewOnly returns ep's last review.scored payload,
// or {pass:false, score:0, reasons:["no_saved_review"]} if the episode
// never recorded one.
func ReviewOnly(ep *outbox.Episode) ReviewOnlyResult {
	if v := outbox.LastReviewScored(ep.Events); v != nil {
		return ReviewOnlyResult{TraceID: ep.TraceID, Verdict: v}
	}
	return ReviewOnlyResult{
		TraceID: ep.TraceID,
		Verdict: map[string]any{"pass": false, "score": 0.0, "reasons": []any{"no_saved_review"}},
	}
}

// Rerun re-executes an episode's saved plan against its saved TaskSpec
// using only the local skill primitives (csv.clean → stats.aggregate →
// md.render), writing the resulting Markdown to outOverride (or the
// episode's original artifacts.output_path if outOverride is empty). It
// never invokes an LLM or an MCP server — determinism requires the exact
// same deterministic transforms run the first time.
func Rerun(ep *outbox.Episode, outOverride string) (string, error) {
	if ep.Sense == nil {
		return "", kinderr.New(kinderr.NotFound, "replay.Rerun", errNoSense{ep.TraceID})
	}
	if ep.Plan == nil {
		return "", kinderr.New(kinderr.NotFound, "replay.Rerun", errNoPlan{ep.TraceID})
	}

	csvPath, _ := nested(ep.Sense, "inputs", "csv_path").(string)
	rows, err := loadCSV(csvPath)
	if err != nil {
		return "", kinderr.New(kinderr.NotFound, "replay.Rerun", err)
	}

	steps, _ := ep.Plan["steps"].([]any)
	byID := map[string]map[string]any{}
	for _, s := range steps {
		if step, ok := s.(map[string]any); ok {
			if id, ok := step["id"].(string); ok {
				byID[id] = step
			}
		}
	}

	dropEmpty := true
	if s1 := byID["s1"]; s1 != nil {
		if args, ok := s1["args"].(map[string]any); ok {
			dropEmpty = boolArg(args, "drop_empty", true)
		}
	}
	cleaned := skills.CleanCSV(rows, dropEmpty)

	topN, scoreBy, titleField := 10, "views", "title"
	if s2 := byID["s2"]; s2 != nil {
		if args, ok := s2["args"].(map[string]any); ok {
			topN = intArg(args, "top_n", 10)
			scoreBy = strArg(args, "score_by", "views")
			titleField = strArg(args, "title_field", "title")
		}
	}
	agg := skills.StatsAggregate(cleaned, topN, scoreBy, titleField)

	includeTable := true
	if s3 := byID["s3"]; s3 != nil {
		if args, ok := s3["args"].(map[string]any); ok {
			includeTable = boolArg(args, "include_table", true)
		}
	}
	markdown := skills.RenderMarkdown(agg.Summary, agg.Top, includeTable)

	outPath := outOverride
	if outPath == "" {
		if op, ok := nested(ep.Artifacts, "output_path").(string); ok {
			outPath = op
		}
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, []byte(markdown), 0o644); err != nil {
			return "", kinderr.New(kinderr.SchemaValidation, "replay.Rerun", err)
		}
	}
	return markdown, nil
}

type errNoSense struct{ traceID string }

func (e errNoSense) Error() string { return "episode " + e.traceID + " has no saved sense.srs_loaded" }

type errNoPlan struct{ traceID string }

func (e errNoPlan) Error() string { return "episode " + e.traceID + " has no saved plan.generated" }

func nested(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = mm[k]
	}
	return cur
}

func boolArg(m map[string]any, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}

func intArg(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func strArg(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

// loadCSV mirrors the sense-stage CSV reader in internal/pipeline. It is
// duplicated rather than imported so rerun depends only on internal/skills
// — never on internal/pipeline's role plugins, keeping the determinism
// guarantee (no network path reachable from this package) structural
// rather than just behavioral.
func loadCSV(path string) ([]skills.Row, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	rows := make([]skills.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(skills.Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
