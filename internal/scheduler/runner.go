package scheduler

import (
	"os"
	"sort"
	"strings"

	"github.com/overhuman/overhuman/internal/kinderr"
	"github.com/overhuman/overhuman/internal/outbox"
	"github.com/overhuman/overhuman/internal/pipeline"
	"github.com/overhuman/overhuman/internal/replay"
)

// PipelineRunner is the subset of *pipeline.Pipeline a run step needs.
type PipelineRunner interface {
	Run(spec pipeline.TaskSpec, outPath string, impls pipeline.Impls) (*pipeline.RunResult, error)
}

// InProcessRunner dispatches "run" steps straight into the closed-loop
// pipeline and "replay" steps into the replay engine, both in the same
// process — the alternate implementation the design notes permit in place
// of subprocessing out to the pipeline binary.
type InProcessRunner struct {
	Pipeline    PipelineRunner
	Replay      *replay.Engine
	EpisodesDir string
}

// NewInProcessRunner builds a runner over an already-constructed pipeline
// and a replay engine rooted at the same episodes directory.
func NewInProcessRunner(p PipelineRunner, episodesDir string) *InProcessRunner {
	return &InProcessRunner{Pipeline: p, Replay: replay.New(episodesDir), EpisodesDir: episodesDir}
}

// RunStep decodes args into a TaskSpec + Impls + output path and invokes
// the closed-loop pipeline, returning a result map with trace_id/status/
// score so the next step's {prev.trace_id} substitution can see it.
func (r *InProcessRunner) RunStep(args map[string]any) (map[string]any, error) {
	spec := pipeline.TaskSpec{
		Goal:      strField(args, "goal", ""),
		Inputs:    pipeline.Inputs{CSVPath: strField(args, "csv_path", "")},
		BudgetUSD: floatField(args, "budget_usd", 0),
		Params: pipeline.Params{
			TopN:       intField(args, "top_n", 10),
			ScoreBy:    strField(args, "score_by", "views"),
			TitleField: strField(args, "title_field", "title"),
		},
	}
	impls := pipeline.Impls{
		Planner:  strField(args, "planner", "rules"),
		Executor: strField(args, "executor", "skills"),
		Critic:   strField(args, "critic", "rules"),
		Reviser:  strField(args, "reviser", "rules"),
	}
	outPath := strField(args, "out", "")

	res, err := r.Pipeline.Run(spec, outPath, impls)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"trace_id": res.TraceID,
		"status":   res.Status,
		"score":    res.Score,
		"out_path": res.OutPath,
	}, nil
}

// ReplayStep resolves a trace id (accepting a unique prefix) and either
// returns the saved verdict (review-only, the default) or re-executes the
// saved plan (rerun:true), per C8.
func (r *InProcessRunner) ReplayStep(args map[string]any) (map[string]any, error) {
	traceArg := strField(args, "trace", "")
	if traceArg == "" {
		traceArg = "last"
	}

	traceID := traceArg
	if traceArg == "last" {
		id, err := latestTrace(r.EpisodesDir)
		if err != nil {
			return nil, err
		}
		traceID = id
	} else {
		id, err := r.Replay.ResolveTrace(traceArg)
		if err != nil {
			return nil, err
		}
		traceID = id
	}

	ep, err := outbox.LoadEpisode(r.EpisodesDir, traceID)
	if err != nil {
		return nil, err
	}

	if boolField(args, "rerun", false) {
		markdown, err := replay.Rerun(ep, strField(args, "out", ""))
		if err != nil {
			return nil, err
		}
		return map[string]any{"trace_id": ep.TraceID, "markdown": markdown}, nil
	}

	result := replay.ReviewOnly(ep)
	return map[string]any{"trace_id": result.TraceID, "verdict": result.Verdict}, nil
}

func latestTrace(episodesDir string) (string, error) {
	entries, err := listEpisodeFiles(episodesDir)
	if err != nil {
		return "", kinderr.New(kinderr.NotFound, "scheduler.latestTrace", err)
	}
	if len(entries) == 0 {
		return "", kinderr.New(kinderr.NotFound, "scheduler.latestTrace", errNoEpisodes{})
	}
	return entries[len(entries)-1], nil
}

type errNoEpisodes struct{}

func (errNoEpisodes) Error() string { return "no episodes recorded yet" }

// listEpisodeFiles returns finalized trace ids under dir ordered oldest to
// newest by file modification time, so the caller can take the last
// element as "the most recently finalized episode".
func listEpisodeFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type fileInfo struct {
		id      string
		modTime int64
	}
	var files []fileInfo
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{id: strings.TrimSuffix(name, ".json"), modTime: info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.id
	}
	return out, nil
}

func strField(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

func intField(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func floatField(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func boolField(m map[string]any, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}
