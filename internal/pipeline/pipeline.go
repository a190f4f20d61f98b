// Package pipeline orchestrates the closed-loop Plan → Execute → Review →
// (one-shot) Revise run (C7), emitting one Outbox event per stage and
// finalizing exactly one Episode per trace. Grounded on
// original_source/apps/console/min_loop.py's run_once, generalized from the
// teacher's 10-stage Pipeline.Run in the same file/package shape.
package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/overhuman/overhuman/internal/envelope"
	"github.com/overhuman/overhuman/internal/guardian"
	"github.com/overhuman/overhuman/internal/kinderr"
	"github.com/overhuman/overhuman/internal/observability"
	"github.com/overhuman/overhuman/internal/outbox"
	"github.com/overhuman/overhuman/internal/roles"
	"github.com/overhuman/overhuman/internal/skillreg"
	"github.com/overhuman/overhuman/internal/skills"
)

// Impls names the four role implementations a run resolves through the
// roles.Registry. Each field is a registered plugin name (e.g. "rules" or
// "llm"); Run rejects an unknown name via roles.Registry's own NotFound.
type Impls struct {
	Planner  string
	Executor string
	Critic   string
	Reviser  string
}

// RunResult is what Run reports to its caller: the CLI, the HTTP surface,
// or a scheduler step.
type RunResult struct {
	TraceID string   `json:"trace_id"`
	Status  string   `json:"status"` // "success" | "failed"
	Score   float64  `json:"score"`
	OutPath string   `json:"out_path"`
	Reasons []string `json:"reasons,omitempty"`
}

// SkillRegistryPath, when non-empty and CheckSkills is set, is checked by
// Run before the "skills" executor runs: verify_skills(strict) equivalent
// gating step 4 of the algorithm ("verify skill registry when configured").
type Pipeline struct {
	Registry          *roles.Registry
	Outbox            outbox.Outbox
	Logger            *observability.Logger
	Metrics           *observability.MetricsCollector // Optional; nil disables stage/run metrics.
	MaxRows           int                             // Excerpt row cap for sense.srs_loaded (default 80).
	Timeout           time.Duration                   // Guardian wall-clock budget per run (default 120s).
	SkillRegistryPath string                          // Non-empty (with CheckSkills) enables skillreg.Verify before ExecutorSkills runs.
	CheckSkills       bool
}

// New builds a Pipeline with defaults filled in.
func New(reg *roles.Registry, ob outbox.Outbox, logger *observability.Logger) *Pipeline {
	return &Pipeline{
		Registry: reg,
		Outbox:   ob,
		Logger:   logger,
		Metrics:  observability.NewMetricsCollector(0),
		MaxRows:  80,
		Timeout:  120 * time.Second,
	}
}

// Run drives one closed-loop trace from spec to a finalized Episode.
// Algorithm per spec §4.1: new_trace → sense.srs_loaded → guardian check →
// plan.generated → guardian check → exec.output → guardian check →
// review.scored → (optional one-shot patch.revised + second review.scored)
// → write markdown → finalize.
func (p *Pipeline) Run(spec TaskSpec, outPath string, impls Impls) (*RunResult, error) {
	runStart := time.Now()
	traceID := p.Outbox.NewTrace(spec.Goal)
	g := guardian.New(spec.BudgetUSD, p.timeout())

	var finalStatus string
	defer func() {
		if p.Metrics == nil {
			return
		}
		labels := observability.Labels{"trace_id": traceID, "status": finalStatus}
		p.Metrics.Record(observability.MetricLatency, float64(time.Since(runStart).Milliseconds()), labels)
		p.Metrics.Record(observability.MetricCost, g.Spent(), labels)
		p.Metrics.Record(observability.MetricRuns, 1, labels)
		if finalStatus == "success" {
			p.Metrics.Increment("runs_success")
		} else {
			p.Metrics.Increment("runs_failed")
		}
	}()

	planner, err := p.Registry.Planner(impls.Planner)
	if err != nil {
		return p.fail(traceID, outPath, err)
	}
	executor, err := p.Registry.Executor(impls.Executor)
	if err != nil {
		return p.fail(traceID, outPath, err)
	}
	critic, err := p.Registry.Critic(impls.Critic)
	if err != nil {
		return p.fail(traceID, outPath, err)
	}
	reviser, err := p.Registry.Reviser(impls.Reviser)
	if err != nil {
		return p.fail(traceID, outPath, err)
	}

	// --- sense.srs_loaded ---
	rows, readErr := loadCSV(spec.Inputs.CSVPath)
	if readErr != nil {
		p.log("sense.srs_loaded", traceID, "csv read failed", "error", readErr.Error())
	}
	maxRows := p.MaxRows
	if maxRows <= 0 {
		maxRows = 80
	}
	excerpt := rows
	if len(excerpt) > maxRows {
		excerpt = excerpt[:maxRows]
	}
	if err := p.Outbox.Append(traceID, "sense.srs_loaded", map[string]any{
		"srs":         spec.ToMap(),
		"csv_excerpt": rowsToAny(excerpt),
		"row_count":   len(rows),
	}, envelope.AppendOpts{}); err != nil {
		return p.fail(traceID, outPath, err)
	}
	p.log("sense.srs_loaded", traceID, "srs loaded", "rows", len(rows))

	ctx := map[string]any{"rows": rows, "trace_id": traceID}

	// --- guardian check before plan ---
	if err := g.Check(); err != nil {
		return p.abort(traceID, outPath, err)
	}

	// --- plan.generated ---
	planMap, err := planner.Plan(spec.ToMap(), ctx)
	if err != nil {
		return p.fail(traceID, outPath, p.classifyRoleErr(err))
	}
	// A planner that overran the budget aborts before its plan is recorded.
	if err := g.Check(); err != nil {
		return p.abort(traceID, outPath, err)
	}
	plan := PlanFromMap(planMap)
	planPayload := map[string]any{"plan": planMap, "impl": planner.Name()}
	p.attachLLMMeta(ctx, planPayload, g)
	if err := p.Outbox.Append(traceID, "plan.generated", planPayload, envelope.AppendOpts{}); err != nil {
		return p.fail(traceID, outPath, err)
	}
	p.log("plan.generated", traceID, "plan produced", "impl", planner.Name(), "steps", len(plan.Steps))

	// --- guardian check before execute ---
	if err := g.Check(); err != nil {
		return p.abort(traceID, outPath, err)
	}

	// --- skill registry verification (executor=="skills" and configured) ---
	if impls.Executor == "skills" && p.CheckSkills && p.SkillRegistryPath != "" {
		if ok, verErr := skillreg.Verify(true, p.SkillRegistryPath); verErr != nil || !ok {
			if verErr == nil {
				verErr = kinderr.New(kinderr.SkillVerification, "pipeline.Run", fmt.Errorf("skill registry verification failed"))
			}
			return p.fail(traceID, outPath, verErr)
		}
	}

	// --- exec.output ---
	markdown, execCtx, err := executor.Execute(spec.ToMap(), PlanToMap(plan), ctx)
	if err != nil {
		return p.fail(traceID, outPath, p.classifyRoleErr(err))
	}
	execPayload := map[string]any{
		"impl":      executor.Name(),
		"metrics":   execCtx["metrics"],
		"artifacts": execCtx["artifacts"],
	}
	if llm, ok := execCtx["llm"]; ok {
		execPayload["llm"] = llm
		if meta, ok := llm.(map[string]any); ok {
			if cost, ok := asFloat(meta["cost"]); ok {
				g.Record(cost)
			}
		}
	}
	if err := p.Outbox.Append(traceID, "exec.output", execPayload, envelope.AppendOpts{}); err != nil {
		return p.fail(traceID, outPath, err)
	}
	p.log("exec.output", traceID, "executed", "impl", executor.Name())

	// --- guardian check before review ---
	if err := g.Check(); err != nil {
		return p.abort(traceID, outPath, err)
	}

	// --- review.scored ---
	verdictMap, err := critic.Review(spec.ToMap(), markdown, ctx)
	if err != nil {
		return p.fail(traceID, outPath, p.classifyRoleErr(err))
	}
	p.attachLLMMeta(ctx, verdictMap, g)
	if err := p.Outbox.Append(traceID, "review.scored", verdictMap, envelope.AppendOpts{}); err != nil {
		return p.fail(traceID, outPath, err)
	}
	verdict := VerdictFromMap(verdictMap)
	p.log("review.scored", traceID, "reviewed", "pass", verdict.Pass, "score", verdict.Score)
	if p.Metrics != nil {
		p.Metrics.Record(observability.MetricQuality, verdict.Score, observability.Labels{"trace_id": traceID})
	}

	// --- at most one revision attempt ---
	if !verdict.Pass {
		if err := g.Check(); err != nil {
			return p.abort(traceID, outPath, err)
		}
		revised, revErr := reviser.Revise(spec.ToMap(), markdown, verdictMap, ctx)
		if revErr != nil {
			return p.fail(traceID, outPath, p.classifyRoleErr(revErr))
		}
		revisePayload := map[string]any{"impl": reviser.Name()}
		p.attachLLMMeta(ctx, revisePayload, g)
		if err := p.Outbox.Append(traceID, "patch.revised", revisePayload, envelope.AppendOpts{}); err != nil {
			return p.fail(traceID, outPath, err)
		}
		markdown = revised
		p.log("patch.revised", traceID, "revised", "impl", reviser.Name())
		if p.Metrics != nil {
			p.Metrics.Record(observability.MetricRevisions, 1, observability.Labels{"trace_id": traceID})
		}

		verdictMap, err = critic.Review(spec.ToMap(), markdown, ctx)
		if err != nil {
			return p.fail(traceID, outPath, p.classifyRoleErr(err))
		}
		p.attachLLMMeta(ctx, verdictMap, g)
		if err := p.Outbox.Append(traceID, "review.scored", verdictMap, envelope.AppendOpts{}); err != nil {
			return p.fail(traceID, outPath, err)
		}
		verdict = VerdictFromMap(verdictMap)
		p.log("review.scored", traceID, "re-reviewed", "pass", verdict.Pass, "score", verdict.Score)
		if p.Metrics != nil {
			p.Metrics.Record(observability.MetricQuality, verdict.Score, observability.Labels{"trace_id": traceID})
		}
	}

	// --- write final markdown ---
	if err := os.WriteFile(outPath, []byte(markdown), 0o644); err != nil {
		return p.fail(traceID, outPath, kinderr.New(kinderr.SchemaValidation, "pipeline.Run", err))
	}

	status := "failed"
	if verdict.Pass {
		status = "success"
	}
	finalStatus = status
	artifacts := map[string]any{"output_path": outPath, "plan": planMap}
	if _, err := p.Outbox.Finalize(traceID, status, artifacts); err != nil {
		return nil, err
	}

	return &RunResult{TraceID: traceID, Status: status, Score: verdict.Score, OutPath: outPath, Reasons: verdict.Reasons}, nil
}

func (p *Pipeline) timeout() time.Duration {
	if p.Timeout <= 0 {
		return 120 * time.Second
	}
	return p.Timeout
}

// classifyRoleErr passes kinderr-typed errors through unchanged (a role
// plugin surfaced an LLMTransient/LLMPermanent/ParseFailure itself) and
// wraps anything else as a generic stage failure.
func (p *Pipeline) classifyRoleErr(err error) error {
	if kinderr.KindOf(err) != "" {
		return err
	}
	return kinderr.New(kinderr.SchemaValidation, "pipeline.Run", err)
}

// abort handles a Guardian timeout/budget failure: the run stops mid-stage
// and the trace is finalized failed with whatever events were already
// emitted (spec §4.1 failure semantics).
func (p *Pipeline) abort(traceID, outPath string, cause error) (*RunResult, error) {
	p.Logger.Warn("guardian aborted run", "trace_id", traceID, "error", cause.Error())
	if p.Metrics != nil {
		p.Metrics.Increment("errors:budget")
	}
	if _, err := p.Outbox.Finalize(traceID, "failed", map[string]any{"output_path": outPath}); err != nil {
		return nil, err
	}
	return &RunResult{TraceID: traceID, Status: "failed", OutPath: outPath, Reasons: []string{cause.Error()}}, cause
}

// fail finalizes the trace failed after a non-budget stage error (LLM
// exhaustion, skill exception, schema error) and surfaces it to the caller.
func (p *Pipeline) fail(traceID, outPath string, cause error) (*RunResult, error) {
	if p.Logger != nil {
		p.Logger.Error("stage failed", "trace_id", traceID, "error", cause.Error())
	}
	if p.Metrics != nil {
		p.Metrics.Record(observability.MetricErrors, 1, observability.Labels{"trace_id": traceID, "kind": string(kinderr.KindOf(cause))})
	}
	if _, err := p.Outbox.Finalize(traceID, "failed", map[string]any{"output_path": outPath}); err != nil {
		return nil, err
	}
	return &RunResult{TraceID: traceID, Status: "failed", OutPath: outPath, Reasons: []string{cause.Error()}}, cause
}

// attachLLMMeta pops a "llm" meta map left in ctx by an LLM-backed role
// plugin (the Planner/Critic/Reviser contract writes its call's Meta back
// into the shared context map under "llm" as a side effect), folds its cost
// into the Guardian, and copies it onto payload so the emitted event
// carries the same {provider, model, attempts, usage, cost, ...} shape the
// Outbox header deriver scans for. Rule-based plugins never set ctx["llm"],
// so this is a no-op for the default deployment.
func (p *Pipeline) attachLLMMeta(ctx map[string]any, payload map[string]any, g *guardian.Guardian) {
	llmAny, ok := ctx["llm"]
	if !ok {
		return
	}
	delete(ctx, "llm")
	payload["llm"] = llmAny
	if meta, ok := llmAny.(map[string]any); ok {
		if cost, ok := asFloat(meta["cost"]); ok {
			g.Record(cost)
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func (p *Pipeline) log(stage, traceID, msg string, args ...any) {
	if p.Logger != nil {
		p.Logger.Pipeline(stage, traceID, msg, args...)
	}
	if p.Metrics != nil {
		p.Metrics.Increment("stage:" + stage)
	}
}

// loadCSV reads a CSV file into skills.Row values keyed by header. A
// missing/unreadable path yields an empty slice rather than erroring —
// the excerpt is best-effort telemetry, not a hard dependency.
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

func rowsToAny(rows []skills.Row) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		m := make(map[string]any, len(r))
		for k, v := range r {
			m[k] = v
		}
		out[i] = m
	}
	return out
}
