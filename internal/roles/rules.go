package roles

import (
	"fmt"
	"strings"

	"github.com/overhuman/overhuman/internal/skills"
)

// RegisterDefaults seeds reg with the "rules" plugins: a deterministic,
// network-free Planner/Executor/Critic/Reviser built entirely from
// internal/skills. Grounded on packages/agents/rule_agents.py, which is the
// no-LLM fallback the rest of the plugin surface is benchmarked against.
func RegisterDefaults(reg *Registry) {
	reg.RegisterPlanner("rules", func() Planner { return &PlannerRules{} })
	reg.RegisterExecutor("skills", func() Executor { return &ExecutorSkills{} })
	reg.RegisterCritic("rules", func() Critic { return &CriticRules{} })
	reg.RegisterReviser("rules", func() Reviser { return &ReviserRules{} })
}

// PlannerRules always produces the fixed three-step csv.clean →
// stats.aggregate → md.render plan, parameterized only by the SRS's params.
type PlannerRules struct{}

func (p *PlannerRules) Name() string { return "PlannerRules" }

func (p *PlannerRules) Plan(srs, _ map[string]any) (map[string]any, error) {
	params, _ := srs["params"].(map[string]any)
	topN := intParam(params, "top_n", 10)
	scoreBy := strParam(params, "score_by", "views")
	titleField := strParam(params, "title_field", "title")

	return map[string]any{
		"id": "plan-rules",
		"steps": []any{
			map[string]any{"id": "s1", "op": "csv.clean", "args": map[string]any{"drop_empty": true}},
			map[string]any{"id": "s2", "op": "stats.aggregate", "args": map[string]any{
				"top_n": topN, "score_by": scoreBy, "title_field": titleField,
			}},
			map[string]any{"id": "s3", "op": "md.render", "args": map[string]any{"include_table": true}},
		},
	}, nil
}

// ExecutorSkills runs the plan's three steps through internal/skills
// directly, composing csv.clean → stats.aggregate → md.render.
type ExecutorSkills struct{}

func (e *ExecutorSkills) Name() string { return "ExecutorSkills" }

func (e *ExecutorSkills) Execute(srs, plan, context map[string]any) (string, map[string]any, error) {
	rowsAny, _ := context["rows"].([]skills.Row)
	stepByID := indexSteps(plan)

	s1 := stepByID["s1"]
	dropEmpty := true
	if s1 != nil {
		if args, ok := s1["args"].(map[string]any); ok {
			dropEmpty = boolParam(args, "drop_empty", true)
		}
	}
	cleaned := skills.CleanCSV(rowsAny, dropEmpty)

	s2 := stepByID["s2"]
	topN, scoreBy, titleField := 10, "views", "title"
	if s2 != nil {
		if args, ok := s2["args"].(map[string]any); ok {
			topN = intParam(args, "top_n", 10)
			scoreBy = strParam(args, "score_by", "views")
			titleField = strParam(args, "title_field", "title")
		}
	}
	agg := skills.StatsAggregate(cleaned, topN, scoreBy, titleField)

	s3 := stepByID["s3"]
	includeTable := true
	if s3 != nil {
		if args, ok := s3["args"].(map[string]any); ok {
			includeTable = boolParam(args, "include_table", true)
		}
	}
	mdText := skills.RenderMarkdown(agg.Summary, agg.Top, includeTable)

	execCtx := map[string]any{
		"artifacts": map[string]any{"found_top": len(agg.Top)},
		"metrics":   map[string]any{"latency_ms": 0, "retries": 0, "cost": 0.0},
	}
	return mdText, execCtx, nil
}

func indexSteps(plan map[string]any) map[string]map[string]any {
	out := map[string]map[string]any{}
	steps, _ := plan["steps"].([]any)
	for _, s := range steps {
		if step, ok := s.(map[string]any); ok {
			if id, ok := step["id"].(string); ok {
				out[id] = step
			}
		}
	}
	return out
}

// CriticRules checks for the two mandatory section headers and scores
// deterministically: 1.0 minus 0.3 per missing "missing ..." reason, passing
// only once score reaches 0.8.
type CriticRules struct{}

func (c *CriticRules) Name() string { return "CriticRules" }

func (c *CriticRules) Review(_ map[string]any, reportMD string, _ map[string]any) (map[string]any, error) {
	var reasons []string
	ok := true
	if !strings.Contains(reportMD, "# Weekly Report") {
		ok = false
		reasons = append(reasons, "missing header")
	}
	if !strings.Contains(reportMD, "## Top Items") {
		ok = false
		reasons = append(reasons, "missing top section")
	}

	score := 1.0
	for _, r := range reasons {
		if strings.HasPrefix(r, "missing") {
			score -= 0.3
		}
	}
	score = round2(score)

	return map[string]any{
		"pass":    ok && score >= 0.8,
		"score":   score,
		"reasons": toAnySlice(reasons),
	}, nil
}

// ReviserRules patches the report once: it prepends the report header if
// missing, and appends stub Summary/Top Items sections if either is absent.
type ReviserRules struct{}

func (r *ReviserRules) Name() string { return "ReviserRules" }

func (r *ReviserRules) Revise(_ map[string]any, reportMD string, _, _ map[string]any) (string, error) {
	text := reportMD
	if !strings.Contains(text, "# Weekly Report") {
		text = "# Weekly Report\n\n" + text
	}
	if !strings.Contains(text, "## Summary") {
		text += "\n## Summary\n- Count: 0\n- Total: 0\n- Average: 0\n"
	}
	if !strings.Contains(text, "## Top Items") {
		text += "\n## Top Items\n\n| Rank | Title | Score |\n| ---- | ----- | -----:|\n"
	}
	return text, nil
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func intParam(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func strParam(m map[string]any, key, def string) string {
	if m == nil {
		return def
	}
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

func boolParam(m map[string]any, key string, def bool) bool {
	if m == nil {
		return def
	}
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}
