package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/overhuman/overhuman/internal/llm"
	"github.com/overhuman/overhuman/internal/skills"
)

// jsonStr renders v as compact JSON for embedding in a prompt, falling back
// to fmt's default formatting if v somehow isn't marshalable.
func jsonStr(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// RegisterLLM seeds reg with the "llm" plugins, the model-driven counterpart
// to RegisterDefaults' "rules" plugins. Grounded on
// packages/agents/llm_agents.py's PlannerLLM/ExecutorLLM/CriticLLM/ReviserLLM,
// which share one OpenRouterClient and one excerpt-of-CSV prompting style.
// Retries is forwarded to provider.ChatWithMeta on every call.
func RegisterLLM(reg *Registry, provider llm.ChatProvider, retries int) {
	reg.RegisterPlanner("llm", func() Planner { return &PlannerLLM{provider: provider, retries: retries} })
	reg.RegisterExecutor("llm", func() Executor { return &ExecutorLLM{provider: provider, retries: retries} })
	reg.RegisterCritic("llm", func() Critic { return &CriticLLM{provider: provider, retries: retries} })
	reg.RegisterReviser("llm", func() Reviser { return &ReviserLLM{provider: provider, retries: retries} })
}

// csvExcerpt renders up to maxRows of context["rows"] as a small CSV-ish
// text block, the same excerpt the original's context["csv_excerpt"] key
// carried, reconstructed here since the shared pipeline context only keeps
// the raw []skills.Row.
func csvExcerpt(ctx map[string]any, maxRows int) string {
	rows, _ := ctx["rows"].([]skills.Row)
	if len(rows) == 0 {
		return ""
	}
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	var cols []string
	seen := map[string]bool{}
	for _, r := range rows {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	var b strings.Builder
	b.WriteString(strings.Join(cols, ","))
	b.WriteString("\n")
	for _, r := range rows {
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = r[c]
		}
		b.WriteString(strings.Join(vals, ","))
		b.WriteString("\n")
	}
	return b.String()
}

// recordLLMMeta stashes a completed call's Meta into ctx["llm"], the hook
// pipeline.Pipeline.attachLLMMeta reads back onto the emitted event payload
// and folds into the run's Guardian budget.
func recordLLMMeta(ctx map[string]any, meta llm.Meta) {
	ctx["llm"] = map[string]any{
		"provider":    meta.Provider,
		"model":       meta.Model,
		"attempts":    meta.Attempts,
		"temperature": meta.Temperature,
		"request_id":  meta.RequestID,
		"usage":       meta.Usage,
		"cost":        meta.Cost,
	}
}

func chat(provider llm.ChatProvider, retries int, temperature float64, system, user string) (string, llm.Meta, error) {
	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	return provider.ChatWithMeta(ctx, messages, temperature, 1500, retries)
}

// PlannerLLM asks the model for the same {plan:{id,steps,params,risks,
// acceptance}} shape PlannerRules produces deterministically, but lets the
// model choose step args from the SRS and a CSV excerpt.
type PlannerLLM struct {
	provider llm.ChatProvider
	retries  int
}

func (p *PlannerLLM) Name() string { return "PlannerLLM" }

func (p *PlannerLLM) Plan(srs, ctx map[string]any) (map[string]any, error) {
	excerpt := csvExcerpt(ctx, 20)
	system := "You are a Planner. Reply with JSON only, no extra prose. Given the SRS and a CSV " +
		"excerpt, produce a plan object: plan:{id, steps[], params{}, risks[], acceptance[]}. " +
		"Each step is {id, op, args}; op must be one of csv.clean, stats.aggregate, md.render. " +
		"csv.clean args: {drop_empty}. stats.aggregate args: {top_n, score_by, title_field}. " +
		"md.render args: {include_table}."
	user := fmt.Sprintf("SRS:\n%s\n\nCSV_Excerpt:\n%s\n\nReply with JSON only, e.g. "+
		`{"plan":{"id":"...","steps":[...],"params":{...},"risks":[...],"acceptance":[...]}}`, jsonStr(srs), excerpt)

	reply, meta, err := chat(p.provider, p.retries, 0.2, system, user)
	if err != nil {
		return nil, err
	}
	obj, err := llm.ExtractJSONBlock(reply)
	if err != nil {
		return nil, err
	}
	plan, ok := obj["plan"].(map[string]any)
	if !ok {
		plan = obj
	}
	if _, ok := plan["id"]; !ok {
		plan["id"] = "plan-llm"
	}
	recordLLMMeta(ctx, meta)
	return plan, nil
}

// ExecutorLLM asks the model to draft the weekly report Markdown directly
// from the SRS, plan, and CSV excerpt, rather than running internal/skills.
type ExecutorLLM struct {
	provider llm.ChatProvider
	retries  int
}

func (e *ExecutorLLM) Name() string { return "ExecutorLLM" }

func (e *ExecutorLLM) Execute(srs, plan, ctx map[string]any) (string, map[string]any, error) {
	excerpt := csvExcerpt(ctx, 40)
	system := "You are a report-writing executor. Given the SRS goal and a CSV excerpt, produce a " +
		"structured Markdown weekly report. It must include: # Weekly Report, ## Summary (count/" +
		"average/etc.), ## Top Items (a table). Output only the Markdown, no surrounding prose."
	user := fmt.Sprintf("SRS:\n%s\n\nPlan:\n%s\n\nCSV_Excerpt:\n%s\n\nOutput the Markdown directly.", jsonStr(srs), jsonStr(plan), excerpt)

	t0 := time.Now()
	reply, meta, err := chat(e.provider, e.retries, 0.6, system, user)
	if err != nil {
		return "", nil, err
	}
	recordLLMMeta(ctx, meta)
	latencyMs := time.Since(t0).Milliseconds()
	execCtx := map[string]any{
		"artifacts": map[string]any{"chars": utf8.RuneCountInString(reply)},
		"metrics":   map[string]any{"latency_ms": latencyMs, "retries": meta.Attempts - 1, "cost": meta.Cost},
	}
	return reply, execCtx, nil
}

// CriticLLM asks the model to score a report against the SRS's acceptance
// criteria, same {pass, score, reasons[]} shape CriticRules computes
// deterministically.
type CriticLLM struct {
	provider llm.ChatProvider
	retries  int
}

func (c *CriticLLM) Name() string { return "CriticLLM" }

func (c *CriticLLM) Review(srs map[string]any, reportMD string, ctx map[string]any) (map[string]any, error) {
	system := "You are a reviewer. Reply with JSON only, no extra prose. Score the given Markdown " +
		"report against the SRS's acceptance criteria and constraints, in range [0,1] where 0 is " +
		"fully non-compliant and 1 is fully compliant."
	user := fmt.Sprintf(`SRS:
%s

REPORT_MARKDOWN:
%s

Reply with JSON only, e.g. {"pass":true,"score":0.92,"reasons":["issue1","issue2"]}. `+
		"Passing threshold: score >= 0.8 is pass=true.", jsonStr(srs), reportMD)

	reply, meta, err := chat(c.provider, c.retries, 0.0, system, user)
	if err != nil {
		return nil, err
	}
	obj, err := llm.ExtractJSONBlock(reply)
	if err != nil {
		return nil, err
	}
	if _, ok := obj["score"]; !ok {
		obj["score"] = 0.0
	}
	if _, ok := obj["reasons"]; !ok {
		obj["reasons"] = []any{}
	}
	if _, ok := obj["pass"]; !ok {
		score, _ := obj["score"].(float64)
		obj["pass"] = score >= 0.8
	}
	recordLLMMeta(ctx, meta)
	return obj, nil
}

// ReviserLLM asks the model to patch a failing report once given the
// critic's verdict, preserving structure and reproducibility.
type ReviserLLM struct {
	provider llm.ChatProvider
	retries  int
}

func (r *ReviserLLM) Name() string { return "ReviserLLM" }

func (r *ReviserLLM) Revise(srs map[string]any, reportMD string, reviewResult, ctx map[string]any) (string, error) {
	system := "You are a revision editor. Improve the Markdown report per the reviewer's feedback, " +
		"keeping its structure and reproducibility. Output only the improved Markdown, no explanation."
	user := fmt.Sprintf("SRS:\n%s\n\nCRITIC:\n%s\n\nREPORT_MARKDOWN (to improve):\n%s\n\nOutput the improved Markdown directly.",
		jsonStr(srs), jsonStr(reviewResult), reportMD)

	reply, meta, err := chat(r.provider, r.retries, 0.4, system, user)
	if err != nil {
		return "", err
	}
	recordLLMMeta(ctx, meta)
	return reply, nil
}
