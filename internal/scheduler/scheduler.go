// Package scheduler implements the Workflow/Job scan loop (C9): a single
// background goroutine wakes every 5 seconds, pulls due jobs in id order,
// resolves each workflow's steps, and executes them strictly sequentially
// with `{prev.trace_id}` substitution between steps. Grounded on
// original_source/apps/server/main.py's _jobs_loop, dispatching to the
// closed-loop pipeline (C7) and replay engine (C8) in-process rather than
// by subprocess (the design note's alternate implementation), so results
// and errors stay typed instead of round-tripping through stdout.
package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/overhuman/overhuman/internal/chatstore"
	"github.com/overhuman/overhuman/internal/kinderr"
	"github.com/overhuman/overhuman/internal/observability"
)

// ScanInterval is the default sleep between due-job scans (spec §4.6).
const ScanInterval = 5 * time.Second

// StepResult is the per-step record the spec requires: {type, ok, args,
// result, stderr, duration_ms}.
type StepResult struct {
	Type       string         `json:"type"`
	OK         bool           `json:"ok"`
	Args       map[string]any `json:"args"`
	Result     map[string]any `json:"result,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// JobSummary is the result_json a job is marked with on completion.
type JobSummary struct {
	OK    bool         `json:"ok"`
	Steps []StepResult `json:"steps"`
}

// Runner dispatches one resolved step. RunStep executes C7 with the
// resolved args and returns a result map containing at least trace_id.
// ReplayStep executes C8 similarly. Both report ok=false via a non-nil
// error rather than panicking, so the scan loop can record {ok:false,
// stderr} and stop the job.
type Runner interface {
	RunStep(args map[string]any) (map[string]any, error)
	ReplayStep(args map[string]any) (map[string]any, error)
}

// Scheduler owns the scan loop and dispatches due jobs through a Runner.
type Scheduler struct {
	Store    *chatstore.Store
	Runner   Runner
	Logger   *observability.Logger
	Interval time.Duration
}

// New builds a Scheduler with the default 5-second scan interval.
func New(store *chatstore.Store, runner Runner, logger *observability.Logger) *Scheduler {
	return &Scheduler{Store: store, Runner: runner, Logger: logger, Interval: ScanInterval}
}

// Run blocks, scanning for due jobs every s.Interval until ctx is
// cancelled. One scanner runs at a time: a scan that is still draining
// jobs when the next tick fires is not interrupted, matching the
// single-threaded scanner invariant (spec §4.6 Concurrency).
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = ScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.ScanOnce(); err != nil && s.Logger != nil {
				s.Logger.Error("scan failed", "error", err)
			}
		}
	}
}

// ScanOnce executes one due-job scan synchronously and returns the number
// of jobs processed, for callers that want to drive the loop themselves
// (tests, a single-shot CLI invocation) instead of the ticking Run loop.
func (s *Scheduler) ScanOnce() (int, error) {
	due, err := s.Store.DueJobs(time.Now())
	if err != nil {
		return 0, err
	}
	for _, job := range due {
		s.runJob(job)
	}
	return len(due), nil
}

func (s *Scheduler) runJob(job chatstore.Job) {
	wf, err := s.Store.GetWorkflow(job.WorkflowID)
	if err != nil || wf == nil {
		s.markFailed(job.ID, []StepResult{}, "workflow not found")
		return
	}

	steps, err := resolveSteps(wf.DefinitionJSON, job.ArgsJSON)
	if err != nil {
		s.markFailed(job.ID, []StepResult{}, err.Error())
		return
	}

	var results []StepResult
	var prevTraceID string
	ok := true
	for _, step := range steps {
		args := substitute(step.Args, prevTraceID)
		start := time.Now()

		var result map[string]any
		var stepErr error
		switch step.Type {
		case "run":
			result, stepErr = s.Runner.RunStep(args)
		case "replay":
			result, stepErr = s.Runner.ReplayStep(args)
		default:
			stepErr = kinderr.New(kinderr.SchemaValidation, "scheduler.runJob", errUnknownStepType(step.Type))
		}

		duration := time.Since(start).Milliseconds()
		sr := StepResult{Type: step.Type, Args: args, DurationMS: duration}
		if stepErr != nil {
			sr.OK = false
			sr.Stderr = stepErr.Error()
			results = append(results, sr)
			ok = false
			break
		}
		sr.OK = true
		sr.Result = result
		results = append(results, sr)
		if tid, _ := result["trace_id"].(string); tid != "" {
			prevTraceID = tid
		}
	}

	summary := JobSummary{OK: ok, Steps: results}
	data, err := json.Marshal(summary)
	if err != nil {
		data = []byte(`{"ok":false,"steps":[]}`)
	}
	status := "done"
	if !ok {
		status = "failed"
	}
	if s.Logger != nil {
		s.Logger.Info("job finished", "job_id", job.ID, "status", status)
	}
	s.Store.MarkJobResult(job.ID, status, string(data))
}

func (s *Scheduler) markFailed(jobID int64, steps []StepResult, reason string) {
	summary := JobSummary{OK: false, Steps: steps}
	data, _ := json.Marshal(summary)
	if s.Logger != nil {
		s.Logger.Warn("job failed before dispatch", "job_id", jobID, "reason", reason)
	}
	s.Store.MarkJobResult(jobID, "failed", string(data))
}

type errUnknownStepType string

func (e errUnknownStepType) Error() string { return "unknown step type: " + string(e) }

// step is one resolved workflow step before variable substitution.
type step struct {
	Type string
	Args map[string]any
}

// resolveSteps implements the three-tier resolution order from spec §4.6
// step 2: explicit definition.steps, a single definition.action wrapped in
// a one-element list, or a fallback {type:"run", args: job.args_json}.
func resolveSteps(definitionJSON, jobArgsJSON string) ([]step, error) {
	var def map[string]any
	if definitionJSON != "" {
		if err := json.Unmarshal([]byte(definitionJSON), &def); err != nil {
			return nil, kinderr.New(kinderr.SchemaValidation, "scheduler.resolveSteps", err)
		}
	}

	if rawSteps, ok := def["steps"].([]any); ok && len(rawSteps) > 0 {
		var out []step
		for _, rs := range rawSteps {
			m, ok := rs.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, stepFromMap(m))
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	if action, ok := def["action"].(map[string]any); ok {
		return []step{stepFromMap(action)}, nil
	}

	var jobArgs map[string]any
	if jobArgsJSON != "" {
		if err := json.Unmarshal([]byte(jobArgsJSON), &jobArgs); err != nil {
			return nil, kinderr.New(kinderr.SchemaValidation, "scheduler.resolveSteps", err)
		}
	}
	return []step{{Type: "run", Args: jobArgs}}, nil
}

func stepFromMap(m map[string]any) step {
	s := step{}
	if t, ok := m["type"].(string); ok {
		s.Type = t
	}
	if args, ok := m["args"].(map[string]any); ok {
		s.Args = args
	}
	return s
}

// substitute replaces every occurrence of the literal token
// "{prev.trace_id}" in a string arg value with prevTraceID, including when
// the token is embedded in a larger string (e.g. "results/{prev.trace_id}
// /out.md"), matching the original's val.replace(...) call.
func substitute(args map[string]any, prevTraceID string) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok && strings.Contains(s, "{prev.trace_id}") {
			out[k] = strings.ReplaceAll(s, "{prev.trace_id}", prevTraceID)
			continue
		}
		out[k] = v
	}
	return out
}
