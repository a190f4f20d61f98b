package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overhuman/overhuman/internal/envelope"
	"github.com/overhuman/overhuman/internal/kinderr"
	"github.com/overhuman/overhuman/internal/llm"
	"github.com/overhuman/overhuman/internal/outbox"
	"github.com/overhuman/overhuman/internal/pipeline"
	"github.com/overhuman/overhuman/internal/security"
)

// intakeSystemPrompt asks the LLM to turn a free-text query into an SRS,
// mirroring the JSON-action convention the original chat handler's system
// prompt already uses ("若识别到可执行任务，返回一个JSON对象...其中包含 srs").
const intakeSystemPrompt = `You turn a short natural-language request into a structured task spec. ` +
	`Reply with a JSON object {"srs": {"goal": string, "inputs": {"csv_path": string}, ` +
	`"budget_usd": number, "params": {"top_n": number, "score_by": string, "title_field": string}}}. ` +
	`Only the JSON object matters; you may add brief prose around it.`

// IntakeRequest is the wire request for POST /api/intake.
type IntakeRequest struct {
	Query     string         `json:"query"`
	DataPath  string         `json:"data_path,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var req IntakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "intake", err)
		return
	}

	srs, warning := s.buildSRS(r.Context(), req)
	srsPath, err := s.saveSRS(srs)
	if err != nil {
		writeError(w, "intake", err)
		return
	}

	outPath := filepath.Join("reports", fmt.Sprintf("run_%d.md", time.Now().UnixNano()))
	run := map[string]any{
		"srs_path":  srsPath,
		"data_path": req.DataPath,
		"out_path":  outPath,
		"impls":     s.defaultImpls(),
	}
	resp := map[string]any{"ok": true, "srs": srs, "srs_path": srsPath, "run": run}
	if warning != "" {
		resp["warning"] = warning
	}
	writeJSON(w, http.StatusOK, resp)
}

// buildSRS asks the configured provider to draft an SRS from the query. A
// missing provider or a malformed reply degrades to a minimal SRS built
// directly from the query, with a warning string describing why — the
// caller stays unblocked per spec section 7's chat degradation rule.
func (s *Server) buildSRS(ctx context.Context, req IntakeRequest) (map[string]any, string) {
	fallback := map[string]any{
		"goal":       req.Query,
		"inputs":     map[string]any{"csv_path": req.DataPath},
		"budget_usd": 1.0,
		"params":     map[string]any{"top_n": 10, "score_by": "views", "title_field": "title"},
	}
	for k, v := range req.Overrides {
		fallback[k] = v
	}
	if s.Provider == nil {
		return fallback, "no LLM provider configured, using a minimal SRS derived from the query"
	}
	messages := []llm.Message{
		{Role: "system", Content: intakeSystemPrompt},
		{Role: "user", Content: req.Query},
	}
	reply, _, err := s.Provider.ChatWithMeta(ctx, messages, 0.2, 800, 1)
	if err != nil {
		return fallback, "intake LLM call failed: " + err.Error()
	}
	obj, err := llm.ExtractJSONBlock(reply)
	if err != nil {
		return fallback, "could not extract SRS JSON from LLM reply: " + err.Error()
	}
	srsAny, ok := obj["srs"]
	if !ok {
		return fallback, "LLM reply had no \"srs\" field"
	}
	srs, ok := srsAny.(map[string]any)
	if !ok {
		return fallback, "LLM reply's \"srs\" field was not an object"
	}
	for k, v := range req.Overrides {
		srs[k] = v
	}
	return srs, ""
}

func (s *Server) saveSRS(srs map[string]any) (string, error) {
	dir := s.SRSDir
	if dir == "" {
		dir = filepath.Join("examples", "srs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", kinderr.New(kinderr.SchemaValidation, "saveSRS", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("srs_%d.json", time.Now().UnixNano()))
	data, err := json.MarshalIndent(srs, "", "  ")
	if err != nil {
		return "", kinderr.New(kinderr.SchemaValidation, "saveSRS", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", kinderr.New(kinderr.SchemaValidation, "saveSRS", err)
	}
	return path, nil
}

func (s *Server) defaultImpls() pipeline.Impls {
	if s.Config == nil {
		return pipeline.Impls{Planner: "rules", Executor: "rules", Critic: "rules", Reviser: "rules"}
	}
	d := s.Config.Defaults
	return pipeline.Impls{Planner: d.Planner, Executor: d.Executor, Critic: d.Critic, Reviser: d.Reviser}
}

// runRecord tracks one in-flight Run enqueue dispatch so the handler can
// wait briefly for a trace id, and a websocket subscriber can later pick
// up its completion frame.
type runRecord struct {
	mu      sync.Mutex
	traceID string
	result  *pipeline.RunResult
	err     error
	done    chan struct{}
}

// RunEnqueueRequest is the wire request for POST /api/run.
type RunEnqueueRequest struct {
	SRSPath  string          `json:"srs_path"`
	DataPath string          `json:"data_path,omitempty"`
	OutPath  string          `json:"out_path"`
	Impls    *pipeline.Impls `json:"impls,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Retries  int             `json:"retries,omitempty"`
	MaxRows  int             `json:"max_rows,omitempty"`
}

// handleRunEnqueue loads the TaskSpec from srs_path, dispatches it to the
// pipeline in a goroutine, and waits up to ~1.5s for a trace id before
// responding — the job continues running after the handler returns if it
// isn't done in time.
func (s *Server) handleRunEnqueue(w http.ResponseWriter, r *http.Request) {
	var req RunEnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "run", err)
		return
	}
	if s.Pipeline == nil {
		writeError(w, "run", kinderr.New(kinderr.ToolUnavailable, "handleRunEnqueue", errNoPipeline{}))
		return
	}
	spec, err := loadTaskSpec(req.SRSPath)
	if err != nil {
		writeError(w, "run", err)
		return
	}
	if req.DataPath != "" {
		spec.Inputs.CSVPath = req.DataPath
	}
	impls := s.defaultImpls()
	if req.Impls != nil {
		impls = *req.Impls
	}

	jobID := uuid.NewString()
	rec := &runRecord{done: make(chan struct{})}
	s.runsMu.Lock()
	s.runs[jobID] = rec
	s.runsMu.Unlock()

	s.broker.publishJob(jobID, Frame{Type: "status", Payload: map[string]any{"status": "running"}})

	go func() {
		result, runErr := s.Pipeline.Run(spec, req.OutPath, impls)
		rec.mu.Lock()
		rec.result = result
		rec.err = runErr
		if result != nil {
			rec.traceID = result.TraceID
		}
		rec.mu.Unlock()
		close(rec.done)
		if runErr != nil {
			if s.Audit != nil && kinderr.KindOf(runErr) == kinderr.Budget {
				traceID := ""
				if result != nil {
					traceID = result.TraceID
				}
				s.Audit.LogError(security.AuditGuardianAbort, traceID, "pipeline", "run", req.SRSPath, runErr.Error(), nil)
			}
			s.broker.publishJob(jobID, Frame{Type: "error", Payload: map[string]any{"error": runErr.Error()}})
			return
		}
		s.broker.publishJob(jobID, Frame{Type: "final", Payload: map[string]any{
			"trace_id": result.TraceID, "status": result.Status, "score": result.Score, "out_path": result.OutPath,
		}})
	}()

	select {
	case <-rec.done:
	case <-time.After(1500 * time.Millisecond):
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	resp := map[string]any{"ok": true, "job_id": jobID, "out_path": req.OutPath}
	if rec.traceID != "" {
		resp["trace_id"] = rec.traceID
	}
	if rec.err != nil {
		resp["ok"] = false
		resp["error"] = rec.err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func loadTaskSpec(path string) (pipeline.TaskSpec, error) {
	var spec pipeline.TaskSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, kinderr.New(kinderr.NotFound, "loadTaskSpec", err)
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, kinderr.New(kinderr.SchemaValidation, "loadTaskSpec", err)
	}
	return spec, nil
}

type errNoPipeline struct{}

func (errNoPipeline) Error() string { return "no pipeline runner configured" }

// ApproveRequest is the wire request for POST /api/approve.
type ApproveRequest struct {
	TraceID   string         `json:"trace_id"`
	Decision  string         `json:"decision"`
	Action    string         `json:"action,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Note      string         `json:"note,omitempty"`
}

// handleApprove emits a guardian.approval event on the target trace and
// records the decision in the chat store's approvals table.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "approve", err)
		return
	}
	if req.TraceID == "" || req.Decision == "" {
		writeError(w, "approve", kinderr.New(kinderr.SchemaValidation, "handleApprove", errMissingApprovalFields{}))
		return
	}
	if s.Outbox != nil {
		payload := map[string]any{"decision": req.Decision, "action": req.Action, "note": req.Note}
		if err := s.Outbox.Append(req.TraceID, "guardian.approval", payload, envelope.AppendOpts{}); err != nil {
			writeError(w, "approve", err)
			return
		}
	}
	if s.ChatStore != nil {
		payloadJSON, _ := json.Marshal(req.Payload)
		id, err := s.ChatStore.RecordApproval(req.TraceID, req.Action, "pending", string(payloadJSON))
		if err != nil {
			writeError(w, "approve", err)
			return
		}
		if err := s.ChatStore.ResolveApproval(id, req.Decision); err != nil {
			writeError(w, "approve", err)
			return
		}
	}
	if s.Audit != nil {
		s.Audit.Log(security.AuditApproval, security.SeverityInfo, req.TraceID, callerOf(r), "approve", req.Action, true, map[string]string{"decision": req.Decision})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "trace_id": req.TraceID, "decision": req.Decision})
}

type errMissingApprovalFields struct{}

func (errMissingApprovalFields) Error() string { return "trace_id and decision are required" }

// EpisodeFetchRequest is the wire request for POST /api/episode.
type EpisodeFetchRequest struct {
	TraceID string `json:"trace_id"`
}

func (s *Server) handleEpisodeFetch(w http.ResponseWriter, r *http.Request) {
	var req EpisodeFetchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "episode", err)
		return
	}
	if s.EpisodesDir == "" {
		writeError(w, "episode", kinderr.New(kinderr.NotFound, "handleEpisodeFetch", errNoEpisodesDir{}))
		return
	}
	resolve := outbox.ResolvePrefix
	if s.Replay != nil {
		resolve = func(episodesDir, prefix string) (string, error) { return s.Replay.ResolveTrace(prefix) }
	}
	traceID, err := resolve(s.EpisodesDir, req.TraceID)
	if err != nil {
		writeError(w, "episode", err)
		return
	}
	ep, err := outbox.LoadEpisode(s.EpisodesDir, traceID)
	if err != nil {
		writeError(w, "episode", err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

type errNoEpisodesDir struct{}

func (errNoEpisodesDir) Error() string { return "no episodes directory configured" }
