package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/overhuman/overhuman/internal/config"
	"github.com/overhuman/overhuman/internal/envelope"
	"github.com/overhuman/overhuman/internal/outbox"
	"github.com/overhuman/overhuman/internal/pipeline"
	"github.com/overhuman/overhuman/internal/workspace"
)

type fakePipeline struct {
	result *pipeline.RunResult
	err    error
}

func (f *fakePipeline) Run(spec pipeline.TaskSpec, outPath string, impls pipeline.Impls) (*pipeline.RunResult, error) {
	return f.result, f.err
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestIntakeFallsBackWithoutProvider(t *testing.T) {
	srsDir := t.TempDir()
	s := NewServer(&config.Config{})
	s.SRSDir = srsDir
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := postJSON(t, mux, "/api/intake", IntakeRequest{Query: "weekly report please"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["ok"] != true {
		t.Fatalf("resp = %v", resp)
	}
	if resp["warning"] == nil {
		t.Fatal("expected a warning when no provider is configured")
	}
	srsPath, _ := resp["srs_path"].(string)
	if srsPath == "" {
		t.Fatal("expected a saved srs_path")
	}
	if _, err := os.Stat(srsPath); err != nil {
		t.Fatalf("srs file not written: %v", err)
	}
}

func TestRunEnqueueReturnsTraceIDWhenFastEnough(t *testing.T) {
	dir := t.TempDir()
	srsPath := filepath.Join(dir, "srs.json")
	spec := pipeline.TaskSpec{Goal: "weekly-report", Inputs: pipeline.Inputs{CSVPath: "data.csv"}}
	data, _ := json.Marshal(spec)
	if err := os.WriteFile(srsPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewServer(&config.Config{})
	s.Pipeline = &fakePipeline{result: &pipeline.RunResult{TraceID: "t-123", Status: "success", Score: 0.9, OutPath: "out.md"}}
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := postJSON(t, mux, "/api/run", RunEnqueueRequest{SRSPath: srsPath, OutPath: "out.md"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["trace_id"] != "t-123" {
		t.Fatalf("resp = %v", resp)
	}
	if resp["job_id"] == nil || resp["job_id"] == "" {
		t.Fatal("expected a job_id")
	}
}

func TestRunEnqueueWithoutPipelineFails(t *testing.T) {
	dir := t.TempDir()
	srsPath := filepath.Join(dir, "srs.json")
	os.WriteFile(srsPath, []byte(`{"goal":"x","inputs":{"csv_path":"d.csv"}}`), 0o644)

	s := NewServer(&config.Config{})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := postJSON(t, mux, "/api/run", RunEnqueueRequest{SRSPath: srsPath})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (ToolUnavailable) without a pipeline configured", rec.Code)
	}
}

func TestApproveEmitsGuardianApprovalEvent(t *testing.T) {
	dir := t.TempDir()
	ob := outbox.NewFileOutbox(dir)
	traceID := ob.NewTrace("weekly-report")
	ob.Append(traceID, "sense.srs_loaded", map[string]any{}, envelope.AppendOpts{})

	s := NewServer(&config.Config{})
	s.Outbox = ob
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := postJSON(t, mux, "/api/approve", ApproveRequest{TraceID: traceID, Decision: "approved", Action: "run"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	events, err := ob.Events(traceID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range events {
		if e.Type == "guardian.approval" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a guardian.approval event, events = %+v", events)
	}
}

func TestApproveRequiresTraceIDAndDecision(t *testing.T) {
	s := NewServer(&config.Config{})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := postJSON(t, mux, "/api/approve", ApproveRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEpisodeFetchReturnsFinalizedEpisode(t *testing.T) {
	dir := t.TempDir()
	ob := outbox.NewFileOutbox(dir)
	traceID := ob.NewTrace("weekly-report")
	ob.Append(traceID, "review.scored", map[string]any{"pass": true, "score": 0.9}, envelope.AppendOpts{})
	ob.Finalize(traceID, "success", map[string]any{})

	s := NewServer(&config.Config{})
	s.EpisodesDir = dir
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := postJSON(t, mux, "/api/episode", EpisodeFetchRequest{TraceID: traceID[:8]})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var ep outbox.Episode
	if err := json.Unmarshal(rec.Body.Bytes(), &ep); err != nil {
		t.Fatal(err)
	}
	if ep.TraceID != traceID || ep.Status != "success" {
		t.Fatalf("episode = %+v", ep)
	}
}

func TestWorkspaceRoutesDelegateToWorkspace(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "note.md"), []byte("hi"), 0o644)

	s := NewServer(&config.Config{})
	s.Workspace = workspace.New(root)
	s.Workspace.AuditLogPath = filepath.Join(root, "audit.log")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/workspace/ls?path=.", nil)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/workspace/read?path=note.md", nil)
	mux.ServeHTTP(rec, req)
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["content"] != "hi" {
		t.Fatalf("resp = %v", resp)
	}

	rec = postJSON(t, mux, "/api/workspace/write", WorkspaceWriteRequest{Path: "out.txt", Content: "written"})
	if rec.Code != http.StatusOK {
		t.Fatalf("write status = %d, body = %s", rec.Code, rec.Body.String())
	}
	data, err := os.ReadFile(filepath.Join(root, "out.txt"))
	if err != nil || string(data) != "written" {
		t.Fatalf("data = %q, err = %v", data, err)
	}
}

func TestRequireAdminRejectsWithoutToken(t *testing.T) {
	s := NewServer(&config.Config{Security: config.SecurityConfig{AdminToken: "secret"}})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := postJSON(t, mux, "/api/approve", ApproveRequest{TraceID: "t-1", Decision: "approved"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (Forbidden covers auth denial per the error taxonomy)", rec.Code)
	}
}

func TestRequireAdminAcceptsValidToken(t *testing.T) {
	dir := t.TempDir()
	ob := outbox.NewFileOutbox(dir)
	traceID := ob.NewTrace("weekly-report")

	s := NewServer(&config.Config{Security: config.SecurityConfig{AdminToken: "secret"}})
	s.Outbox = ob
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	data, _ := json.Marshal(ApproveRequest{TraceID: traceID, Decision: "approved"})
	req := httptest.NewRequest(http.MethodPost, "/api/approve", bytes.NewReader(data))
	req.Header.Set("X-Admin-Token", "secret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestScoreboardQueryGroupsAndFilters(t *testing.T) {
	dir := t.TempDir()
	ob := outbox.NewFileOutbox(dir)
	t1 := ob.NewTrace("weekly-report")
	ob.Append(t1, "review.scored", map[string]any{"pass": true, "score": 0.9, "llm": map[string]any{"model": "gpt-4o", "provider": "openrouter"}}, envelope.AppendOpts{})
	ob.Finalize(t1, "success", map[string]any{})

	s := NewServer(&config.Config{})
	s.EpisodesDir = dir
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/scoreboard/query?group_by=model&top_n=5", nil)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["summary"] == nil || resp["top"] == nil {
		t.Fatalf("resp = %v", resp)
	}
}
