package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/overhuman/overhuman/internal/observability"
	"github.com/overhuman/overhuman/internal/outbox"
	"github.com/overhuman/overhuman/internal/pipeline"
	"github.com/overhuman/overhuman/internal/roles"
)

func newInProcessRunner(t *testing.T, dir string) (*InProcessRunner, string) {
	t.Helper()
	csvPath := filepath.Join(dir, "weekly.csv")
	if err := os.WriteFile(csvPath, []byte("title,views\nAlpha,300\nBeta,100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := roles.New()
	roles.RegisterDefaults(reg)
	episodesDir := filepath.Join(dir, "episodes")
	ob := outbox.NewFileOutbox(episodesDir)
	p := pipeline.New(reg, ob, observability.NewLogger("scheduler-test", nil))
	runner := NewInProcessRunner(p, episodesDir)
	return runner, csvPath
}

func TestInProcessRunnerRunStepProducesTraceID(t *testing.T) {
	dir := t.TempDir()
	runner, csvPath := newInProcessRunner(t, dir)

	result, err := runner.RunStep(map[string]any{
		"goal":     "weekly-report",
		"csv_path": csvPath,
		"out":      filepath.Join(dir, "out.md"),
		"top_n":    float64(2),
	})
	if err != nil {
		t.Fatal(err)
	}
	traceID, _ := result["trace_id"].(string)
	if traceID == "" {
		t.Fatal("expected nonempty trace_id")
	}
	if result["status"] != "success" {
		t.Fatalf("status = %v, want success", result["status"])
	}
}

func TestInProcessRunnerReplayStepReviewOnly(t *testing.T) {
	dir := t.TempDir()
	runner, csvPath := newInProcessRunner(t, dir)

	runResult, err := runner.RunStep(map[string]any{
		"goal": "weekly-report", "csv_path": csvPath, "out": filepath.Join(dir, "out.md"),
	})
	if err != nil {
		t.Fatal(err)
	}
	traceID := runResult["trace_id"].(string)

	replayResult, err := runner.ReplayStep(map[string]any{"trace": traceID})
	if err != nil {
		t.Fatal(err)
	}
	verdict, ok := replayResult["verdict"].(map[string]any)
	if !ok {
		t.Fatalf("expected verdict map, got %+v", replayResult)
	}
	if pass, _ := verdict["pass"].(bool); !pass {
		t.Fatalf("expected saved verdict to pass, got %+v", verdict)
	}
}

func TestInProcessRunnerReplayStepLastResolvesMostRecent(t *testing.T) {
	dir := t.TempDir()
	runner, csvPath := newInProcessRunner(t, dir)

	first, err := runner.RunStep(map[string]any{
		"goal": "weekly-report", "csv_path": csvPath, "out": filepath.Join(dir, "first.md"),
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := runner.RunStep(map[string]any{
		"goal": "weekly-report", "csv_path": csvPath, "out": filepath.Join(dir, "second.md"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if first["trace_id"] == second["trace_id"] {
		t.Fatal("expected two distinct trace ids from two runs")
	}

	replayResult, err := runner.ReplayStep(map[string]any{"trace": "last"})
	if err != nil {
		t.Fatal(err)
	}
	if replayResult["trace_id"] != second["trace_id"] {
		t.Fatalf("expected 'last' to resolve to the most recently finalized episode %v, got %v",
			second["trace_id"], replayResult["trace_id"])
	}
}

func TestInProcessRunnerReplayStepRerun(t *testing.T) {
	dir := t.TempDir()
	runner, csvPath := newInProcessRunner(t, dir)

	runResult, err := runner.RunStep(map[string]any{
		"goal": "weekly-report", "csv_path": csvPath, "out": filepath.Join(dir, "out.md"),
	})
	if err != nil {
		t.Fatal(err)
	}
	traceID := runResult["trace_id"].(string)

	rerunOut := filepath.Join(dir, "rerun.md")
	replayResult, err := runner.ReplayStep(map[string]any{
		"trace": traceID, "rerun": true, "out": rerunOut,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := replayResult["markdown"].(string); !ok {
		t.Fatalf("expected markdown string in rerun result, got %+v", replayResult)
	}
	if _, err := os.Stat(rerunOut); err != nil {
		t.Fatalf("expected rerun output file to exist: %v", err)
	}
}
