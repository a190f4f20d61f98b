package chatstore

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendMessageCreatesSessionAndHistory(t *testing.T) {
	s := newTestStore(t)

	if err := s.AppendMessage("sess-1", "user", "hello", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage("sess-1", "assistant", "hi there", ""); err != nil {
		t.Fatal(err)
	}

	hist, err := s.History("sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("len(hist) = %d, want 2", len(hist))
	}
	if hist[0].Role != "user" || hist[0].Content != "hello" {
		t.Errorf("first message = %+v", hist[0])
	}
	if hist[1].Role != "assistant" || hist[1].Content != "hi there" {
		t.Errorf("second message = %+v", hist[1])
	}
}

func TestAppendMessageIsIdempotentOnSession(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.AppendMessage("sess-x", "user", "msg", ""); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := s.History("sess-x", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Fatalf("len(hist) = %d, want 3 (session row should not be duplicated)", len(hist))
	}
}

func TestHistoryRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.AppendMessage("sess-1", "user", "msg", "")
	}
	hist, err := s.History("sess-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("len(hist) = %d, want 2", len(hist))
	}
}

func TestClearSessionRemovesMessages(t *testing.T) {
	s := newTestStore(t)
	s.AppendMessage("sess-1", "user", "msg", "")
	if err := s.ClearSession("sess-1"); err != nil {
		t.Fatal(err)
	}
	hist, err := s.History("sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected empty history after clear, got %d", len(hist))
	}
}

func TestTaskStackPushPop(t *testing.T) {
	s := newTestStore(t)

	if stack, err := s.TaskStack("sess-1"); err != nil || stack != nil {
		t.Fatalf("expected nil stack for unseen session, got %v, %v", stack, err)
	}

	if err := s.PushTask("sess-1", map[string]any{"op": "draft"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PushTask("sess-1", map[string]any{"op": "review"}); err != nil {
		t.Fatal(err)
	}

	top, err := s.PopTask("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(top, &entry); err != nil {
		t.Fatal(err)
	}
	if entry["op"] != "review" {
		t.Fatalf("expected LIFO pop to return the last pushed entry, got %+v", entry)
	}

	top, err = s.PopTask("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	json.Unmarshal(top, &entry)
	if entry["op"] != "draft" {
		t.Fatalf("expected second pop to return the first pushed entry, got %+v", entry)
	}

	top, err = s.PopTask("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if top != nil {
		t.Fatalf("expected nil after stack drained, got %s", top)
	}
}

func TestApprovalRecordAndResolve(t *testing.T) {
	s := newTestStore(t)
	id, err := s.RecordApproval("trace-1", "fs.write", "pending", `{"path":"report.md"}`)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected nonzero approval id")
	}
	if err := s.ResolveApproval(id, "approved"); err != nil {
		t.Fatal(err)
	}
}

func TestWorkflowUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	id, err := s.UpsertWorkflow("weekly-report", `{"steps":[]}`, true)
	if err != nil {
		t.Fatal(err)
	}

	wf, err := s.GetWorkflow(id)
	if err != nil {
		t.Fatal(err)
	}
	if wf == nil {
		t.Fatal("expected workflow to exist")
	}
	if wf.Name != "weekly-report" || !wf.Enabled {
		t.Fatalf("workflow = %+v", wf)
	}

	list, err := s.ListWorkflows()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
}

func TestGetWorkflowMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	wf, err := s.GetWorkflow(999)
	if err != nil {
		t.Fatal(err)
	}
	if wf != nil {
		t.Fatalf("expected nil for missing workflow, got %+v", wf)
	}
}

func TestScheduleJobAndDueJobs(t *testing.T) {
	s := newTestStore(t)
	wfID, _ := s.UpsertWorkflow("wf", `{}`, true)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	dueID, err := s.ScheduleJob(wfID, past, `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleJob(wfID, future, `{}`); err != nil {
		t.Fatal(err)
	}

	due, err := s.DueJobs(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("len(due) = %d, want 1 (future job should not be due)", len(due))
	}
	if due[0].ID != dueID {
		t.Fatalf("due job id = %d, want %d", due[0].ID, dueID)
	}
}

func TestMarkJobResultTransitionsStatus(t *testing.T) {
	s := newTestStore(t)
	wfID, _ := s.UpsertWorkflow("wf", `{}`, true)
	jobID, _ := s.ScheduleJob(wfID, time.Now().Add(-time.Second), `{}`)

	if err := s.MarkJobResult(jobID, "done", `{"ok":true,"steps":[]}`); err != nil {
		t.Fatal(err)
	}

	job, err := s.GetJob(jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != "done" {
		t.Fatalf("status = %q, want done", job.Status)
	}
	if job.ResultJSON != `{"ok":true,"steps":[]}` {
		t.Fatalf("result_json = %q", job.ResultJSON)
	}

	due, err := s.DueJobs(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("expected done job to no longer be due, got %d", len(due))
	}
}

func TestListJobsFiltersByWorkflow(t *testing.T) {
	s := newTestStore(t)
	wf1, _ := s.UpsertWorkflow("wf1", `{}`, true)
	wf2, _ := s.UpsertWorkflow("wf2", `{}`, true)
	s.ScheduleJob(wf1, time.Now(), `{}`)
	s.ScheduleJob(wf1, time.Now(), `{}`)
	s.ScheduleJob(wf2, time.Now(), `{}`)

	jobs, err := s.ListJobs(wf1)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}

	all, err := s.ListJobs(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
}
