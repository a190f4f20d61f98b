// Package chatstore persists chat sessions, messages, approvals, task
// stacks, workflows, and jobs (C11, plus the Workflow/Job tables C9
// schedules against) behind a single SQLite-backed Store, grounded on
// original_source/apps/server/chat_db.py's four tables and the teacher's
// storage.SQLiteStore idiom (modernc.org/sqlite, WAL mode, mutex-guarded
// *sql.DB).
package chatstore

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/overhuman/overhuman/internal/kinderr"
)

// Message is one turn in a Conversation.
type Message struct {
	TS      string `json:"ts"`
	Role    string `json:"role"` // "user" | "assistant" | "system"
	Content string `json:"content"`
	Action  string `json:"action,omitempty"` // JSON-encoded action payload, if any.
}

// Approval is one pending-or-resolved human-in-the-loop decision.
type Approval struct {
	ID         int64  `json:"id"`
	TraceID    string `json:"trace_id"`
	Action     string `json:"action,omitempty"`
	Decision   string `json:"decision"`
	PayloadJSON string `json:"payload_json,omitempty"`
	CreatedTS  string `json:"created_ts"`
	ResolvedTS string `json:"resolved_ts,omitempty"`
}

// Workflow is a durable multi-step recipe (§3).
type Workflow struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	DefinitionJSON string `json:"definition_json"`
	Enabled        bool   `json:"enabled"`
	CreatedTS      string `json:"created_ts"`
}

// Job is one scheduled execution instance of a Workflow (§3).
type Job struct {
	ID         int64  `json:"id"`
	WorkflowID int64  `json:"workflow_id"`
	Status     string `json:"status"` // "pending" | "done" | "failed"
	RunAt      string `json:"run_at"`
	ArgsJSON   string `json:"args_json"`
	ResultJSON string `json:"result_json,omitempty"`
	CreatedTS  string `json:"created_ts"`
}

// Store wraps a SQLite connection holding sessions/messages/approvals/
// task_stacks/workflows/jobs. A single *sql.DB is safe for concurrent use
// across goroutines (the SQLite driver serializes internally); the mutex
// here only protects the task-stack read-modify-write cycle.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  created_ts TEXT,
  meta_json  TEXT
);
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT,
  ts TEXT,
  role TEXT,
  content TEXT,
  action_json TEXT
);
CREATE TABLE IF NOT EXISTS approvals (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  trace_id TEXT,
  action TEXT,
  decision TEXT,
  payload_json TEXT,
  created_ts TEXT,
  resolved_ts TEXT
);
CREATE TABLE IF NOT EXISTS task_stacks (
  session_id TEXT PRIMARY KEY,
  stack_json TEXT
);
CREATE TABLE IF NOT EXISTS workflows (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT,
  definition_json TEXT,
  created_ts TEXT,
  enabled INTEGER
);
CREATE TABLE IF NOT EXISTS jobs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  workflow_id INTEGER,
  status TEXT,
  run_at TEXT,
  args_json TEXT,
  result_json TEXT,
  created_ts TEXT
);
`

// Open creates (or reuses) a SQLite database at path, applying the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, kinderr.New(kinderr.SchemaValidation, "chatstore.Open", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "chatstore.Open", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, kinderr.New(kinderr.SchemaValidation, "chatstore.Open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, kinderr.New(kinderr.SchemaValidation, "chatstore.Open", err)
	}
	return &Store{db: db}, nil
}

func nowISO() string { return time.Now().UTC().Format("2006-01-02T15:04:05.000Z") }

// AppendMessage upserts the session (INSERT OR IGNORE, matching the
// original's "create session on first message" semantics) and records one
// message row.
func (s *Store) AppendMessage(sessionID, role, content string, actionJSON string) error {
	now := nowISO()
	if _, err := s.db.Exec(
		"INSERT OR IGNORE INTO sessions(session_id, created_ts, meta_json) VALUES (?,?,?)",
		sessionID, now, nil,
	); err != nil {
		return kinderr.New(kinderr.SchemaValidation, "chatstore.AppendMessage", err)
	}
	var action any
	if actionJSON != "" {
		action = actionJSON
	}
	if _, err := s.db.Exec(
		"INSERT INTO messages(session_id, ts, role, content, action_json) VALUES (?,?,?,?,?)",
		sessionID, now, role, content, action,
	); err != nil {
		return kinderr.New(kinderr.SchemaValidation, "chatstore.AppendMessage", err)
	}
	return nil
}

// History returns up to limit messages for sessionID in append order.
func (s *Store) History(sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT ts, role, content, action_json FROM messages WHERE session_id=? ORDER BY id ASC LIMIT ?",
		sessionID, limit,
	)
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "chatstore.History", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var action sql.NullString
		if err := rows.Scan(&m.TS, &m.Role, &m.Content, &action); err != nil {
			return nil, err
		}
		if action.Valid {
			m.Action = action.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearSession deletes a session and its messages.
func (s *Store) ClearSession(sessionID string) error {
	if _, err := s.db.Exec("DELETE FROM messages WHERE session_id=?", sessionID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM sessions WHERE session_id=?", sessionID)
	return err
}

// RecordApproval inserts a pending approval record awaiting a decision.
func (s *Store) RecordApproval(traceID, action, decision, payloadJSON string) (int64, error) {
	now := nowISO()
	res, err := s.db.Exec(
		"INSERT INTO approvals(trace_id, action, decision, payload_json, created_ts) VALUES (?,?,?,?,?)",
		traceID, action, decision, payloadJSON, now,
	)
	if err != nil {
		return 0, kinderr.New(kinderr.SchemaValidation, "chatstore.RecordApproval", err)
	}
	return res.LastInsertId()
}

// ResolveApproval stamps an approval's resolved_ts and final decision.
func (s *Store) ResolveApproval(id int64, decision string) error {
	_, err := s.db.Exec(
		"UPDATE approvals SET decision=?, resolved_ts=? WHERE id=?",
		decision, nowISO(), id,
	)
	return err
}

// TaskStack loads a session's opaque task-stack JSON blob, or nil if unset.
func (s *Store) TaskStack(sessionID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw sql.NullString
	err := s.db.QueryRow("SELECT stack_json FROM task_stacks WHERE session_id=?", sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !raw.Valid {
		return nil, nil
	}
	return json.RawMessage(raw.String), nil
}

// PushTask appends an entry onto sessionID's task stack.
func (s *Store) PushTask(sessionID string, entry any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stack []json.RawMessage
	var raw sql.NullString
	err := s.db.QueryRow("SELECT stack_json FROM task_stacks WHERE session_id=?", sessionID).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if raw.Valid && raw.String != "" {
		if uerr := json.Unmarshal([]byte(raw.String), &stack); uerr != nil {
			return kinderr.New(kinderr.SchemaValidation, "chatstore.PushTask", uerr)
		}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	stack = append(stack, data)

	encoded, err := json.Marshal(stack)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT INTO task_stacks(session_id, stack_json) VALUES (?,?) ON CONFLICT(session_id) DO UPDATE SET stack_json=excluded.stack_json",
		sessionID, string(encoded),
	)
	return err
}

// PopTask removes and returns the top entry of sessionID's task stack, or
// nil if the stack is empty.
func (s *Store) PopTask(sessionID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw sql.NullString
	err := s.db.QueryRow("SELECT stack_json FROM task_stacks WHERE session_id=?", sessionID).Scan(&raw)
	if err == sql.ErrNoRows || !raw.Valid || raw.String == "" {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stack []json.RawMessage
	if err := json.Unmarshal([]byte(raw.String), &stack); err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "chatstore.PopTask", err)
	}
	if len(stack) == 0 {
		return nil, nil
	}
	top := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	encoded, err := json.Marshal(stack)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec("UPDATE task_stacks SET stack_json=? WHERE session_id=?", string(encoded), sessionID); err != nil {
		return nil, err
	}
	return top, nil
}

// UpsertWorkflow inserts a new workflow row and returns its id.
func (s *Store) UpsertWorkflow(name, definitionJSON string, enabled bool) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO workflows(name, definition_json, created_ts, enabled) VALUES (?,?,?,?)",
		name, definitionJSON, nowISO(), boolToInt(enabled),
	)
	if err != nil {
		return 0, kinderr.New(kinderr.SchemaValidation, "chatstore.UpsertWorkflow", err)
	}
	return res.LastInsertId()
}

// GetWorkflow loads one workflow by id, or nil if it doesn't exist.
func (s *Store) GetWorkflow(id int64) (*Workflow, error) {
	var wf Workflow
	var enabled int
	err := s.db.QueryRow(
		"SELECT id, name, definition_json, created_ts, enabled FROM workflows WHERE id=?", id,
	).Scan(&wf.ID, &wf.Name, &wf.DefinitionJSON, &wf.CreatedTS, &enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "chatstore.GetWorkflow", err)
	}
	wf.Enabled = enabled != 0
	return &wf, nil
}

// ListWorkflows returns all workflows, most-recent first.
func (s *Store) ListWorkflows() ([]Workflow, error) {
	rows, err := s.db.Query("SELECT id, name, created_ts, enabled FROM workflows ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Workflow
	for rows.Next() {
		var wf Workflow
		var enabled int
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.CreatedTS, &enabled); err != nil {
			return nil, err
		}
		wf.Enabled = enabled != 0
		out = append(out, wf)
	}
	return out, rows.Err()
}

// ScheduleJob inserts a pending job for workflowID, due at runAt.
func (s *Store) ScheduleJob(workflowID int64, runAt time.Time, argsJSON string) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO jobs(workflow_id, status, run_at, args_json, created_ts) VALUES (?,?,?,?,?)",
		workflowID, "pending", runAt.UTC().Format("2006-01-02T15:04:05.000Z"), argsJSON, nowISO(),
	)
	if err != nil {
		return 0, kinderr.New(kinderr.SchemaValidation, "chatstore.ScheduleJob", err)
	}
	return res.LastInsertId()
}

// DueJobs returns pending jobs whose run_at has passed, ordered by id
// ascending (the scan loop's FIFO ordering, §4.6 step 1).
func (s *Store) DueJobs(now time.Time) ([]Job, error) {
	rows, err := s.db.Query(
		"SELECT id, workflow_id, args_json FROM jobs WHERE status='pending' AND run_at<=? ORDER BY id ASC",
		now.UTC().Format("2006-01-02T15:04:05.000Z"),
	)
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "chatstore.DueJobs", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.WorkflowID, &j.ArgsJSON); err != nil {
			return nil, err
		}
		j.Status = "pending"
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetJob loads one job by id, or nil if it doesn't exist.
func (s *Store) GetJob(id int64) (*Job, error) {
	var j Job
	var result sql.NullString
	err := s.db.QueryRow(
		"SELECT id, workflow_id, status, run_at, args_json, result_json, created_ts FROM jobs WHERE id=?", id,
	).Scan(&j.ID, &j.WorkflowID, &j.Status, &j.RunAt, &j.ArgsJSON, &result, &j.CreatedTS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "chatstore.GetJob", err)
	}
	if result.Valid {
		j.ResultJSON = result.String
	}
	return &j, nil
}

// ListJobs returns jobs, most-recent first, optionally filtered by
// workflowID (pass 0 for all jobs).
func (s *Store) ListJobs(workflowID int64) ([]Job, error) {
	query := "SELECT id, workflow_id, status, run_at, created_ts FROM jobs"
	args := []any{}
	if workflowID != 0 {
		query += " WHERE workflow_id=?"
		args = append(args, workflowID)
	}
	query += " ORDER BY id DESC"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.WorkflowID, &j.Status, &j.RunAt, &j.CreatedTS); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkJobResult transitions a job to a terminal status with its result
// summary JSON, matching mark_job_result's UPDATE-by-id semantics.
func (s *Store) MarkJobResult(jobID int64, status, resultJSON string) error {
	_, err := s.db.Exec("UPDATE jobs SET status=?, result_json=? WHERE id=?", status, resultJSON, jobID)
	if err != nil {
		return kinderr.New(kinderr.SchemaValidation, "chatstore.MarkJobResult", err)
	}
	return nil
}

// Close shuts down the database connection.
func (s *Store) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
