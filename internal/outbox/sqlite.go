package outbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/overhuman/overhuman/internal/envelope"
	"github.com/overhuman/overhuman/internal/kinderr"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS episodes (
  trace_id TEXT PRIMARY KEY,
  goal TEXT,
  status TEXT,
  latency_ms INTEGER,
  header_json TEXT,
  sense_json TEXT,
  plan_json TEXT,
  artifacts_json TEXT,
  created_ts TEXT
);
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  trace_id TEXT,
  msg_id TEXT,
  ts TEXT,
  type TEXT,
  payload_json TEXT
);
`

// SQLiteOutbox is the relational Outbox backend: one row per event in
// `events` (monotone autoincrement id is the canonical order) and one row
// per episode in `episodes`, upserted via REPLACE INTO on Finalize.
// Grounded on kernel/outbox_sqlite.py's OutboxSQLite.
type SQLiteOutbox struct {
	db       *sql.DB
	startedAt map[string]time.Time
}

// NewSQLiteOutbox opens (or creates) the SQLite file at path in WAL mode,
// the same pragma discipline the teacher's storage.SQLiteStore used.
func NewSQLiteOutbox(path string) (*SQLiteOutbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "outbox.NewSQLiteOutbox", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "outbox.NewSQLiteOutbox", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "outbox.NewSQLiteOutbox", err)
	}
	return &SQLiteOutbox{db: db, startedAt: make(map[string]time.Time)}, nil
}

func (s *SQLiteOutbox) Close() error { return s.db.Close() }

func (s *SQLiteOutbox) NewTrace(goal string) string {
	traceID := "t-" + uuid.NewString()
	s.startedAt[traceID] = time.Now().UTC()
	_, _ = goal, traceID // goal is recorded at Finalize time, matching the Python backend.
	return traceID
}

func (s *SQLiteOutbox) Append(traceID, eventType string, payload map[string]any, opts envelope.AppendOpts) error {
	env, err := envelope.New(traceID, eventType, payload, opts)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(env.Payload)
	if err != nil {
		return kinderr.New(kinderr.SchemaValidation, "outbox.Append", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO events(trace_id, msg_id, ts, type, payload_json) VALUES (?,?,?,?,?)`,
		env.TraceID, env.MsgID, env.TS, env.Type, string(payloadJSON),
	)
	if err != nil {
		return kinderr.New(kinderr.SchemaValidation, "outbox.Append", err)
	}
	return nil
}

func (s *SQLiteOutbox) Events(traceID string) ([]*envelope.Envelope, error) {
	rows, err := s.db.Query(
		`SELECT msg_id, ts, type, payload_json FROM events WHERE trace_id=? ORDER BY id ASC`, traceID,
	)
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "outbox.Events", err)
	}
	defer rows.Close()

	var out []*envelope.Envelope
	for rows.Next() {
		var msgID, ts, typ, payloadJSON string
		if err := rows.Scan(&msgID, &ts, &typ, &payloadJSON); err != nil {
			return nil, kinderr.New(kinderr.SchemaValidation, "outbox.Events", err)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, kinderr.New(kinderr.SchemaValidation, "outbox.Events", err)
		}
		out = append(out, &envelope.Envelope{
			MsgID: msgID, TraceID: traceID, SchemaVer: envelope.SchemaVersion,
			TS: ts, Type: typ, Payload: payload,
		})
	}
	return out, rows.Err()
}

// Finalize computes the header and the derived sense/plan and REPLACE INTOs
// the episodes row for traceID, so repeated finalize calls are idempotent
// (overwrite, never error) — resolving spec §9 open question (b) the same
// way the original relational backend does.
func (s *SQLiteOutbox) Finalize(traceID, status string, artifacts map[string]any) (*Episode, error) {
	events, err := s.Events(traceID)
	if err != nil {
		return nil, err
	}

	header := deriveHeader(events)
	headerJSON, _ := json.Marshal(header)
	senseJSON, _ := json.Marshal(extractLast(events, "sense.srs_loaded", "srs"))
	planJSON, _ := json.Marshal(extractLast(events, "plan.generated", "plan"))
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "outbox.Finalize", err)
	}

	started, ok := s.startedAt[traceID]
	if !ok {
		started = time.Now().UTC()
	}
	latencyMs := time.Since(started).Milliseconds()

	var goal string
	for _, ev := range events {
		if ev.Type == "sense.srs_loaded" {
			if srs, ok := ev.Payload["srs"].(map[string]any); ok {
				if g, ok := srs["goal"].(string); ok {
					goal = g
				}
			}
			break
		}
	}

	_, err = s.db.Exec(
		`REPLACE INTO episodes(trace_id, goal, status, latency_ms, header_json, sense_json, plan_json, artifacts_json, created_ts)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		traceID, goal, status, latencyMs, string(headerJSON), string(senseJSON), string(planJSON), string(artifactsJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "outbox.Finalize", err)
	}

	var sense, plan map[string]any
	_ = json.Unmarshal(senseJSON, &sense)
	_ = json.Unmarshal(planJSON, &plan)

	return &Episode{
		TraceID: traceID, Goal: goal, Status: status, LatencyMs: latencyMs,
		Header: header, Sense: sense, Plan: plan, Artifacts: artifacts, Events: events,
	}, nil
}

// ResolveSQLitePrefix mirrors ResolvePrefix for the relational backend.
func (s *SQLiteOutbox) ResolveSQLitePrefix(prefix string) (string, error) {
	rows, err := s.db.Query(`SELECT trace_id FROM episodes WHERE trace_id LIKE ? || '%'`, prefix)
	if err != nil {
		return "", kinderr.New(kinderr.SchemaValidation, "outbox.ResolveSQLitePrefix", err)
	}
	defer rows.Close()
	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		matches = append(matches, id)
	}
	switch len(matches) {
	case 0:
		return prefix, nil
	case 1:
		return matches[0], nil
	default:
		return "", kinderr.New(kinderr.AmbiguousPrefix, "outbox.ResolveSQLitePrefix", fmt.Errorf("prefix %q matches %v", prefix, matches))
	}
}

// LoadSQLiteEpisode loads a previously finalized episode row plus its events.
func (s *SQLiteOutbox) LoadSQLiteEpisode(traceID string) (*Episode, error) {
	row := s.db.QueryRow(
		`SELECT goal, status, latency_ms, header_json, sense_json, plan_json, artifacts_json
		 FROM episodes WHERE trace_id=?`, traceID,
	)
	var goal, status, headerJSON, senseJSON, planJSON, artifactsJSON string
	var latencyMs int64
	if err := row.Scan(&goal, &status, &latencyMs, &headerJSON, &senseJSON, &planJSON, &artifactsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, kinderr.New(kinderr.NotFound, "outbox.LoadSQLiteEpisode", err)
		}
		return nil, kinderr.New(kinderr.SchemaValidation, "outbox.LoadSQLiteEpisode", err)
	}
	events, err := s.Events(traceID)
	if err != nil {
		return nil, err
	}
	var header Header
	var sense, plan, artifacts map[string]any
	_ = json.Unmarshal([]byte(headerJSON), &header)
	_ = json.Unmarshal([]byte(senseJSON), &sense)
	_ = json.Unmarshal([]byte(planJSON), &plan)
	_ = json.Unmarshal([]byte(artifactsJSON), &artifacts)
	return &Episode{
		TraceID: traceID, Goal: goal, Status: status, LatencyMs: latencyMs,
		Header: header, Sense: sense, Plan: plan, Artifacts: artifacts, Events: events,
	}, nil
}
