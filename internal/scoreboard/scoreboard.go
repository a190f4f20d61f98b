// Package scoreboard projects the episode corpus into a flat {trace_id,
// goal, status, latency_ms, score, pass, model, provider, ts} row per
// episode, supporting filter/group/Top-N/percentile queries. Grounded on
// original_source/apps/server/main.py's api_scores_group_csv and
// api_scores_detail_csv handlers (the `scores` SQLite table and its
// window/group/LIKE filtering), projected here as an in-memory scan over
// a FileOutbox episodes directory plus an optional SQLite sink.
package scoreboard

import (
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/overhuman/overhuman/internal/kinderr"
	"github.com/overhuman/overhuman/internal/outbox"
)

// Row is one episode's projected scoreboard entry.
type Row struct {
	TraceID   string  `json:"trace_id"`
	Goal      string  `json:"goal"`
	Status    string  `json:"status"`
	LatencyMs int64   `json:"latency_ms"`
	Score     float64 `json:"score"`
	Pass      bool    `json:"pass"`
	Model     string  `json:"model"`
	Provider  string  `json:"provider"`
	TS        string  `json:"ts"`
}

// Project derives a Row from a finalized Episode: score/pass come from the
// last review.scored payload, model/provider from the derived header.
func Project(ep *outbox.Episode) Row {
	row := Row{
		TraceID:   ep.TraceID,
		Goal:      ep.Goal,
		Status:    ep.Status,
		LatencyMs: ep.LatencyMs,
		Model:     ep.Header.Model,
		Provider:  ep.Header.Provider,
	}
	if v := outbox.LastReviewScored(ep.Events); v != nil {
		if score, ok := v["score"].(float64); ok {
			row.Score = score
		}
		if pass, ok := v["pass"].(bool); ok {
			row.Pass = pass
		}
	}
	if len(ep.Events) > 0 {
		row.TS = ep.Events[len(ep.Events)-1].TS
	}
	return row
}

// ScanEpisodes loads every *.json episode file under episodesDir and
// projects it into a Row. Malformed episode files are skipped rather than
// aborting the whole scan.
func ScanEpisodes(episodesDir string) ([]Row, error) {
	entries, err := os.ReadDir(episodesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kinderr.New(kinderr.SchemaValidation, "scoreboard.ScanEpisodes", err)
	}
	var rows []Row
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		traceID := strings.TrimSuffix(name, ".json")
		ep, err := outbox.LoadEpisode(episodesDir, traceID)
		if err != nil {
			continue
		}
		rows = append(rows, Project(ep))
	}
	return rows, nil
}

// Filter narrows rows by case-insensitive model/provider substring and a
// time window. window accepts an absolute ISO-8601 "since,until" pair (via
// Since/Until below) or a relative token like "7d"/"24h" handled by
// ParseRelativeWindow before calling Filter.
type Filter struct {
	Model    string
	Provider string
	Since    time.Time
	Until    time.Time
}

// ParseRelativeWindow turns a token like "7d" or "24h" into a [since,
// now] Filter window, matching the original's window.endswith('d'/'h')
// parsing. An unrecognized token yields a zero-value (unbounded) window.
func ParseRelativeWindow(window string) (since, until time.Time) {
	w := strings.ToLower(strings.TrimSpace(window))
	now := time.Now().UTC()
	if strings.HasSuffix(w, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(w, "d")); err == nil {
			return now.Add(-time.Duration(n) * 24 * time.Hour), now
		}
	}
	if strings.HasSuffix(w, "h") {
		if n, err := strconv.Atoi(strings.TrimSuffix(w, "h")); err == nil {
			return now.Add(-time.Duration(n) * time.Hour), now
		}
	}
	return time.Time{}, time.Time{}
}

// Apply filters rows by the Filter's model/provider substrings and time
// window, skipping any bound left at its zero value.
func (f Filter) Apply(rows []Row) []Row {
	var out []Row
	for _, r := range rows {
		if f.Model != "" && !strings.Contains(strings.ToLower(r.Model), strings.ToLower(f.Model)) {
			continue
		}
		if f.Provider != "" && !strings.Contains(strings.ToLower(r.Provider), strings.ToLower(f.Provider)) {
			continue
		}
		if !f.Since.IsZero() && r.TS < f.Since.Format("2006-01-02T15:04:05.000Z") {
			continue
		}
		if !f.Until.IsZero() && r.TS > f.Until.Format("2006-01-02T15:04:05.000Z") {
			continue
		}
		out = append(out, r)
	}
	return out
}

// GroupStat is one grouped aggregate row: {key, count, avg_score,
// pass_rate}, matching api_scores_group_csv's SELECT.
type GroupStat struct {
	Key       string  `json:"key"`
	Count     int     `json:"count"`
	AvgScore  float64 `json:"avg_score"`
	PassRate  float64 `json:"pass_rate"`
}

// GroupBy aggregates rows by "model" or "provider", sorted by avg_score
// descending (matching the SQL `ORDER BY AVG(score) DESC`).
func GroupBy(rows []Row, field string) []GroupStat {
	type acc struct {
		count     int
		scoreSum  float64
		passCount int
	}
	groups := map[string]*acc{}
	var order []string
	for _, r := range rows {
		key := r.Model
		if field == "provider" {
			key = r.Provider
		}
		a, ok := groups[key]
		if !ok {
			a = &acc{}
			groups[key] = a
			order = append(order, key)
		}
		a.count++
		a.scoreSum += r.Score
		if r.Pass {
			a.passCount++
		}
	}
	stats := make([]GroupStat, 0, len(order))
	for _, key := range order {
		a := groups[key]
		stats = append(stats, GroupStat{
			Key:      key,
			Count:    a.count,
			AvgScore: round4(a.scoreSum / float64(a.count)),
			PassRate: round4(float64(a.passCount) / float64(a.count)),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].AvgScore > stats[j].AvgScore })
	return stats
}

// TopN returns the n rows with the highest score, descending.
func TopN(rows []Row, n int) []Row {
	sorted := append([]Row(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	if n > 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// Percentiles computes p50/p95 of the score field in memory, using
// nearest-rank selection over the sorted sample.
func Percentiles(rows []Row) (p50, p95 float64) {
	if len(rows) == 0 {
		return 0, 0
	}
	scores := make([]float64, len(rows))
	for i, r := range rows {
		scores[i] = r.Score
	}
	sort.Float64s(scores)
	return percentileOf(scores, 0.50), percentileOf(scores, 0.95)
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round4(f float64) float64 {
	return float64(int64(f*10000+0.5)) / 10000
}

// Store upserts Rows into a SQLite `scores` table keyed by trace_id, the
// relational sink an HTTP surface or scheduled export job can query
// without rescanning the episodes directory each time.
type Store struct {
	db *sql.DB
}

// OpenStore creates (or reuses) a scores.sqlite database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, kinderr.New(kinderr.SchemaValidation, "scoreboard.OpenStore", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "scoreboard.OpenStore", err)
	}
	schema := `CREATE TABLE IF NOT EXISTS scores (
		trace_id TEXT PRIMARY KEY,
		goal TEXT, status TEXT, latency_ms INTEGER,
		score REAL, pass INTEGER, model TEXT, provider TEXT, ts TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, kinderr.New(kinderr.SchemaValidation, "scoreboard.OpenStore", err)
	}
	return &Store{db: db}, nil
}

// Upsert writes or replaces a Row keyed by trace_id.
func (s *Store) Upsert(r Row) error {
	passInt := 0
	if r.Pass {
		passInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO scores(trace_id, goal, status, latency_ms, score, pass, model, provider, ts)
		 VALUES (?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(trace_id) DO UPDATE SET
		   goal=excluded.goal, status=excluded.status, latency_ms=excluded.latency_ms,
		   score=excluded.score, pass=excluded.pass, model=excluded.model,
		   provider=excluded.provider, ts=excluded.ts`,
		r.TraceID, r.Goal, r.Status, r.LatencyMs, r.Score, passInt, r.Model, r.Provider, r.TS,
	)
	if err != nil {
		return kinderr.New(kinderr.SchemaValidation, "scoreboard.Upsert", err)
	}
	return nil
}

// All returns every row in the scores table, most recent ts first.
func (s *Store) All() ([]Row, error) {
	rows, err := s.db.Query("SELECT trace_id, goal, status, latency_ms, score, pass, model, provider, ts FROM scores ORDER BY ts DESC")
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "scoreboard.All", err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		var passInt int
		if err := rows.Scan(&r.TraceID, &r.Goal, &r.Status, &r.LatencyMs, &r.Score, &passInt, &r.Model, &r.Provider, &r.TS); err != nil {
			return nil, err
		}
		r.Pass = passInt != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close shuts down the database connection.
func (s *Store) Close() error { return s.db.Close() }
