package httpapi

import (
	"net/http"
	"strconv"

	"github.com/overhuman/overhuman/internal/kinderr"
	"github.com/overhuman/overhuman/internal/scoreboard"
)

// handleScoreboardQuery implements query(model?, provider?, window?,
// group_by?, topN) -> tabular summary + detail. It scans the episodes
// directory fresh on every call and, when a Scoreboard store is
// configured, mirrors each scanned row into it so other consumers (a
// scheduled export job, a separate dashboard process) can read the same
// corpus without rescanning.
func (s *Server) handleScoreboardQuery(w http.ResponseWriter, r *http.Request) {
	if s.EpisodesDir == "" {
		writeError(w, "scoreboard.query", kinderr.New(kinderr.NotFound, "handleScoreboardQuery", errNoEpisodesDir{}))
		return
	}
	rows, err := scoreboard.ScanEpisodes(s.EpisodesDir)
	if err != nil {
		writeError(w, "scoreboard.query", err)
		return
	}
	if s.Scoreboard != nil {
		for _, row := range rows {
			_ = s.Scoreboard.Upsert(row)
		}
	}

	q := r.URL.Query()
	filter := scoreboard.Filter{Model: q.Get("model"), Provider: q.Get("provider")}
	if window := q.Get("window"); window != "" {
		filter.Since, filter.Until = scoreboard.ParseRelativeWindow(window)
	}
	rows = filter.Apply(rows)

	resp := map[string]any{"ok": true, "detail": rows}
	if groupBy := q.Get("group_by"); groupBy != "" {
		resp["summary"] = scoreboard.GroupBy(rows, groupBy)
	}
	if topNStr := q.Get("top_n"); topNStr != "" {
		if n, err := strconv.Atoi(topNStr); err == nil {
			resp["top"] = scoreboard.TopN(rows, n)
		}
	}
	p50, p95 := scoreboard.Percentiles(rows)
	resp["p50"] = p50
	resp["p95"] = p95
	writeJSON(w, http.StatusOK, resp)
}
