// Package skills implements the pure, IO-free leaf transforms an Executor
// composes into a plan: csv.clean, stats.aggregate, and md.render. Grounded
// on skills/{csv_clean,stats_aggregate,md_render}.py.
package skills

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Row is one CSV record keyed by column name.
type Row map[string]string

// CleanCSV trims whitespace on every field and, when dropEmpty is set, drops
// rows with an empty title or views column. Pure function, no IO.
func CleanCSV(rows []Row, dropEmpty bool) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		cleaned := make(Row, len(r))
		for k, v := range r {
			cleaned[k] = strings.TrimSpace(v)
		}
		if dropEmpty && (cleaned["title"] == "" || cleaned["views"] == "") {
			continue
		}
		out = append(out, cleaned)
	}
	return out
}

// Summary is the aggregate stats block in StatsAggregate's output.
type Summary struct {
	Count int     `json:"count"`
	Total float64 `json:"total"`
	Avg   float64 `json:"avg"`
}

// TopItem is one ranked row in the Top-N list.
type TopItem struct {
	Rank  int     `json:"rank"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// AggregateResult is StatsAggregate's return shape.
type AggregateResult struct {
	Summary Summary   `json:"summary"`
	Top     []TopItem `json:"top"`
}

// toNumber is a lenient numeric parse: strips thousands-separator commas,
// falls back to 0 on any parse failure rather than erroring, matching the
// original's try/except _to_number.
func toNumber(s string) float64 {
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0.0
	}
	return f
}

// StatsAggregate computes a count/total/average summary over scoreBy plus a
// Top-N ranking by descending score, keyed off titleField. Rows with an
// empty title are excluded from the ranked list (but still count toward the
// summary), mirroring the original's `if item["title"]` filter.
func StatsAggregate(rows []Row, topN int, scoreBy, titleField string) AggregateResult {
	n := len(rows)
	var total float64
	type scored struct {
		title string
		score float64
	}
	ranked := make([]scored, 0, n)
	for _, r := range rows {
		v := toNumber(r[scoreBy])
		total += v
		if r[titleField] == "" {
			continue
		}
		ranked = append(ranked, scored{title: r[titleField], score: v})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	avg := 0.0
	if n > 0 {
		avg = total / float64(n)
	}

	if topN < 0 {
		topN = 0
	}
	if topN > len(ranked) {
		topN = len(ranked)
	}
	top := make([]TopItem, 0, topN)
	for i := 0; i < topN; i++ {
		top = append(top, TopItem{Rank: i + 1, Title: ranked[i].title, Score: ranked[i].score})
	}

	return AggregateResult{
		Summary: Summary{Count: n, Total: round2(total), Avg: round2(avg)},
		Top:     top,
	}
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

// RenderMarkdown renders a summary + Top-N list into the fixed-shape weekly
// report markdown, escaping "|" in titles so the table doesn't break.
func RenderMarkdown(summary Summary, top []TopItem, includeTable bool) string {
	var b strings.Builder
	b.WriteString("# Weekly Report\n\n")
	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Count: %d\n", summary.Count)
	fmt.Fprintf(&b, "- Total: %s\n", formatNum(summary.Total))
	fmt.Fprintf(&b, "- Average: %s\n", formatNum(summary.Avg))
	b.WriteString("\n## Top Items\n")
	if includeTable {
		b.WriteString("\n| Rank | Title | Score |\n")
		b.WriteString("| ---- | ----- | -----:|\n")
		for _, item := range top {
			title := strings.ReplaceAll(item.Title, "|", "\\|")
			fmt.Fprintf(&b, "| %d | %s | %s |\n", item.Rank, title, formatNum(item.Score))
		}
	}
	return b.String()
}

// formatNum prints a float without a trailing ".00" for whole numbers, the
// way Python's round()-then-str formatting reads in the original report.
func formatNum(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
