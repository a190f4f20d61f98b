// Package outbox implements the append-only Episode log (C3): two
// interchangeable backends — a file-per-trace backend and a relational
// (SQLite) backend — behind one Outbox interface. Grounded on
// kernel/bus.py (file backend) and kernel/outbox_sqlite.py (relational).
package outbox

import (
	"github.com/overhuman/overhuman/internal/envelope"
)

// Header is the derived per-episode summary: first-seen LLM identity plus
// componentwise-summed usage and cost, scanned from event payloads.
type Header struct {
	Provider    string         `json:"provider,omitempty"`
	Model       string         `json:"model,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Attempts    int            `json:"attempts"`
	Usage       map[string]float64 `json:"usage,omitempty"`
	Cost        float64        `json:"cost"`
}

// Episode is the finalized record materialized by Finalize. Field order
// matches the wire/on-disk key order (trace_id, goal, status, latency_ms,
// header, events, sense, plan, artifacts): encoding/json emits struct
// fields in declaration order, so Events must sit right after Header.
type Episode struct {
	TraceID   string                 `json:"trace_id"`
	Goal      string                 `json:"goal"`
	Status    string                 `json:"status"` // "success" | "failed"
	LatencyMs int64                  `json:"latency_ms"`
	Header    Header                 `json:"header"`
	Events    []*envelope.Envelope   `json:"events"`
	Sense     map[string]any         `json:"sense,omitempty"`
	Plan      map[string]any         `json:"plan,omitempty"`
	Artifacts map[string]any         `json:"artifacts"`
}

// Outbox is the shared contract both backends implement.
type Outbox interface {
	// NewTrace allocates a fresh trace id for goal and begins buffering
	// events for it.
	NewTrace(goal string) string
	// Append validates, redacts, and records one event under traceID.
	Append(traceID, eventType string, payload map[string]any, opts envelope.AppendOpts) error
	// Finalize derives the Header and atomically materializes the Episode.
	// Finalize is idempotent: calling it twice for the same trace replaces
	// the previous record rather than erroring (spec §9 open question (b)).
	Finalize(traceID, status string, artifacts map[string]any) (*Episode, error)
	// Events returns the events recorded so far for traceID, in append order.
	Events(traceID string) ([]*envelope.Envelope, error)
}

// deriveHeader scans events in reverse append order for embedded `llm`
// metadata, first-seen wins per field (setdefault semantics), while
// attempts takes the max across events and usage/cost are summed.
func deriveHeader(events []*envelope.Envelope) Header {
	h := Header{Usage: map[string]float64{}}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		llmAny, ok := ev.Payload["llm"]
		if ok {
			if llm, ok := llmAny.(map[string]any); ok {
				setDefaultString(&h.Provider, llm["provider"])
				setDefaultString(&h.Model, llm["model"])
				setDefaultString(&h.RequestID, llm["request_id"])
				if h.Temperature == nil {
					if t, ok := asFloat(llm["temperature"]); ok {
						h.Temperature = &t
					}
				}
				if a, ok := asFloat(llm["attempts"]); ok && int(a) > h.Attempts {
					h.Attempts = int(a)
				}
				if usage, ok := llm["usage"].(map[string]any); ok {
					for k, v := range usage {
						if fv, ok := asFloat(v); ok {
							h.Usage[k] += fv
						}
					}
				}
			}
		}
		if ev.Cost != nil {
			h.Cost += *ev.Cost
		}
	}
	return h
}

func setDefaultString(dst *string, v any) {
	if *dst != "" {
		return
	}
	if s, ok := v.(string); ok && s != "" {
		*dst = s
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// extractLast finds the last event of eventType and returns payload[key] as
// a map, or nil if no such event exists.
func extractLast(events []*envelope.Envelope, eventType, key string) map[string]any {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == eventType {
			if v, ok := events[i].Payload[key].(map[string]any); ok {
				return v
			}
			return nil
		}
	}
	return nil
}

// LastReviewScored returns the payload of the most recent review.scored
// event, or nil if none was recorded.
func LastReviewScored(events []*envelope.Envelope) map[string]any {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == "review.scored" {
			return events[i].Payload
		}
	}
	return nil
}
