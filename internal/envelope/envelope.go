// Package envelope defines the Event Envelope — the canonical unit written
// to the Outbox — plus the redaction and validation rules applied at append
// time. Grounded on the original OutboxBus._redact/_validate_envelope.
package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/overhuman/overhuman/internal/kinderr"
)

const (
	// SchemaVersion is the fixed schema_ver stamped on every envelope.
	SchemaVersion = "v0"

	secretPrefix   = "sk-"
	secretMask     = "sk-***"
	truncateLimit  = 4096
	truncateHeadLen = 1024
	truncateTailLen = 256
	truncateMarker = "\n...[truncated]...\n"
)

// Envelope is one event record. Payload is a redacted, schema-validated
// JSON-ish value (map[string]any, []any, or a scalar) so heterogeneous
// event types can share one wire shape; components that need a typed view
// project it at their own boundary.
type Envelope struct {
	MsgID     string         `json:"msg_id"`
	TraceID   string         `json:"trace_id"`
	SchemaVer string         `json:"schema_ver"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`

	BudgetCtx map[string]any `json:"budget_ctx,omitempty"`
	Authz     *Authz         `json:"authz,omitempty"`
	Labels    map[string]any `json:"labels,omitempty"`
	Cost      *float64       `json:"cost,omitempty"`
}

// Authz carries capability tokens for an event.
type Authz struct {
	Caps []string `json:"caps"`
}

// AppendOpts are the optional fields an append() call may attach.
type AppendOpts struct {
	BudgetCtx map[string]any
	Authz     *Authz
	Labels    map[string]any
	Cost      *float64
}

// New builds a validated, redacted Envelope for (traceID, eventType, payload).
// It never returns a partially-redacted envelope: validation happens before
// redaction runs, and redaction is applied to a defensive copy.
func New(traceID, eventType string, payload map[string]any, opts AppendOpts) (*Envelope, error) {
	if err := validateOpts(opts); err != nil {
		return nil, err
	}

	env := &Envelope{
		MsgID:     uuid.NewString(),
		TraceID:   traceID,
		SchemaVer: SchemaVersion,
		TS:        time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Type:      eventType,
		Payload:   Redact(payload).(map[string]any),
		BudgetCtx: opts.BudgetCtx,
		Authz:     opts.Authz,
		Labels:    opts.Labels,
		Cost:      opts.Cost,
	}
	return env, nil
}

func validateOpts(opts AppendOpts) error {
	if opts.Authz != nil && opts.Authz.Caps == nil {
		return kinderr.New(kinderr.SchemaValidation, "envelope.validate", fmt.Errorf("authz.caps must be a list of strings"))
	}
	return nil
}

// Redact recursively masks secret-looking substrings and truncates
// over-long strings. Non-string leaves pass through unchanged. It is
// idempotent: redacting an already-redacted value is a no-op.
func Redact(v any) any {
	switch t := v.(type) {
	case string:
		return redactString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = Redact(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = Redact(vv)
		}
		return out
	default:
		return v
	}
}

func redactString(s string) string {
	s = maskSecrets(s)
	return truncateLong(s)
}

// maskSecrets replaces every "sk-" prefix with "sk-***", preserving the
// remainder of the token for debuggability (matches the Python bus's
// substring masking, not a full-token scrub).
func maskSecrets(s string) string {
	if !strings.Contains(s, secretPrefix) {
		return s
	}
	var b strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, secretPrefix)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		b.WriteString(secretMask)
		rest = rest[idx+len(secretPrefix):]
		// An already-masked token keeps a single mask.
		rest = strings.TrimPrefix(rest, secretMask[len(secretPrefix):])
	}
	return b.String()
}

func truncateLong(s string) string {
	if len(s) <= truncateLimit {
		return s
	}
	head := s[:truncateHeadLen]
	tail := s[len(s)-truncateTailLen:]
	return head + truncateMarker + tail
}
