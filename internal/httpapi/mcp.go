package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/overhuman/overhuman/internal/envelope"
	"github.com/overhuman/overhuman/internal/kinderr"
	"github.com/overhuman/overhuman/internal/security"
)

// MCPListToolsRequest is the wire request for POST /api/mcp/list_tools.
type MCPListToolsRequest struct {
	Server string `json:"server"`
}

func (s *Server) handleMCPListTools(w http.ResponseWriter, r *http.Request) {
	var req MCPListToolsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "mcp.list_tools", err)
		return
	}
	if s.Registry == nil {
		writeError(w, "mcp.list_tools", kinderr.New(kinderr.ToolUnavailable, "handleMCPListTools", errNoRegistry{}))
		return
	}
	if req.Server == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tools": s.Registry.AllTools()})
		return
	}
	entry := s.Registry.Get(req.Server)
	if entry == nil {
		writeError(w, "mcp.list_tools", kinderr.New(kinderr.NotFound, "handleMCPListTools", errUnknownServer(req.Server)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "server": req.Server, "tools": entry.Tools})
}

// MCPCallToolRequest is the wire request for POST /api/mcp/call_tool.
type MCPCallToolRequest struct {
	Server  string         `json:"server"`
	Tool    string         `json:"tool"`
	ArgsRaw json.RawMessage `json:"args_json"`
}

func (s *Server) handleMCPCallTool(w http.ResponseWriter, r *http.Request) {
	var req MCPCallToolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "mcp.call_tool", err)
		return
	}
	if s.Registry == nil {
		writeError(w, "mcp.call_tool", kinderr.New(kinderr.ToolUnavailable, "handleMCPCallTool", errNoRegistry{}))
		return
	}
	var args map[string]any
	if len(req.ArgsRaw) > 0 {
		if err := json.Unmarshal(req.ArgsRaw, &args); err != nil {
			writeError(w, "mcp.call_tool", kinderr.New(kinderr.SchemaValidation, "handleMCPCallTool", err))
			return
		}
	}

	caller := callerOf(r)
	if s.ToolPolicy != nil && s.Config != nil {
		sec := s.Config.Security
		if v := s.ToolPolicy.CheckCall(caller, sec.MaxConcurrentToolCalls, sec.ForbiddenTools, containsFold(sec.ApprovalTools, req.Tool), req.Tool); v != nil {
			if s.Audit != nil {
				s.Audit.Log(security.AuditToolDenied, security.SeverityWarn, "", caller, "mcp.call_tool", req.Tool, false, map[string]string{"rule": v.Rule, "details": v.Details})
			}
			writeError(w, "mcp.call_tool", kinderr.New(kinderr.Forbidden, "handleMCPCallTool", errPolicyViolation(v.Details)))
			return
		}
		s.ToolPolicy.AcquireCall(caller)
		defer s.ToolPolicy.ReleaseCall(caller)
	}

	var traceID string
	if s.Outbox != nil {
		traceID = s.Outbox.NewTrace("mcp:" + req.Tool)
		_ = s.Outbox.Append(traceID, "mcp.call.request", map[string]any{"server": req.Server, "tool": req.Tool, "args": args}, envelope.AppendOpts{})
	}

	result, err := s.Registry.CallTool(r.Context(), req.Server, req.Tool, args)
	if err != nil {
		if s.Outbox != nil {
			_ = s.Outbox.Append(traceID, "mcp.call.error", map[string]any{"error": err.Error()}, envelope.AppendOpts{})
		}
		if s.Audit != nil {
			s.Audit.LogError(security.AuditToolCall, traceID, caller, "mcp.call_tool", req.Tool, err.Error(), map[string]string{"server": req.Server})
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error(), "trace_id": traceID})
		return
	}
	if s.Outbox != nil {
		_ = s.Outbox.Append(traceID, "mcp.call.result", map[string]any{"result": result}, envelope.AppendOpts{})
	}
	if s.Audit != nil {
		s.Audit.Log(security.AuditToolCall, security.SeverityInfo, traceID, caller, "mcp.call_tool", req.Tool, true, map[string]string{"server": req.Server})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "server": req.Server, "tool": req.Tool, "result": result})
}

type errNoRegistry struct{}

func (errNoRegistry) Error() string { return "no MCP registry configured" }

type errUnknownServer string

func (e errUnknownServer) Error() string { return "unknown MCP server: " + string(e) }

type errPolicyViolation string

func (e errPolicyViolation) Error() string { return string(e) }

func containsFold(ss []string, s string) bool {
	for _, v := range ss {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
