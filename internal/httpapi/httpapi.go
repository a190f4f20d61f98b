// Package httpapi exposes the closed-loop runtime over HTTP (C14): intake,
// run enqueue, approval, episode fetch, an events WebSocket for both job
// and chat streams, MCP list/call, the workspace file API, and the
// scoreboard query surface. Route registration and the admin auth gate
// follow original_source/apps/server/main.py's route table and its
// _require_admin (token + optional IP allowlist + optional Basic Auth)
// helper; the WebSocket transport is grounded on the teacher's own
// internal/genui/ws.go (WSServer/WSMessage/OnMessage shape) with the
// hand-rolled RFC 6455 frame I/O swapped for github.com/gorilla/websocket,
// the library the rest of the example pack reaches for here.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/overhuman/overhuman/internal/chatstore"
	"github.com/overhuman/overhuman/internal/config"
	"github.com/overhuman/overhuman/internal/kinderr"
	"github.com/overhuman/overhuman/internal/llm"
	"github.com/overhuman/overhuman/internal/mcp"
	"github.com/overhuman/overhuman/internal/mcpagent"
	"github.com/overhuman/overhuman/internal/observability"
	"github.com/overhuman/overhuman/internal/outbox"
	"github.com/overhuman/overhuman/internal/pipeline"
	"github.com/overhuman/overhuman/internal/replay"
	"github.com/overhuman/overhuman/internal/scoreboard"
	"github.com/overhuman/overhuman/internal/security"
	"github.com/overhuman/overhuman/internal/workspace"
)

// PipelineRunner is the subset of *pipeline.Pipeline the Run enqueue
// handler dispatches to. A plain interface keeps the handler testable
// without a real Outbox/Registry wired up.
type PipelineRunner interface {
	Run(spec pipeline.TaskSpec, outPath string, impls pipeline.Impls) (*pipeline.RunResult, error)
}

// Server holds every dependency the HTTP surface dispatches to. All
// fields are optional except where a handler requires them; a nil
// dependency makes the handlers that need it respond with a typed error
// (ToolUnavailable for the pipeline and MCP registry, Forbidden for the
// workspace, NotFound for a missing episodes directory) rather than
// panicking.
type Server struct {
	Config    *config.Config
	Pipeline  PipelineRunner
	Replay    *replay.Engine
	Outbox    outbox.Outbox
	EpisodesDir string
	Registry  *mcp.Registry
	Workspace *workspace.Workspace
	ChatStore *chatstore.Store
	Agent     *mcpagent.Agent
	Provider  llm.ChatProvider
	SRSDir    string
	Scoreboard *scoreboard.Store
	Logger    *observability.Logger
	Audit      *security.AuditLogger
	ToolPolicy *security.ToolPolicy

	upgrader websocket.Upgrader
	broker   *Broker

	runsMu sync.Mutex
	runs   map[string]*runRecord
}

// NewServer builds a Server ready to have RegisterRoutes called on it.
// Audit defaults to an in-memory store and ToolPolicy to an unrestricted
// policy; callers wanting persistence or limits assign their own before
// RegisterRoutes.
func NewServer(cfg *config.Config) *Server {
	return &Server{
		Config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broker:     newBroker(),
		runs:       map[string]*runRecord{},
		Audit:      security.NewAuditLogger(security.NewMemoryAuditStore()),
		ToolPolicy: security.NewToolPolicy(),
	}
}

// RegisterRoutes wires every handler onto mux. Admin-sensitive routes
// (write, approve, MCP call, run enqueue) are wrapped with requireAdmin;
// read routes are only wrapped when security.protect_get is set, matching
// the teacher's own protect_get toggle.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/intake", s.maybeProtect(s.handleIntake))
	mux.HandleFunc("/api/run", s.requireAdmin(s.handleRunEnqueue))
	mux.HandleFunc("/api/approve", s.requireAdmin(s.handleApprove))
	mux.HandleFunc("/api/episode", s.maybeProtect(s.handleEpisodeFetch))

	mux.HandleFunc("/ws/jobs", s.handleJobEvents)
	mux.HandleFunc("/ws/chat", s.handleChatEvents)

	mux.HandleFunc("/api/mcp/list_tools", s.maybeProtect(s.handleMCPListTools))
	mux.HandleFunc("/api/mcp/call_tool", s.requireAdmin(s.handleMCPCallTool))

	mux.HandleFunc("/api/workspace/ls", s.maybeProtect(s.handleWorkspaceList))
	mux.HandleFunc("/api/workspace/read", s.maybeProtect(s.handleWorkspaceRead))
	mux.HandleFunc("/api/workspace/write", s.requireAdmin(s.handleWorkspaceWrite))

	mux.HandleFunc("/api/scoreboard/query", s.maybeProtect(s.handleScoreboardQuery))
}

// writeJSON marshals v and writes it with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a kinderr.Kind to its HTTP status, matching spec
// section 7's 400/401/403/404/500/502 mapping.
func writeError(w http.ResponseWriter, op string, err error) {
	kind := kinderr.KindOf(err)
	status := kinderr.HTTPStatus(kind)
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error(), "kind": string(kind), "op": op})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return kinderr.New(kinderr.SchemaValidation, "decodeJSON", err)
	}
	return nil
}

// maybeProtect gates a read route behind requireAdmin only when
// security.protect_get is configured, mirroring the teacher's toggle.
func (s *Server) maybeProtect(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Config != nil && s.Config.Security.ProtectGet {
			s.requireAdmin(next)(w, r)
			return
		}
		next(w, r)
	}
}

// requireAdmin implements the original's _require_admin: an optional IP
// allowlist (checked first, AND-composed with credentials), then an
// X-Admin-Token bearer check, then an optional Basic Auth fallback. If no
// credentials are configured at all, the route is left open.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Config == nil {
			next(w, r)
			return
		}
		sec := s.Config.Security
		host := clientHost(r)
		if len(sec.IPAllowlist) > 0 {
			if !contains(sec.IPAllowlist, host) {
				s.auditDenied(host, r.URL.Path, "ip not in allowlist")
				writeError(w, "auth", kinderr.New(kinderr.Forbidden, "requireAdmin", errForbiddenIP(host)))
				return
			}
		}
		if sec.AdminToken == "" && sec.BasicAuth == "" {
			next(w, r)
			return
		}
		if sec.AdminToken != "" && r.Header.Get("X-Admin-Token") == sec.AdminToken {
			s.auditAttempt(host, r.URL.Path)
			next(w, r)
			return
		}
		if sec.BasicAuth != "" {
			user, pass, ok := r.BasicAuth()
			parts := strings.SplitN(sec.BasicAuth, ":", 2)
			if ok && len(parts) == 2 && user == parts[0] && pass == parts[1] {
				s.auditAttempt(host, r.URL.Path)
				next(w, r)
				return
			}
		}
		s.auditDenied(host, r.URL.Path, "bad or missing credentials")
		writeError(w, "auth", kinderr.New(kinderr.Forbidden, "requireAdmin", errUnauthorized{}))
	}
}

// callerOf derives a caller identity for audit logging and tool-call policy
// keying: the Basic Auth user if present, "admin" for a token-authenticated
// caller, else "anonymous".
func callerOf(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok {
		return user
	}
	if tok := r.Header.Get("X-Admin-Token"); tok != "" {
		return "admin"
	}
	return "anonymous"
}

func clientHost(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

type errForbiddenIP string

func (e errForbiddenIP) Error() string { return "client ip not in allowlist: " + string(e) }

type errUnauthorized struct{}

func (errUnauthorized) Error() string { return "unauthorized" }

func (s *Server) auditAttempt(host, path string) {
	if s.Audit == nil {
		return
	}
	s.Audit.Log(security.AuditAuthAttempt, security.SeverityInfo, "", host, "admin_auth", path, true, nil)
}

func (s *Server) auditDenied(host, path, reason string) {
	if s.Audit == nil {
		return
	}
	s.Audit.Log(security.AuditAuthDenied, security.SeverityWarn, "", host, "admin_auth", path, false, map[string]string{"reason": reason})
}
