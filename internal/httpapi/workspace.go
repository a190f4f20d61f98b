package httpapi

import (
	"net/http"

	"github.com/overhuman/overhuman/internal/kinderr"
	"github.com/overhuman/overhuman/internal/security"
)

func (s *Server) handleWorkspaceList(w http.ResponseWriter, r *http.Request) {
	if s.Workspace == nil {
		writeError(w, "workspace.ls", kinderr.New(kinderr.Forbidden, "handleWorkspaceList", errNoWorkspace{}))
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	result, err := s.Workspace.List(path)
	if err != nil {
		writeError(w, "workspace.ls", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (s *Server) handleWorkspaceRead(w http.ResponseWriter, r *http.Request) {
	if s.Workspace == nil {
		writeError(w, "workspace.read", kinderr.New(kinderr.Forbidden, "handleWorkspaceRead", errNoWorkspace{}))
		return
	}
	path := r.URL.Query().Get("path")
	content, err := s.Workspace.Read(path)
	if err != nil {
		writeError(w, "workspace.read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": path, "content": content})
}

// WorkspaceWriteRequest is the wire request for POST /api/workspace/write.
type WorkspaceWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleWorkspaceWrite(w http.ResponseWriter, r *http.Request) {
	if s.Workspace == nil {
		writeError(w, "workspace.write", kinderr.New(kinderr.Forbidden, "handleWorkspaceWrite", errNoWorkspace{}))
		return
	}
	var req WorkspaceWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "workspace.write", err)
		return
	}
	principal := callerOf(r)
	if err := s.Workspace.Write(req.Path, req.Content, clientHost(r), principal); err != nil {
		if s.Audit != nil {
			s.Audit.LogError(security.AuditWorkspaceWrite, "", principal, "workspace.write", req.Path, err.Error(), nil)
		}
		writeError(w, "workspace.write", err)
		return
	}
	if s.Audit != nil {
		s.Audit.Log(security.AuditWorkspaceWrite, security.SeverityInfo, "", principal, "workspace.write", req.Path, true, nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": req.Path})
}

type errNoWorkspace struct{}

func (errNoWorkspace) Error() string { return "no workspace root configured" }
