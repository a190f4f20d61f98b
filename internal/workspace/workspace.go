// Package workspace implements the capability-constrained file API (C12):
// every request path is resolved against a configured root and rejected if
// it is not a descendant, a suffix allowlist and independent read/write
// size caps are enforced, and every successful write is appended to a
// JSON-lines audit log. Grounded on original_source/apps/server/main.py's
// _safe_path/_ws_cfg and api_ws_ls/api_ws_read/api_ws_write handlers.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/overhuman/overhuman/internal/kinderr"
)

// DefaultAllowSuffixes is the suffix allowlist used when no config
// overrides it.
var DefaultAllowSuffixes = []string{".md", ".txt", ".json", ".yaml", ".yml", ".py", ".csv"}

const defaultMaxSizeBytes = 512 * 1024

// FileInfo is one entry returned by List.
type FileInfo struct {
	Name  string `json:"name"`
	Size  int64  `json:"size,omitempty"`
	MTime string `json:"mtime,omitempty"`
}

// ListResult mirrors the api_ws_ls response shape.
type ListResult struct {
	Cwd   string     `json:"cwd"`
	Dirs  []string   `json:"dirs"`
	Files []FileInfo `json:"files"`
}

// AuditRecord is one JSON-lines entry appended on every successful write.
type AuditRecord struct {
	TS        string `json:"ts"`
	Path      string `json:"path"`
	ByteCount int64  `json:"byte_count"`
	ClientIP  string `json:"client_ip,omitempty"`
	Principal string `json:"principal,omitempty"`
}

// Workspace enforces root-containment, suffix allowlisting, and size caps
// over a single root directory.
type Workspace struct {
	Root           string
	AllowSuffixes  []string
	MaxReadBytes   int64
	MaxWriteBytes  int64
	AuditLogPath   string

	mu sync.Mutex
}

// New builds a Workspace rooted at root with the spec's defaults; override
// fields on the returned value to customize.
func New(root string) *Workspace {
	return &Workspace{
		Root:          root,
		AllowSuffixes: append([]string(nil), DefaultAllowSuffixes...),
		MaxReadBytes:  defaultMaxSizeBytes,
		MaxWriteBytes: defaultMaxSizeBytes,
		AuditLogPath:  filepath.Join(root, "..", "audit", "ws_writes.log"),
	}
}

// resolve implements _safe_path: join root+rel, make absolute, and reject
// anything whose canonical path is not root or a descendant of root.
func (w *Workspace) resolve(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return "", kinderr.New(kinderr.SchemaValidation, "workspace.resolve", err)
	}
	joined := filepath.Join(root, rel)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", kinderr.New(kinderr.SchemaValidation, "workspace.resolve", err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", kinderr.New(kinderr.Forbidden, "workspace.resolve", fmt.Errorf("path %q escapes root", rel))
	}
	return abs, nil
}

func (w *Workspace) suffixAllowed(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range w.AllowSuffixes {
		if strings.ToLower(s) == ext {
			return true
		}
	}
	return false
}

// List implements api_ws_ls: directories unconditionally, files filtered
// by the suffix allowlist.
func (w *Workspace) List(rel string) (*ListResult, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, kinderr.New(kinderr.SchemaValidation, "workspace.List", fmt.Errorf("not a directory: %s", rel))
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, kinderr.New(kinderr.SchemaValidation, "workspace.List", err)
	}

	var dirs []string
	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
			continue
		}
		if !w.suffixAllowed(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			files = append(files, FileInfo{Name: e.Name()})
			continue
		}
		files = append(files, FileInfo{
			Name:  e.Name(),
			Size:  fi.Size(),
			MTime: fi.ModTime().UTC().Format("2006-01-02T15:04:05.000Z"),
		})
	}
	sort.Strings(dirs)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	root, _ := filepath.Abs(w.Root)
	cwd, _ := filepath.Rel(root, abs)
	if cwd == "." {
		cwd = ""
	}
	return &ListResult{Cwd: cwd, Dirs: dirs, Files: files}, nil
}

// Read implements api_ws_read: suffix allowlist and read-size cap, then
// returns the file content as text.
func (w *Workspace) Read(rel string) (string, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", kinderr.New(kinderr.SchemaValidation, "workspace.Read", fmt.Errorf("not a file: %s", rel))
	}
	if !w.suffixAllowed(abs) {
		return "", kinderr.New(kinderr.Forbidden, "workspace.Read", fmt.Errorf("suffix not allowed: %s", rel))
	}
	maxBytes := w.MaxReadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxSizeBytes
	}
	if info.Size() > maxBytes {
		return "", kinderr.New(kinderr.SchemaValidation, "workspace.Read", fmt.Errorf("file too large (> %d bytes)", maxBytes))
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", kinderr.New(kinderr.SchemaValidation, "workspace.Read", err)
	}
	return string(data), nil
}

// Write implements api_ws_write: suffix allowlist, write-size cap,
// directory creation, and an audit record on success.
func (w *Workspace) Write(rel, content, clientIP, principal string) error {
	abs, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if !w.suffixAllowed(abs) {
		return kinderr.New(kinderr.Forbidden, "workspace.Write", fmt.Errorf("suffix not allowed: %s", rel))
	}
	maxBytes := w.MaxWriteBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxSizeBytes
	}
	byteCount := int64(len(content))
	if byteCount > maxBytes {
		return kinderr.New(kinderr.SchemaValidation, "workspace.Write", fmt.Errorf("content too large (> %d bytes)", maxBytes))
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return kinderr.New(kinderr.SchemaValidation, "workspace.Write", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return kinderr.New(kinderr.SchemaValidation, "workspace.Write", err)
	}

	root, _ := filepath.Abs(w.Root)
	relPath, _ := filepath.Rel(root, abs)
	return w.audit(AuditRecord{
		TS:        time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Path:      relPath,
		ByteCount: byteCount,
		ClientIP:  clientIP,
		Principal: principal,
	})
}

func (w *Workspace) audit(rec AuditRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.AuditLogPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.AuditLogPath), 0o755); err != nil {
		return kinderr.New(kinderr.SchemaValidation, "workspace.audit", err)
	}
	f, err := os.OpenFile(w.AuditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return kinderr.New(kinderr.SchemaValidation, "workspace.audit", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}
