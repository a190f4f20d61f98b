// Package mcpagent implements the bounded ReAct tool-calling agent (C10):
// it composes a system prompt from a cached MCP tool catalog (falling back
// to a local static one), drives a short LLM dialogue, dispatches any
// requested tool call through the MCP registry or a local fallback
// implementation, and emits a mini-trace of Outbox events for every call.
// Grounded on original_source/apps/server/mcp_host.py's fs.*/data.* tool
// domain and main.py's chat handler loop.
package mcpagent

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/overhuman/overhuman/internal/envelope"
	"github.com/overhuman/overhuman/internal/kinderr"
	"github.com/overhuman/overhuman/internal/llm"
	"github.com/overhuman/overhuman/internal/mcp"
	"github.com/overhuman/overhuman/internal/outbox"
	"github.com/overhuman/overhuman/internal/workspace"
)

// defaultCatalogTTL is how long a discovered tool catalog is cached before
// the registry is re-queried (spec §4.7 step 1).
const defaultCatalogTTL = 180 * time.Second

// defaultLoopBudget is the default number of ReAct iterations (spec §4.7
// step 4).
const defaultLoopBudget = 2

// observationTruncateLen bounds how much of a tool observation is appended
// to the message history (spec §4.7 step 4).
const observationTruncateLen = 1200

// toolAliases normalizes shorthand tool names before dispatch (spec §4.7
// step 3).
var toolAliases = map[string]string{
	"ls":         "fs.list_dir",
	"cat":        "fs.read_text",
	"list_files": "fs.list_dir",
}

// redactedArgKeys are substrings that, when found in a lower-cased arg key,
// mark its value for masking in any logged/previewed payload.
var redactedArgKeys = []string{"token", "key", "secret", "pwd", "password", "authorization", "api_key"}

// Catalog is one entry in the tool catalog shown to the LLM.
type Catalog struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// localStaticCatalog is used when MCP is unreachable and require_remote is
// false (spec §4.7 step 1).
var localStaticCatalog = []Catalog{
	{Name: "fs.list_dir", Description: "list a directory within the workspace root"},
	{Name: "fs.read_text", Description: "read a bounded text file within the workspace root"},
	{Name: "data.csv_head", Description: "read the first N lines of a CSV file"},
	{Name: "csv.clean", Description: "trim and drop empty rows from CSV data"},
	{Name: "stats.aggregate", Description: "compute a summary and top-N ranking over CSV rows"},
	{Name: "md.render", Description: "render a summary and top-N ranking into Markdown"},
}

// Config tunes the ReAct loop.
type Config struct {
	CatalogTTL    time.Duration
	LoopBudget    int
	AutoProceed   bool
	RequireRemote bool
}

func (c Config) withDefaults() Config {
	if c.CatalogTTL <= 0 {
		c.CatalogTTL = defaultCatalogTTL
	}
	if c.LoopBudget <= 0 {
		c.LoopBudget = defaultLoopBudget
	}
	return c
}

// TurnResult is what one RunTurn call returns to the chat surface.
type TurnResult struct {
	Reply        string         `json:"reply"`
	NextAction   map[string]any `json:"next_action,omitempty"`
	Observations []string       `json:"observations,omitempty"`
}

// Agent drives the bounded ReAct loop over an LLM provider, an MCP
// registry, and a workspace for local tool fallbacks.
type Agent struct {
	Provider  llm.ChatProvider
	Registry  *mcp.Registry
	Workspace *workspace.Workspace
	Outbox    outbox.Outbox
	Config    Config

	mu        sync.Mutex
	catalog   []Catalog
	catalogAt time.Time
}

// New builds an Agent. workspace and registry may be nil if the
// corresponding surface isn't wired; local fallback tools touching the
// workspace then return ToolUnavailable.
func New(provider llm.ChatProvider, registry *mcp.Registry, ws *workspace.Workspace, ob outbox.Outbox, cfg Config) *Agent {
	return &Agent{Provider: provider, Registry: registry, Workspace: ws, Outbox: ob, Config: cfg.withDefaults()}
}

// systemPrompt composes the catalog section of the system prompt (spec
// §4.7 step 1): the discovered tool catalog when MCP is reachable and
// fresh, otherwise the local static catalog.
func (a *Agent) systemPrompt(ctx context.Context) string {
	catalog := a.toolCatalog(ctx)
	var b strings.Builder
	b.WriteString("You are an AgentOS assistant with access to the following tools:\n")
	for _, c := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
	}
	b.WriteString("\nTo call a tool, reply with a JSON object containing " +
		"{\"action\":{\"type\":\"mcp_call\",\"tool\":\"<name>\",\"args\":{...}}}.\n")
	return b.String()
}

func (a *Agent) toolCatalog(ctx context.Context) []Catalog {
	a.mu.Lock()
	defer a.mu.Unlock()

	if time.Since(a.catalogAt) < a.Config.CatalogTTL && a.catalog != nil {
		return a.catalog
	}

	if a.Registry != nil {
		var discovered []Catalog
		for _, t := range a.Registry.FlatTools() {
			discovered = append(discovered, Catalog{Name: t.Name, Description: t.Description})
		}
		if len(discovered) > 0 {
			a.catalog = discovered
			a.catalogAt = time.Now()
			return a.catalog
		}
	}
	if a.Config.RequireRemote {
		return nil
	}
	a.catalog = localStaticCatalog
	a.catalogAt = time.Now()
	return a.catalog
}

// RunTurn drives up to Config.LoopBudget ReAct iterations for one user
// message, dispatching any requested tool call and folding the observation
// back into history before the next LLM call.
func (a *Agent) RunTurn(ctx context.Context, sessionID string, history []llm.Message, userMessage string) (*TurnResult, error) {
	messages := append([]llm.Message{{Role: "system", Content: a.systemPrompt(ctx)}}, history...)
	messages = append(messages, llm.Message{Role: "user", Content: userMessage})

	traceID := ""
	if a.Outbox != nil {
		traceID = a.Outbox.NewTrace("chat:" + sessionID)
	}

	var observations []string
	var lastReply string
	for i := 0; i < a.Config.LoopBudget; i++ {
		reply, _, err := a.Provider.ChatWithMeta(ctx, messages, 0.2, 1024, 1)
		if err != nil {
			return nil, err
		}
		lastReply = reply
		messages = append(messages, llm.Message{Role: "assistant", Content: reply})

		action, ok := parseMCPCall(reply)
		if !ok {
			break
		}

		tool, _ := action["tool"].(string)
		tool = normalizeAlias(tool)
		args, _ := action["args"].(map[string]any)

		observation, toolErr := a.dispatch(ctx, sessionID, traceID, tool, args)
		if toolErr != nil {
			observation = fmt.Sprintf("error: %v", toolErr)
		}
		observation = truncate(observation, observationTruncateLen)
		observations = append(observations, observation)
		messages = append(messages, llm.Message{Role: "user", Content: "Observation: " + observation})

		if !a.Config.AutoProceed {
			return a.analysisTurn(ctx, traceID, messages, observations)
		}
	}

	if traceID != "" && a.Outbox != nil {
		a.Outbox.Finalize(traceID, "success", map[string]any{"observations": len(observations)})
	}
	return &TurnResult{Reply: lastReply, Observations: observations}, nil
}

// analysisTurn runs the single follow-up LLM call that auto_proceed=false
// requires after one tool observation (spec §4.7 step 4): its text becomes
// the reply, and if it itself names another action, that action is
// surfaced as NextAction rather than dispatched.
func (a *Agent) analysisTurn(ctx context.Context, traceID string, messages []llm.Message, observations []string) (*TurnResult, error) {
	reply, _, err := a.Provider.ChatWithMeta(ctx, messages, 0.2, 1024, 1)
	if err != nil {
		return nil, err
	}
	result := &TurnResult{Reply: reply, Observations: observations}
	if action, ok := parseMCPCall(reply); ok {
		result.NextAction = action
	}
	if traceID != "" && a.Outbox != nil {
		a.Outbox.Finalize(traceID, "success", map[string]any{"observations": len(observations)})
	}
	return result, nil
}

func normalizeAlias(tool string) string {
	if alias, ok := toolAliases[tool]; ok {
		return alias
	}
	return tool
}

// parseMCPCall extracts an {"action":{"type":"mcp_call","tool":...,
// "args":...}} object from the LLM's reply, per spec §4.7 step 3.
func parseMCPCall(reply string) (map[string]any, bool) {
	parsed, err := llm.ExtractJSONBlock(reply)
	if err != nil {
		return nil, false
	}
	action, ok := parsed["action"].(map[string]any)
	if !ok {
		return nil, false
	}
	if t, _ := action["type"].(string); t != "mcp_call" {
		return nil, false
	}
	if _, ok := action["tool"].(string); !ok {
		return nil, false
	}
	return action, true
}

// dispatch executes tool with args, trying the MCP registry first and
// falling back to a local implementation on failure (unless RequireRemote
// is set), emitting the mini-trace of Outbox events around the call.
func (a *Agent) dispatch(ctx context.Context, sessionID, traceID, tool string, args map[string]any) (string, error) {
	if a.Outbox != nil && traceID != "" {
		a.Outbox.Append(traceID, "mcp.call.request", map[string]any{
			"tool": tool, "args": redactArgs(args),
		}, envelope.AppendOpts{Labels: map[string]any{"source": "chat", "session_id": sessionID}})
	}

	observation, err := a.callRemote(ctx, tool, args)
	if err != nil && !a.Config.RequireRemote {
		observation, err = a.callLocal(tool, args)
	}

	if a.Outbox != nil && traceID != "" {
		if err != nil {
			a.Outbox.Append(traceID, "mcp.call.error", map[string]any{
				"tool": tool, "error": err.Error(),
			}, envelope.AppendOpts{Labels: map[string]any{"source": "chat", "session_id": sessionID}})
		} else {
			a.Outbox.Append(traceID, "mcp.call.result", map[string]any{
				"tool": tool, "observation": truncate(observation, observationTruncateLen),
			}, envelope.AppendOpts{Labels: map[string]any{"source": "chat", "session_id": sessionID}})
		}
	}
	return observation, err
}

func (a *Agent) callRemote(ctx context.Context, tool string, args map[string]any) (string, error) {
	if a.Registry == nil {
		return "", kinderr.New(kinderr.ToolUnavailable, "mcpagent.callRemote", fmt.Errorf("no MCP registry configured"))
	}
	serverName, _, found := a.Registry.FindTool(tool)
	if !found {
		return "", kinderr.New(kinderr.ToolUnavailable, "mcpagent.callRemote", fmt.Errorf("tool %q not found on any connected server", tool))
	}
	result, err := a.Registry.CallTool(ctx, serverName, tool, args)
	if err != nil {
		return "", kinderr.New(kinderr.ToolUnavailable, "mcpagent.callRemote", err)
	}
	var b strings.Builder
	for _, block := range result.Content {
		b.WriteString(block.Text)
	}
	return b.String(), nil
}

// callLocal implements the fixed local fallback tool set: directory
// listing, bounded text read, CSV head, and the three leaf skills.
func (a *Agent) callLocal(tool string, args map[string]any) (string, error) {
	switch tool {
	case "fs.list_dir":
		if a.Workspace == nil {
			return "", kinderr.New(kinderr.ToolUnavailable, "mcpagent.callLocal", fmt.Errorf("no workspace configured"))
		}
		path, _ := args["path"].(string)
		result, err := a.Workspace.List(path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("dirs=%v files=%v", result.Dirs, result.Files), nil

	case "fs.read_text":
		if a.Workspace == nil {
			return "", kinderr.New(kinderr.ToolUnavailable, "mcpagent.callLocal", fmt.Errorf("no workspace configured"))
		}
		path, _ := args["path"].(string)
		return a.Workspace.Read(path)

	case "data.csv_head":
		path, _ := args["path"].(string)
		n := 50
		if v, ok := args["n"].(float64); ok {
			n = int(v)
		}
		return csvHead(path, n)

	case "csv.clean":
		return "", kinderr.New(kinderr.ToolUnavailable, "mcpagent.callLocal", fmt.Errorf("csv.clean requires structured row data, not a local text tool"))

	case "stats.aggregate", "md.render":
		return "", kinderr.New(kinderr.ToolUnavailable, "mcpagent.callLocal", fmt.Errorf("%s requires structured input, not a local text tool", tool))

	default:
		return "", kinderr.New(kinderr.ToolUnavailable, "mcpagent.callLocal", fmt.Errorf("no local fallback for tool %q", tool))
	}
}

func csvHead(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", kinderr.New(kinderr.NotFound, "mcpagent.csvHead", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var b strings.Builder
	for i := 0; i < n; i++ {
		record, err := r.Read()
		if err != nil {
			break
		}
		b.WriteString(strings.Join(record, ","))
		b.WriteString("\n")
	}
	return b.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}

// redactArgs masks values whose key matches a sensitive substring, for
// safe inclusion in logged/previewed payloads (spec §4.7, last paragraph).
func redactArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		lower := strings.ToLower(k)
		masked := false
		for _, needle := range redactedArgKeys {
			if strings.Contains(lower, needle) {
				masked = true
				break
			}
		}
		if masked {
			out[k] = "***"
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = truncate(s, 200)
			continue
		}
		out[k] = v
	}
	return out
}
