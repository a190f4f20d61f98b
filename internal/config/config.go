// Package config loads the AgentOS JSON configuration, merging it over a set
// of built-in defaults the way the original Python loader did with its
// DEFAULTS dict and shallow recursive merge.
package config

import (
	"encoding/json"
	"os"
)

// Temperatures holds per-role sampling temperatures.
type Temperatures struct {
	Planner  float64 `json:"planner"`
	Executor float64 `json:"executor"`
	Critic   float64 `json:"critic"`
	Reviser  float64 `json:"reviser"`
}

// Defaults names the default role implementation for each of the four roles.
type Defaults struct {
	Planner  string `json:"planner"`
	Executor string `json:"executor"`
	Critic   string `json:"critic"`
	Reviser  string `json:"reviser"`
}

// LLMConfig configures the provider router and sampling behavior.
type LLMConfig struct {
	Provider    string       `json:"provider"`
	BaseURL     string       `json:"base_url"`
	Model       string       `json:"model"`
	Temperature Temperatures `json:"temperature"`
	MaxRows     int          `json:"max_rows"`
	Retries     int          `json:"retries"`
}

// RiskConfig gates skill verification and code-generation behavior.
type RiskConfig struct {
	CheckSkills            bool   `json:"check_skills"`
	CodegenMode            string `json:"codegen_mode"`
	CapabilityTokenRequired bool  `json:"capability_token_required"`
}

// OutboxConfig selects the Outbox backend.
type OutboxConfig struct {
	Backend    string `json:"backend"` // "json" | "sqlite"
	SQLitePath string `json:"sqlite_path"`
}

// MCPServerConfig describes one configured MCP server.
type MCPServerConfig struct {
	ID        string   `json:"id"`
	Transport string   `json:"transport"` // "stdio" | "streamable-http"
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// MCPConfig configures the MCP tool agent's server pool and behavior.
type MCPConfig struct {
	Servers      []MCPServerConfig `json:"servers"`
	RequireRemote bool             `json:"require_remote"`
	CacheTTLSec  float64           `json:"cache_ttl_sec"`
}

// AgentConfig tunes the bounded ReAct loop.
type AgentConfig struct {
	AutoProceed bool `json:"auto_proceed"`
	ReactLoops  int  `json:"react_loops"`
}

// WorkspaceConfig constrains the workspace file API.
type WorkspaceConfig struct {
	Root            string   `json:"root"`
	AllowSuffixes   []string `json:"allow_suffixes"`
	MaxReadSizeKB   int      `json:"max_read_size_kb"`
	MaxWriteSizeKB  int      `json:"max_write_size_kb"`
}

// SecurityConfig gates admin-sensitive HTTP routes and MCP tool calls.
type SecurityConfig struct {
	AdminToken  string   `json:"admin_token"`
	IPAllowlist []string `json:"ip_allowlist"`
	BasicAuth   string   `json:"basic_auth"` // "user:pass", empty disables
	ProtectGet  bool     `json:"protect_get"`

	MaxConcurrentToolCalls int      `json:"max_concurrent_tool_calls"` // 0 = unlimited
	ForbiddenTools         []string `json:"forbidden_tools"`
	ApprovalTools          []string `json:"approval_tools"` // tools that always need a prior guardian.approval event
}

// ScoreboardConfig points at the episode corpus to project.
type ScoreboardConfig struct {
	EpisodesDir string `json:"episodes_dir"`
}

// PromptsConfig points at the prompt template directory.
type PromptsConfig struct {
	Dir string `json:"dir"`
}

// Config is the fully merged configuration.
type Config struct {
	Defaults   Defaults         `json:"defaults"`
	LLM        LLMConfig        `json:"llm"`
	Risk       RiskConfig       `json:"risk"`
	Scoreboard ScoreboardConfig `json:"scoreboard"`
	Prompts    PromptsConfig    `json:"prompts"`
	Outbox     OutboxConfig     `json:"outbox"`
	MCP        MCPConfig        `json:"mcp"`
	Agent      AgentConfig      `json:"agent"`
	Workspace  WorkspaceConfig  `json:"workspace"`
	Security   SecurityConfig   `json:"security"`
}

// defaultConfig mirrors packages/config/loader.py's DEFAULTS dict.
func defaultConfig() Config {
	return Config{
		Defaults: Defaults{Planner: "llm", Executor: "llm", Critic: "llm", Reviser: "llm"},
		LLM: LLMConfig{
			Provider: "openrouter",
			BaseURL:  "https://openrouter.ai/api/v1",
			Model:    "qwen/qwen3-next-80b-a3b-thinking",
			Temperature: Temperatures{
				Planner: 0.2, Executor: 0.6, Critic: 0.0, Reviser: 0.4,
			},
			MaxRows: 80,
			Retries: 1,
		},
		Risk:       RiskConfig{CheckSkills: true, CodegenMode: "disabled", CapabilityTokenRequired: true},
		Scoreboard: ScoreboardConfig{EpisodesDir: "episodes"},
		Prompts:    PromptsConfig{Dir: "packages/prompts"},
		Outbox:     OutboxConfig{Backend: "json", SQLitePath: "episodes.db"},
		MCP:        MCPConfig{CacheTTLSec: 180.0},
		Agent:      AgentConfig{AutoProceed: true, ReactLoops: 2},
		Workspace: WorkspaceConfig{
			AllowSuffixes:  []string{".md", ".txt", ".json", ".yaml", ".yml", ".py", ".csv"},
			MaxReadSizeKB:  512,
			MaxWriteSizeKB: 512,
		},
	}
}

// Load reads path (default "config.json") and merges it over the built-in
// defaults. A missing file is not an error; Load just returns the defaults.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = "config.json"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	// Decode onto a raw map first so we can tell which fields the file
	// actually set (an explicit false/0 must override the default, but an
	// absent key must not clobber it) — same shallow-merge semantics as the
	// Python loader's recursive dict merge.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, err
	}

	merge(&cfg, raw)
	return cfg, nil
}

func merge(cfg *Config, raw map[string]json.RawMessage) {
	if v, ok := raw["defaults"]; ok {
		_ = json.Unmarshal(v, &cfg.Defaults)
	}
	if v, ok := raw["llm"]; ok {
		mergeLLM(&cfg.LLM, v)
	}
	if v, ok := raw["risk"]; ok {
		_ = json.Unmarshal(v, &cfg.Risk)
	}
	if v, ok := raw["scoreboard"]; ok {
		_ = json.Unmarshal(v, &cfg.Scoreboard)
	}
	if v, ok := raw["prompts"]; ok {
		_ = json.Unmarshal(v, &cfg.Prompts)
	}
	if v, ok := raw["outbox"]; ok {
		_ = json.Unmarshal(v, &cfg.Outbox)
	}
	if v, ok := raw["mcp"]; ok {
		_ = json.Unmarshal(v, &cfg.MCP)
	}
	if v, ok := raw["agent"]; ok {
		_ = json.Unmarshal(v, &cfg.Agent)
	}
	if v, ok := raw["workspace"]; ok {
		_ = json.Unmarshal(v, &cfg.Workspace)
	}
	if v, ok := raw["security"]; ok {
		_ = json.Unmarshal(v, &cfg.Security)
	}
}

func mergeLLM(llm *LLMConfig, v json.RawMessage) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(v, &raw); err != nil {
		return
	}
	if t, ok := raw["temperature"]; ok {
		_ = json.Unmarshal(t, &llm.Temperature)
		delete(raw, "temperature")
	}
	rest, _ := json.Marshal(raw)
	_ = json.Unmarshal(rest, llm)
}
