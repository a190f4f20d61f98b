// Package main is the entry point for the agentosd daemon: the offline-first
// AgentOS orchestration core exposed over HTTP (C14).
//
// Usage:
//
//	agentosd serve    — start the daemon (HTTP API + job scheduler)
//	agentosd status   — check a running daemon's health
//	agentosd version  — print version
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/overhuman/overhuman/internal/chatstore"
	"github.com/overhuman/overhuman/internal/config"
	"github.com/overhuman/overhuman/internal/httpapi"
	"github.com/overhuman/overhuman/internal/llm"
	"github.com/overhuman/overhuman/internal/mcp"
	"github.com/overhuman/overhuman/internal/mcpagent"
	"github.com/overhuman/overhuman/internal/observability"
	"github.com/overhuman/overhuman/internal/outbox"
	"github.com/overhuman/overhuman/internal/pipeline"
	"github.com/overhuman/overhuman/internal/replay"
	"github.com/overhuman/overhuman/internal/roles"
	"github.com/overhuman/overhuman/internal/scheduler"
	"github.com/overhuman/overhuman/internal/scoreboard"
	"github.com/overhuman/overhuman/internal/security"
	"github.com/overhuman/overhuman/internal/workspace"
)

const (
	version = "0.1.0"
	appName = "agentosd"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve", "start":
		runServe()
	case "status":
		runStatus()
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s — agent orchestration core daemon

Usage:
  %s <command>

Commands:
  serve    Start the daemon (HTTP API + job scheduler)
  status   Check a running daemon's health
  version  Print version

Environment variables (override config.json):
  AGENTOS_DATA        Data directory (default: ~/.agentos)
  AGENTOS_API_ADDR    API listen address (default: 127.0.0.1:9090)
  AGENTOS_CONFIG      Path to config.json (default: $AGENTOS_DATA/config.json)
  LLM_PROVIDER        Provider name (default: openrouter)
  LLM_BASE_URL        Provider base URL override
  LLM_MODEL           Default model override
  LLM_API_KEY         API key for the configured provider
  OPENROUTER_API_KEY  API key when LLM_PROVIDER=openrouter and LLM_API_KEY unset
`, appName, version, appName)
}

// runtimeConfig layers environment variables over the on-disk config,
// mirroring the teacher's loadConfig Layer-1/Layer-2 merge.
type runtimeConfig struct {
	DataDir   string
	APIAddr   string
	LLMAPIKey string
	cfg       config.Config
}

func loadRuntimeConfig() (runtimeConfig, error) {
	dataDir := os.Getenv("AGENTOS_DATA")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("determine home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".agentos")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return runtimeConfig{}, fmt.Errorf("create data dir: %w", err)
	}

	configPath := os.Getenv("AGENTOS_CONFIG")
	if configPath == "" {
		configPath = filepath.Join(dataDir, "config.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load config: %w", err)
	}

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" && cfg.LLM.Provider == "openrouter" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}

	apiAddr := os.Getenv("AGENTOS_API_ADDR")
	if apiAddr == "" {
		apiAddr = "127.0.0.1:9090"
	}

	if cfg.Scoreboard.EpisodesDir != "" && !filepath.IsAbs(cfg.Scoreboard.EpisodesDir) {
		cfg.Scoreboard.EpisodesDir = filepath.Join(dataDir, cfg.Scoreboard.EpisodesDir)
	}

	return runtimeConfig{DataDir: dataDir, APIAddr: apiAddr, LLMAPIKey: apiKey, cfg: cfg}, nil
}

func runServe() {
	rc, err := loadRuntimeConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := observability.NewLogger(appName, os.Stderr)

	srv, err := bootstrap(rc, logger)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok":true,"service":%q,"version":%q}`, appName, version)
	})

	httpServer := &http.Server{Addr: rc.APIAddr, Handler: mux}

	stopScheduler := make(chan struct{})
	if srv.scheduler != nil {
		go runSchedulerLoop(srv.scheduler, stopScheduler, logger)
	}

	go func() {
		logger.Info("listening", "addr", rc.APIAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", "error", err.Error())
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	close(stopScheduler)
	if srv.Registry != nil {
		srv.Registry.DisconnectAll()
	}
	if srv.ChatStore != nil {
		_ = srv.ChatStore.Close()
	}
}

// runSchedulerLoop polls for due jobs every tick until stop is closed,
// matching the teacher's own heartbeat-ticker shutdown pattern.
func runSchedulerLoop(s *scheduler.Scheduler, stop <-chan struct{}, logger *observability.Logger) {
	ticker := time.NewTicker(scheduler.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.ScanOnce(); err != nil {
				logger.Warn("scheduler scan failed", "error", err.Error())
			}
		}
	}
}

// daemonServer bundles httpapi.Server with the scheduler, which has no
// natural home on httpapi.Server since it runs independently of any HTTP
// request.
type daemonServer struct {
	*httpapi.Server
	scheduler *scheduler.Scheduler
}

// bootstrap wires every subsystem named in the package layout together:
// outbox, roles registry (rules + llm), pipeline, replay, MCP registry and
// agent, workspace, chatstore, scheduler, scoreboard, and the HTTP server
// that dispatches to all of them.
func bootstrap(rc runtimeConfig, logger *observability.Logger) (*daemonServer, error) {
	cfg := rc.cfg

	ob, err := buildOutbox(cfg.Outbox, rc.DataDir)
	if err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}

	reg := roles.New()
	roles.RegisterDefaults(reg)

	var provider llm.ChatProvider
	if rc.LLMAPIKey != "" {
		oc := llm.NewOpenRouterClient(rc.LLMAPIKey, cfg.LLM.BaseURL, cfg.LLM.Model)
		provider = oc
		roles.RegisterLLM(reg, provider, cfg.LLM.Retries)
		logger.Info("llm provider configured", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	} else {
		logger.Warn("no LLM API key configured; only rule-based roles are available")
	}

	pl := pipeline.New(reg, ob, logger)

	episodesDir := cfg.Scoreboard.EpisodesDir
	if episodesDir == "" {
		episodesDir = filepath.Join(rc.DataDir, "episodes")
	}
	if err := os.MkdirAll(episodesDir, 0o755); err != nil {
		return nil, fmt.Errorf("episodes dir: %w", err)
	}
	replayEngine := replay.New(episodesDir)

	registry := mcp.NewRegistry()
	for _, sc := range cfg.MCP.Servers {
		if sc.Transport != "" && sc.Transport != "stdio" {
			logger.Warn("skipping MCP server with unsupported transport", "server", sc.ID, "transport", sc.Transport)
			continue
		}
		registry.Add(mcp.ServerConfig{Name: sc.ID, Command: sc.Command, Args: sc.Args, AutoConnect: true})
	}

	wsRoot := cfg.Workspace.Root
	if wsRoot == "" {
		wsRoot = filepath.Join(rc.DataDir, "workspace")
	}
	if err := os.MkdirAll(wsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	ws := workspace.New(wsRoot)
	if len(cfg.Workspace.AllowSuffixes) > 0 {
		ws.AllowSuffixes = cfg.Workspace.AllowSuffixes
	}
	if cfg.Workspace.MaxReadSizeKB > 0 {
		ws.MaxReadBytes = int64(cfg.Workspace.MaxReadSizeKB) * 1024
	}
	if cfg.Workspace.MaxWriteSizeKB > 0 {
		ws.MaxWriteBytes = int64(cfg.Workspace.MaxWriteSizeKB) * 1024
	}

	var agent *mcpagent.Agent
	if provider != nil {
		agent = mcpagent.New(provider, registry, ws, ob, mcpagent.Config{
			LoopBudget:    cfg.Agent.ReactLoops,
			AutoProceed:   cfg.Agent.AutoProceed,
			RequireRemote: cfg.MCP.RequireRemote,
		})
	}

	store, err := chatstore.Open(filepath.Join(rc.DataDir, "chatstore.db"))
	if err != nil {
		return nil, fmt.Errorf("chatstore: %w", err)
	}

	runner := scheduler.NewInProcessRunner(pl, episodesDir)
	sched := scheduler.New(store, runner, logger)

	sb, err := scoreboard.OpenStore(filepath.Join(rc.DataDir, "scoreboard.db"))
	if err != nil {
		return nil, fmt.Errorf("scoreboard: %w", err)
	}

	httpSrv := httpapi.NewServer(&cfg)
	httpSrv.Pipeline = pl
	httpSrv.Replay = replayEngine
	httpSrv.Outbox = ob
	httpSrv.EpisodesDir = episodesDir
	httpSrv.Registry = registry
	httpSrv.Workspace = ws
	httpSrv.ChatStore = store
	httpSrv.Agent = agent
	httpSrv.Provider = provider
	httpSrv.SRSDir = filepath.Join(rc.DataDir, "srs")
	httpSrv.Scoreboard = sb
	httpSrv.Logger = logger
	httpSrv.Audit = security.NewAuditLogger(security.NewMemoryAuditStore())
	httpSrv.ToolPolicy = security.NewToolPolicy()

	if err := os.MkdirAll(httpSrv.SRSDir, 0o755); err != nil {
		return nil, fmt.Errorf("srs dir: %w", err)
	}

	return &daemonServer{Server: httpSrv, scheduler: sched}, nil
}

func buildOutbox(cfg config.OutboxConfig, dataDir string) (outbox.Outbox, error) {
	switch cfg.Backend {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(dataDir, "episodes.db")
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(dataDir, path)
		}
		return outbox.NewSQLiteOutbox(path)
	default:
		dir := filepath.Join(dataDir, "episodes")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return outbox.NewFileOutbox(dir), nil
	}
}

func runStatus() {
	rc, err := loadRuntimeConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + rc.APIAddr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon unreachable at %s: %v\n", rc.APIAddr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "daemon unhealthy: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Printf("%s is healthy at %s\n", appName, rc.APIAddr)
}
