package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/overhuman/overhuman/internal/config"
	"github.com/overhuman/overhuman/internal/observability"
)

func TestLoadRuntimeConfigDefaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("AGENTOS_DATA", dataDir)
	t.Setenv("AGENTOS_CONFIG", "")
	t.Setenv("AGENTOS_API_ADDR", "")
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("LLM_BASE_URL", "")
	t.Setenv("LLM_MODEL", "")
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	rc, err := loadRuntimeConfig()
	if err != nil {
		t.Fatal(err)
	}
	if rc.DataDir != dataDir {
		t.Fatalf("DataDir = %q, want %q", rc.DataDir, dataDir)
	}
	if rc.APIAddr != "127.0.0.1:9090" {
		t.Fatalf("APIAddr = %q", rc.APIAddr)
	}
	if rc.LLMAPIKey != "" {
		t.Fatalf("expected no API key, got %q", rc.LLMAPIKey)
	}
	if rc.cfg.LLM.Provider != "openrouter" {
		t.Fatalf("expected default provider openrouter, got %q", rc.cfg.LLM.Provider)
	}
}

func TestLoadRuntimeConfigEnvOverrides(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("AGENTOS_DATA", dataDir)
	t.Setenv("AGENTOS_API_ADDR", "0.0.0.0:8080")
	t.Setenv("LLM_PROVIDER", "openrouter")
	t.Setenv("LLM_MODEL", "test-model")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("OPENROUTER_API_KEY", "")

	rc, err := loadRuntimeConfig()
	if err != nil {
		t.Fatal(err)
	}
	if rc.APIAddr != "0.0.0.0:8080" {
		t.Fatalf("APIAddr = %q", rc.APIAddr)
	}
	if rc.cfg.LLM.Model != "test-model" {
		t.Fatalf("Model = %q", rc.cfg.LLM.Model)
	}
	if rc.LLMAPIKey != "sk-test" {
		t.Fatalf("LLMAPIKey = %q", rc.LLMAPIKey)
	}
}

func TestLoadRuntimeConfigOpenRouterFallbackKey(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("AGENTOS_DATA", dataDir)
	t.Setenv("LLM_PROVIDER", "openrouter")
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "sk-fallback")

	rc, err := loadRuntimeConfig()
	if err != nil {
		t.Fatal(err)
	}
	if rc.LLMAPIKey != "sk-fallback" {
		t.Fatalf("LLMAPIKey = %q, want fallback from OPENROUTER_API_KEY", rc.LLMAPIKey)
	}
}

func TestBuildOutboxDefaultsToFileBackend(t *testing.T) {
	dataDir := t.TempDir()
	ob, err := buildOutbox(config.OutboxConfig{}, dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if ob == nil {
		t.Fatal("expected a non-nil outbox")
	}
	if _, err := os.Stat(filepath.Join(dataDir, "episodes")); err != nil {
		t.Fatalf("expected episodes dir to be created: %v", err)
	}
}

func TestBuildOutboxSQLiteBackend(t *testing.T) {
	dataDir := t.TempDir()
	ob, err := buildOutbox(config.OutboxConfig{Backend: "sqlite", SQLitePath: "custom.db"}, dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if ob == nil {
		t.Fatal("expected a non-nil outbox")
	}
	if _, err := os.Stat(filepath.Join(dataDir, "custom.db")); err != nil {
		t.Fatalf("expected sqlite file to be created: %v", err)
	}
}

func TestBootstrapWithoutAPIKeyUsesRuleBasedRolesOnly(t *testing.T) {
	dataDir := t.TempDir()
	rc := runtimeConfig{
		DataDir: dataDir,
		APIAddr: "127.0.0.1:0",
		cfg:     config.Config{},
	}
	logger := observability.NewLogger("test", io.Discard)
	srv, err := bootstrap(rc, logger)
	if err != nil {
		t.Fatal(err)
	}
	if srv.Provider != nil {
		t.Fatal("expected no LLM provider without an API key")
	}
	if srv.Pipeline == nil {
		t.Fatal("expected a pipeline to be wired regardless of LLM availability")
	}
	if srv.scheduler == nil {
		t.Fatal("expected a scheduler to be wired")
	}
}
