package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "data_path: /tmp/agora\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataPath != "/tmp/agora" {
		t.Errorf("DataPath = %q", cfg.DataPath)
	}
	if cfg.Storage.Type != "file" {
		t.Errorf("Storage.Type = %q, want file", cfg.Storage.Type)
	}
	if cfg.NewChat.MaxReusableAge != 5*time.Minute {
		t.Errorf("MaxReusableAge = %v, want 5m", cfg.NewChat.MaxReusableAge)
	}
	if cfg.NewChat.ReusableTitle != "New Chat" {
		t.Errorf("ReusableTitle = %q", cfg.NewChat.ReusableTitle)
	}
	if cfg.NewChat.EnableOptimization == nil || !*cfg.NewChat.EnableOptimization {
		t.Error("EnableOptimization should default to true")
	}
	if cfg.HITL.DefaultTimeout != 2*time.Minute {
		t.Errorf("HITL.DefaultTimeout = %v, want 2m", cfg.HITL.DefaultTimeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadParsesNestedSections(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: sql
new_chat:
  max_reusable_age: 90s
  reusable_title: Scratch
  enable_optimization: false
hitl:
  default_timeout: 30s
skills:
  user_roots: ["/home/u/.skills"]
  project_roots: ["./skills"]
logging:
  level: debug
  categories:
    agent.memory: warn
llm:
  default_provider: openai
  providers:
    openai:
      api_key: sk-test
      default_model: gpt-4o
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Type != "sql" {
		t.Errorf("Storage.Type = %q", cfg.Storage.Type)
	}
	if cfg.NewChat.MaxReusableAge != 90*time.Second {
		t.Errorf("MaxReusableAge = %v", cfg.NewChat.MaxReusableAge)
	}
	if *cfg.NewChat.EnableOptimization {
		t.Error("EnableOptimization should be false")
	}
	if cfg.HITL.DefaultTimeout != 30*time.Second {
		t.Errorf("HITL.DefaultTimeout = %v", cfg.HITL.DefaultTimeout)
	}
	if len(cfg.Skills.UserRoots) != 1 || cfg.Skills.UserRoots[0] != "/home/u/.skills" {
		t.Errorf("Skills.UserRoots = %v", cfg.Skills.UserRoots)
	}
	if cfg.Logging.Categories["agent.memory"] != "warn" {
		t.Errorf("Categories = %v", cfg.Logging.Categories)
	}
	if cfg.LLM.Providers["openai"].DefaultModel != "gpt-4o" {
		t.Errorf("Providers = %v", cfg.LLM.Providers)
	}
}

func TestLoadRejectsUnknownStorageType(t *testing.T) {
	path := writeConfig(t, "storage:\n  type: redis\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown storage type")
	}
}

func TestLoadRequiresJWTSecretWhenAuthEnabled(t *testing.T) {
	path := writeConfig(t, "auth:\n  enabled: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for enabled auth without secret")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := &Config{}
	applyEnv(cfg, []string{
		"DATA_PATH=/var/lib/agora",
		"STORAGE_TYPE=Memory",
		"LOG_LEVEL_GLOBAL=warn",
		"LOG_LEVEL_AGENT_MEMORY=debug",
		"NEW_CHAT_MAX_REUSABLE_AGE_MS=60000",
		"NEW_CHAT_REUSABLE_TITLE=Draft",
		"NEW_CHAT_ENABLE_OPTIMIZATION=false",
		"HITL_DEFAULT_TIMEOUT_MS=45000",
		"SKILLS_USER_ROOTS=/a, /b,",
		"UNRELATED=value",
	})
	applyDefaults(cfg)

	if cfg.DataPath != "/var/lib/agora" {
		t.Errorf("DataPath = %q", cfg.DataPath)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %q, want memory", cfg.Storage.Type)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Logging.Categories["AGENT_MEMORY"] != "debug" {
		t.Errorf("Categories = %v", cfg.Logging.Categories)
	}
	if cfg.NewChat.MaxReusableAge != time.Minute {
		t.Errorf("MaxReusableAge = %v", cfg.NewChat.MaxReusableAge)
	}
	if cfg.NewChat.ReusableTitle != "Draft" {
		t.Errorf("ReusableTitle = %q", cfg.NewChat.ReusableTitle)
	}
	if *cfg.NewChat.EnableOptimization {
		t.Error("EnableOptimization should be false")
	}
	if cfg.HITL.DefaultTimeout != 45*time.Second {
		t.Errorf("HITL.DefaultTimeout = %v", cfg.HITL.DefaultTimeout)
	}
	if len(cfg.Skills.UserRoots) != 2 || cfg.Skills.UserRoots[1] != "/b" {
		t.Errorf("Skills.UserRoots = %v", cfg.Skills.UserRoots)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "storage:\n  type: file\n")
	t.Setenv("STORAGE_TYPE", "memory")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %q, env should win over file", cfg.Storage.Type)
	}
}
