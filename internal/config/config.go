package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Agora.
type Config struct {
	DataPath string        `yaml:"data_path"`
	Storage  StorageConfig `yaml:"storage"`
	Server   ServerConfig  `yaml:"server"`
	Auth     AuthConfig    `yaml:"auth"`
	LLM      LLMConfig     `yaml:"llm"`
	Logging  LoggingConfig `yaml:"logging"`
	NewChat  NewChatConfig `yaml:"new_chat"`
	HITL     HITLConfig    `yaml:"hitl"`
	Skills   SkillsConfig  `yaml:"skills"`
}

type StorageConfig struct {
	// Type is one of "memory", "file", "sql".
	Type string `yaml:"type"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type AuthConfig struct {
	// Enabled gates JWT verification on the websocket endpoint.
	Enabled     bool          `yaml:"enabled"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Categories maps logger category names to levels. Missing categories
	// inherit from the nearest dotted ancestor, then from Level.
	Categories map[string]string `yaml:"categories"`
}

type NewChatConfig struct {
	MaxReusableAge     time.Duration `yaml:"max_reusable_age"`
	ReusableTitle      string        `yaml:"reusable_title"`
	EnableOptimization *bool         `yaml:"enable_optimization"`
}

type HITLConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type SkillsConfig struct {
	UserRoots    []string `yaml:"user_roots"`
	ProjectRoots []string `yaml:"project_roots"`
}

// Load reads and parses the configuration file, then layers environment
// variable overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg, os.Environ())
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
// Environment overrides still apply.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg, os.Environ())
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.DataPath == "" {
		cfg.DataPath = "./data"
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "file"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.NewChat.MaxReusableAge == 0 {
		cfg.NewChat.MaxReusableAge = 5 * time.Minute
	}
	if cfg.NewChat.ReusableTitle == "" {
		cfg.NewChat.ReusableTitle = "New Chat"
	}
	if cfg.NewChat.EnableOptimization == nil {
		enabled := true
		cfg.NewChat.EnableOptimization = &enabled
	}
	if cfg.HITL.DefaultTimeout == 0 {
		cfg.HITL.DefaultTimeout = 2 * time.Minute
	}
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "memory", "file", "sql":
	default:
		return fmt.Errorf("storage.type must be one of memory, file, sql; got %q", c.Storage.Type)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}
