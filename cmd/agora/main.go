// Package main provides the CLI entry point for the Agora multi-agent
// conversation runtime.
//
// Start the server:
//
//	agora serve --config agora.yaml
//
// Issue a connection token when auth is enabled:
//
//	agora token --config agora.yaml --subject alice
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agora/internal/agents"
	"github.com/haasonsaas/agora/internal/config"
	"github.com/haasonsaas/agora/internal/gateway"
	"github.com/haasonsaas/agora/internal/observability"
	"github.com/haasonsaas/agora/internal/providers"
	"github.com/haasonsaas/agora/internal/skills"
	"github.com/haasonsaas/agora/internal/storage"
	"github.com/haasonsaas/agora/internal/world"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agora",
		Short:        "Agora - multi-agent conversation runtime",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildSkillsCmd(),
	)
	return rootCmd
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist. An explicitly given path must exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the world runtime and websocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "agora.yaml", "Path to configuration file")
	return cmd
}

func runServe(cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Global:     cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		Format:     cfg.Logging.Format,
	})
	log := logger.Category("main")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	store, err := storage.New(storage.Type(cfg.Storage.Type), cfg.DataPath)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	providerSet, err := buildProviders(cfg)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	tools := agents.NewToolRegistry()
	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}
	if err := agents.RegisterBuiltins(tools, workDir); err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	managerCfg := world.ManagerConfig{
		Store:     store,
		Providers: providerSet,
		Tools:     tools,
		Logger:    logger,
		Metrics:   metrics,
		NewChat: world.NewChatPolicy{
			MaxReusableAge:     cfg.NewChat.MaxReusableAge,
			ReusableTitle:      cfg.NewChat.ReusableTitle,
			EnableOptimization: cfg.NewChat.EnableOptimization == nil || *cfg.NewChat.EnableOptimization,
		},
		HITLTimeout: cfg.HITL.DefaultTimeout,
	}
	if titleLLM, err := providerSet.Completion(""); err == nil {
		managerCfg.TitleLLM = titleLLM
	}
	manager := world.NewManager(managerCfg)

	skillRegistry := skills.NewRegistry()
	for _, err := range skillRegistry.Discover(cfg.Skills.UserRoots, cfg.Skills.ProjectRoots) {
		log.Warn(ctx, "skill discovery", "error", err)
	}

	server := gateway.NewServer(gateway.Config{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort)),
		Manager: manager,
		Skills:  skillRegistry,
		Auth:    authFromConfig(cfg),
		Logger:  logger,
		Metrics: metrics,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	log.Info(ctx, "agora started",
		"storage", cfg.Storage.Type, "data_path", cfg.DataPath,
		"skills", len(skillRegistry.List()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildProviders(cfg *config.Config) (*providers.Set, error) {
	options := make(map[string]providers.Options, len(cfg.LLM.Providers))
	for name, pc := range cfg.LLM.Providers {
		options[name] = providers.Options{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		}
	}
	return providers.NewSet(cfg.LLM.DefaultProvider, options)
}

func authFromConfig(cfg *config.Config) *gateway.JWTAuth {
	if !cfg.Auth.Enabled {
		return nil
	}
	return gateway.NewJWTAuth(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
}

func buildTokenCmd() *cobra.Command {
	var configPath, subject, name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed connection token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			auth := authFromConfig(cfg)
			if !auth.Enabled() {
				return errors.New("auth is not enabled in configuration")
			}
			token, err := auth.Generate(subject, name)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "agora.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (user id)")
	cmd.Flags().StringVar(&name, "name", "", "Display name embedded in the token")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func buildSkillsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "List discovered skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			registry := skills.NewRegistry()
			for _, err := range registry.Discover(cfg.Skills.UserRoots, cfg.Skills.ProjectRoots) {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			for _, skill := range registry.List() {
				fmt.Printf("%-24s %-8s %s\n", skill.Name, skill.Source, skill.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "agora.yaml", "Path to configuration file")
	return cmd
}
