// ABOUTME: Entry point for the portal proxy running alongside the coding agent
// ABOUTME: Supervises agent sessions and relays their traffic to the server

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meawoppl/claude-code-portal-sub001/internal/config"
	"github.com/meawoppl/claude-code-portal-sub001/internal/proxy"
	"github.com/meawoppl/claude-code-portal-sub001/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "portal-proxy",
		Short:        "Relay proxy between local coding agents and the portal server",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

type runFlags struct {
	configPath string
	serverURL  string
	token      string
	workingDir string
	name       string
	logLevel   string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the proxy, restore saved sessions, and optionally spawn one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath(), "config file path")
	cmd.Flags().StringVar(&flags.serverURL, "server", "", "server websocket URL (overrides config)")
	cmd.Flags().StringVar(&flags.token, "token", "", "auth token (overrides config)")
	cmd.Flags().StringVarP(&flags.workingDir, "dir", "d", "", "spawn a session in this directory at startup")
	cmd.Flags().StringVarP(&flags.name, "name", "n", "", "display name for the spawned session")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug/info/warn/error)")
	return cmd
}

func defaultConfigPath() string {
	if envPath := os.Getenv("PORTAL_PROXY_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "proxy.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "portal", "proxy.yaml")
}

func runProxy(parent context.Context, flags *runFlags) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flags.serverURL != "" {
		cfg.Proxy.ServerURL = flags.serverURL
	}
	if flags.token != "" {
		cfg.Proxy.Token = flags.token
	}
	if err := cfg.ValidateProxy(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := setupLogger(flags.logLevel)

	// Session snapshots live in a small local database under the state dir.
	stateDir := cfg.Proxy.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(filepath.Dir(flags.configPath), "state")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	snaps, err := store.NewSQLiteStore(filepath.Join(stateDir, "proxy.db"))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer snaps.Close()

	manager := proxy.NewProcessManager(proxy.ManagerConfig{
		MaxSessions: cfg.Proxy.MaxSessions,
		AgentCmd:    cfg.Proxy.AgentCmd,
		AgentArgs:   cfg.Proxy.AgentArgs,
		Loop: proxy.LoopConfig{
			ServerURL:         cfg.Proxy.ServerURL,
			Token:             cfg.Proxy.Token,
			HeartbeatInterval: cfg.Relay.HeartbeatInterval,
			HeartbeatTimeout:  cfg.Relay.HeartbeatTimeout,
		},
		ClientVersion: version,
	}, snaps, logger)

	restored, err := manager.RestoreAll(ctx)
	if err != nil {
		logger.Error("restoring sessions", "error", err)
	} else if restored > 0 {
		logger.Info("restored sessions", "count", restored)
	}

	if flags.workingDir != "" {
		name := flags.name
		if name == "" {
			name = filepath.Base(flags.workingDir)
		}
		id, err := manager.Spawn(ctx, proxy.SpawnRequest{
			DisplayName: name,
			WorkingDir:  flags.workingDir,
		})
		if err != nil {
			return fmt.Errorf("spawning session: %w", err)
		}
		logger.Info("session spawned", "session_id", id, "name", name)
	}

	if manager.Count() == 0 {
		logger.Warn("no sessions running; pass --dir to spawn one")
	}

	logger.Info("proxy running", "server", cfg.Proxy.ServerURL, "max_sessions", cfg.Proxy.MaxSessions)
	<-ctx.Done()

	logger.Info("shutting down, saving session snapshots")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	manager.Shutdown(shutdownCtx)
	return nil
}

func setupLogger(levelName string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
