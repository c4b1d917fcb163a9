// ABOUTME: Entry point for the OSXNT C2 session server.
// ABOUTME: Loads config, sets up structured logging, and runs the server until signalled.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/alzzmetth/Osxnt/internal/config"
	"github.com/alzzmetth/Osxnt/internal/server"
)

// Version is set at build time.
var version = "dev"

const banner = `
    ____   _____ __   __ _   _ _______
   / __ \ / ____|\ \ / /| \ | |__   __|
  | |  | | (___   \ V / |  \| |  | |
  | |  | |\___ \   > <  | . ` + "`" + ` |  | |
  | |__| |____) | / . \ | |\  |  | |
   \____/|_____/ /_/ \_\|_| \_|  |_|
`

const defaultConfig = `# OSXNT C2 server configuration
server:
  bind_addr: "0.0.0.0:8080"
  http_addr: "127.0.0.1:8081"

auth:
  password: "${OSXNT_PASSWORD}"

agents:
  read_timeout: 30s
  handshake_timeout: 10s
  sweep_interval: 30s
  inactive_threshold: 60s
  disconnect_threshold: 300s

history:
  path: "osxnt-history.db"

log:
  buffer_size: 1000

logging:
  level: info
  format: text
`

// getConfigPath returns the path to the server config file.
// Priority: OSXNT_CONFIG env var > XDG_CONFIG_HOME/osxnt/server.yaml > ~/.config/osxnt/server.yaml
func getConfigPath() string {
	if envPath := os.Getenv("OSXNT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "server.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "osxnt", "server.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: osxnt-c2 <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the C2 server")
		fmt.Println("  init     Write a starter config file")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	default:
		err = fmt.Errorf("unknown command: %s", os.Args[1])
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	color.Red(banner)
	color.Cyan("  OSXNT C2 server %s\n", version)
	fmt.Printf("  Listening : %s\n", cfg.Server.BindAddr)
	if cfg.Server.HTTPAddr != "" {
		fmt.Printf("  Stats     : http://%s/api/stats\n", cfg.Server.HTTPAddr)
	}
	fmt.Printf("  Password  : %s\n", strings.Repeat("*", len(cfg.Auth.Password)))
	fmt.Println()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.Green("Wrote starter config to %s", configPath)
	fmt.Println("Set OSXNT_PASSWORD (or edit auth.password) before serving.")
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
