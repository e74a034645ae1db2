// Package main provides the stageflow binary entry point.
// Stageflow is a workflow orchestration engine that drives multi-stage
// delivery workflows through agent task dispatch over NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/stageflow/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "stageflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		natsURL    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "stageflow",
		Short: "Workflow orchestration engine",
		Long: `Stageflow drives multi-stage delivery workflows by dispatching
tasks to typed agents over NATS and applying their results through a
compare-and-swap guarded state machine.

It provides:
- Dual-mode messaging: ephemeral broadcast plus durable consumer-group logs
- Per-platform workflow definitions with weighted progress tracking
- Stage timeout detection, bounded retries and a dead-letter log

Workflow state lives in JetStream key-value buckets; a single binary can
run fully self-contained on an embedded NATS server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, natsURL, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config; empty = embedded server)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, natsURL, logLevel string) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if natsURL != "" {
		cfg.NATS.URL = natsURL
		cfg.NATS.Embedded = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := NewApp(cfg, logger)
	if err := app.Start(ctx); err != nil {
		return err
	}

	logger.Info("Stageflow ready",
		"version", Version,
		"embedded_nats", cfg.NATS.Embedded,
		"metrics_addr", cfg.Metrics.Addr)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	cancel()
	app.Shutdown(10 * time.Second)
	return nil
}

// loadConfig resolves configuration: an explicit path wins, otherwise the
// layered loader (defaults, user config, project config) applies.
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.NewLoader(logger).Load()
}
