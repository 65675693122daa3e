// Package main provides the admadc binary entry point.
// Admadc is an autonomous multi-agent pipeline that turns a natural-language
// prompt into reviewed, security-scanned code behind a human approval gate.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/admadc/admadc/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "admadc"
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
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Autonomous multi-agent code production pipeline",
		Long: `Admadc coordinates planner, developer, QA, security, replanner,
gateway, and source-control agents over a durable event bus.

A prompt submitted to the gateway becomes a plan, the plan becomes tasks,
tasks become code, code passes QA review and a security scan, and a human
approves the result before a pull request is opened.

All agents communicate via NATS JetStream; a single binary can run every
service or any subset of them.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(planCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:       "serve [service...]",
		Short:     "Run pipeline services (all of them by default)",
		ValidArgs: serviceNames,
		Args:      cobra.OnlyValidArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			return runServe(*configPath, *logLevel, args)
		},
	}
}

func runServe(configPath, logLevel string, services []string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, logger, services)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		app.Shutdown(5 * time.Second)
		return err
	}

	logger.Info("Admadc ready", "version", Version)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	app.Shutdown(30 * time.Second)
	return nil
}

func planCmd() *cobra.Command {
	var (
		gatewayURL string
		project    string
		repoURL    string
	)

	cmd := &cobra.Command{
		Use:   "plan <prompt>",
		Short: "Submit a prompt to a running gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return submitPlan(gatewayURL, strings.Join(args, " "), project, repoURL)
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "gateway", "http://localhost:8080", "Gateway base URL")
	cmd.Flags().StringVar(&project, "project", "default", "Project name")
	cmd.Flags().StringVar(&repoURL, "repo", "", "Target repository URL")
	return cmd
}

func submitPlan(gatewayURL, prompt, project, repoURL string) error {
	body, err := json.Marshal(map[string]string{
		"prompt":       prompt,
		"project_name": project,
		"repo_url":     repoURL,
	})
	if err != nil {
		return fmt.Errorf("encode plan request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(
		strings.TrimRight(gatewayURL, "/")+"/api/plan",
		"application/json",
		bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		fmt.Println(string(payload))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves configuration. An explicit --config file wins outright;
// otherwise the layered loader walks defaults, the user config, and any
// admadc.yaml found upward from the working directory.
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath == "" {
		cfg, err := config.NewLoader(logger).Load()
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
