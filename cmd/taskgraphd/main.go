// Taskgraphd is the taskgraph daemon.
//
// It owns the task graph and checkpoint ledger and serves them over an HTTP
// API, and optionally as MCP tools on stdio for a driving agent. It can also
// run an in-process worker pool and re-import a plan file when it changes.
//
// Usage:
//
//	# HTTP API on 127.0.0.1:8484 with the sqlite store
//	taskgraphd
//
//	# MCP tools on stdio (logs go to stderr)
//	taskgraphd --mcp
//
//	# Configure via file or environment
//	taskgraphd --config ~/.config/taskgraph/config.yaml
//	TASKGRAPH_STORE_DRIVER=memory taskgraphd
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgraph/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type flags struct {
	configPath string
	mcp        bool
	noHTTP     bool
	plan       string
	workers    bool
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "taskgraphd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "taskgraphd",
		Short:         "Dependency-aware task orchestration daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "config file (default ~/.config/taskgraph/config.yaml)")
	cmd.Flags().BoolVar(&f.mcp, "mcp", false, "serve MCP tools on stdio")
	cmd.Flags().BoolVar(&f.noHTTP, "no-http", false, "do not start the HTTP API")
	cmd.Flags().StringVar(&f.plan, "plan", "", "plan file to import at startup")
	cmd.Flags().BoolVar(&f.workers, "workers", false, "run the configured worker pool")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "taskgraphd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	})
	return cmd
}

// loadConfig layers flags over the file and environment.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("mcp") {
		cfg.Server.MCP = f.mcp
	}
	if f.plan != "" {
		cfg.Plan.Path = f.plan
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers.Enabled = f.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, f flags) error {
	d, err := newDaemon(ctx, cfg, daemonOptions{http: !f.noHTTP, logLevel: f.logLevel})
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Run(ctx)
}
