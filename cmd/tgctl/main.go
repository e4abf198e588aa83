// Package main implements tgctl, the command-line client for taskgraphd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgraph/internal/client"
)

var version = "dev"

// cli carries the global flags shared by every command.
type cli struct {
	server  string
	timeout time.Duration
	json    bool
	owner   string

	out io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:   "tgctl",
		Short: "CLI for the taskgraph daemon",
		Long: `tgctl talks to a running taskgraphd over its HTTP API.

It submits and transitions tasks, reads the checkpoint ledger, manages
architectural decisions, invokes auditors and shows a live task board.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	defaultServer := os.Getenv("TASKGRAPH_URL")
	if defaultServer == "" {
		defaultServer = client.DefaultURL
	}
	defaultOwner := os.Getenv("TASKGRAPH_OWNER")
	if defaultOwner == "" {
		defaultOwner = defaultOwnerName()
	}
	root.PersistentFlags().StringVar(&c.server, "server", defaultServer, "taskgraphd URL (env TASKGRAPH_URL)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&c.json, "json", false, "print JSON instead of tables")
	root.PersistentFlags().StringVar(&c.owner, "owner", defaultOwner, "lease owner (env TASKGRAPH_OWNER)")

	root.AddCommand(
		c.healthCmd(),
		c.tasksCmd(),
		c.nextCmd(),
		c.readyCmd(),
		c.leaseCmd(),
		c.checkpointsCmd(),
		c.snapshotCmd(),
		c.resumeCmd(),
		c.decisionsCmd(),
		c.auditCmd(),
		c.planCmd(),
		c.boardCmd(),
		c.watchCmd(),
	)
	return root
}

func defaultOwnerName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "tgctl"
}

func (c *cli) client() (*client.Client, error) {
	return client.New(c.server, c.timeout)
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}

// printJSON writes v indented.
func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// print writes v as JSON when --json is set, otherwise calls text.
func (c *cli) print(v any, text func(w io.Writer)) error {
	if c.json {
		return c.printJSON(v)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check taskgraphd health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			h, err := cl.Health(ctx)
			if err != nil {
				return err
			}
			return c.print(h, func(w io.Writer) {
				fmt.Fprintf(w, "Status:\t%s\n", h.Status)
				fmt.Fprintf(w, "Session:\t%s\n", h.Session)
				if h.Telemetry != nil {
					state := "healthy"
					if !h.Telemetry.Healthy {
						state = "unhealthy"
					}
					if h.Telemetry.Degraded {
						state = "degraded: " + h.Telemetry.Reason
					}
					fmt.Fprintf(w, "Telemetry:\t%s\n", state)
				}
			})
		},
	}
}
