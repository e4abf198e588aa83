package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgraph/internal/events"
	"github.com/fyrsmithlabs/taskgraph/internal/monitor"
)

func (c *cli) boardCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Live task board",
		Long: `Board polls taskgraphd and shows progress, the ledger head, ready and
doing tasks, and anything blocked or escalated. Press q to quit, r to refresh.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			p := tea.NewProgram(monitor.NewModel(cl, c.server, interval), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}

func (c *cli) watchCmd() *cobra.Command {
	var natsURL, prefix, token string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream task, checkpoint and decision events from NATS",
		Long: `Watch subscribes to the events taskgraphd publishes when events.enabled
is set, and prints one line per event until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := events.Connect(events.Config{
				Enabled: true,
				URL:     natsURL,
				Prefix:  prefix,
				Name:    "tgctl",
				Token:   token,
			}, nil)
			if err != nil {
				return err
			}
			defer nc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return events.Subscribe(ctx, nc, prefix, func(subject string, e events.Event) {
				if c.json {
					_ = c.printJSON(e)
					return
				}
				fmt.Fprintf(c.out, "%s %-24s %s\n", e.At.Format(time.RFC3339), subject, describeEvent(e))
			})
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", os.Getenv("TASKGRAPH_EVENTS_URL"), "NATS server URL (env TASKGRAPH_EVENTS_URL)")
	cmd.Flags().StringVar(&prefix, "prefix", events.DefaultPrefix, "subject prefix")
	cmd.Flags().StringVar(&token, "token", os.Getenv("TASKGRAPH_EVENTS_TOKEN"), "NATS auth token (env TASKGRAPH_EVENTS_TOKEN)")
	return cmd
}

func describeEvent(e events.Event) string {
	var s string
	switch {
	case e.Task != nil:
		s = fmt.Sprintf("%s %s %s", e.Task.ID, e.Task.Status, monitor.Truncate(e.Task.Title, 40))
	case e.Checkpoint != nil:
		s = fmt.Sprintf("seq %d completed %s next %s", e.Checkpoint.Seq, e.Checkpoint.LastTaskCompleted, orNone(e.Checkpoint.NextTask))
	case e.Decision != nil:
		s = fmt.Sprintf("%s %s", e.Decision.ID, e.Decision.Status)
	default:
		s = string(e.Type)
	}
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	return s
}
