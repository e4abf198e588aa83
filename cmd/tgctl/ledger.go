package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/monitor"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

func (c *cli) checkpointsCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "List ledger checkpoints in sequence order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			cps, err := cl.Checkpoints(ctx, after, limit)
			if err != nil {
				return err
			}
			if cps == nil {
				cps = []*checkpoint.Checkpoint{}
			}
			return c.print(cps, func(w io.Writer) {
				fmt.Fprintln(w, "SEQ\tCOMPLETED\tNEXT\tAT")
				for _, cp := range cps {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", cp.Seq, cp.LastTaskCompleted, orNone(cp.NextTask), cp.Timestamp.Format(time.RFC3339))
				}
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only checkpoints with a greater seq")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum checkpoints to return")
	cmd.AddCommand(c.checkpointLatestCmd())
	return cmd
}

func (c *cli) checkpointLatestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Show the most recent checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			cp, err := cl.Latest(ctx)
			if err != nil {
				return err
			}
			return c.print(cp, func(w io.Writer) {
				if cp == nil {
					fmt.Fprintln(w, "No task has completed yet")
					return
				}
				fmt.Fprintf(w, "Seq:\t%d\n", cp.Seq)
				fmt.Fprintf(w, "Completed:\t%s\n", cp.LastTaskCompleted)
				fmt.Fprintf(w, "Next:\t%s\n", orNone(cp.NextTask))
				fmt.Fprintf(w, "At:\t%s\n", cp.Timestamp.Format(time.RFC3339))
			})
		},
	}
}

func (c *cli) snapshotCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"export"},
		Short:   "Show or export a consistent view of the graph and ledger",
		Example: `  tgctl snapshot
  tgctl snapshot -o archive.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			snap, err := cl.Snapshot(ctx)
			if err != nil {
				return err
			}
			if output != "" {
				data, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode snapshot: %w", err)
				}
				if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
					return fmt.Errorf("failed to write snapshot: %w", err)
				}
				fmt.Fprintf(c.out, "Wrote %d tasks and %d checkpoints to %s\n", len(snap.Tasks), len(snap.Completed), output)
				return nil
			}
			return c.print(snap, func(w io.Writer) { writeSnapshot(w, snap) })
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the snapshot as JSON to this file")
	return cmd
}

func writeSnapshot(w io.Writer, snap *orchestrator.Snapshot) {
	stats := monitor.Summarize(snap, nil)
	fmt.Fprintf(w, "Taken:\t%s\n", snap.TakenAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Tasks:\t%d (%s)\n", stats.Total, monitor.FormatCounts(snap.Counts))
	fmt.Fprintf(w, "Progress:\t%s\n", monitor.FormatPercentage(stats.Progress()))
	if snap.Latest != nil {
		fmt.Fprintf(w, "Last completed:\t%s (seq %d)\n", snap.Latest.LastTaskCompleted, snap.Latest.Seq)
	} else {
		fmt.Fprintln(w, "Last completed:\tnone")
	}
	if snap.Next != nil {
		fmt.Fprintf(w, "Next:\t%s %s\n", snap.Next.ID, snap.Next.Title)
	} else {
		fmt.Fprintln(w, "Next:\tnone")
	}
	pending := 0
	for _, d := range snap.Decisions {
		if d.Status == task.DecisionProposed {
			pending++
		}
	}
	fmt.Fprintf(w, "Decisions:\t%d (%d proposed)\n", len(snap.Decisions), pending)
	for _, msg := range snap.Inconsistencies {
		fmt.Fprintf(w, "Inconsistent:\t%s\n", msg)
	}
}

func (c *cli) resumeCmd() *cobra.Command {
	var expected string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Orient a new session from the ledger",
		Long: `Resume reports the last completed task, the next task and the graph
counts. With --expect it also checks that the ledger's last completion matches
what the caller believes and reports a discontinuity if it does not.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			rec, err := cl.Resume(ctx, expected)
			if err != nil {
				return err
			}
			if err := c.print(rec, func(w io.Writer) {
				if d := rec.Discontinuity; d != nil {
					fmt.Fprintf(w, "DISCONTINUITY:\texpected %s, ledger has %s at seq %d\n", orNone(d.Expected), orNone(d.Actual), d.Seq)
				}
				fmt.Fprintf(w, "Session:\t%s\n", rec.Session.ID)
				writeSnapshot(w, rec.Snapshot)
				if names := completedTail(rec.Snapshot.Completed, 5); names != "" {
					fmt.Fprintf(w, "Recent:\t%s\n", names)
				}
			}); err != nil {
				return err
			}
			if rec.Discontinuity != nil {
				return rec.Discontinuity
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&expected, "expect", "", "task id you believe completed last")
	return cmd
}

func completedTail(ids []string, n int) string {
	if len(ids) > n {
		ids = ids[len(ids)-n:]
	}
	return strings.Join(ids, " → ")
}
