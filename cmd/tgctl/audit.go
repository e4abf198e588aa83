package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgraph/internal/auditor"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
)

func (c *cli) auditCmd() *cobra.Command {
	var (
		taskID      string
		spawn       bool
		minSeverity string
	)
	cmd := &cobra.Command{
		Use:   "audit AUDITOR PATH...",
		Short: "Run a registered auditor over paths",
		Long: `Run a registered auditor over paths. With --task the findings are
attached to that task as notes. With --spawn every finding at or above
--min-severity becomes a new todo task.`,
		Example: `  tgctl audit semgrep ./internal --task api
  tgctl audit semgrep ./internal --spawn --min-severity high`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestrator.AuditRequest{
				Auditor: args[0],
				Scope:   auditor.Scope{TaskID: taskID, Paths: args[1:]},
				Spawn:   spawn,
			}
			if minSeverity != "" {
				sev, err := auditor.ParseSeverity(minSeverity)
				if err != nil {
					return err
				}
				req.MinSeverity = sev
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			res, err := cl.Audit(ctx, req)
			if err != nil {
				return err
			}
			return c.print(res, func(w io.Writer) {
				r := res.Report
				fmt.Fprintf(w, "%s reported %d findings in %s\n", r.Auditor, len(r.Findings), r.Duration)
				if len(r.Findings) > 0 {
					fmt.Fprintln(w, "SEVERITY\tCATEGORY\tLOCATION\tDESCRIPTION")
					for _, f := range r.Findings {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Severity, f.Category, f.Location, f.Description)
					}
				}
				for _, t := range res.Spawned {
					fmt.Fprintf(w, "Spawned\t%s\t%s\t%s\n", t.ID, t.Priority, t.Title)
				}
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task the audit is for")
	cmd.Flags().BoolVar(&spawn, "spawn", false, "create tasks from findings")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "lowest severity to spawn (default from server config)")
	return cmd
}
