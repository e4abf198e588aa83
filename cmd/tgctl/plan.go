package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgraph/internal/plan"
)

func (c *cli) planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate and import plan files",
	}
	cmd.AddCommand(c.planValidateCmd(), c.planImportCmd())
	return cmd
}

func (c *cli) planValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a plan file against the schema without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			return c.print(p, func(w io.Writer) {
				fmt.Fprintf(w, "%s is valid: %d tasks, %d decisions\n", args[0], len(p.Tasks), len(p.Decisions))
			})
		},
	}
}

func (c *cli) planImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Create or update the plan's tasks and decisions",
		Long: `Import creates missing tasks and decisions and updates todo tasks whose
definition changed. Tasks that already left todo are reported as skipped.
Importing the same file twice changes nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			res, err := plan.NewImporter(cl, nil).ImportFile(ctx, args[0])
			if err != nil {
				return err
			}
			return c.print(res, func(w io.Writer) {
				row := func(label string, ids []string) {
					if len(ids) > 0 {
						fmt.Fprintf(w, "%s:\t%d\t%s\n", label, len(ids), strings.Join(ids, ", "))
					}
				}
				row("Created", res.Created)
				row("Updated", res.Updated)
				row("Unchanged", res.Unchanged)
				row("Skipped", res.Skipped)
				row("Decisions proposed", res.DecisionsProposed)
				row("Decisions updated", res.DecisionsUpdated)
			})
		},
	}
}
