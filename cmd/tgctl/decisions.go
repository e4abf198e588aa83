package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

func (c *cli) decisionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "decisions",
		Aliases: []string{"decision", "adr"},
		Short:   "Propose and decide architectural decisions",
	}
	cmd.AddCommand(
		c.decisionsListCmd(),
		c.decisionsGetCmd(),
		c.decisionsProposeCmd(),
		c.decisionsEditCmd(),
		c.decideCmd("accept", true),
		c.decideCmd("reject", false),
	)
	return cmd
}

func (c *cli) decisionsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := task.DecisionStatus(status)
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown decision status %q", status)
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			ds, err := cl.ListDecisions(ctx, st)
			if err != nil {
				return err
			}
			if ds == nil {
				ds = []*task.Decision{}
			}
			return c.print(ds, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tSTATUS\tBY\tDESCRIPTION")
				for _, d := range ds {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Status, orNone(d.DecidedBy), firstLine(d.Description))
				}
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (proposed, accepted, rejected)")
	return cmd
}

func (c *cli) decisionsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			d, err := cl.GetDecision(ctx, args[0])
			if err != nil {
				return err
			}
			return c.printDecision(d)
		},
	}
}

func (c *cli) decisionsProposeCmd() *cobra.Command {
	var description, reasoning string
	cmd := &cobra.Command{
		Use:   "propose ID",
		Short: "Record a proposed decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			d, err := cl.ProposeDecision(ctx, &task.Decision{
				ID:          args[0],
				Description: description,
				Reasoning:   reasoning,
				Status:      task.DecisionProposed,
			})
			if err != nil {
				return err
			}
			return c.printDecision(d)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "what is being decided")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "initial reasoning")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func (c *cli) decisionsEditCmd() *cobra.Command {
	var description, reasoning string
	cmd := &cobra.Command{
		Use:   "edit ID",
		Short: "Change a decision that is still proposed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			d, err := cl.GetDecision(ctx, args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("description") {
				d.Description = description
			}
			if cmd.Flags().Changed("reasoning") {
				d.Reasoning = reasoning
			}
			d, err = cl.EditDecision(ctx, d)
			if err != nil {
				return err
			}
			return c.printDecision(d)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "new reasoning")
	return cmd
}

func (c *cli) decideCmd(verb string, accept bool) *cobra.Command {
	var reasoning string
	cmd := &cobra.Command{
		Use:   verb + " ID",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a proposed decision as --owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			d, err := cl.Decide(ctx, args[0], accept, c.owner, reasoning)
			if err != nil {
				return err
			}
			return c.print(d, func(w io.Writer) {
				fmt.Fprintf(w, "Decision %s %s by %s\n", d.ID, d.Status, d.DecidedBy)
			})
		},
	}
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "reasoning for the decision")
	return cmd
}

func (c *cli) printDecision(d *task.Decision) error {
	return c.print(d, func(w io.Writer) {
		fmt.Fprintf(w, "ID:\t%s\n", d.ID)
		fmt.Fprintf(w, "Status:\t%s\n", d.Status)
		fmt.Fprintf(w, "Description:\t%s\n", d.Description)
		if d.Reasoning != "" {
			fmt.Fprintf(w, "Reasoning:\t%s\n", d.Reasoning)
		}
		if d.DecidedBy != "" {
			fmt.Fprintf(w, "Decided by:\t%s\n", d.DecidedBy)
		}
		fmt.Fprintf(w, "Updated:\t%s\n", d.UpdatedAt.Format(time.RFC3339))
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
