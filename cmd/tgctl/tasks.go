package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgraph/internal/client"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
)

func (c *cli) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task", "t"},
		Short:   "Submit, inspect and transition tasks",
	}
	cmd.AddCommand(
		c.tasksListCmd(),
		c.tasksGetCmd(),
		c.tasksAddCmd(),
		c.tasksUpdateCmd(),
		c.tasksStartCmd(),
		c.tasksVerifyCmd(),
		c.transitionCmd("block", "Park a doing task as blocked", true, (*client.Client).Block),
		c.transitionCmd("unblock", "Return a blocked task to todo", false, func(cl *client.Client, ctx context.Context, id, _, reason string) (*task.Task, error) {
			return cl.Unblock(ctx, id, reason)
		}),
		c.transitionCmd("skip", "Abandon a task permanently", true, (*client.Client).Skip),
		c.transitionCmd("release", "Give up the lease on a doing task", true, (*client.Client).Release),
		c.tasksNoteCmd(),
	)
	return cmd
}

func (c *cli) tasksListCmd() *cobra.Command {
	var statuses, priorities []string
	var tag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in scheduling order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := client.ListOptions{Tag: tag}
			for _, s := range statuses {
				st, err := task.ParseStatus(s)
				if err != nil {
					return err
				}
				opts.Statuses = append(opts.Statuses, st)
			}
			for _, s := range priorities {
				p, err := task.ParsePriority(s)
				if err != nil {
					return err
				}
				opts.Priorities = append(opts.Priorities, p)
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			tasks, err := cl.ListTasks(ctx, opts)
			if err != nil {
				return err
			}
			return c.printTasks(tasks)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (todo,doing,blocked,done,skipped)")
	cmd.Flags().StringSliceVar(&priorities, "priority", nil, "filter by priority (P0-P3)")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag")
	return cmd
}

func (c *cli) tasksGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one task with its notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			t, err := cl.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			return c.printTask(t)
		},
	}
}

// taskFlags are the definition fields shared by add and update.
type taskFlags struct {
	title, priority, deliverable string
	dependsOn, tags              []string
	verifyKind, verifyCommand    string
	criterion                    string
	expectExit, minTests         int
	estimate                     int
}

func (f *taskFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.title, "title", "", "task title")
	fl.StringVar(&f.priority, "priority", "P2", "priority P0 (most urgent) to P3")
	fl.StringVar(&f.deliverable, "deliverable", "", "artifact the task produces")
	fl.StringSliceVar(&f.dependsOn, "depends-on", nil, "ids of tasks that must be done first")
	fl.StringSliceVar(&f.tags, "tag", nil, "labels")
	fl.StringVar(&f.verifyKind, "verify-kind", string(task.VerifyCommand), "command, check or manual")
	fl.StringVar(&f.verifyCommand, "verify-command", "", "command whose exit status proves completion")
	fl.StringVar(&f.criterion, "criterion", "", "acceptance criterion for check and manual verification")
	fl.IntVar(&f.expectExit, "expect-exit", 0, "exit code that counts as a pass")
	fl.IntVar(&f.minTests, "min-tests", 0, "minimum passing tests for check verification")
	fl.IntVar(&f.estimate, "estimate", 0, "scope estimate")
}

// apply copies the flags that were set onto t. On create every flag applies.
func (f *taskFlags) apply(cmd *cobra.Command, t *task.Task, create bool) error {
	set := func(name string) bool { return create || cmd.Flags().Changed(name) }
	if set("title") {
		t.Title = f.title
	}
	if set("priority") {
		p, err := task.ParsePriority(f.priority)
		if err != nil {
			return err
		}
		t.Priority = p
	}
	if set("deliverable") {
		t.Deliverable = f.deliverable
	}
	if set("depends-on") {
		t.DependsOn = f.dependsOn
	}
	if set("tag") {
		t.Tags = f.tags
	}
	if set("verify-kind") {
		t.Verify.Kind = task.VerifyKind(f.verifyKind)
	}
	if set("verify-command") {
		t.Verify.Command = f.verifyCommand
	}
	if set("criterion") {
		t.Verify.Criterion = f.criterion
	}
	if set("expect-exit") {
		t.Verify.ExpectExitCode = f.expectExit
	}
	if set("min-tests") {
		t.Verify.MinTests = f.minTests
	}
	if set("estimate") {
		t.Estimate = f.estimate
	}
	return nil
}

func (c *cli) tasksAddCmd() *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "add ID",
		Short: "Create a task",
		Example: `  tgctl tasks add schema --title "write schema" --priority P1 --verify-command "make test"
  tgctl tasks add api --title "serve api" --depends-on schema --verify-command "go test ./api/..."`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := &task.Task{ID: args[0], Status: task.StatusTodo}
			if err := f.apply(cmd, t, true); err != nil {
				return err
			}
			return c.submit(cmd, t)
		},
	}
	f.register(cmd)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (c *cli) tasksUpdateCmd() *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change the definition of a todo task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			t, err := cl.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			if err := f.apply(cmd, t, false); err != nil {
				return err
			}
			return c.submit(cmd, t)
		},
	}
	f.register(cmd)
	return cmd
}

func (c *cli) submit(cmd *cobra.Command, t *task.Task) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	ctx, cancel := c.context(cmd)
	defer cancel()
	saved, err := cl.Submit(ctx, t)
	if err != nil {
		return err
	}
	return c.print(saved, func(w io.Writer) {
		fmt.Fprintf(w, "Task %s saved at version %d\n", saved.ID, saved.Version)
	})
}

func (c *cli) tasksStartCmd() *cobra.Command {
	var deliverable string
	cmd := &cobra.Command{
		Use:   "start ID",
		Short: "Lease a todo task whose dependencies are done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			t, err := cl.Start(ctx, args[0], c.owner, deliverable)
			if err != nil {
				return err
			}
			return c.print(t, func(w io.Writer) {
				fmt.Fprintf(w, "Task %s started by %s\n", t.ID, c.owner)
			})
		},
	}
	cmd.Flags().StringVar(&deliverable, "deliverable", "", "deliverable you intend to produce; must match the task's")
	return cmd
}

type verifyFlags struct {
	run                     bool
	command, output         string
	exitCode                int
	passed, failed, skipped int
	attest                  bool
	approve                 bool
	statement               string
	shell, dir              string
	runTimeout              time.Duration
}

// evidence builds evidence from the flags. --run executes the task's own
// verify command locally.
func (f *verifyFlags) evidence(cmd *cobra.Command, c *cli, t func() (*task.Task, error)) (verify.Evidence, error) {
	switch {
	case f.run:
		cur, err := t()
		if err != nil {
			return verify.Evidence{}, err
		}
		checker := &verify.CommandChecker{Shell: f.shell, Dir: f.dir, Timeout: f.runTimeout}
		return checker.Check(cmd.Context(), cur)
	case f.attest:
		return verify.Attestation(c.owner, f.approve, f.statement), nil
	case cmd.Flags().Changed("passed") || cmd.Flags().Changed("failed"):
		return verify.TestReport(f.passed, f.failed, f.skipped, f.output), nil
	case cmd.Flags().Changed("exit-code"):
		return verify.ExitStatus(f.command, f.exitCode, f.output), nil
	}
	return verify.Evidence{}, errors.New("evidence required: use --run, --exit-code, --passed/--failed or --attest")
}

func (c *cli) tasksVerifyCmd() *cobra.Command {
	var f verifyFlags
	cmd := &cobra.Command{
		Use:   "verify ID",
		Short: "Submit evidence for a doing task",
		Long: `Submit evidence for a doing task. A pass marks it done and appends a
checkpoint; a fail keeps it doing and counts an attempt.`,
		Example: `  tgctl tasks verify schema --run
  tgctl tasks verify schema --exit-code 0 --command "make test" --output "ok"
  tgctl tasks verify docs --attest --approve --statement "read every page"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ev, err := f.evidence(cmd, c, func() (*task.Task, error) {
				ctx, cancel := c.context(cmd)
				defer cancel()
				return cl.GetTask(ctx, args[0])
			})
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			res, err := cl.Verify(ctx, args[0], c.owner, ev)
			if err != nil {
				return err
			}
			if err := c.printVerdict(res); err != nil {
				return err
			}
			return res.Err()
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&f.run, "run", false, "run the task's verify command locally and submit the result")
	fl.StringVar(&f.shell, "shell", "", "shell for --run (default sh)")
	fl.StringVar(&f.dir, "dir", "", "working directory for --run")
	fl.DurationVar(&f.runTimeout, "run-timeout", 10*time.Minute, "timeout for --run")
	fl.StringVar(&f.command, "command", "", "command that produced the evidence")
	fl.IntVar(&f.exitCode, "exit-code", 0, "exit code of the command")
	fl.StringVar(&f.output, "output", "", "captured output")
	fl.IntVar(&f.passed, "passed", 0, "passed tests")
	fl.IntVar(&f.failed, "failed", 0, "failed tests")
	fl.IntVar(&f.skipped, "skipped", 0, "skipped tests")
	fl.BoolVar(&f.attest, "attest", false, "submit an attestation as --owner")
	fl.BoolVar(&f.approve, "approve", false, "approve in the attestation")
	fl.StringVar(&f.statement, "statement", "", "what the attestor checked")
	return cmd
}

func (c *cli) transitionCmd(name, short string, usesOwner bool, fn func(*client.Client, context.Context, string, string, string) (*task.Task, error)) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   name + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			owner := ""
			if usesOwner {
				owner = c.owner
			}
			t, err := fn(cl, ctx, args[0], owner, reason)
			if err != nil {
				return err
			}
			return c.print(t, func(w io.Writer) {
				fmt.Fprintf(w, "Task %s is %s\n", t.ID, t.Status)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why (recorded as a note)")
	return cmd
}

func (c *cli) tasksNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note ID TEXT...",
		Short: "Append a note to a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			t, err := cl.AddNote(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return c.print(t, func(w io.Writer) {
				fmt.Fprintf(w, "Task %s has %d notes\n", t.ID, len(t.Notes))
			})
		},
	}
}

func (c *cli) nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the task the scheduler recommends next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			t, err := cl.NextReady(ctx)
			if err != nil {
				return err
			}
			if t == nil {
				return c.print(nil, func(w io.Writer) { fmt.Fprintln(w, "No task is ready") })
			}
			return c.printTask(t)
		},
	}
}

func (c *cli) readyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List every ready task in scheduling order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			tasks, err := cl.Ready(ctx)
			if err != nil {
				return err
			}
			return c.printTasks(tasks)
		},
	}
}

func (c *cli) leaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lease",
		Short: "Start the highest ranked ready task as --owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			t, err := cl.Lease(ctx, c.owner)
			if err != nil {
				return err
			}
			if t == nil {
				return c.print(nil, func(w io.Writer) { fmt.Fprintln(w, "No task is ready") })
			}
			return c.printTask(t)
		},
	}
}

func (c *cli) printTasks(tasks []*task.Task) error {
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return c.print(tasks, func(w io.Writer) {
		fmt.Fprintln(w, "ID\tPRIORITY\tSTATUS\tTITLE\tDEPENDS ON")
		for _, t := range tasks {
			status := string(t.Status)
			if t.Escalated {
				status += " (escalated)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Priority, status, t.Title, strings.Join(t.DependsOn, ","))
		}
	})
}

func (c *cli) printTask(t *task.Task) error {
	return c.print(t, func(w io.Writer) {
		fmt.Fprintf(w, "ID:\t%s\n", t.ID)
		fmt.Fprintf(w, "Title:\t%s\n", t.Title)
		fmt.Fprintf(w, "Priority:\t%s\n", t.Priority)
		fmt.Fprintf(w, "Status:\t%s\n", t.Status)
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(w, "Depends on:\t%s\n", strings.Join(t.DependsOn, ", "))
		}
		if t.Deliverable != "" {
			fmt.Fprintf(w, "Deliverable:\t%s\n", t.Deliverable)
		}
		fmt.Fprintf(w, "Verify:\t%s\t%s\n", t.Verify.Kind, strings.TrimSpace(t.Verify.Command+" "+t.Verify.Criterion))
		if t.Lease != nil {
			fmt.Fprintf(w, "Lease:\t%s since %s\n", t.Lease.Owner, t.Lease.AcquiredAt.Format(time.RFC3339))
		}
		if t.Attempts > 0 || t.Escalated {
			fmt.Fprintf(w, "Attempts:\t%d (escalated: %t)\n", t.Attempts, t.Escalated)
		}
		fmt.Fprintf(w, "Version:\t%d\n", t.Version)
		for _, n := range t.Notes {
			fmt.Fprintf(w, "Note:\t%s [%s] %s\n", n.At.Format(time.RFC3339), n.Kind, n.Text)
		}
	})
}

func (c *cli) printVerdict(res *orchestrator.VerifyResult) error {
	return c.print(res, func(w io.Writer) {
		switch {
		case res.Verdict.Pass:
			fmt.Fprintf(w, "PASS\t%s is done", res.Task.ID)
			if res.Checkpoint != nil {
				fmt.Fprintf(w, " (checkpoint %d, next %s)", res.Checkpoint.Seq, orNone(res.Checkpoint.NextTask))
			}
			fmt.Fprintln(w)
		case res.Escalated:
			fmt.Fprintf(w, "ESCALATED\t%s after %d attempts: %s\n", res.Task.ID, res.Task.Attempts, res.Verdict.Reason)
		default:
			fmt.Fprintf(w, "FAIL\t%s attempt %d: %s\n", res.Task.ID, res.Task.Attempts, res.Verdict.Reason)
		}
	})
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
