package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/checklist/internal/tasks"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

func newAddCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "add <title>...",
		Short: "Add a task",
		Long:  "Add an incomplete task. The arguments are joined with spaces to form\nthe title. The new task's ID is printed.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := e.open(ctx, false)
			if err != nil {
				return err
			}
			defer sess.close(e)

			task, err := sess.list.Add(ctx, strings.Join(args, " "))
			if err != nil {
				return sysError(fmt.Errorf("add task: %w", err))
			}
			if e.flags.jsonMode {
				return printJSON(cmd.OutOrStdout(), task)
			}
			fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return nil
		},
	}
}

func newToggleCmd(e *env) *cobra.Command {
	var undo, noWait bool
	cmd := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Mark a task completed or not completed",
		Long: `Toggle sets the completed flag of a task. A completed task is archived
after the configured archive delay; toggle waits for that unless --no-wait
is given. With --undo the task is marked not completed, which cancels a
pending archival.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runToggle(ctx, cmd, e, args[0], !undo, !noWait)
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark the task not completed")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return without waiting for archival")
	return cmd
}

func runToggle(ctx context.Context, cmd *cobra.Command, e *env, id string, completed, wait bool) error {
	sess, err := e.open(ctx, false)
	if err != nil {
		return err
	}
	defer sess.close(e)

	if _, err := lookup(ctx, e, sess, id); err != nil {
		return err
	}
	if err := sess.list.Toggle(ctx, id, completed); err != nil {
		return sysError(fmt.Errorf("toggle task: %w", err))
	}

	if completed && wait {
		if err := sess.list.Wait(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				return sysError(err)
			}
			e.logger.Warn("archival interrupted, the next watch archives the task", "id", id)
		}
	}

	task, err := lookup(context.WithoutCancel(ctx), e, sess, id)
	if err != nil {
		return err
	}
	if e.flags.jsonMode {
		return printJSON(cmd.OutOrStdout(), task)
	}
	state := "reopened"
	switch {
	case task.IsArchived:
		state = "archived"
	case task.Completed:
		state = "completed"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", state, id)
	return nil
}

// lookup reads one task, archived or not, from the local replica.
func lookup(ctx context.Context, e *env, sess *session, id string) (types.Task, error) {
	store, err := sess.handle.Active()
	if err != nil {
		return types.Task{}, sysError(err)
	}
	v, err := tasks.OpenView(ctx, store, nil, e.logger)
	if err != nil {
		return types.Task{}, sysError(err)
	}
	defer v.Close()

	task, ok := v.Current().Get(id)
	if !ok {
		return types.Task{}, userError(fmt.Errorf("task %q not found", id))
	}
	return task, nil
}

func newListCmd(e *env) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long:  "List the tasks that are not archived, in the order they reached this\nreplica. With --all archived tasks are included.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sess, err := e.open(ctx, false)
			if err != nil {
				return err
			}
			defer sess.close(e)

			store, err := sess.handle.Active()
			if err != nil {
				return sysError(err)
			}
			filter := tasks.ActiveFilter()
			if all {
				filter = nil
			}
			v, err := tasks.OpenView(ctx, store, filter, e.logger)
			if err != nil {
				return sysError(fmt.Errorf("open view: %w", err))
			}
			list := v.Current().Tasks()
			v.Close()

			if e.flags.jsonMode {
				if list == nil {
					list = []types.Task{}
				}
				return printJSON(cmd.OutOrStdout(), list)
			}
			return printTasks(cmd.OutOrStdout(), list, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include archived tasks")
	return cmd
}

func newWatchCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync with peers and print the task list as it changes",
		Long: `Watch starts peer sync and prints the active task list every time it
changes, until interrupted. Completed tasks, including ones completed on
other devices, are archived after the archive delay while watch runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, e)
		},
	}
}

func runWatch(ctx context.Context, cmd *cobra.Command, e *env) error {
	sess, err := e.open(ctx, true)
	if err != nil {
		return err
	}
	defer sess.close(e)

	v, err := sess.list.Open(ctx, tasks.ActiveFilter())
	if err != nil {
		return sysError(fmt.Errorf("open view: %w", err))
	}
	defer v.Close()

	out := cmd.OutOrStdout()
	for snap := range v.Watch(ctx) {
		list := snap.Tasks()
		if e.flags.jsonMode {
			if list == nil {
				list = []types.Task{}
			}
			if err := printJSON(out, list); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(out, "-- %d task(s)\n", len(list))
		if err := printTasks(out, list, false); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return nil
	default:
		return sysError(fmt.Errorf("watch: %w", types.ErrStoreClosed))
	}
}
