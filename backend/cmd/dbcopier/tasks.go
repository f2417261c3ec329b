package main

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dbcopier/backend/internal/types"
)

func newCopyCmd(run runner) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "copy NAME...",
		Short: "Start a copy for each saved config",
		Long: `Start a copy for each named config. Each config is validated and submitted on its own;
one rejection does not stop the others. With --watch the command follows every task until
it finishes, archives it, and exits non-zero if any copy failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, e *env) error {
			ctx := cmd.Context()
			out := &lockedWriter{w: cmd.OutOrStdout()}

			if watch {
				unsubscribe := e.orch.Subscribe(func(t types.Task) {
					fmt.Fprintln(out, progressLine(t))
				})
				defer unsubscribe()
			}

			var ids []string
			failed := 0
			for _, name := range args {
				cfg, err := e.repo.Load(ctx, name)
				if err == nil {
					var id string
					id, err = e.orch.Start(ctx, cfg)
					if err == nil {
						fmt.Fprintf(out, "started %s as task %s\n", name, id)
						ids = append(ids, id)
						continue
					}
				}
				failed++
				fmt.Fprintf(out, "failed  %s: %v\n", name, err)
			}

			if watch {
				for _, id := range ids {
					task, err := e.orch.Wait(ctx, id)
					if err != nil {
						return err
					}
					if task.Status.Status != types.TaskCompleted {
						failed++
					}
					if task.Status.Status.Terminal() {
						if _, err := e.orch.Acknowledge(id); err != nil {
							e.log.WithError(err).WithField("task_id", id).Warn("task not archived")
						}
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d copies did not succeed", failed, len(args))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the tasks until they finish")
	return cmd
}

func progressLine(t types.Task) string {
	line := fmt.Sprintf("[%s] %s %s", t.ID, t.Config.Name, t.Status.Status)
	if p := t.Status.Progress; p != nil && p.Total > 0 {
		line += fmt.Sprintf(" %s %d/%d", p.TableName, p.Current, p.Total)
	}
	if t.Status.Message != "" {
		line += ": " + t.Status.Message
	}
	if t.LastError != "" {
		line += " (" + t.LastError + ")"
	}
	return line
}

func newStatusCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "status TASK_ID",
		Short: "Ask the engine for a task's status",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, e *env) error {
			st, err := e.engine.GetTaskStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), progressLine(types.Task{ID: args[0], Status: st}))
			return nil
		}),
	}
}

func newStopCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "stop TASK_ID",
		Short: "Ask the engine to stop a task",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, e *env) error {
			if err := e.engine.StopTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", args[0])
			return nil
		}),
	}
}

func newHistoryCmd(run runner) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, args []string, e *env) error {
			if e.archive == nil {
				return errors.New("task history is not available")
			}
			recs, err := e.archive.List(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tCONFIG\tSTATUS\tSTARTED\tENDED\tMESSAGE")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.TaskID, r.ConfigName, r.Status, r.StartTime, r.EndTime, r.Message)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of tasks to show (0 = all)")
	return cmd
}

// lockedWriter 轮询回调和主流程会同时写输出
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
