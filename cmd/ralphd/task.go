package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ralph-build/ralphd/internal/approval"
	"github.com/ralph-build/ralphd/internal/ralphtask"
	"github.com/ralph-build/ralphd/internal/store"
)

var taskYes bool

func newApprover() approval.Approver {
	if taskYes {
		return approval.NewNoOpApprover()
	}
	return approval.NewInteractiveApprover(30*time.Second, false, true)
}

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect or override a single tracked issue's task state.",
	}
	cmd.PersistentFlags().BoolVar(&taskYes, "yes", false, "skip the interactive confirmation prompt")
	cmd.AddCommand(newTaskShowCommand())
	cmd.AddCommand(newTaskRetryCommand())
	cmd.AddCommand(newTaskEscalateCommand())
	cmd.AddCommand(newTaskNudgeCommand())
	return cmd
}

// parseIssueRef accepts "owner/repo#123".
func parseIssueRef(s string) (ralphtask.IssueRef, error) {
	ownerRepo, numStr, ok := strings.Cut(s, "#")
	if !ok {
		return ralphtask.IssueRef{}, fmt.Errorf("expected owner/repo#number, got %q", s)
	}
	owner, repo, ok := strings.Cut(ownerRepo, "/")
	if !ok {
		return ralphtask.IssueRef{}, fmt.Errorf("expected owner/repo#number, got %q", s)
	}
	num, err := strconv.Atoi(numStr)
	if err != nil {
		return ralphtask.IssueRef{}, fmt.Errorf("invalid issue number in %q: %w", s, err)
	}
	return ralphtask.IssueRef{Owner: owner, Repo: repo, Number: num}, nil
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func newTaskShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <owner/repo#number>",
		Short: "Print a task's current stored state as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseIssueRef(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				task, err := st.GetTask(ctx, ref)
				if err != nil {
					return fmt.Errorf("get task %s: %w", ref, err)
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(task)
			})
		},
	}
}

func newTaskRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <owner/repo#number>",
		Short: "Clear a blocked task's block and return it to the queue for the next tick.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseIssueRef(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				task, err := st.GetTask(ctx, ref)
				if err != nil {
					return fmt.Errorf("get task %s: %w", ref, err)
				}
				if task.Status != ralphtask.StatusBlocked {
					return fmt.Errorf("task %s is %s, not blocked", ref, task.Status)
				}

				resp, err := newApprover().RequestApproval(ctx, &approval.OverrideRequest{
					Operation:  "retry",
					IssueRef:   ref.String(),
					FromStatus: string(task.Status),
					ToStatus:   string(ralphtask.StatusQueued),
				})
				if err != nil {
					return fmt.Errorf("request approval: %w", err)
				}
				if !resp.Approved {
					fmt.Printf("%s not requeued: %s\n", ref, resp.Message)
					return nil
				}

				_, err = st.UpdateTaskStatus(ctx, ref, ralphtask.StatusBlocked, ralphtask.StatusQueued, store.TaskPatch{ClearBlocked: true})
				if err != nil {
					return fmt.Errorf("retry task %s: %w", ref, err)
				}
				fmt.Printf("%s requeued\n", ref)
				return nil
			})
		},
	}
}

func newTaskEscalateCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "escalate <owner/repo#number>",
		Short: "Force a task to escalated, pulling it out of scheduling until an operator intervenes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseIssueRef(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				task, err := st.GetTask(ctx, ref)
				if err != nil {
					return fmt.Errorf("get task %s: %w", ref, err)
				}
				if task.Status.IsTerminal() {
					return fmt.Errorf("task %s is already %s", ref, task.Status)
				}

				resp, err := newApprover().RequestApproval(ctx, &approval.OverrideRequest{
					Operation:  "escalate",
					IssueRef:   ref.String(),
					FromStatus: string(task.Status),
					ToStatus:   string(ralphtask.StatusEscalated),
					Reason:     reason,
				})
				if err != nil {
					return fmt.Errorf("request approval: %w", err)
				}
				if !resp.Approved {
					fmt.Printf("%s not escalated: %s\n", ref, resp.Message)
					return nil
				}

				details := reason
				_, err = st.UpdateTaskStatus(ctx, ref, task.Status, ralphtask.StatusEscalated, store.TaskPatch{
					BlockedSource:  strPtr("operator"),
					BlockedReason:  strPtr("manual-escalation"),
					BlockedDetails: &details,
				})
				if err != nil {
					return fmt.Errorf("escalate task %s: %w", ref, err)
				}
				fmt.Printf("%s escalated\n", ref)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "operator-supplied reason recorded on the task")
	return cmd
}

func newTaskNudgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nudge <owner/repo#number> <message>",
		Short: "Queue an operator message for delivery on the task's next agent continuation.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseIssueRef(args[0])
			if err != nil {
				return err
			}
			message := args[1]
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				task, err := st.GetTask(ctx, ref)
				if err != nil {
					return fmt.Errorf("get task %s: %w", ref, err)
				}
				if task.SessionID == "" {
					return fmt.Errorf("task %s has no active agent session to nudge", ref)
				}
				item, err := st.EnqueueNudge(ctx, task.SessionID, message)
				if err != nil {
					return fmt.Errorf("nudge task %s: %w", ref, err)
				}
				fmt.Printf("%s nudge queued (item %s)\n", ref, item.ID)
				return nil
			})
		},
	}
}

func strPtr(s string) *string { return &s }
