package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Altoh5/claude-telegram-relay/task"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage stored tasks",
	}
	cmd.AddCommand(newTasksListCmd())
	cmd.AddCommand(newTasksCancelCmd())
	return cmd
}

func newTasksListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active tasks for a chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID := flagOrViperInt64(cmd, "chat-id", "telegram.chat_id")
			if chatID == 0 {
				return fmt.Errorf("missing --chat-id")
			}

			gdb, err := openDatabase()
			if err != nil {
				return err
			}
			store := task.NewGormStore(gdb)
			active, err := store.ListByChat(context.Background(), chatID,
				task.StatusPending, task.StatusRunning, task.StatusNeedsInput)
			if err != nil {
				return err
			}
			if len(active) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no active tasks")
				return nil
			}
			for _, t := range active {
				line := fmt.Sprintf("%s  %-11s  %s", t.ID, t.Status, firstLineOf(t.OriginalPrompt))
				if t.Status == task.StatusNeedsInput && strings.TrimSpace(t.PendingQuestion) != "" {
					line += "\n    waiting on: " + firstLineOf(t.PendingQuestion)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().Int64("chat-id", 0, "Chat whose tasks to list.")
	return cmd
}

func newTasksCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := strings.TrimSpace(args[0])
			if taskID == "" {
				return fmt.Errorf("missing task id")
			}

			gdb, err := openDatabase()
			if err != nil {
				return err
			}
			store := task.NewGormStore(gdb)
			eng := task.NewEngine(store, nil, nil)
			if err := eng.Fail(context.Background(), taskID, "Cancelled by user"); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "cancelled", taskID)
			return nil
		},
	}
}

func firstLineOf(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return s
}
