package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/coopsync"
)

var queueListFailed bool

func init() {
	queueListCmd.Flags().BoolVar(&queueListFailed, "failed", false, "List failed entries instead of pending ones")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the sync queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		var entries []*coopsync.QueueEntry
		if queueListFailed {
			entries, err = s.manager.FailedEntries(ctx)
		} else {
			entries, err = s.manager.PendingEntries(ctx)
		}
		if err != nil {
			return err
		}

		return render(cmd.OutOrStdout(), entries, func(w io.Writer) {
			if len(entries) == 0 {
				fmt.Fprintln(w, "Queue is empty.")
				return
			}
			for _, e := range entries {
				fmt.Fprintf(w, "%s  %-6s %s/%s  retries %d/%d", e.ID, e.Operation, e.EntityType, e.EntityID, e.RetryCount, e.MaxRetries)
				if e.LastError != "" {
					fmt.Fprintf(w, "  last error: %s", e.LastError)
				}
				fmt.Fprintln(w)
			}
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Re-arm a failed entry and replay it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.manager.RetryFailed(ctx, args[0]); err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}
		if _, err := s.manager.SyncNow(ctx); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Entry %s re-armed; it replays at the next sync (%v)\n", args[0], err)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entry %s re-armed and replayed\n", args[0])
		return nil
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <entry-id>",
	Short: "Drop a queued entry and abandon its local change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.manager.Discard(ctx, args[0]); err != nil {
			return fmt.Errorf("discard failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entry %s discarded\n", args[0])
		return nil
	},
}
