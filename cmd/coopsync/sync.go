package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/coopsync"
)

var syncTimeout time.Duration

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "Give up after this long")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay the sync queue against the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.manager.SyncNow(ctx)
		if errors.Is(err, coopsync.ErrOffline) {
			return fmt.Errorf("server %s is unreachable; entries stay queued", s.cfg.Remote.BaseURL)
		}
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		return render(cmd.OutOrStdout(), res, func(w io.Writer) {
			fmt.Fprintf(w, "Resolved:  %d\n", res.Resolved)
			fmt.Fprintf(w, "Retrying:  %d\n", res.Failed)
			fmt.Fprintf(w, "Failed:    %d\n", res.Exhausted)
			fmt.Fprintf(w, "Deferred:  %d\n", res.Deferred)
			if res.Exhausted > 0 {
				fmt.Fprintln(w, "\nRun 'coopsync queue list --failed' to inspect failed entries.")
			}
		})
	},
}
