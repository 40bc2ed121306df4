package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/coopsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	BaseURL string                `json:"baseUrl"`
	Token   string                `json:"token"`
	Backend string                `json:"backend"`
	Signal  string                `json:"signal"`
	Online  bool                  `json:"online"`
	Queue   coopsync.QueueStats   `json:"queue"`
	Stats   coopsync.ManagerStats `json:"stats"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, connectivity and queue status",
	Long:  "Display the current configuration, probe the server health endpoint, and count pending and failed queue entries.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		st, err := s.manager.QueueStats(ctx)
		if err != nil {
			return err
		}
		report := statusReport{
			BaseURL: s.cfg.Remote.BaseURL,
			Token:   "(not set)",
			Backend: valueOrDefault(s.cfg.Store.Backend, "sqlite"),
			Signal:  valueOrDefault(s.cfg.Remote.Signal, "http"),
			Online:  s.manager.IsOnline(),
			Queue:   st,
			Stats:   s.manager.Stats(),
		}
		if s.cfg.Remote.Token != "" {
			report.Token = maskKey(s.cfg.Remote.Token)
		}

		return render(cmd.OutOrStdout(), report, func(w io.Writer) {
			fmt.Fprintln(w, "Configuration:")
			fmt.Fprintf(w, "  Server:   %s\n", report.BaseURL)
			fmt.Fprintf(w, "  Token:    %s\n", report.Token)
			fmt.Fprintf(w, "  Backend:  %s\n", report.Backend)
			fmt.Fprintf(w, "  Signal:   %s\n", report.Signal)
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Sync:")
			state := "OFFLINE"
			if report.Online {
				state = "ONLINE"
			}
			fmt.Fprintf(w, "  Server:   %s\n", state)
			fmt.Fprintf(w, "  Pending:  %d\n", report.Queue.Pending)
			fmt.Fprintf(w, "  Failed:   %d\n", report.Queue.Failed)
		})
	},
}
