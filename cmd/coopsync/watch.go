package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/coopsync"
)

var (
	watchWebhookAddr   string
	watchWebhookSecret string
)

func init() {
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook", "", "Listen for signed change notices on this address (e.g. :8080)")
	watchCmd.Flags().StringVar(&watchWebhookSecret, "webhook-secret", os.Getenv("COOPSYNC_WEBHOOK_SECRET"), "Secret used to verify change notices")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected: replay on reconnect and refresh on server changes",
	Long: "Run the sync client in the foreground using the configured connectivity signal.\n" +
		"The queue is replayed whenever the server becomes reachable, and collections are\n" +
		"refreshed when the server pushes a change (websocket or webhook).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		m := s.manager
		logEvent := func(ev coopsync.Event) {
			line := fmt.Sprintf("%s %s", time.Now().Format(time.TimeOnly), ev.Name)
			if ev.EntityType != "" {
				line += fmt.Sprintf(" %s/%s", ev.EntityType, ev.EntityID)
			}
			if ev.Drain != nil {
				line += fmt.Sprintf(" resolved=%d retrying=%d failed=%d", ev.Drain.Resolved, ev.Drain.Failed, ev.Drain.Exhausted)
			}
			if ev.Err != nil {
				line += fmt.Sprintf(" err=%v", ev.Err)
			}
			fmt.Fprintln(out, line)
		}
		for _, name := range []coopsync.EventName{
			coopsync.EventOnline, coopsync.EventOffline, coopsync.EventEntryQueued,
			coopsync.EventSyncFailed, coopsync.EventDrainComplete,
		} {
			m.On(name, logEvent)
		}

		refresh := make(chan coopsync.EntityType, 16)
		m.On(coopsync.EventRemoteChanged, func(ev coopsync.Event) {
			logEvent(ev)
			select {
			case refresh <- ev.EntityType:
			default:
			}
		})

		var srv *http.Server
		if watchWebhookAddr != "" {
			hook, err := m.ChangeWebhook(watchWebhookSecret)
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/webhook", hook.HTTPHandler())
			srv = &http.Server{Addr: watchWebhookAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("webhook listener", "err", err)
					stop()
				}
			}()
			fmt.Fprintf(out, "Listening for change notices on %s/webhook\n", watchWebhookAddr)
		}

		fmt.Fprintf(out, "Watching %s (signal %s). Press Ctrl+C to stop.\n", s.cfg.Remote.BaseURL, valueOrDefault(s.cfg.Remote.Signal, "http"))
		for {
			select {
			case <-ctx.Done():
				if srv != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					_ = srv.Shutdown(shutdownCtx)
					cancel()
				}
				return nil
			case t := <-refresh:
				if _, err := m.Resource(t).List(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("refresh failed", "type", t, "err", err)
				}
			}
		}
	},
}
