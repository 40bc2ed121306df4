package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/coopsync"
)

var recordsWhere string

func init() {
	recordsListCmd.Flags().StringVar(&recordsWhere, "where", "", "Filter on field=value (payload path, sync_status or local_changes)")

	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsGetCmd)
	recordsCmd.AddCommand(recordsPutCmd)
	recordsCmd.AddCommand(recordsDeleteCmd)
	recordsCmd.AddCommand(recordsResubmitCmd)
	rootCmd.AddCommand(recordsCmd)
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Read and write records through the offline-first layer",
	Long:  "Records are read from the server when reachable and from the local store otherwise. Writes apply locally first and are queued when the server cannot take them.",
}

var recordsListCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "List the records of one entity type",
	Args:  exactTypeArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, _ := entityType(args[0])
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		res := s.manager.Resource(t)
		var records []*coopsync.Record
		if recordsWhere != "" {
			field, value, ok := strings.Cut(recordsWhere, "=")
			if !ok || field == "" {
				return fmt.Errorf("--where must be field=value")
			}
			// Refresh first so the filter sees the server view when reachable.
			if _, err := res.List(ctx); err != nil {
				return err
			}
			records, err = res.Where(ctx, field, value)
		} else {
			records, err = res.List(ctx)
		}
		if err != nil {
			return err
		}

		return render(cmd.OutOrStdout(), records, func(w io.Writer) {
			if len(records) == 0 {
				fmt.Fprintf(w, "No %s found.\n", t)
				return
			}
			for _, r := range records {
				fmt.Fprintf(w, "%-40s %-8s %s\n", r.ID, r.SyncStatus, payloadText(r.Payload))
			}
		})
	},
}

var recordsGetCmd = &cobra.Command{
	Use:   "get <type> <id>",
	Short: "Show one record",
	Args:  exactTypeArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, _ := entityType(args[0])
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		r, err := s.manager.Resource(t).Get(ctx, coopsync.ParseEntityID(args[1]))
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("%s %s not found", t, args[1])
		}
		return render(cmd.OutOrStdout(), r, func(w io.Writer) { printRecord(w, r) })
	},
}

var recordsPutCmd = &cobra.Command{
	Use:   "put <type> [id] <json>",
	Short: "Create a record, or update it when an id is given",
	Args: func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(2, 3)(cmd, args); err != nil {
			return err
		}
		_, err := entityType(args[0])
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		t, _ := entityType(args[0])
		body := json.RawMessage(args[len(args)-1])
		if !json.Valid(body) {
			return fmt.Errorf("payload is not valid JSON")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		res := s.manager.Resource(t)
		var (
			rec *coopsync.Record
			mr  *coopsync.MutationResult
		)
		if len(args) == 3 {
			rec, mr, err = res.Update(ctx, coopsync.ParseEntityID(args[1]), body)
		} else {
			rec, mr, err = res.Create(ctx, body)
		}
		if err != nil {
			return err
		}

		return render(cmd.OutOrStdout(), rec, func(w io.Writer) {
			if mr.Queued {
				fmt.Fprintln(w, "Server unreachable; change saved locally and queued.")
			}
			printRecord(w, rec)
		})
	},
}

var recordsDeleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Delete a record",
	Args:  exactTypeArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, _ := entityType(args[0])
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		mr, err := s.manager.Resource(t).Delete(ctx, coopsync.ParseEntityID(args[1]))
		if err != nil {
			return err
		}
		if mr.Queued {
			fmt.Fprintf(cmd.OutOrStdout(), "Delete of %s %s queued\n", t, args[1])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %s\n", t, args[1])
		return nil
	},
}

var recordsResubmitCmd = &cobra.Command{
	Use:   "resubmit <type> <id>",
	Short: "Send a failed record to the server again",
	Args:  exactTypeArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, _ := entityType(args[0])
		id := coopsync.ParseEntityID(args[1])
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.manager.Resubmit(ctx, t, id); err != nil {
			return fmt.Errorf("resubmit failed: %w", err)
		}
		if _, err := s.manager.SyncNow(ctx); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s queued; it replays at the next sync (%v)\n", t, args[1], err)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s resubmitted\n", t, args[1])
		return nil
	},
}

func printRecord(w io.Writer, r *coopsync.Record) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "ID:       %s\n", r.ID)
	fmt.Fprintf(w, "Status:   %s\n", r.SyncStatus)
	if r.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.LastError)
	}
	if r.LastSynced != nil {
		fmt.Fprintf(w, "Synced:   %s\n", r.LastSynced.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Payload:  %s\n", payloadText(r.Payload))
}
