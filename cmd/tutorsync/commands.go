package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/conorfennell/tutorsync/internal/cache"
	"github.com/conorfennell/tutorsync/internal/connectivity"
	"github.com/conorfennell/tutorsync/internal/domain"
	"github.com/conorfennell/tutorsync/internal/sync"
	"github.com/conorfennell/tutorsync/internal/validation"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Submit every queued result now",
	Long: `Run one sync pass in the foreground, ignoring retry backoff.

Results the backend rejects stay queued with the failure recorded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if !connectivity.Init(ctx, a.monitor, a.client.Ping) {
			fmt.Fprintln(os.Stderr, "Warning: backend unreachable, trying anyway")
			a.monitor.Set(true)
		}

		coordinator := a.coordinator(sync.Config{})
		defer coordinator.Close()

		summary, err := coordinator.SyncNow(ctx, sync.ReasonManual)
		if err != nil {
			return err
		}
		if summary.Total == 0 {
			fmt.Println("Nothing to sync.")
			return nil
		}
		fmt.Printf("Synced %d of %d results (%d failed, %d deferred, %d purged) in %s\n",
			summary.Succeeded, summary.Total, summary.Failed, summary.Deferred, summary.Purged,
			summary.Duration.Round(time.Millisecond))
		if summary.Failed > 0 {
			return fmt.Errorf("%d results failed to sync", summary.Failed)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		stats, err := a.store.QueueStats(ctx)
		if err != nil {
			return err
		}
		online := connectivity.Init(ctx, a.monitor, a.client.Ping)

		fmt.Printf("Database: %s\n", a.store.Path())
		fmt.Printf("Backend:  %s (%s)\n", a.cfg.Server.URL, map[bool]string{true: "online", false: "offline"}[online])
		fmt.Printf("Pending:  %d\n", stats.Pending)
		if stats.Pending > 0 {
			fmt.Printf("Oldest:   %s (%s ago)\n",
				stats.OldestPending.Local().Format(time.RFC3339),
				time.Since(stats.OldestPending).Round(time.Second))
		}
		if stats.Synced > 0 {
			fmt.Printf("Synced, not yet purged: %d\n", stats.Synced)
		}
		return nil
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [payload.json]",
	Short: "Queue a result for submission",
	Long: `Queue a result. The JSON payload is read from the given file, or from stdin
when no file is given or the file is "-".

  tutorsync enqueue --kind test result.json
  echo '{"cardId":"c1","grade":3}' | tutorsync enqueue --kind flashcard`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")

		in := io.Reader(os.Stdin)
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open payload: %w", err)
			}
			defer f.Close()
			in = f
		}
		payload, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		nr := domain.NewResult{Kind: domain.ResultKind(kind), Payload: json.RawMessage(payload)}
		r, err := a.coordinator(sync.Config{}).SaveResultOffline(cmd.Context(), nr)
		if err != nil {
			if validation.IsInvalid(err) {
				for field, msg := range validation.Messages(err) {
					fmt.Fprintf(os.Stderr, "  %s: %s\n", field, msg)
				}
			}
			return err
		}
		fmt.Printf("Queued %s result %s\n", r.Kind, r.ID)
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Download flashcards and tests into the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		loader := cache.NewLoader(cache.NewFacade(
			cache.WithLogger(a.logger),
			cache.WithTimeout(a.cfg.Server.Timeout),
		), a.client, a.store)

		summary, err := loader.Refresh(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Cached %d flashcards across %d subjects (%d removed), %d tests\n",
			summary.Flashcards, len(summary.Subjects), summary.Evicted, summary.Tests)
		for _, subject := range summary.Failed {
			fmt.Fprintf(os.Stderr, "Warning: tests for subject %s could not be refreshed\n", subject)
		}
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("kind", string(domain.KindTest), "Result kind: test or flashcard")

	rootCmd.AddCommand(syncCmd, statusCmd, enqueueCmd, refreshCmd)
}
