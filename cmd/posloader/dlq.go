package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fundops/positionloader/internal/dlq"
	"github.com/fundops/positionloader/internal/lock"
	"github.com/fundops/positionloader/internal/stream"
	"github.com/fundops/positionloader/internal/types"
)

var (
	dlqStatus string
	dlqLimit  int
	dlqIDs    []int64
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered messages",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DLQ entries",
	RunE:  runDLQList,
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Force-replay PENDING entries now",
	RunE:  runDLQReplay,
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqStatus, "status", "PENDING", "PENDING, PROCESSED, or FAILED")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 100, "max entries to list")
	dlqReplayCmd.Flags().Int64SliceVar(&dlqIDs, "ids", nil, "entry ids (default: all due PENDING)")

	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}

func parseDLQStatus(s string) (types.DlqStatus, error) {
	switch st := types.DlqStatus(strings.ToUpper(s)); st {
	case types.DlqPending, types.DlqProcessed, types.DlqFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown dlq status %q", s)
	}
}

func runDLQList(cmd *cobra.Command, args []string) error {
	status, err := parseDLQStatus(dlqStatus)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListDLQ(cmd.Context(), status, dlqLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Printf("No %s entries\n", status)
		return nil
	}
	for _, e := range entries {
		next := "-"
		if e.NextRetry != nil {
			next = e.NextRetry.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-6d %-28s key=%-12s retries=%d next=%-19s %s\n",
			e.ID, e.Topic, e.Key, e.RetryCount, next, e.ErrorCode)
	}
	return nil
}

func runDLQReplay(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	producer, err := stream.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		return err
	}
	defer producer.Close()

	locks := lock.NewManager(store, cfg.Locks.LeaseAtMostFor)
	replayer := dlq.NewReplayer(store, locks, producer, nil, dlq.ReplayerOptions{
		MaxRetries:     cfg.DLQ.MaxRetries,
		InitialBackoff: cfg.DLQ.InitialBackoff,
	})

	n, err := replayer.ReplayNow(cmd.Context(), dlqIDs)
	if err != nil {
		return err
	}
	if err := producer.Flush(cmd.Context()); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"replayed": n})
	}
	fmt.Printf("Replayed %d entries\n", n)
	return nil
}
