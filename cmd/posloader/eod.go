package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fundops/positionloader/internal/breaker"
	"github.com/fundops/positionloader/internal/config"
	"github.com/fundops/positionloader/internal/eod"
	"github.com/fundops/positionloader/internal/lock"
	"github.com/fundops/positionloader/internal/types"
	"github.com/fundops/positionloader/internal/upstream"
	"github.com/fundops/positionloader/internal/validate"
)

var (
	eodAccountID int64
	eodDate      string
	eodLimit     int
)

var eodCmd = &cobra.Command{
	Use:   "eod",
	Short: "EOD pipeline operations",
}

var eodRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an EOD load for one account and date",
	RunE:  runEODRun,
}

var eodRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Revert the ACTIVE batch to its archived predecessor",
	RunE:  runEODRollback,
}

var eodStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show EOD run history for an account",
	RunE:  runEODStatus,
}

func init() {
	for _, c := range []*cobra.Command{eodRunCmd, eodRollbackCmd, eodStatusCmd} {
		c.Flags().Int64Var(&eodAccountID, "account", 0, "account id (required)")
		c.MarkFlagRequired("account")
	}
	eodRunCmd.Flags().StringVar(&eodDate, "date", "", "business date YYYY-MM-DD (default today)")
	eodRollbackCmd.Flags().StringVar(&eodDate, "date", "", "business date YYYY-MM-DD (default today)")
	eodStatusCmd.Flags().StringVar(&eodDate, "date", "", "business date YYYY-MM-DD (all runs when omitted)")
	eodStatusCmd.Flags().IntVar(&eodLimit, "limit", 20, "max runs to list")

	eodCmd.AddCommand(eodRunCmd, eodRollbackCmd, eodStatusCmd)
	rootCmd.AddCommand(eodCmd)
}

func resolveDate() (types.Date, error) {
	if eodDate == "" {
		return types.DateOf(time.Now()), nil
	}
	return types.ParseDate(eodDate)
}

// newAdminPipeline builds a pipeline for direct invocation: same stack as
// the daemon minus the stream producer, so no sign-off is emitted from
// one-off CLI reruns.
func newAdminPipeline(cmd *cobra.Command) (*eod.Pipeline, func(), error) {
	store, err := openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	cb := breaker.New(breaker.Settings{
		Name:           "upstream",
		FailureRatePct: cfg.CircuitBreaker.Upstream.FailureRatePct,
		Window:         cfg.CircuitBreaker.Upstream.Window,
		Cooldown:       cfg.CircuitBreaker.Upstream.Cooldown,
	})
	fetcher := upstream.New(upstream.Options{
		BaseURL:           cfg.Upstream.BaseURL,
		ConnectTimeout:    cfg.Upstream.ConnectTimeout,
		ReadTimeout:       cfg.Upstream.ReadTimeout,
		RetryMaxAttempts:  cfg.Retry.MaxAttempts,
		RetryInitialDelay: cfg.Retry.InitialDelay,
		RetryMaxDelay:     cfg.Retry.MaxDelay,
		RetryMultiplier:   cfg.Retry.Multiplier,
	}, cb)
	locks := lock.NewManager(store, cfg.Locks.LeaseAtMostFor)
	lists := config.NewAccountLists(cfg.Features)
	pipe := eod.New(store, fetcher, locks, lists, nil, nil, nil, nil, eod.Options{
		LockWait:           cfg.Locks.EODAcquireWait,
		DuplicateDetection: cfg.Features.DuplicateDetection,
		ValidationEnabled:  cfg.Features.ValidationEnabled,
		Thresholds: validate.Thresholds{
			ZeroPriceThresholdPct: cfg.Validation.ZeroPriceThresholdPct,
			SuspiciousChangePct:   cfg.Validation.SuspiciousChangePct,
			StrictMode:            cfg.Validation.StrictMode,
		},
	})
	return pipe, func() { store.Close() }, nil
}

func runEODRun(cmd *cobra.Command, args []string) error {
	date, err := resolveDate()
	if err != nil {
		return err
	}
	pipe, cleanup, err := newAdminPipeline(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := pipe.Run(cmd.Context(), eodAccountID, date); err != nil {
		return fmt.Errorf("eod run for account %d date %s: %w", eodAccountID, date, err)
	}
	if jsonOutput {
		return printJSON(map[string]any{"account_id": eodAccountID, "business_date": date, "status": "ok"})
	}
	fmt.Printf("EOD run complete for account %d date %s\n", eodAccountID, date)
	return nil
}

func runEODRollback(cmd *cobra.Command, args []string) error {
	date, err := resolveDate()
	if err != nil {
		return err
	}
	pipe, cleanup, err := newAdminPipeline(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	reverted, err := pipe.Rollback(cmd.Context(), eodAccountID, date)
	if err != nil {
		return err
	}
	if !reverted {
		return fmt.Errorf("account %d date %s has no archived predecessor to restore", eodAccountID, date)
	}
	if jsonOutput {
		return printJSON(map[string]any{"account_id": eodAccountID, "business_date": date, "status": "rolled_back"})
	}
	fmt.Printf("Rolled back account %d date %s\n", eodAccountID, date)
	return nil
}

func runEODStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	if eodDate != "" {
		date, err := types.ParseDate(eodDate)
		if err != nil {
			return err
		}
		run, err := store.GetLatestRun(cmd.Context(), eodAccountID, date)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(run)
		}
		printRun(run)
		return nil
	}

	runs, err := store.ListRuns(cmd.Context(), eodAccountID, eodLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(runs)
	}
	for _, run := range runs {
		printRun(run)
	}
	return nil
}

func printRun(run *types.EODRun) {
	batch := "-"
	if run.BatchID != nil {
		batch = fmt.Sprintf("%d", *run.BatchID)
	}
	fmt.Printf("%s  account=%d  status=%-15s  batch=%-4s  positions=%d",
		run.BusinessDate, run.AccountID, run.Status, batch, run.PositionCount)
	if run.ErrorMessage != "" {
		fmt.Printf("  error=%q", run.ErrorMessage)
	}
	fmt.Println()
}
