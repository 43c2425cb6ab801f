package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fundops/positionloader/internal/adminapi"
	"github.com/fundops/positionloader/internal/breaker"
	"github.com/fundops/positionloader/internal/config"
	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/dlq"
	"github.com/fundops/positionloader/internal/eod"
	"github.com/fundops/positionloader/internal/intraday"
	"github.com/fundops/positionloader/internal/lifecycle"
	"github.com/fundops/positionloader/internal/lock"
	"github.com/fundops/positionloader/internal/stream"
	"github.com/fundops/positionloader/internal/telemetry"
	"github.com/fundops/positionloader/internal/types"
	"github.com/fundops/positionloader/internal/upstream"
	"github.com/fundops/positionloader/internal/validate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loader daemon (consumers, replayer, admin HTTP)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := telemetry.Init(ctx, "posloader", version); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()
	metrics := telemetry.NewPipelineMetrics()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	store.SetBreaker(breaker.New(breaker.Settings{
		Name:           "db",
		FailureRatePct: cfg.CircuitBreaker.DB.FailureRatePct,
		Window:         cfg.CircuitBreaker.DB.Window,
		Cooldown:       cfg.CircuitBreaker.DB.Cooldown,
		OnOpen: func(name string) {
			metrics.RecordBreakerOpen(context.Background(), name)
		},
	}))

	lists := config.NewAccountLists(cfg.Features)
	if cfgPath != "" {
		lists.Watch(vipr)
	}

	drain := lifecycle.New()
	locks := lock.NewManager(store, cfg.Locks.LeaseAtMostFor)

	upstreamBreaker := breaker.New(breaker.Settings{
		Name:           "upstream",
		FailureRatePct: cfg.CircuitBreaker.Upstream.FailureRatePct,
		Window:         cfg.CircuitBreaker.Upstream.Window,
		Cooldown:       cfg.CircuitBreaker.Upstream.Cooldown,
		OnOpen: func(name string) {
			metrics.RecordBreakerOpen(context.Background(), name)
		},
	})
	fetcher := upstream.New(upstream.Options{
		BaseURL:           cfg.Upstream.BaseURL,
		ConnectTimeout:    cfg.Upstream.ConnectTimeout,
		ReadTimeout:       cfg.Upstream.ReadTimeout,
		RetryMaxAttempts:  cfg.Retry.MaxAttempts,
		RetryInitialDelay: cfg.Retry.InitialDelay,
		RetryMaxDelay:     cfg.Retry.MaxDelay,
		RetryMultiplier:   cfg.Retry.Multiplier,
	}, upstreamBreaker)

	producer, err := stream.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		return err
	}
	defer producer.Close()

	park := dlq.NewWriter(store, metrics)

	eodPipe := eod.New(store, fetcher, locks, lists, drain, producer, nil, metrics, eod.Options{
		LockWait:           cfg.Locks.EODAcquireWait,
		DuplicateDetection: cfg.Features.DuplicateDetection,
		ValidationEnabled:  cfg.Features.ValidationEnabled,
		Thresholds: validate.Thresholds{
			ZeroPriceThresholdPct: cfg.Validation.ZeroPriceThresholdPct,
			SuspiciousChangePct:   cfg.Validation.SuspiciousChangePct,
			StrictMode:            cfg.Validation.StrictMode,
		},
	})

	processor := intraday.New(store, locks, lists, drain, park, producer, metrics, intraday.Options{
		Workers:  cfg.IntradayWorker,
		LockWait: cfg.Locks.IntradayWait,
	})

	replayer := dlq.NewReplayer(store, locks, producer, metrics, dlq.ReplayerOptions{
		MaxRetries:     cfg.DLQ.MaxRetries,
		InitialBackoff: cfg.DLQ.InitialBackoff,
		PollInterval:   cfg.DLQ.PollInterval,
	})
	go replayer.Run(ctx)

	var eodConsumer *stream.EODConsumer
	if cfg.Features.EODEnabled {
		handler := func(ctx context.Context, trig types.EODTrigger) error {
			err := eodPipe.Run(ctx, trig.AccountID, trig.BusinessDate)
			if err == nil {
				// A promotion invalidates the intraday ACTIVE-batch cache.
				processor.EvictBatch(trig.AccountID)
			}
			return err
		}
		eodConsumer, err = stream.NewEODConsumer(cfg.Kafka.Brokers, cfg.Kafka.EODGroup,
			cfg.EODWorkers, handler, park, producer)
		if err != nil {
			return err
		}
		defer eodConsumer.Close()
		go eodConsumer.Run(ctx)
	}

	var intradayConsumer *stream.IntradayConsumer
	if cfg.Features.IntradayEnabled {
		intradayConsumer, err = stream.NewIntradayConsumer(cfg.Kafka.Brokers, cfg.Kafka.IntradayGroup,
			processor.ProcessBatch, park, producer)
		if err != nil {
			return err
		}
		defer intradayConsumer.Close()
		go intradayConsumer.Run(ctx)
	}

	admin := adminapi.New(eodPipe, replayer, store)
	adminSrv := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           admin.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		debug.PrintNormal("posloader: admin listening on %s\n", cfg.Admin.Listen)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.Logf("serve: admin server: %v\n", err)
		}
	}()

	debug.PrintNormal("posloader %s serving (eod=%v intraday=%v)\n",
		version, cfg.Features.EODEnabled, cfg.Features.IntradayEnabled)

	<-ctx.Done()

	// Graceful drain: stop admitting, let in-flight runs finish, flush the
	// producer, then exit.
	debug.PrintNormal("posloader: shutting down\n")
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()
	if !drain.Drain(drainCtx, cfg.DrainTimeout) {
		debug.PrintNormal("posloader: drain timed out with work in flight\n")
	}
	if err := producer.Flush(drainCtx); err != nil {
		debug.Logf("serve: flush producer: %v\n", err)
	}
	if err := adminSrv.Shutdown(drainCtx); err != nil {
		debug.Logf("serve: admin shutdown: %v\n", err)
	}
	fmt.Println("posloader: stopped")
	return nil
}
