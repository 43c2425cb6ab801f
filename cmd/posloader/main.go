// Command posloader runs the position loader: the EOD snapshot pipeline,
// the intraday trade pipeline, and their operational surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fundops/positionloader/internal/config"
	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/storage/mysql"
)

var version = "0.3.0"

var (
	cfgPath     string
	jsonOutput  bool
	verboseFlag bool
	quietFlag   bool

	cfg  *config.Config
	vipr *viper.Viper

	// Signal-aware context for graceful cancellation.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "posloader",
	Short:         "Bitemporal position loader",
	Long:          "posloader loads EOD position snapshots blue/green and applies intraday trade events bitemporally.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verboseFlag {
			debug.SetVerbose(true)
		}
		if quietFlag {
			debug.SetQuiet(true)
		}
		var err error
		cfg, vipr, err = config.Load(cfgPath)
		return err
	},
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable output")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "suppress non-essential output")

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStore connects using the loaded config and initializes the schema.
func openStore(ctx context.Context) (*mysql.Store, error) {
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn not configured (set POSLOADER_DATABASE_DSN or the config file)")
	}
	store, err := mysql.Open(cfg.Database.DSN, mysql.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
