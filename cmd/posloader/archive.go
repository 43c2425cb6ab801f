package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fundops/positionloader/internal/types"
)

var archiveCutoff string

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move closed position versions older than the cutoff to the archive table",
	RunE:  runArchive,
}

func init() {
	archiveCmd.Flags().StringVar(&archiveCutoff, "cutoff", "", "archive versions closed before this date, YYYY-MM-DD (required)")
	archiveCmd.MarkFlagRequired("cutoff")
	rootCmd.AddCommand(archiveCmd)
}

func runArchive(cmd *cobra.Command, args []string) error {
	if !cfg.Features.Archival {
		return fmt.Errorf("archival is disabled (set features.archival: true)")
	}
	cutoff, err := types.ParseDate(archiveCutoff)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	moved, err := store.Archive(cmd.Context(), cutoff)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"cutoff": cutoff, "archived": moved})
	}
	fmt.Printf("Archived %d closed versions older than %s\n", moved, cutoff)
	return nil
}
