package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexrag/syncd/internal/state"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-source sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			configs, err := store.ListConfigs(cmd.Context())
			if err != nil {
				return err
			}

			printConfigTable(cmd, configs)

			return nil
		},
	}
}

// printConfigTable renders configs as an aligned table on the command's
// stdout.
func printConfigTable(cmd *cobra.Command, configs []*state.DatasourceConfig) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "CONFIG ID\tTYPE\tNAME\tACTIVE\tSTATUS\tLAST SYNC\tLAST ERROR")

	for _, cfg := range configs {
		lastSync := "never"
		if !cfg.LastSyncCompletedAt.IsZero() {
			lastSync = cfg.LastSyncCompletedAt.Format(time.RFC3339)
		}

		lastErr := cfg.LastError
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\t%s\n",
			cfg.ConfigID, cfg.SourceType, cfg.SourceName,
			cfg.IsActive, cfg.SyncStatus, lastSync, lastErr)
	}
}
