package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/flexrag/syncd/internal/bridge"
	"github.com/flexrag/syncd/internal/detect"
	"github.com/flexrag/syncd/internal/engine"
	"github.com/flexrag/syncd/internal/state"
)

func newSyncNowCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sync-now [config-id]",
		Short: "Run one reconciliation pass immediately",
		Long: "Runs a single reconciliation pass for one source (or all active " +
			"sources with --all) and waits for it to finish. Intended for " +
			"one-shot use; a running daemon schedules its own passes.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("provide exactly one of <config-id> or --all")
			}

			if err := cli.cfg.ValidateDaemon(); err != nil {
				return err
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var configs []*state.DatasourceConfig

			if all {
				configs, err = store.ListActiveConfigs(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				cfg, err := store.GetConfig(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				configs = append(configs, cfg)
			}

			var firstErr error

			for _, cfg := range configs {
				if err := syncOnce(cmd.Context(), store, cfg); err != nil {
					cli.logger.Error("sync failed",
						slog.String("config_id", cfg.ConfigID),
						slog.String("error", err.Error()),
					)

					if firstErr == nil {
						firstErr = err
					}

					continue
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s: synced\n", cfg.ConfigID)
			}

			return firstErr
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "sync every active source")

	return cmd
}

// syncOnce runs a single reconciliation pass for one source with a
// fresh detector and engine.
func syncOnce(ctx context.Context, store *state.Store, cfg *state.DatasourceConfig) error {
	detector, err := detect.New(ctx, cfg, cli.logger)
	if err != nil {
		return err
	}

	eng := engine.New(&engine.Config{
		Store:         store,
		Source:        cfg,
		Detector:      detector,
		Processor:     bridge.NewProcessor(cli.cfg.Processor.URL, cli.logger),
		Vector:        bridge.NewWriter(cli.cfg.Writers.VectorURL, cli.logger),
		Search:        bridge.NewWriter(cli.cfg.Writers.SearchURL, cli.logger),
		Graph:         bridge.NewWriter(cli.cfg.Writers.GraphURL, cli.logger),
		Logger:        cli.logger,
		Workers:       cli.cfg.Workers,
		WriterTimeout: cli.cfg.WriterTimeout(),
	})

	return eng.RunOnce(ctx)
}
