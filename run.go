package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flexrag/syncd/internal/bridge"
	"github.com/flexrag/syncd/internal/state"
	"github.com/flexrag/syncd/internal/supervisor"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync supervisor for all active sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	if err := cli.cfg.ValidateDaemon(); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sup := supervisor.New(&supervisor.Config{
		Store:         store,
		Processor:     bridge.NewProcessor(cli.cfg.Processor.URL, cli.logger),
		Vector:        bridge.NewWriter(cli.cfg.Writers.VectorURL, cli.logger),
		Search:        bridge.NewWriter(cli.cfg.Writers.SearchURL, cli.logger),
		Graph:         bridge.NewWriter(cli.cfg.Writers.GraphURL, cli.logger),
		Logger:        cli.logger,
		Workers:       cli.cfg.Workers,
		WriterTimeout: cli.cfg.WriterTimeout(),
		ConfigRefresh: cli.cfg.ConfigRefresh(),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		return err
	}

	// Block until SIGINT/SIGTERM, then drain: engines first, detectors
	// second.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		cli.logger.Info("shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	cancel()
	sup.Stop()

	return nil
}

// openStore opens the state database from the loaded configuration,
// creating the parent directory on first use.
func openStore() (*state.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cli.cfg.DBPath), 0o700); err != nil {
		return nil, err
	}

	return state.Open(cli.cfg.DBPath, cli.logger)
}
