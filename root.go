package main

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/flexrag/syncd/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagVerbose    bool
)

// cli bundles the loaded configuration and logger. Populated once
// in PersistentPreRunE, before any subcommand runs.
var cli struct {
	cfg    *config.Config
	logger *slog.Logger
}

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncd",
		Short: "Incremental index synchronization daemon",
		Long: "syncd keeps vector, full-text and graph indexes in sync with " +
			"external document repositories: filesystems, S3, Azure Blob, GCS, " +
			"Google Drive, Alfresco, Box and Microsoft Graph drives.",
		Version: version,
		// Silence Cobra's default error/usage printing — main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}

			if flagVerbose {
				cfg.LogLevel = "debug"
			}

			cli.cfg = cfg
			cli.logger = buildLogger(cfg)

			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", defaultConfigPath(),
		"path to syncd.toml")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"debug logging")

	cmd.AddCommand(
		newRunCmd(),
		newSourceCmd(),
		newSyncNowCmd(),
		newStatusCmd(),
	)

	return cmd
}

// buildLogger constructs the process logger: text on a terminal, JSON
// when piped, honoring an explicit log_format either way.
func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	format := cfg.LogFormat
	if format == "auto" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// defaultConfigPath looks for syncd.toml next to the state directory
// conventions: $XDG_CONFIG_HOME/syncd/syncd.toml or ~/.config/syncd/.
func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir + "/syncd/syncd.toml"
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "syncd.toml"
	}

	return home + "/.config/syncd/syncd.toml"
}
