package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flexrag/syncd/internal/detect"
	"github.com/flexrag/syncd/internal/state"
)

func newSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage monitored datasources",
	}

	cmd.AddCommand(
		newSourceAddCmd(),
		newSourceListCmd(),
		newSourceRemoveCmd(),
		newSourceSetActiveCmd("enable", true),
		newSourceSetActiveCmd("disable", false),
	)

	return cmd
}

func newSourceAddCmd() *cobra.Command {
	var (
		sourceType string
		name       string
		project    string
		params     string
		paramsFile string
		interval   int
		skipGraph  bool
		noStream   bool
		inactive   bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new datasource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw := json.RawMessage(params)

			if paramsFile != "" {
				data, err := os.ReadFile(paramsFile)
				if err != nil {
					return fmt.Errorf("reading params file: %w", err)
				}

				raw = data
			}

			if !json.Valid(raw) {
				return fmt.Errorf("connection params are not valid JSON")
			}

			cfg := &state.DatasourceConfig{
				ConfigID:               uuid.NewString(),
				ProjectID:              project,
				SourceType:             state.SourceType(sourceType),
				SourceName:             name,
				ConnectionParams:       raw,
				RefreshIntervalSeconds: interval,
				EnableChangeStream:     !noStream,
				SkipGraph:              skipGraph,
				IsActive:               !inactive,
			}

			// Fail fast on unknown types or misshapen params: the
			// factory is the authority on both.
			if _, err := detect.New(cmd.Context(), cfg, cli.logger); err != nil {
				return err
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.UpsertConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)

			return nil
		},
	}

	cmd.Flags().StringVar(&sourceType, "type", "",
		"source type (filesystem, s3, azure_blob, gcs, google_drive, alfresco, box, msgraph)")
	cmd.Flags().StringVar(&name, "name", "", "human-readable source label")
	cmd.Flags().StringVar(&project, "project", "default", "project / namespace tag")
	cmd.Flags().StringVar(&params, "params", "{}", "connection params as inline JSON")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "connection params from a JSON file")
	cmd.Flags().IntVar(&interval, "interval", 300, "reconciliation interval in seconds")
	cmd.Flags().BoolVar(&skipGraph, "skip-graph", false, "bypass the graph writer for this source")
	cmd.Flags().BoolVar(&noStream, "no-change-stream", false, "periodic polling only, no event stream")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "register without starting to monitor")

	cobra.CheckErr(cmd.MarkFlagRequired("type"))
	cobra.CheckErr(cmd.MarkFlagRequired("name"))

	return cmd
}

func newSourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered datasources",
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

func newSourceRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <config-id>",
		Short: "Delete a datasource (stops monitoring; indexed documents remain)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			return store.DeleteConfig(cmd.Context(), args[0])
		},
	}
}

func newSourceSetActiveCmd(verb string, active bool) *cobra.Command {
	short := "Stop monitoring a datasource"
	if active {
		short = "Resume monitoring a datasource"
	}

	return &cobra.Command{
		Use:   verb + " <config-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.GetConfig(cmd.Context(), args[0]); err != nil {
				return err
			}

			if err := store.SetActive(cmd.Context(), args[0], active); err != nil {
				return err
			}

			if active {
				cleared := ""
				return store.UpdateConfigStatus(cmd.Context(),
					args[0], state.StatusIdle, 0, &cleared)
			}

			return nil
		},
	}
}
