package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mail-dispatch-go/internal/app"
	"mail-dispatch-go/internal/config"
	"mail-dispatch-go/internal/model"
)

type runtimeKey struct{}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mail-dispatch",
		Short:         "Batch email dispatch worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			app.SetupLogging(cfg.Log)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, cfg))
			return nil
		},
	}

	root.AddCommand(newServeCommand(), newDispatchCommand(), newStatsCommand())
	return root
}

func getConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(runtimeKey{}).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the dispatch scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			return app.Run(cfg)
		},
	}
}

func newDispatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run exactly one dispatch cycle and print its result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Scheduler.Trigger(cmd.Context())
			if err != nil {
				return fmt.Errorf("dispatch cycle failed: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"processed": result.Processed(),
				"has_more":  result.HasMore,
				"remaining": result.Remaining,
				"sent":      result.Sent,
				"retried":   result.Retried,
				"failed":    result.Failed,
				"released":  result.Released,
			})
		},
	}
}

func newStatsCommand() *cobra.Command {
	var filter model.CountFilter

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queued email counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}

			store, closeStore, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			counts, err := store.CountByStatus(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("failed to count queued emails: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"counts": counts,
				"total":  counts.Total(),
			})
		},
	}

	cmd.Flags().StringVar(&filter.BatchID, "batch", "", "Only count members of this batch")
	cmd.Flags().StringVar(&filter.OwnerID, "owner", "", "Only count emails of this owner")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
