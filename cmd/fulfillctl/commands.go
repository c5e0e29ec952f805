package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/iliamunaev/media-order-fulfillment/internal/app"
	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
	"github.com/iliamunaev/media-order-fulfillment/internal/config"
)

func reconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, app.NewLogger(cfg.Log, os.Stderr))
			if err != nil {
				return err
			}
			defer a.Close()

			return printJSON(cmd.OutOrStdout(), a.Poller.Tick(cmd.Context()))
		},
	}
}

func orderCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect stored orders",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <order-id>",
		Short: "Print the stored record of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			st, closeStore, err := app.OpenStore(cfg.Store, app.NewLogger(cfg.Log, os.Stderr))
			if err != nil {
				return err
			}
			defer closeStore()

			o, found, err := st.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%s: %w", args[0], apperr.ErrOrderNotFound)
			}
			return printJSON(cmd.OutOrStdout(), o)
		},
	})
	return cmd
}

func configCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := cfg.WriteYAML(cmd.OutOrStdout()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
