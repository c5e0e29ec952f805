// Command fulfillctl runs the fulfillment service and its maintenance tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "fulfillctl",
		Short:         "Paid media generation order fulfillment",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(reconcileCmd(opts))
	rootCmd.AddCommand(orderCmd(opts))
	rootCmd.AddCommand(configCmd(opts))
	return rootCmd
}
