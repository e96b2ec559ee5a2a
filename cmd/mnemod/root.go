package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root mnemod command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mnemod",
		Short:         "Durable knowledge graph daemon",
		Long:          "mnemod serves a durable concept graph over a binary TCP protocol,\nwith an HTTP admin endpoint for health, stats and Prometheus metrics.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	root.AddCommand(
		newServeCmd(),
		newRestoreCmd(),
		newVersionCmd(),
	)

	return root
}
