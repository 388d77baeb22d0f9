// Package cli assembles the inspectd command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Config  string
}

// NewRootCommand creates the root command for the inspectd daemon.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "inspectd",
		Short: "Measurement file ingestion daemon",
		Long: `inspectd watches a drop directory for tube inspection machine exports,
merges each measurement set into the active load's batch record, and
pushes dimensional corrections to operator terminals over TCP.`,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to YAML config file")

	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}
