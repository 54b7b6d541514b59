// Package cli holds the bridge command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config string
}

// NewRootCommand creates the bridge root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Stream Materialize tables to Zero clients",
		Long: `bridge subscribes to tables in a Materialize region and replays their
changes to downstream Zero replication clients over the v0 change protocol.`,
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "bridge.hcl", "path to the HCL config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWatermarkCommand())

	return cmd
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}
