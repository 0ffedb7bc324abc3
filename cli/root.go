// Package cli provides the management commands an embedding application
// mounts next to its own: building the persisted map artifact, resyncing
// computed field data, probing bulk-write support and rendering the
// dependency graph. The resolver and database handle are injected; the
// commands never construct them.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/derivekit/derive/orm"
	"github.com/derivekit/derive/resolver"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the root of the management command tree for the
// given resolver and database.
func NewRootCommand(r *resolver.Resolver, db *orm.DB) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Manage computed field state and maps",
		Long:  "Management commands for the computed field engine: map building, data resync, backend inspection.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.Verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewCreateMapCommand(opts, r))
	cmd.AddCommand(NewUpdateDataCommand(opts, r, db))
	cmd.AddCommand(NewCheckSupportCommand(opts, db))
	cmd.AddCommand(NewRenderGraphCommand(opts, r))

	return cmd
}
