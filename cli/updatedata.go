package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/derivekit/derive/orm"
	"github.com/derivekit/derive/resolver"
)

// NewUpdateDataCommand creates the updatedata command: a full recompute of
// every computed field in the database, restoring consistency after
// out-of-band changes.
func NewUpdateDataCommand(rootOpts *RootOptions, r *resolver.Resolver, db *orm.DB) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "updatedata",
		Short:        "Recompute all computed fields from their sources",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.Initialize(false); err != nil {
				return err
			}
			models := r.ComputedModelNames()
			if err := r.Resync(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resynced %d model(s)\n", len(models))
			return nil
		},
	}
	return cmd
}
