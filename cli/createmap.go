package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/derivekit/derive/resolver"
)

// NewCreateMapCommand creates the createmap command: a full graph reduction
// written as the persisted map artifact.
func NewCreateMapCommand(rootOpts *RootOptions, r *resolver.Resolver) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "createmap",
		Short:        "Build the dependency maps and write the map artifact",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.Initialize(true); err != nil {
				return err
			}
			if err := r.WriteMap(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote map artifact (hash %.12s)\n", r.ModelHash())
			return nil
		},
	}
	return cmd
}
