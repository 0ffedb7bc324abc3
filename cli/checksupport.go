package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/derivekit/derive/fastupdate"
	"github.com/derivekit/derive/orm"
)

// NewCheckSupportCommand creates the checksupport command: a probe of the
// connected database for fast bulk-write support.
func NewCheckSupportCommand(rootOpts *RootOptions, db *orm.DB) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "checksupport",
		Short:        "Check whether the database supports fast bulk updates",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := fastupdate.CheckSupport(cmd.Context(), db)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "fast update supported (%s)\n", db.Dialect())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fast update not supported (%s), naive path will be used\n", db.Dialect())
			return nil
		},
	}
	return cmd
}
