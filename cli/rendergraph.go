package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/derivekit/derive/resolver"
)

// RenderGraphOptions holds flags for the rendergraph command.
type RenderGraphOptions struct {
	*RootOptions
	Output string
}

// NewRenderGraphCommand creates the rendergraph command: the reduced
// dependency graph rendered as DOT, to stdout or a file.
func NewRenderGraphCommand(rootOpts *RootOptions, r *resolver.Resolver) *cobra.Command {
	opts := &RenderGraphOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:          "rendergraph",
		Short:        "Render the dependency graph as DOT",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.Initialize(true); err != nil {
				return err
			}
			g, err := r.Graph()
			if err != nil {
				return err
			}
			dot := g.DOT()
			if opts.Output == "" {
				fmt.Fprint(cmd.OutOrStdout(), dot)
				return nil
			}
			if err := os.WriteFile(opts.Output, []byte(dot), 0o644); err != nil {
				return fmt.Errorf("failed to write graph: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote graph to %s\n", opts.Output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}
