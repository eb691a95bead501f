package cli

import (
	"github.com/spf13/cobra"

	"slack-indexer/internal/checkpoint"
)

// NewSchemaCommand creates the schema command. It needs no configuration.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "schema",
		Short:         "Print the JSON Schema of the checkpoint files",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := checkpoint.SchemaJSON()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to render schema", err)
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		},
	}
}
