package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables or indexes and the global conversation, then exit",
		Long: `Prepare the configured store without starting the server.

For postgres and sqlite this runs the schema migration; for mongo it creates
the indexes. Both seed the global conversation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), rootOpts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			global, err := st.EnsureGlobalConversation(cmd.Context())
			if err != nil {
				return fmt.Errorf("ensure global conversation: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "store ready (%s), global conversation %s\n", driverName(rootOpts.cfg.DBDriver), global.ID)
			return nil
		},
	}
}

func driverName(driver string) string {
	if driver == "" {
		return "postgres"
	}
	return driver
}
