package cli

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.Migrate(); err != nil {
				return err
			}
			a.logger.Info("schema up to date", "dialect", a.store.Dialect(), "dsn", a.store.Path())
			return nil
		},
	}
}
