package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/and161185/mam-keeper/internal/migrate"
)

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			if cfg.Datastore.URI == "" {
				return errors.New("datastore.uri is required")
			}
			if err := migrate.Up(cmd.Context(), cfg.Datastore.URI); err != nil {
				return err
			}
			files, err := migrate.Files()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%d migrations)\n", len(files))
			return err
		},
	}
	cmd.Flags().String("datastore-uri", "", "PostgreSQL connection string")
	return cmd
}
