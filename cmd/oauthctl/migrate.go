package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-provider/internal/config"
	"github.com/giantswarm/oauth-provider/storage/postgres"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the PostgreSQL schema",
		Long:      "Applies every pending embedded migration (up, the default) or rolls all of them back (down).",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate requires the postgres storage driver, configured driver is %q", cfg.Storage.Driver)
			}

			store, err := postgres.New(cmd.Context(), cfg.Storage.Postgres.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if len(args) == 1 && args[0] == "down" {
				return postgres.MigrateDown(store.Pool(), logger)
			}
			return postgres.Migrate(store.Pool(), logger)
		},
	}
}
