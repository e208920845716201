package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/newsfacts-pipeline/internal/clock/system"
	iduuid "github.com/JakeFAU/newsfacts-pipeline/internal/id/uuid"
	pgstore "github.com/JakeFAU/newsfacts-pipeline/internal/storage/postgres"
)

func newMigrateCmd(configPath func() string) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Creates the task table in Postgres",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if printOnly {
				ddl, err := pgstore.Schema(cfg.Database.Table)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), ddl)
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn is required")
			}
			store, err := pgstore.NewTaskStore(cmd.Context(), pgstore.TaskStoreConfig{
				DSN:             cfg.Database.DSN,
				Table:           cfg.Database.Table,
				MaxConns:        cfg.Database.MaxConns,
				MinConns:        cfg.Database.MinConns,
				MaxConnLifetime: time.Duration(cfg.Database.MaxConnLifetimeSeconds) * time.Second,
			}, system.New(), iduuid.New())
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "table %s is ready\n", cfg.Database.Table)
			return err
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the DDL instead of applying it")
	return cmd
}
