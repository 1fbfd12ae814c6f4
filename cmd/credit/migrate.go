package main

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/skechum/internal/store/migrations"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [" + strings.Join(migrations.Commands, "|") + "] [args]",
		Short: "Apply or inspect database migrations",
		Long: "Runs the embedded goose migrations against PostgreSQL. For sqlite only \"up\" is " +
			"supported and the schema is auto-migrated from the models.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			global, err := loadGlobalConfig(v)
			if err != nil {
				return err
			}
			gormDB, cleanup, driver, err := openDatabase(cmd.Context(), global.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer func() { _ = cleanup() }()

			command := strings.ToLower(strings.TrimSpace(args[0]))
			if driver == driverSQLite {
				if command != "up" {
					return fmt.Errorf("migrate %s is only supported on postgres", command)
				}
				return prepareSchema(cmd.Context(), gormDB, driver)
			}
			sqlDB, err := gormDB.DB()
			if err != nil {
				return err
			}
			return migrations.Run(cmd.Context(), sqlDB, command, args[1:]...)
		},
	}
}
