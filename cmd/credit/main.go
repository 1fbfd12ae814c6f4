package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	flagConfigFile  = "config"
	flagDatabaseURL = "database-url"
	flagStoreDriver = "store-driver"
	flagEnvironment = "environment"
	envPrefix       = "CREDITD"
	defaultDatabase = "sqlite:///tmp/creditd.db"
	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"
)

// globalConfig is shared by every subcommand.
type globalConfig struct {
	DatabaseURL string
	StoreDriver string
	Environment string
}

func main() {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger, payment reconciliation and paid generations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String(flagConfigFile, "", "optional YAML file with styles, plans and any flag value")
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabase, "postgres:// or sqlite:// connection string")
	cmd.PersistentFlags().String(flagStoreDriver, storeDriverGorm, "ledger store implementation: gorm or pgx (postgres only)")
	cmd.PersistentFlags().String(flagEnvironment, "production", "development or production")

	cmd.AddCommand(newServeCommand(), newMigrateCommand(), newGrantCommand())
	return cmd
}

// newViper binds env vars, the optional config file and every flag of cmd.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	if configFile := strings.TrimSpace(v.GetString(flagConfigFile)); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

func loadGlobalConfig(v *viper.Viper) (globalConfig, error) {
	cfg := globalConfig{
		DatabaseURL: strings.TrimSpace(v.GetString(flagDatabaseURL)),
		StoreDriver: strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver))),
		Environment: strings.ToLower(strings.TrimSpace(v.GetString(flagEnvironment))),
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabase
	}
	switch cfg.StoreDriver {
	case "":
		cfg.StoreDriver = storeDriverGorm
	case storeDriverGorm, storeDriverPgx:
	default:
		return globalConfig{}, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == storeDriverPgx {
		driver, _, err := resolveDriver(cfg.DatabaseURL)
		if err != nil {
			return globalConfig{}, err
		}
		if driver != driverPostgres {
			return globalConfig{}, fmt.Errorf("store driver %q requires a postgres database url", storeDriverPgx)
		}
	}
	return cfg, nil
}
