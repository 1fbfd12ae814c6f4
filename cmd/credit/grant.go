package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/internal/observability"
	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagGrantUser        = "user"
	flagGrantCredits     = "credits"
	flagGrantKey         = "idempotency-key"
	flagGrantDescription = "description"
	grantKeyPrefix       = "grant:"
)

type grantConfig struct {
	UserID         ledger.UserID
	Credits        ledger.Credits
	IdempotencyKey ledger.IdempotencyKey
	Description    string
}

func newGrantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit a user manually, e.g. for an invoice settled outside the payments provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			global, err := loadGlobalConfig(v)
			if err != nil {
				return err
			}
			grant, err := loadGrantConfig(v, uuid.NewString)
			if err != nil {
				return err
			}

			logger, err := observability.NewLogger(global.Environment)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			gormDB, cleanup, driver, err := openDatabase(ctx, global.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer func() { _ = cleanup() }()
			if err := prepareSchema(ctx, gormDB, driver); err != nil {
				return err
			}
			store, closeStore, err := openLedgerStore(ctx, global, gormDB)
			if err != nil {
				return err
			}
			defer closeStore()

			service, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() },
				ledger.WithOperationLogger(observability.NewOperationLogger(logger, nil)))
			if err != nil {
				return fmt.Errorf("ledger service init: %w", err)
			}
			balance, err := service.Grant(ctx, grant.UserID, grant.Credits, grant.IdempotencyKey, grant.Description)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %s (key %s); balance %d\n",
				grant.Credits.Int64(), grant.UserID.String(), grant.IdempotencyKey.String(), balance.Int64())
			return nil
		},
	}

	cmd.Flags().String(flagGrantUser, "", "user id to credit (required)")
	cmd.Flags().Int64(flagGrantCredits, 0, "credits to add (required)")
	cmd.Flags().String(flagGrantKey, "", "idempotency key; reusing a key makes the grant a no-op error")
	cmd.Flags().String(flagGrantDescription, "manual grant", "description stored on the credit log entry")

	return cmd
}

func loadGrantConfig(v *viper.Viper, newKey func() string) (grantConfig, error) {
	userID, err := ledger.NewUserID(v.GetString(flagGrantUser))
	if err != nil {
		return grantConfig{}, fmt.Errorf("%s: %w", flagGrantUser, err)
	}
	credits, err := ledger.NewPositiveCredits(v.GetInt64(flagGrantCredits))
	if err != nil {
		return grantConfig{}, fmt.Errorf("%s: %w", flagGrantCredits, err)
	}
	rawKey := strings.TrimSpace(v.GetString(flagGrantKey))
	if rawKey == "" {
		rawKey = grantKeyPrefix + newKey()
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(rawKey)
	if err != nil {
		return grantConfig{}, fmt.Errorf("%s: %w", flagGrantKey, err)
	}
	return grantConfig{
		UserID:         userID,
		Credits:        credits,
		IdempotencyKey: idempotencyKey,
		Description:    strings.TrimSpace(v.GetString(flagGrantDescription)),
	}, nil
}
