package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/internal/generation"
	"github.com/MarkoPoloResearchLab/skechum/internal/httpapi"
	"github.com/MarkoPoloResearchLab/skechum/internal/notify"
	"github.com/MarkoPoloResearchLab/skechum/internal/observability"
	"github.com/MarkoPoloResearchLab/skechum/internal/payments"
	"github.com/MarkoPoloResearchLab/skechum/internal/pricing"
	"github.com/MarkoPoloResearchLab/skechum/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/skechum/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagSignupGrant         = "signup-grant"
	flagHistoryLimit        = "history-limit"
	flagRequestTimeout      = "request-timeout"
	flagGenerationTimeout   = "generation-timeout"
	flagPollInterval        = "poll-interval"
	flagMaxPollAttempts     = "max-poll-attempts"
	flagWebhookSecret       = "webhook-secret"
	flagBroker              = "broker"
	flagRedisURL            = "redis-url"
	flagPaymentsBaseURL     = "payments-base-url"
	flagPaymentsAPIKey      = "payments-api-key"
	flagGenerationBaseURL   = "generation-base-url"
	flagGenerationAPIKey    = "generation-api-key"
	configKeyStyles         = "styles"
	configKeyPlans          = "plans"
	configKeyMinorPerCredit = "minor_units_per_credit"
	brokerMemory            = "memory"
	brokerRedis             = "redis"
)

type serveConfig struct {
	Global              globalConfig
	HTTP                httpapi.Config
	Generation          generation.Config
	Styles              map[string]pricing.StyleConfig
	Plans               map[string]int64
	MinorUnitsPerCredit int64
	Broker              string
	RedisURL            string
	PaymentsBaseURL     string
	PaymentsAPIKey      string
	GenerationBaseURL   string
	GenerationAPIKey    string
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the credit HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadServeConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "http://localhost:3000", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "JWT cookie name")
	cmd.Flags().Int64(flagSignupGrant, httpapi.DefaultSignupGrantCredits, "credits granted on a user's first request (0 disables the grant)")
	cmd.Flags().Int(flagHistoryLimit, 20, "default page size for history routes")
	cmd.Flags().Duration(flagRequestTimeout, 5*time.Second, "timeout for ledger and payment requests")
	cmd.Flags().Duration(flagGenerationTimeout, generation.DefaultTimeout, "generation polling budget (clamped to 25s..300s)")
	cmd.Flags().Duration(flagPollInterval, generation.DefaultPollInterval, "interval between provider status polls")
	cmd.Flags().Int(flagMaxPollAttempts, generation.DefaultMaxPollAttempts, "maximum provider status polls per generation")
	cmd.Flags().String(flagWebhookSecret, "", "HMAC secret for payment webhooks; the route is disabled when empty")
	cmd.Flags().String(flagBroker, brokerMemory, "balance change broker: memory or redis")
	cmd.Flags().String(flagRedisURL, "", "redis:// URL used when --broker=redis")
	cmd.Flags().String(flagPaymentsBaseURL, "", "payments provider API base URL (required)")
	cmd.Flags().String(flagPaymentsAPIKey, "", "payments provider API key (required)")
	cmd.Flags().String(flagGenerationBaseURL, "https://queue.fal.run", "generation provider queue API base URL")
	cmd.Flags().String(flagGenerationAPIKey, "", "generation provider API key (required)")

	return cmd
}

func loadServeConfig(v *viper.Viper) (serveConfig, error) {
	global, err := loadGlobalConfig(v)
	if err != nil {
		return serveConfig{}, err
	}
	cfg := serveConfig{
		Global: global,
		HTTP: httpapi.Config{
			ListenAddr:         strings.TrimSpace(v.GetString(flagListenAddr)),
			Environment:        global.Environment,
			AllowedOrigins:     httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
			SessionSigningKey:  v.GetString(flagJWTSigningKey),
			SessionIssuer:      strings.TrimSpace(v.GetString(flagJWTIssuer)),
			SessionCookieName:  strings.TrimSpace(v.GetString(flagJWTCookieName)),
			SignupGrantCredits: v.GetInt64(flagSignupGrant),
			HistoryLimit:       v.GetInt(flagHistoryLimit),
			RequestTimeout:     v.GetDuration(flagRequestTimeout),
			GenerationTimeout:  v.GetDuration(flagGenerationTimeout),
			WebhookSecret:      v.GetString(flagWebhookSecret),
		},
		Styles:              pricing.DefaultStyles(),
		Plans:               map[string]int64{},
		MinorUnitsPerCredit: pricing.DefaultMinorUnitsPerCredit,
		Broker:              strings.ToLower(strings.TrimSpace(v.GetString(flagBroker))),
		RedisURL:            strings.TrimSpace(v.GetString(flagRedisURL)),
		PaymentsBaseURL:     strings.TrimSpace(v.GetString(flagPaymentsBaseURL)),
		PaymentsAPIKey:      strings.TrimSpace(v.GetString(flagPaymentsAPIKey)),
		GenerationBaseURL:   strings.TrimSpace(v.GetString(flagGenerationBaseURL)),
		GenerationAPIKey:    strings.TrimSpace(v.GetString(flagGenerationAPIKey)),
	}
	if err := cfg.HTTP.Validate(); err != nil {
		return serveConfig{}, err
	}

	if v.IsSet(configKeyStyles) {
		styles := map[string]pricing.StyleConfig{}
		if err := v.UnmarshalKey(configKeyStyles, &styles); err != nil {
			return serveConfig{}, fmt.Errorf("parse %s: %w", configKeyStyles, err)
		}
		cfg.Styles = styles
	}
	if v.IsSet(configKeyPlans) {
		plans := map[string]int64{}
		if err := v.UnmarshalKey(configKeyPlans, &plans); err != nil {
			return serveConfig{}, fmt.Errorf("parse %s: %w", configKeyPlans, err)
		}
		cfg.Plans = plans
	}
	if v.IsSet(configKeyMinorPerCredit) {
		cfg.MinorUnitsPerCredit = v.GetInt64(configKeyMinorPerCredit)
	}

	cfg.Generation = generation.Config{
		PollInterval:    v.GetDuration(flagPollInterval),
		MaxPollAttempts: v.GetInt(flagMaxPollAttempts),
		Timeout:         cfg.HTTP.GenerationTimeout,
		RefundTimeout:   cfg.HTTP.RequestTimeout,
	}

	switch cfg.Broker {
	case "", brokerMemory:
		cfg.Broker = brokerMemory
	case brokerRedis:
		if cfg.RedisURL == "" {
			return serveConfig{}, fmt.Errorf("%s is required when %s=%s", flagRedisURL, flagBroker, brokerRedis)
		}
	default:
		return serveConfig{}, fmt.Errorf("unsupported broker %q", cfg.Broker)
	}
	for _, required := range []struct{ flag, value string }{
		{flagPaymentsBaseURL, cfg.PaymentsBaseURL},
		{flagPaymentsAPIKey, cfg.PaymentsAPIKey},
		{flagGenerationBaseURL, cfg.GenerationBaseURL},
		{flagGenerationAPIKey, cfg.GenerationAPIKey},
	} {
		if required.value == "" {
			return serveConfig{}, fmt.Errorf("%s is required", required.flag)
		}
	}
	return cfg, nil
}

func runServer(ctx context.Context, cfg serveConfig) error {
	logger, err := observability.NewLogger(cfg.Global.Environment)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.Global.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := prepareSchema(ctx, gormDB, driver); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	broker, err := openBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()
	observer := notify.NewObserver(broker, logger)

	ledgerStore, closeStore, err := openLedgerStore(ctx, cfg.Global, gormDB)
	if err != nil {
		return err
	}
	defer closeStore()

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(ledgerStore, clock,
		ledger.WithOperationLogger(observability.NewOperationLogger(logger, metrics)),
		ledger.WithBalanceObserver(observer),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	styles, err := pricing.NewStyleTable(cfg.Styles)
	if err != nil {
		return err
	}
	plans, err := pricing.NewPlanTable(cfg.Plans, cfg.MinorUnitsPerCredit)
	if err != nil {
		return err
	}

	verifier, err := payments.NewProviderClient(cfg.PaymentsBaseURL, cfg.PaymentsAPIKey)
	if err != nil {
		return err
	}
	// Payment rows and their purchase credit commit in one gorm transaction, so the
	// reconciler keeps a gorm store even when the ledger runs on pgx.
	reconciler, err := payments.NewReconciler(gormstore.NewPaymentStore(gormDB), verifier, service, plans,
		payments.WithObserver(observer),
		payments.WithLogger(logger),
		payments.WithClock(clock),
	)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	generationClient, err := generation.NewClient(cfg.GenerationBaseURL, cfg.GenerationAPIKey)
	if err != nil {
		return err
	}
	orchestrator, err := generation.NewOrchestrator(service, generationClient, gormstore.NewImageStore(gormDB), styles, cfg.Generation,
		generation.WithLogger(logger),
		generation.WithMetrics(metrics),
		generation.WithClock(clock),
	)
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	logger.Info("creditd starting",
		zap.String("database", driver),
		zap.String("store_driver", cfg.Global.StoreDriver),
		zap.String("broker", cfg.Broker),
		zap.Strings("styles", styles.Styles()),
	)
	return httpapi.Run(ctx, cfg.HTTP, httpapi.Dependencies{
		Credits:   service,
		Styles:    styles,
		Payments:  reconciler,
		Generator: orchestrator,
		Broker:    broker,
		Metrics:   metrics,
		Logger:    logger,
	})
}

func openBroker(ctx context.Context, cfg serveConfig, logger *zap.Logger) (notify.Broker, error) {
	if cfg.Broker != brokerRedis {
		return notify.NewMemoryBroker(), nil
	}
	client, err := notify.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return notify.NewRedisBroker(client, logger), nil
}

// openLedgerStore returns the ledger.Store for the configured driver and its cleanup.
func openLedgerStore(ctx context.Context, cfg globalConfig, gormDB *gorm.DB) (ledger.Store, func(), error) {
	if cfg.StoreDriver != storeDriverPgx {
		return gormstore.New(gormDB), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgx ping: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}
