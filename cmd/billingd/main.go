package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/quizforge/billing/internal/catalog"
	"github.com/quizforge/billing/internal/httpapi"
	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/reconcile"
	"github.com/quizforge/billing/internal/store/gormstore"
	"github.com/quizforge/billing/internal/subscription"
	"github.com/quizforge/billing/internal/webhook"
)

const (
	flagDatabaseURL          = "database-url"
	flagListenAddr           = "listen-addr"
	flagWebhookSecret        = "webhook-secret"
	flagAPISigningKey        = "api-signing-key"
	flagAPITokenIssuer       = "api-token-issuer"
	flagAllowedOrigins       = "allowed-origins"
	flagCatalogFile          = "catalog-file"
	flagProviderURL          = "provider-url"
	flagProviderAPIKey       = "provider-api-key"
	flagSweepInterval        = "sweep-interval"
	flagGrantInterval        = "grant-interval"
	flagReconcileInterval    = "reconcile-interval"
	flagReconcileWindowHours = "reconcile-window-hours"

	configKeyDatabaseURL          = "database_url"
	configKeyListenAddr           = "listen_addr"
	configKeyWebhookSecret        = "webhook_secret"
	configKeyAPISigningKey        = "api_signing_key"
	configKeyAPITokenIssuer       = "api_token_issuer"
	configKeyAllowedOrigins       = "allowed_origins"
	configKeyCatalogFile          = "catalog_file"
	configKeyProviderURL          = "provider_url"
	configKeyProviderAPIKey       = "provider_api_key"
	configKeySweepInterval        = "sweep_interval"
	configKeyGrantInterval        = "grant_interval"
	configKeyReconcileInterval    = "reconcile_interval"
	configKeyReconcileWindowHours = "reconcile_window_hours"

	defaultDatabaseURL     = "sqlite:///tmp/billing.db"
	defaultListenAddr      = ":8080"
	defaultCatalogFile     = "catalog.yaml"
	defaultSweepInterval   = time.Minute
	defaultGrantInterval   = time.Hour
	defaultReconcileEvery  = time.Hour
	defaultReconcileWindow = 24
)

type runtimeConfig struct {
	DatabaseURL          string
	ListenAddr           string
	WebhookSecret        string
	APISigningKey        string
	APITokenIssuer       string
	AllowedOrigins       []string
	CatalogFile          string
	ProviderURL          string
	ProviderAPIKey       string
	SweepInterval        time.Duration
	GrantInterval        time.Duration
	ReconcileInterval    time.Duration
	ReconcileWindowHours int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billingd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "billingd",
		Short:         "Credit ledger and billing reconciliation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagWebhookSecret, "", "shared HMAC secret for provider webhooks")
	cmd.Flags().String(flagAPISigningKey, "", "HS256 key for internal api service tokens (empty disables auth)")
	cmd.Flags().String(flagAPITokenIssuer, "quizforge", "required issuer claim on service tokens")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagCatalogFile, defaultCatalogFile, "YAML price catalog path")
	cmd.Flags().String(flagProviderURL, "", "payment provider reporting API base url (empty disables reconciliation loop)")
	cmd.Flags().String(flagProviderAPIKey, "", "payment provider reporting API key")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "reservation expiry sweep interval")
	cmd.Flags().Duration(flagGrantInterval, defaultGrantInterval, "subscription grant pass interval")
	cmd.Flags().Duration(flagReconcileInterval, defaultReconcileEvery, "reconciliation pass interval")
	cmd.Flags().Int(flagReconcileWindowHours, defaultReconcileWindow, "trailing window reconciled per pass")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:          "DATABASE_URL",
		configKeyListenAddr:           "LISTEN_ADDR",
		configKeyWebhookSecret:        "WEBHOOK_SECRET",
		configKeyAPISigningKey:        "API_SIGNING_KEY",
		configKeyAPITokenIssuer:       "API_TOKEN_ISSUER",
		configKeyAllowedOrigins:       "ALLOWED_ORIGINS",
		configKeyCatalogFile:          "CATALOG_FILE",
		configKeyProviderURL:          "PROVIDER_URL",
		configKeyProviderAPIKey:       "PROVIDER_API_KEY",
		configKeySweepInterval:        "SWEEP_INTERVAL",
		configKeyGrantInterval:        "GRANT_INTERVAL",
		configKeyReconcileInterval:    "RECONCILE_INTERVAL",
		configKeyReconcileWindowHours: "RECONCILE_WINDOW_HOURS",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:          flagDatabaseURL,
		configKeyListenAddr:           flagListenAddr,
		configKeyWebhookSecret:        flagWebhookSecret,
		configKeyAPISigningKey:        flagAPISigningKey,
		configKeyAPITokenIssuer:       flagAPITokenIssuer,
		configKeyAllowedOrigins:       flagAllowedOrigins,
		configKeyCatalogFile:          flagCatalogFile,
		configKeyProviderURL:          flagProviderURL,
		configKeyProviderAPIKey:       flagProviderAPIKey,
		configKeySweepInterval:        flagSweepInterval,
		configKeyGrantInterval:        flagGrantInterval,
		configKeyReconcileInterval:    flagReconcileInterval,
		configKeyReconcileWindowHours: flagReconcileWindowHours,
	}
	for configKey, flagName := range flags {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.APISigningKey = viper.GetString(configKeyAPISigningKey)
	cfg.APITokenIssuer = viper.GetString(configKeyAPITokenIssuer)
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.CatalogFile = viper.GetString(configKeyCatalogFile)
	cfg.ProviderURL = viper.GetString(configKeyProviderURL)
	cfg.ProviderAPIKey = viper.GetString(configKeyProviderAPIKey)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.GrantInterval = viper.GetDuration(configKeyGrantInterval)
	cfg.ReconcileInterval = viper.GetDuration(configKeyReconcileInterval)
	cfg.ReconcileWindowHours = viper.GetInt(configKeyReconcileWindowHours)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.CatalogFile == "" {
		return fmt.Errorf("catalog file is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	store := gormstore.New(gormDB)
	if err := prepareSchema(store, driver); err != nil {
		return err
	}

	priceCatalog, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("catalog load: %w", err)
	}
	logger.Info("catalog loaded", zap.String("path", cfg.CatalogFile), zap.Int("prices", priceCatalog.Size()))

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock, ledger.WithOperationLogger(ledger.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	verifier, err := webhook.NewVerifier([]byte(cfg.WebhookSecret))
	if err != nil {
		return fmt.Errorf("webhook verifier init: %w", err)
	}
	processor, err := webhook.NewProcessor(store, ledgerService, priceCatalog, logger)
	if err != nil {
		return fmt.Errorf("webhook processor init: %w", err)
	}
	aggregator, err := reconcile.NewAggregator(store)
	if err != nil {
		return fmt.Errorf("aggregator init: %w", err)
	}

	var provider reconcile.ProviderClient
	if cfg.ProviderURL != "" {
		provider, err = reconcile.NewHTTPProviderClient(cfg.ProviderURL, cfg.ProviderAPIKey, nil)
		if err != nil {
			return fmt.Errorf("provider client init: %w", err)
		}
	} else {
		logger.Warn("provider url not configured, reconciliation runs against an empty order list")
		provider = emptyProvider{}
	}
	reconciler, err := reconcile.NewReconciler(provider, store, priceCatalog, logger, clock)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	scheduler, err := subscription.NewScheduler(store, ledgerService, logger, clock, cfg.GrantInterval)
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	sweeper := ledger.NewSweeper(ledgerService, logger, cfg.SweepInterval, ledger.DefaultSweepBatchSize)

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		WebhookSecret:  cfg.WebhookSecret,
		APISigningKey:  cfg.APISigningKey,
		APITokenIssuer: cfg.APITokenIssuer,
	}, logger, ledgerService, verifier, processor, aggregator, reconciler)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	go func() { _ = sweeper.Run(ctx) }()
	go func() { _ = scheduler.Run(ctx) }()
	if cfg.ProviderURL != "" {
		go func() { _ = reconciler.Run(ctx, cfg.ReconcileInterval, cfg.ReconcileWindowHours) }()
	}

	return server.Run(ctx)
}

type emptyProvider struct{}

func (emptyProvider) ListOrders(context.Context, int64, int64) ([]reconcile.ProviderOrder, error) {
	return nil, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == "sqlite" {
		// sqlite allows one writer at a time; a single pooled connection
		// queues concurrent transactions instead of surfacing busy errors.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "billing.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(store *gormstore.Store, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
