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

	"github.com/MarkoPoloResearchLab/wallet/internal/httpserver"
	"github.com/MarkoPoloResearchLab/wallet/internal/idempotency"
	"github.com/MarkoPoloResearchLab/wallet/internal/reconcilejob"
	"github.com/MarkoPoloResearchLab/wallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/wallet/pkg/fxrate"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagUnitCurrency       = "unit-currency"
	flagDefaultTenant      = "default-tenant"
	flagWalletEnabled      = "wallet-enabled"
	flagRequireIdemKey     = "require-idempotency-key"
	flagIdemRetention      = "idempotency-retention"
	flagReconcileSchedule  = "reconcile-schedule"
	flagReconcileTenants   = "reconcile-tenants"
	flagAutoRepair         = "auto-repair"
	flagAutoRepairMaxDrift = "auto-repair-max-drift"

	configKeyDatabaseURL        = "database_url"
	configKeyListenAddr         = "listen_addr"
	configKeyAllowedOrigins     = "allowed_origins"
	configKeyUnitCurrency       = "unit_currency"
	configKeyDefaultTenant      = "default_tenant"
	configKeyWalletEnabled      = "wallet_enabled"
	configKeyRequireIdemKey     = "require_idempotency_key"
	configKeyIdemRetention      = "idempotency_retention"
	configKeyReconcileSchedule  = "reconcile_schedule"
	configKeyReconcileTenants   = "reconcile_tenants"
	configKeyAutoRepair         = "auto_repair"
	configKeyAutoRepairMaxDrift = "auto_repair_max_drift"

	defaultDatabaseURL = "sqlite:///tmp/wallet.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	AllowedOrigins     string
	UnitCurrency       string
	DefaultTenant      string
	WalletEnabled      bool
	RequireIdemKey     bool
	IdemRetention      time.Duration
	ReconcileSchedule  string
	ReconcileTenants   string
	AutoRepair         bool
	AutoRepairMaxDrift string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Wallet transfer engine HTTP server",
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
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagUnitCurrency, wallet.DefaultUnitCurrency, "unit-of-account currency code")
	cmd.Flags().String(flagDefaultTenant, "", "tenant id assumed when a request omits tenant_id")
	cmd.Flags().Bool(flagWalletEnabled, true, "serve wallet routes (false refuses wallet traffic)")
	cmd.Flags().Bool(flagRequireIdemKey, false, "reject mutating requests without an Idempotency-Key header")
	cmd.Flags().Duration(flagIdemRetention, idempotency.DefaultRetention, "idempotency record retention window")
	cmd.Flags().String(flagReconcileSchedule, reconcilejob.DefaultSchedule, "cron schedule for reconciliation sweeps")
	cmd.Flags().String(flagReconcileTenants, "", "comma-delimited tenant ids to sweep")
	cmd.Flags().Bool(flagAutoRepair, false, "auto-repair drift within the threshold during sweeps")
	cmd.Flags().String(flagAutoRepairMaxDrift, "0.01", "largest absolute drift eligible for auto-repair")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:        "DATABASE_URL",
		configKeyListenAddr:         "HTTP_LISTEN_ADDR",
		configKeyAllowedOrigins:     "ALLOWED_ORIGINS",
		configKeyUnitCurrency:       "UNIT_CURRENCY",
		configKeyDefaultTenant:      "DEFAULT_TENANT_ID",
		configKeyWalletEnabled:      "WALLET_ENABLED",
		configKeyRequireIdemKey:     "REQUIRE_IDEMPOTENCY_KEY",
		configKeyIdemRetention:      "IDEMPOTENCY_RETENTION",
		configKeyReconcileSchedule:  "RECONCILE_SCHEDULE",
		configKeyReconcileTenants:   "RECONCILE_TENANTS",
		configKeyAutoRepair:         "AUTO_REPAIR",
		configKeyAutoRepairMaxDrift: "AUTO_REPAIR_MAX_DRIFT",
	}
	for key, envName := range envBindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:        flagDatabaseURL,
		configKeyListenAddr:         flagListenAddr,
		configKeyAllowedOrigins:     flagAllowedOrigins,
		configKeyUnitCurrency:       flagUnitCurrency,
		configKeyDefaultTenant:      flagDefaultTenant,
		configKeyWalletEnabled:      flagWalletEnabled,
		configKeyRequireIdemKey:     flagRequireIdemKey,
		configKeyIdemRetention:      flagIdemRetention,
		configKeyReconcileSchedule:  flagReconcileSchedule,
		configKeyReconcileTenants:   flagReconcileTenants,
		configKeyAutoRepair:         flagAutoRepair,
		configKeyAutoRepairMaxDrift: flagAutoRepairMaxDrift,
	}
	for key, flagName := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.UnitCurrency = viper.GetString(configKeyUnitCurrency)
	cfg.DefaultTenant = viper.GetString(configKeyDefaultTenant)
	cfg.WalletEnabled = viper.GetBool(configKeyWalletEnabled)
	cfg.RequireIdemKey = viper.GetBool(configKeyRequireIdemKey)
	cfg.IdemRetention = viper.GetDuration(configKeyIdemRetention)
	cfg.ReconcileSchedule = viper.GetString(configKeyReconcileSchedule)
	cfg.ReconcileTenants = viper.GetString(configKeyReconcileTenants)
	cfg.AutoRepair = viper.GetBool(configKeyAutoRepair)
	cfg.AutoRepairMaxDrift = viper.GetString(configKeyAutoRepairMaxDrift)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
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

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	unitCurrency, err := wallet.NewCurrencyCode(cfg.UnitCurrency)
	if err != nil {
		return fmt.Errorf("unit currency: %w", err)
	}
	walletService, err := wallet.NewService(store, clock,
		wallet.WithUnitCurrency(unitCurrency),
		wallet.WithOperationLogger(&zapOperationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}

	guard, err := idempotency.NewGuard(store, clock,
		idempotency.WithRetention(cfg.IdemRetention),
		idempotency.WithRequireKey(cfg.RequireIdemKey),
		idempotency.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("idempotency guard init: %w", err)
	}

	converter := fxrate.New(unitCurrency.String(), fxrate.WithLogger(logger))

	autoRepairMaxDrift, err := wallet.NewAmountFromString(cfg.AutoRepairMaxDrift)
	if err != nil {
		return fmt.Errorf("auto repair threshold: %w", err)
	}
	sweepJob, err := reconcilejob.New(reconcilejob.Config{
		Schedule:            cfg.ReconcileSchedule,
		TenantIDs:           splitList(cfg.ReconcileTenants),
		AutoRepair:          cfg.AutoRepair,
		AutoRepairThreshold: autoRepairMaxDrift,
	}, walletService, logger)
	if err != nil {
		return fmt.Errorf("reconcile job init: %w", err)
	}
	sweepJob.Start()
	defer sweepJob.Stop()

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:            cfg.ListenAddr,
		AllowedOrigins:        httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		DefaultTenantID:       cfg.DefaultTenant,
		WalletEnabled:         cfg.WalletEnabled,
		RequireIdempotencyKey: cfg.RequireIdemKey,
		IdempotencyRetention:  cfg.IdemRetention,
	}, httpserver.Dependencies{
		Logger:    logger,
		Wallet:    walletService,
		Guard:     guard,
		Converter: converter,
	})
}

// zapOperationLogger bridges wallet operation callbacks onto zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(ctx context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("tenant_id", entry.TenantID.String()),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("transaction_id", entry.TransactionID.String()),
		zap.String("amount", entry.Amount.String()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		adapter.logger.Warn("wallet operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("wallet operation", fields...)
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
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
			path = "wallet.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(
		&gormstore.Account{},
		&gormstore.Transaction{},
		&gormstore.Entry{},
		&gormstore.IdempotencyRecord{},
		&gormstore.BalanceRepair{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
