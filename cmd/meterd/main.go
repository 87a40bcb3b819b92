package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/photoflow/metering/internal/httpapi"
	"github.com/photoflow/metering/internal/reclaim"
	"github.com/photoflow/metering/internal/store/gormstore"
	"github.com/photoflow/metering/internal/store/pgstore"
	"github.com/photoflow/metering/internal/zaplog"
	"github.com/photoflow/metering/pkg/metering"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagStoreBackend     = "store-backend"
	flagListenAddr       = "listen-addr"
	flagSweepSchedule    = "sweep-schedule"
	flagSecondsPerUnit   = "ttl-seconds-per-unit"
	flagTTLMinMinutes    = "ttl-min-minutes"
	flagTTLMaxMinutes    = "ttl-max-minutes"
	flagRefundZeroResult = "refund-zero-result"

	configKeyDatabaseURL      = "database_url"
	configKeyStoreBackend     = "store_backend"
	configKeyListenAddr       = "listen_addr"
	configKeySweepSchedule    = "sweep_schedule"
	configKeySecondsPerUnit   = "ttl_seconds_per_unit"
	configKeyTTLMinMinutes    = "ttl_min_minutes"
	configKeyTTLMaxMinutes    = "ttl_max_minutes"
	configKeyRefundZeroResult = "refund_zero_result"

	defaultDatabaseURL   = "sqlite:///tmp/metering.db"
	defaultListenAddr    = ":7100"
	defaultSweepSchedule = "*/5 * * * *"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"

	shutdownTimeout = 10 * time.Second
)

type runtimeConfig struct {
	DatabaseURL      string
	StoreBackend     string
	ListenAddr       string
	SweepSchedule    string
	SecondsPerUnit   int64
	TTLMinMinutes    int64
	TTLMaxMinutes    int64
	RefundZeroResult bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meterd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "meterd",
		Short:         "Metered-usage reservation and settlement engine",
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
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "store backend: gorm or pgx (pgx requires a postgres url)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSweepSchedule, defaultSweepSchedule, "cron schedule for the reclamation sweep")
	cmd.Flags().Int64(flagSecondsPerUnit, metering.DefaultTTLPolicy.SecondsPerUnit, "reservation TTL seconds budgeted per workload unit")
	cmd.Flags().Int64(flagTTLMinMinutes, metering.DefaultTTLPolicy.MinMinutes, "reservation TTL floor in minutes")
	cmd.Flags().Int64(flagTTLMaxMinutes, metering.DefaultTTLPolicy.MaxMinutes, "reservation TTL cap in minutes")
	cmd.Flags().Bool(flagRefundZeroResult, false, "refund units that completed without useful output")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:      "DATABASE_URL",
		configKeyStoreBackend:     "STORE_BACKEND",
		configKeyListenAddr:       "LISTEN_ADDR",
		configKeySweepSchedule:    "SWEEP_SCHEDULE",
		configKeySecondsPerUnit:   "TTL_SECONDS_PER_UNIT",
		configKeyTTLMinMinutes:    "TTL_MIN_MINUTES",
		configKeyTTLMaxMinutes:    "TTL_MAX_MINUTES",
		configKeyRefundZeroResult: "REFUND_ZERO_RESULT",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:      flagDatabaseURL,
		configKeyStoreBackend:     flagStoreBackend,
		configKeyListenAddr:       flagListenAddr,
		configKeySweepSchedule:    flagSweepSchedule,
		configKeySecondsPerUnit:   flagSecondsPerUnit,
		configKeyTTLMinMinutes:    flagTTLMinMinutes,
		configKeyTTLMaxMinutes:    flagTTLMaxMinutes,
		configKeyRefundZeroResult: flagRefundZeroResult,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.SweepSchedule = viper.GetString(configKeySweepSchedule)
	cfg.SecondsPerUnit = viper.GetInt64(configKeySecondsPerUnit)
	cfg.TTLMinMinutes = viper.GetInt64(configKeyTTLMinMinutes)
	cfg.TTLMaxMinutes = viper.GetInt64(configKeyTTLMaxMinutes)
	cfg.RefundZeroResult = viper.GetBool(configKeyRefundZeroResult)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.SweepSchedule == "" {
		return fmt.Errorf("sweep schedule is required")
	}
	switch cfg.StoreBackend {
	case storeBackendGorm:
	case storeBackendPgx:
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return fmt.Errorf("pgx store backend requires a postgres database url")
		}
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	meteringService, err := metering.NewService(store, clock,
		metering.WithOperationLogger(zaplog.New(logger)),
		metering.WithTTLPolicy(metering.TTLPolicy{
			SecondsPerUnit: cfg.SecondsPerUnit,
			MinMinutes:     cfg.TTLMinMinutes,
			MaxMinutes:     cfg.TTLMaxMinutes,
		}),
		metering.WithSettlementPolicy(metering.SettlementPolicy{RefundZeroResult: cfg.RefundZeroResult}),
	)
	if err != nil {
		return fmt.Errorf("metering service init: %w", err)
	}

	reclaimer := reclaim.New(meteringService, logger)
	if err := reclaimer.Register(cfg.SweepSchedule); err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	reclaimer.Start()
	defer reclaimer.Stop()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpapi.NewServer(meteringService, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if serveErr := <-errCh; serveErr != nil && serveErr != http.ErrServerClosed {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if serveErr == http.ErrServerClosed {
			return nil
		}
		return serveErr
	}
}

func openStore(ctx context.Context, cfg *runtimeConfig) (metering.Store, func() error, error) {
	if cfg.StoreBackend == storeBackendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}
	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
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
			path = "metering.db"
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
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
