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

	"github.com/MarkoPoloResearchLab/creditledger/internal/audit/ledgerfile"
	"github.com/MarkoPoloResearchLab/creditledger/internal/cache/rediscache"
	"github.com/MarkoPoloResearchLab/creditledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/creditgate"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagRedisAddr       = "redis-addr"
	flagRedisPassword   = "redis-password"
	flagRedisDB         = "redis-db"
	flagAuditFile       = "audit-file"
	flagAllowedOrigins  = "allowed-origins"
	flagJWTSigningKey   = "jwt-signing-key"
	flagDefaultEstimate = "default-estimate"
	flagUsageKey        = "usage-key"
	flagStoreDriver     = "store-driver"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyRedisAddr       = "redis_addr"
	configKeyRedisPassword   = "redis_password"
	configKeyRedisDB         = "redis_db"
	configKeyAuditFile       = "audit_file"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeyJWTSigningKey   = "jwt_signing_key"
	configKeyDefaultEstimate = "default_estimate"
	configKeyUsageKey        = "usage_key"
	configKeyStoreDriver     = "store_driver"

	defaultDatabaseURL    = "sqlite:///tmp/creditledger.db"
	defaultHTTPListenAddr = ":8080"
	defaultAuditFilePath  = "logs/credit_ledger.jsonl"

	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	AuditFile       string
	AllowedOrigins  []string
	JWTSigningKey   string
	DefaultEstimate int64
	UsageKey        string
	StoreDriver     string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit accounting HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRedisAddr, "", "Redis address for the aggregate cache (empty disables caching)")
	cmd.Flags().String(flagRedisPassword, "", "Redis password")
	cmd.Flags().Int(flagRedisDB, 0, "Redis database index")
	cmd.Flags().String(flagAuditFile, defaultAuditFilePath, "Append-only audit trail file")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 key for bearer-token identity at the gate")
	cmd.Flags().Int64(flagDefaultEstimate, 0, "Default credit estimate for metered requests")
	cmd.Flags().String(flagUsageKey, "", "Dot-notation response key carrying actual usage")
	cmd.Flags().String(flagStoreDriver, storeDriverGorm, "Persistence driver: gorm or pgx (pgx requires a postgres url)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "HTTP_LISTEN_ADDR",
		configKeyRedisAddr:       "REDIS_ADDR",
		configKeyRedisPassword:   "REDIS_PASSWORD",
		configKeyRedisDB:         "REDIS_DB",
		configKeyAuditFile:       "AUDIT_FILE",
		configKeyAllowedOrigins:  "ALLOWED_ORIGINS",
		configKeyJWTSigningKey:   "JWT_SIGNING_KEY",
		configKeyDefaultEstimate: "DEFAULT_ESTIMATE",
		configKeyUsageKey:        "USAGE_KEY",
		configKeyStoreDriver:     "STORE_DRIVER",
	}
	for configKey, envName := range envBindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeyRedisAddr:       flagRedisAddr,
		configKeyRedisPassword:   flagRedisPassword,
		configKeyRedisDB:         flagRedisDB,
		configKeyAuditFile:       flagAuditFile,
		configKeyAllowedOrigins:  flagAllowedOrigins,
		configKeyJWTSigningKey:   flagJWTSigningKey,
		configKeyDefaultEstimate: flagDefaultEstimate,
		configKeyUsageKey:        flagUsageKey,
		configKeyStoreDriver:     flagStoreDriver,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.RedisPassword = viper.GetString(configKeyRedisPassword)
	cfg.RedisDB = viper.GetInt(configKeyRedisDB)
	cfg.AuditFile = viper.GetString(configKeyAuditFile)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.DefaultEstimate = viper.GetInt64(configKeyDefaultEstimate)
	cfg.UsageKey = viper.GetString(configKeyUsageKey)
	cfg.StoreDriver = viper.GetString(configKeyStoreDriver)
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = storeDriverGorm
	}

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPgx {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
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

	auditSink, err := ledgerfile.New(cfg.AuditFile, logger, ledgerfile.WithStore(store))
	if err != nil {
		return fmt.Errorf("audit sink init: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	serviceOptions := []credits.ServiceOption{
		credits.WithAuditSink(auditSink),
		credits.WithOperationLogger(&zapOperationLogger{logger: logger}),
	}

	if cfg.RedisAddr != "" {
		cache, cacheErr := rediscache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if cacheErr != nil {
			logger.Warn("redis unavailable, continuing without cache", zap.Error(cacheErr))
		} else {
			defer func() { _ = cache.Close() }()
			serviceOptions = append(serviceOptions, credits.WithCache(cache))
		}
	}

	creditService, err := credits.NewService(store, clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}
	subscriptions, err := credits.NewSubscriptions(store, creditService, credits.WithSubscriptionsAuditSink(auditSink))
	if err != nil {
		return fmt.Errorf("subscriptions init: %w", err)
	}

	httpConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		Gate: creditgate.Config{
			JWTSigningKey:   signingKeyBytes(cfg.JWTSigningKey),
			DefaultEstimate: cfg.DefaultEstimate,
			UsageKey:        cfg.UsageKey,
		},
	}
	return httpapi.Run(ctx, httpConfig, creditService, subscriptions, logger)
}

func signingKeyBytes(key string) []byte {
	if key == "" {
		return nil
	}
	return []byte(key)
}

// zapOperationLogger bridges domain operation callbacks to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("credit operation failed", fields...)
		return
	}
	operationLogger.logger.Info("credit operation", fields...)
}

// creditStore joins the persistence contract with the audit trail's
// database half; both backends satisfy it.
type creditStore interface {
	credits.Store
	ledgerfile.AuditStore
}

func openStore(ctx context.Context, cfg *runtimeConfig) (creditStore, func() error, error) {
	if cfg.StoreDriver == storeDriverPgx {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("store driver %q requires a postgres url", storeDriverPgx)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
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
	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return store, cleanup, nil
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
			path = "creditledger.db"
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
