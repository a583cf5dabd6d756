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
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/auctionworks/settle/internal/auction"
	"github.com/auctionworks/settle/internal/bidding"
	"github.com/auctionworks/settle/internal/breaker"
	"github.com/auctionworks/settle/internal/broadcast"
	"github.com/auctionworks/settle/internal/lockstore"
	"github.com/auctionworks/settle/internal/reservation"
	"github.com/auctionworks/settle/internal/store/gormstore"
	"github.com/auctionworks/settle/internal/taskqueue"
	"github.com/auctionworks/settle/internal/ws"
	"github.com/auctionworks/settle/pkg/ledger"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagRedisAddr       = "redis-addr"
	flagNATSURL         = "nats-url"
	flagAllowedOrigins  = "allowed-origins"
	flagBreakerFailures = "breaker-failures"
	flagBreakerTimeout  = "breaker-timeout"
	flagLockTTL         = "lock-ttl"
	flagSweepInterval   = "sweep-interval"
	flagSweepMaxAge     = "sweep-max-age"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyRedisAddr       = "redis_addr"
	configKeyNATSURL         = "nats_url"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeyBreakerFailures = "breaker_failures"
	configKeyBreakerTimeout  = "breaker_timeout"
	configKeyLockTTL         = "lock_ttl"
	configKeySweepInterval   = "sweep_interval"
	configKeySweepMaxAge     = "sweep_max_age"

	defaultDatabaseURL = "sqlite:///tmp/settle.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	RedisAddr       string
	NATSURL         string
	AllowedOrigins  []string
	BreakerFailures int
	BreakerTimeout  time.Duration
	LockTTL         time.Duration
	SweepInterval   time.Duration
	SweepMaxAge     time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "settled: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "settled",
		Short:         "Auction reservation and bid-settlement server",
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
	cmd.Flags().String(flagRedisAddr, "", "Redis address for locks and sequences (empty runs in-process)")
	cmd.Flags().String(flagNATSURL, "", "NATS URL for cross-node event fan-out (empty disables)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS/websocket origins")
	cmd.Flags().Int(flagBreakerFailures, 5, "consecutive lock-store failures before the breaker opens")
	cmd.Flags().Duration(flagBreakerTimeout, time.Minute, "how long an open breaker waits before probing")
	cmd.Flags().Duration(flagLockTTL, 5*time.Second, "per-user bid lock TTL")
	cmd.Flags().Duration(flagSweepInterval, time.Minute, "how often stale reservations are swept")
	cmd.Flags().Duration(flagSweepMaxAge, 5*time.Minute, "age at which a locked reservation is expired")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyRedisAddr:       "REDIS_ADDR",
		configKeyNATSURL:         "NATS_URL",
		configKeyAllowedOrigins:  "ALLOWED_ORIGINS",
		configKeyBreakerFailures: "BREAKER_FAILURES",
		configKeyBreakerTimeout:  "BREAKER_TIMEOUT",
		configKeyLockTTL:         "LOCK_TTL",
		configKeySweepInterval:   "SWEEP_INTERVAL",
		configKeySweepMaxAge:     "SWEEP_MAX_AGE",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeyRedisAddr:       flagRedisAddr,
		configKeyNATSURL:         flagNATSURL,
		configKeyAllowedOrigins:  flagAllowedOrigins,
		configKeyBreakerFailures: flagBreakerFailures,
		configKeyBreakerTimeout:  flagBreakerTimeout,
		configKeyLockTTL:         flagLockTTL,
		configKeySweepInterval:   flagSweepInterval,
		configKeySweepMaxAge:     flagSweepMaxAge,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
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
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.NATSURL = viper.GetString(configKeyNATSURL)
	cfg.AllowedOrigins = parseOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.BreakerFailures = viper.GetInt(configKeyBreakerFailures)
	cfg.BreakerTimeout = viper.GetDuration(configKeyBreakerTimeout)
	cfg.LockTTL = viper.GetDuration(configKeyLockTTL)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.SweepMaxAge = viper.GetDuration(configKeySweepMaxAge)
	return nil
}

func parseOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
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

	if driver == "sqlite" {
		if err := gormstore.AutoMigrate(gormDB); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(gormstore.NewLedger(gormDB), clock,
		ledger.WithLogger(logger.Named("ledger")))
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}
	registry, err := auction.NewRegistry(gormstore.NewAuctions(gormDB), clock, logger.Named("auction"))
	if err != nil {
		return fmt.Errorf("registry init: %w", err)
	}

	locks, closeLocks := openLockStore(cfg, logger)
	defer closeLocks()
	circuit := breaker.New(cfg.BreakerFailures, cfg.BreakerTimeout, logger.Named("breaker"))

	reservations, err := reservation.NewService(ledgerService, locks, circuit, reservation.Config{
		LockTTL: cfg.LockTTL,
	}, logger.Named("reservation"))
	if err != nil {
		return fmt.Errorf("reservation init: %w", err)
	}

	var transport broadcast.Transport
	if cfg.NATSURL != "" {
		natsTransport, natsErr := broadcast.ConnectNATS(cfg.NATSURL, logger.Named("nats"))
		if natsErr != nil {
			return fmt.Errorf("nats init: %w", natsErr)
		}
		defer natsTransport.Close()
		transport = natsTransport
	}
	broadcaster := broadcast.New(locks, circuit, transport, broadcast.Config{}, logger.Named("broadcast"))

	worker := taskqueue.NewWorker(256, 5, logger.Named("taskqueue"))
	coordinator, err := bidding.NewCoordinator(reservations, registry, worker, broadcaster, bidding.Config{}, clock, logger.Named("bidding"))
	if err != nil {
		return fmt.Errorf("coordinator init: %w", err)
	}
	bidding.RegisterJobs(worker, reservations, logger.Named("jobs"))
	go worker.Run(ctx)

	sweeper := reservation.NewSweeper(ledgerService, cfg.SweepInterval, cfg.SweepMaxAge, 100, logger.Named("sweeper"))
	go sweeper.Run(ctx)

	server := ws.NewServer(coordinator, registry, broadcaster, ledgerService, cfg.AllowedOrigins, logger.Named("ws"))
	return server.Run(ctx, cfg.ListenAddr, cfg.AllowedOrigins)
}

func openLockStore(cfg *runtimeConfig, logger *zap.Logger) (lockstore.Store, func()) {
	if cfg.RedisAddr == "" {
		logger.Warn("no redis configured, locks and sequences are process-local")
		return lockstore.NewMemory(), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return lockstore.NewRedis(client), func() { _ = client.Close() }
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
			path = "settle.db"
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
