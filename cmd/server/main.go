package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/richardliu001/loyalty-service/internal/config"
	"github.com/richardliu001/loyalty-service/internal/logger"
	"github.com/richardliu001/loyalty-service/internal/metrics"
	"github.com/richardliu001/loyalty-service/internal/model"
	"github.com/richardliu001/loyalty-service/internal/repo"
	"github.com/richardliu001/loyalty-service/internal/service"
	httptransport "github.com/richardliu001/loyalty-service/internal/transport/http"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flagConfig        = "config"
	flagPort          = "port"
	configKeyConfig   = "config"
	configKeyPort     = "port"
	defaultConfigPath = "internal/config/config.yaml"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loyalty-server: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg *config.Config
	cmd := &cobra.Command{
		Use:           "loyalty-server",
		Short:         "Loyalty points ledger HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(cmd)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.PersistentFlags().String(flagConfig, defaultConfigPath, "path to the YAML config file")
	cmd.Flags().Int(flagPort, 0, "HTTP port (overrides server.port)")

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.NewLogger(cfg.Log.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = log.Sync() }()
			db, err := repo.Open(cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			if err := db.AutoMigrate(model.All()...); err != nil {
				return fmt.Errorf("auto-migrate: %w", err)
			}
			log.Info("schema migrated")
			return nil
		},
	})
	return cmd
}

// loadConfig resolves the config file from --config or LOYALTY_CONFIG and
// applies the LOYALTY_PORT / --port override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := v.BindEnv(configKeyConfig, "LOYALTY_CONFIG"); err != nil {
		return nil, err
	}
	if err := v.BindEnv(configKeyPort, "LOYALTY_PORT"); err != nil {
		return nil, err
	}
	if err := v.BindPFlag(configKeyConfig, cmd.Flag(flagConfig)); err != nil {
		return nil, err
	}
	if f := cmd.Flag(flagPort); f != nil {
		if err := v.BindPFlag(configKeyPort, f); err != nil {
			return nil, err
		}
	}

	path := v.GetString(configKeyConfig)
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if port := v.GetInt(configKeyPort); port > 0 {
		cfg.Server.Port = port
	}
	return cfg, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	gdb, err := repo.Open(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	rdb := openRedis(ctx, cfg.Redis, log)
	if rdb != nil {
		defer rdb.Close()
	}

	// the server only writes the outbox; cmd/poller owns the Kafka writer
	repository := repo.NewRepository(gdb, rdb, nil, log, cfg.Loyalty.CacheTTL)
	rule := service.EarnRule{PointsPerUnit: cfg.Loyalty.PointsPerUnit, CurrencyUnit: cfg.Loyalty.CurrencyUnit}
	loyalty := service.NewLoyaltyService(repository, rule, log)
	rewards := service.NewRewardService(repository, log)

	metrics.MustRegister(prometheus.DefaultRegisterer)
	router := httptransport.NewRouter(loyalty, rewards, httptransport.Options{
		RateLimit: cfg.RateLimit,
		CORS:      cfg.CORS,
		Health:    pinger(gdb),
	}, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("loyalty-server listening", "addr", srv.Addr,
			"points_per_unit", rule.PointsPerUnit, "currency_unit", rule.CurrencyUnit)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// openRedis returns nil when no address is configured or Redis is down;
// the service then reads balances straight from the database.
func openRedis(ctx context.Context, rc config.RedisConfig, log *zap.SugaredLogger) *redis.Client {
	if rc.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warnw("redis unavailable, balance cache disabled", "addr", rc.Addr, "error", err)
		_ = rdb.Close()
		return nil
	}
	return rdb
}

func pinger(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
