package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/richardliu001/loyalty-service/internal/config"
	"github.com/richardliu001/loyalty-service/internal/logger"
	"github.com/richardliu001/loyalty-service/internal/repo"
	"github.com/richardliu001/loyalty-service/internal/service"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagConfig        = "config"
	configKeyConfig   = "config"
	defaultConfigPath = "internal/config/config.yaml"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loyalty-poller: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loyalty-poller",
		Short:         "Relay committed ledger events from the outbox to Kafka",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}
	cmd.Flags().String(flagConfig, defaultConfigPath, "path to the YAML config file")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := v.BindEnv(configKeyConfig, "LOYALTY_CONFIG"); err != nil {
		return nil, err
	}
	if err := v.BindPFlag(configKeyConfig, cmd.Flag(flagConfig)); err != nil {
		return nil, err
	}
	path := v.GetString(configKeyConfig)
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
		return fmt.Errorf("kafka brokers and topic are required")
	}

	gdb, err := repo.Open(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	// no redis: the relay never touches the balance cache
	repository := repo.NewRepository(gdb, nil, kw, log, cfg.Loyalty.CacheTTL)
	relay := service.NewOutboxRelay(repository, cfg.Loyalty.PollBatch, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	relay.Run(ctx, cfg.Loyalty.PollInterval)
	return nil
}
