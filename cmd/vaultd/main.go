package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/custodix/vaultcore/internal/balance"
	"github.com/custodix/vaultcore/internal/config"
	"github.com/custodix/vaultcore/internal/cpi"
	"github.com/custodix/vaultcore/internal/indexer"
	"github.com/custodix/vaultcore/internal/ledger"
	"github.com/custodix/vaultcore/internal/recon"
	"github.com/custodix/vaultcore/internal/store"
	"github.com/custodix/vaultcore/internal/txbuilder"
	"github.com/custodix/vaultcore/pkg/messaging"
	"github.com/custodix/vaultcore/pkg/retry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	bus, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATS.URL,
		Name:           cfg.NATS.Name,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect messaging: %w", err)
	}
	defer bus.Close()

	var recorder balance.SnapshotRecorder
	if cfg.Influx.URL != "" {
		influxClient := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		defer influxClient.Close()
		recorder = balance.NewInfluxRecorder(influxClient, cfg.Influx.Org, cfg.Influx.Bucket)
	}

	policy := retry.Policy{
		MaxRetries: cfg.Settle.MaxRetries,
		BaseDelay:  cfg.Settle.RetryBaseDelay.Std(),
		Multiplier: cfg.Settle.RetryMultiplier,
	}
	gateway := ledger.NewRPCGateway(ledger.RPCConfig{
		URL:          cfg.Ledger.RPCURL,
		Timeout:      cfg.Ledger.RequestTimeout.Std(),
		PollInterval: cfg.Ledger.PollInterval.Std(),
	}, logger.Named("ledger"))

	cache := balance.NewRedisCache(redisClient, cfg.Settle.BalanceCacheTTL.Std(), logger.Named("cache"))
	tracker := balance.NewTracker(st, gateway, bus, recorder, cache, balance.Config{
		ProgramID:           cfg.Ledger.ProgramID,
		LowBalanceThreshold: cfg.Settle.Threshold(),
	}, logger.Named("balance"))

	builder := txbuilder.NewBuilder(st, tracker, txbuilder.Config{
		ProgramID:         cfg.Ledger.ProgramID,
		PositionManagerID: cfg.Ledger.PositionManagerID,
		Mint:              cfg.Ledger.Mint,
		FeePayer:          cfg.Ledger.FeePayer,
		ComputeUnitLimit:  cfg.Ledger.ComputeUnitLimit,
		ComputeUnitPrice:  cfg.Ledger.ComputeUnitPrice,
	}, logger.Named("txbuilder"))

	manager := cpi.NewManager(st, builder, gateway, tracker, cpi.Config{
		ConfirmationTimeout: cfg.Settle.ConfirmationTimeout.Std(),
		SweepInterval:       cfg.Settle.SweepInterval.Std(),
		Retry:               policy,
	}, logger.Named("cpi"))

	checkpoints := indexer.NewRedisCheckpoints(redisClient, cfg.Settle.CheckpointKey)
	ix := indexer.New(st, gateway, manager, checkpoints, indexer.Config{
		ProgramID: cfg.Ledger.ProgramID,
	}, logger.Named("indexer"))

	engine := recon.NewEngine(st, tracker, bus, recon.Config{
		Schedule: cfg.Recon.Schedule,
		Epsilon:  cfg.Recon.EpsilonValue(),
	}, logger.Named("recon"))

	logger.Info("vaultd starting",
		zap.String("env", cfg.Env),
		zap.String("program_id", cfg.Ledger.ProgramID))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ix.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })

	err = g.Wait()
	logger.Info("vaultd stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Env == "production" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
