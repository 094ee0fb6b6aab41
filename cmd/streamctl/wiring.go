package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"contractstream/internal/command"
	"contractstream/internal/config"
	"contractstream/internal/contracts"
	"contractstream/internal/events"
	"contractstream/internal/evaluator"
	"contractstream/internal/feed"
	"contractstream/internal/oracle"
	"contractstream/internal/store"
	"contractstream/internal/supervisor"
)

// services bundles everything wired up at startup, mirroring the
// teacher's main() construction order: config -> logging -> storage ->
// transport -> oracles -> event bus -> the supervising registry.
type services struct {
	cfg *config.Config
	log zerolog.Logger
	db  *store.DB
	sup *supervisor.Supervisor
	adp *command.Adapter
}

// bootstrap wires the process together and returns it ready for a
// command to run. Callers are responsible for calling shutdown.
func bootstrap(ctx context.Context) (*services, error) {
	godotenv.Load()

	cfg := config.Load()
	log := newLogger(cfg.Logging)

	db, err := store.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	repo := store.NewRepository(db)

	feedClient := feed.New(feed.Config{
		URL:             cfg.Feed.WSURL,
		BaseRetryDelay:  cfg.Feed.BaseRetryDelay,
		MaxAttempts:     cfg.Feed.MaxAttempts,
		PingInterval:    cfg.Feed.PingInterval,
		EventBufferSize: cfg.Feed.EventBufferSize,
	}, log)

	var priceCache oracle.PriceCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		priceCache = oracle.NewRedisPriceCache(rdb, log)
	}
	priceOracle := oracle.NewHTTPSolPriceOracle(oracle.SolPriceOracleConfig{
		URL:            cfg.Oracle.SolPriceURL,
		CacheTTL:       cfg.Oracle.PriceCacheTTL,
		RequestTimeout: cfg.Evaluator.OpTimeout,
		MaxRetries:     cfg.Feed.MaxAttempts,
	}, priceCache, log)

	var balanceOracle contracts.BalanceOracle
	if cfg.Oracle.RPCURL != "" {
		rpcClient := oracle.NewSolanaRPCClient(cfg.Oracle.RPCURL, cfg.Evaluator.RetryAttempts, log)
		balanceOracle = oracle.NewHTTPBalanceOracle(rpcClient, cfg.Evaluator.OpTimeout, log)
	}

	bus := events.NewBus()

	sup := supervisor.New(repo, feedClient, priceOracle, balanceOracle, bus, supervisor.Config{
		ChannelCapacity:    cfg.Supervisor.ChannelCapacity,
		StartRetryAttempts: cfg.Supervisor.StartRetryAttempts,
		StartRetryBase:     cfg.Supervisor.StartRetryBase,
		StaggerUnit:        cfg.Supervisor.StaggerUnit,
		StaggerCap:         cfg.Supervisor.StaggerCap,
		RestartGap:         cfg.Supervisor.RestartGap,
		EvaluatorCfg: evaluator.Config{
			RetryAttempts: cfg.Evaluator.RetryAttempts,
			RetryDelay:    cfg.Evaluator.RetryDelay,
			OpTimeout:     cfg.Evaluator.OpTimeout,
		},
	}, log)

	return &services{
		cfg: cfg,
		log: log,
		db:  db,
		sup: sup,
		adp: command.NewAdapter(sup),
	}, nil
}

func (s *services) shutdown(ctx context.Context) {
	s.sup.Shutdown(ctx)
	s.db.Close()
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
