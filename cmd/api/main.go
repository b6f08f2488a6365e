package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/wallet-ledger/internal/config"
	"github.com/congo-pay/wallet-ledger/internal/engine"
	"github.com/congo-pay/wallet-ledger/internal/events"
	"github.com/congo-pay/wallet-ledger/internal/fx"
	"github.com/congo-pay/wallet-ledger/internal/infra"
	"github.com/congo-pay/wallet-ledger/internal/ledger"
	"github.com/congo-pay/wallet-ledger/internal/logging"
	"github.com/congo-pay/wallet-ledger/internal/metrics"
	"github.com/congo-pay/wallet-ledger/internal/pocket"
	"github.com/congo-pay/wallet-ledger/internal/routes"
	"github.com/congo-pay/wallet-ledger/internal/server"
	"github.com/congo-pay/wallet-ledger/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName, cfg.AppEnv)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited cleanly")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.PostgresOptions())
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := infra.Migrate(ctx, pool); err != nil {
			return err
		}
		db = pool
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		client, err := infra.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisOptions())
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		cache = client
	} else {
		logger.Warn("REDIS_URL not set, balance cache is process local and idempotency replay is off")
	}

	m := metrics.New()

	sink, closeSink, err := eventSink(cfg, cache, logger)
	if err != nil {
		return err
	}
	defer closeSink()
	dispatcher := events.NewDispatcher(sink, events.DispatcherConfig{
		Buffer:      cfg.EventsBuffer,
		MaxAttempts: cfg.EventsMaxAttempts,
	}, logger, m)

	var (
		store    engine.Store
		rates    fx.Provider
		balances pocket.BalanceCache
	)
	if db != nil {
		store = engine.NewPostgresStore(db, cfg.LockTimeout)
	} else {
		store = engine.NewMemoryStore(pocket.NewMemoryStore(), ledger.NewInMemory(), cfg.LockTimeout)
	}
	if cache != nil {
		balances = pocket.NewRedisCache(cache)
	} else {
		balances = pocket.NewMemoryCache()
	}
	switch cfg.FXProvider {
	case config.FXPostgres:
		rates = fx.NewPostgresProvider(db)
	default:
		rates = fx.NewStaticProvider(cfg.FXStaticRates, time.Minute)
	}

	manager := engine.NewManager(store, rates,
		pocket.NewBalances(store.Journal(), balances, cfg.BalanceCacheTTL, logger),
		engine.Config{
			DefaultTTL: cfg.ReservationDefaultTTL,
			MaxTTL:     cfg.ReservationMaxTTL,
			Converter:  fx.Converter{Decimals: cfg.CurrencyDecimals, Rounding: cfg.FXRounding},
		},
		logger,
		engine.WithRecorder(m),
		engine.WithPublisher(dispatcher),
	)
	sweeper := engine.NewSweeper(manager, cfg.SweepInterval, cfg.SweepBatchSize, logger)

	srv := server.New(cfg, routes.Deps{
		DB:     db,
		Cache:  cache,
		Logger: logger,
		Wallet: wallet.NewService(manager, logger),
	})
	metricsSrv := metrics.NewServer(cfg.MetricsPort, m, func(ctx context.Context) error {
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		if cache != nil {
			if err := cache.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	})

	// The dispatcher outlives the HTTP server so events of in-flight requests are flushed.
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(dispatchCtx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, metricsSrv, logger) })
	g.Go(func() error {
		logger.Info("wallet api listening", "addr", cfg.Address(), "env", cfg.AppEnv)
		return srv.Listen()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stopDispatch()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func eventSink(cfg config.Config, cache *redis.Client, logger *slog.Logger) (events.Publisher, func(), error) {
	switch cfg.EventsSink {
	case config.SinkKafka:
		writer, err := infra.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return events.NewKafkaPublisher(writer), closeWriter(writer, logger), nil
	case config.SinkRedis:
		return events.NewRedisPublisher(cache, cfg.EventsRedisChannel), func() {}, nil
	default:
		return events.NewLogPublisher(logger), func() {}, nil
	}
}

func closeWriter(w *kafka.Writer, logger *slog.Logger) func() {
	return func() {
		if err := w.Close(); err != nil {
			logger.Warn("close kafka writer", "error", err)
		}
	}
}
