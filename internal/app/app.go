package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/congo-pay/walletledger/internal/balance"
	"github.com/congo-pay/walletledger/internal/config"
	"github.com/congo-pay/walletledger/internal/events"
	"github.com/congo-pay/walletledger/internal/idempotency"
	"github.com/congo-pay/walletledger/internal/infra"
	"github.com/congo-pay/walletledger/internal/ledger"
	"github.com/congo-pay/walletledger/internal/metrics"
	"github.com/congo-pay/walletledger/internal/transfer"
	"github.com/congo-pay/walletledger/internal/wallet"
)

const balanceCacheTTL = time.Hour

// App holds the wired ledger components shared by the API server and ledgerctl.
type App struct {
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Registry *prometheus.Registry

	Store       ledger.Store
	Projector   *balance.Projector
	Guard       *idempotency.Guard
	Coordinator *transfer.Coordinator
	Wallets     *wallet.Service
}

// New connects the configured backends and wires every component on top of
// them. Empty DATABASE_URL or REDIS_URL select in-memory backends, which
// config only allows in development. The returned cleanup releases connections.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, func(), error) {
	a := &App{Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.Registry)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*App, func(), error) {
		cleanup()
		return nil, nil, err
	}

	if cfg.DatabaseURL != "" {
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, db.Close)
		if cfg.AutoMigrate {
			if err := infra.Migrate(db); err != nil {
				return fail(err)
			}
		}
		a.DB = db
		a.Store = ledger.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory ledger")
		a.Store = ledger.NewInMemory()
	}

	var (
		cache   balance.Cache
		backend idempotency.Backend
	)
	if cfg.RedisURL != "" {
		client, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("close redis", slog.Any("error", err))
			}
		})
		a.Cache = client
		cache = balance.NewRedisCache(client, balanceCacheTTL)
		backend = idempotency.NewRedisBackend(client)
	} else {
		logger.Warn("REDIS_URL not set, using in-memory idempotency and balance cache")
		cache = balance.NewMemoryCache()
		backend = idempotency.NewMemoryBackend()
	}

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		writer, err := infra.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, closeWriter(writer, logger))
		publisher = events.NewKafkaPublisher(writer)
	}

	a.Projector = balance.NewProjector(a.Store, cache, logger, m)
	a.Guard = idempotency.NewGuard(backend, a.Store, idempotency.Options{
		TTL:                cfg.IdempotencyTTL,
		ReservationTimeout: cfg.ReservationTimeout,
	}, logger, m)
	a.Coordinator = transfer.NewCoordinator(a.Store, a.Guard, a.Projector, publisher, logger, m, transfer.Options{
		MaxRetries: cfg.MaxRetries,
		RetryBase:  cfg.RetryBase,
	})
	a.Wallets = wallet.NewService(a.Store, a.Projector, a.Coordinator, cfg.DefaultCurrency, logger)

	if _, err := ledger.EnsureTreasury(ctx, a.Store, cfg.DefaultCurrency); err != nil {
		return fail(fmt.Errorf("ensure treasury: %w", err))
	}

	return a, cleanup, nil
}

func closeWriter(w *kafka.Writer, logger *slog.Logger) func() {
	return func() {
		if err := w.Close(); err != nil {
			logger.Warn("close kafka writer", slog.Any("error", err))
		}
	}
}
