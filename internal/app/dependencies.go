package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/cache"
	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/catalog"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/pricing"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/rediscache"
)

// Dependencies содержит собранный граф зависимостей движка.
type Dependencies struct {
	Store        domain.Store
	Reader       domain.Reader
	Writer       domain.Writer
	Cache        domain.Cache
	Invalidator  *cache.Invalidator
	Metrics      *metrics.EngineMetrics
	Coordinator  *order.Coordinator
	Catalog      *catalog.Service
	OutboxRepo   domain.OutboxRepository
	TimelineRepo domain.TimelineRepository
	// OutboxWorker nil, если Kafka не сконфигурирован.
	OutboxWorker *outbox.Worker
	Logger       *log.Entry

	pg       *postgres.Store
	producer *kafka.Producer
}

// NewDependencies создаёт все зависимости согласно конфигурации. Закрывать
// ресурсы нужно через Close.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{Logger: logger}
	deps.Metrics = metrics.NewEngineMetrics()

	if err := initStorage(ctx, cfg, logger, deps); err != nil {
		return nil, err
	}
	if err := initCache(ctx, cfg, logger, deps); err != nil {
		deps.Close()
		return nil, err
	}

	ttl := cache.TTLConfig{
		Product:  cfg.CacheProductTTL,
		Category: cfg.CacheCategoryTTL,
		Order:    cfg.CacheOrderTTL,
		Fallback: cfg.CacheFallbackTTL,
	}
	deps.Invalidator = cache.NewInvalidator(deps.Cache, ttl, deps.Metrics, logger)

	ledger := inventory.NewLedger(deps.Metrics, logger)
	prices := pricing.NewValidator(cfg.PriceToleranceMinor)

	deps.Coordinator = order.NewCoordinator(
		deps.Store,
		ledger,
		prices,
		order.WithOutbox(deps.OutboxRepo),
		order.WithTimeline(deps.TimelineRepo),
		order.WithInvalidator(deps.Invalidator),
		order.WithMetrics(deps.Metrics),
		order.WithLogger(logger),
		order.WithLockRetry(cfg.MaxLockRetries, cfg.RetryBaseDelay),
	)
	deps.Catalog = catalog.NewService(deps.Store, deps.Reader, deps.Writer, deps.Invalidator, deps.Metrics, logger)

	if err := initOutboxWorker(cfg, logger, deps); err != nil {
		deps.Close()
		return nil, err
	}

	return deps, nil
}

func initStorage(ctx context.Context, cfg Config, logger *log.Entry, deps *Dependencies) error {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		store := memory.NewStore(cfg.LockWaitTimeout)
		deps.Store = store
		deps.Reader = store
		deps.Writer = store
		deps.OutboxRepo = memory.NewOutboxRepository()
		deps.TimelineRepo = memory.NewTimelineRepository()
		logger.Info("используем in-memory хранилище")
		return nil

	case StorageDriverPostgres:
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				_ = pg.Close()
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
		deps.pg = pg
		deps.Store = postgres.NewTxStore(pg, cfg.LockWaitTimeout)
		deps.Reader = postgres.NewReader(pg)
		deps.Writer = postgres.NewWriter(pg)
		deps.OutboxRepo = postgres.NewOutboxRepository(pg)
		deps.TimelineRepo = postgres.NewTimelineRepository(pg)
		logger.Info("используем PostgreSQL хранилище")
		return nil

	default:
		return fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func initCache(ctx context.Context, cfg Config, logger *log.Entry, deps *Dependencies) error {
	if cfg.RedisAddr == "" {
		deps.Cache = memory.NewCache()
		logger.Info("используем in-memory кэш")
		return nil
	}

	redisCache, err := rediscache.Open(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("open redis cache: %w", err)
	}
	deps.Cache = redisCache
	logger.WithField("addr", cfg.RedisAddr).Info("используем Redis кэш")
	return nil
}

func initOutboxWorker(cfg Config, logger *log.Entry, deps *Dependencies) error {
	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil || producer == nil {
		// Ошибка подключения к Kafka не фатальна: outbox продолжает
		// накапливать события до следующего запуска.
		return nil
	}

	deps.producer = producer
	deps.OutboxWorker = outbox.NewWorker(
		deps.OutboxRepo,
		kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithLogger(logger),
	)
	return nil
}

// Close освобождает внешние ресурсы: соединения с Postgres, Redis и Kafka.
func (d *Dependencies) Close() {
	closeKafka(d.producer, d.Logger)
	d.producer = nil

	if d.Cache != nil {
		if err := d.Cache.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close cache")
		}
		d.Cache = nil
	}
	if d.pg != nil {
		if err := d.pg.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close postgres")
		}
		d.pg = nil
	}
}
