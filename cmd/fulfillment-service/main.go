package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/app"
)

// Переменные окружения для переопределения конфигурации.
const (
	envMetricsAddr         = "FULFILLMENT_METRICS_ADDR"
	envStorageDriver       = "FULFILLMENT_STORAGE_DRIVER"
	envPostgresDSN         = "FULFILLMENT_POSTGRES_DSN"
	envPostgresAutoMigrate = "FULFILLMENT_POSTGRES_AUTO_MIGRATE"
	envRedisAddr           = "FULFILLMENT_REDIS_ADDR"
	envKafkaBrokers        = "FULFILLMENT_KAFKA_BROKERS"
	envLockWaitTimeout     = "FULFILLMENT_LOCK_WAIT_TIMEOUT"
	envMaxLockRetries      = "FULFILLMENT_MAX_LOCK_RETRIES"
	envRetryBaseDelay      = "FULFILLMENT_RETRY_BASE_DELAY"
	envPriceTolerance      = "FULFILLMENT_PRICE_TOLERANCE_MINOR"
	envOutboxPollInterval  = "FULFILLMENT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize     = "FULFILLMENT_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts   = "FULFILLMENT_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay    = "FULFILLMENT_OUTBOX_RETRY_DELAY"
	envCacheProductTTL     = "FULFILLMENT_CACHE_PRODUCT_TTL"
	envCacheCategoryTTL    = "FULFILLMENT_CACHE_CATEGORY_TTL"
	envCacheOrderTTL       = "FULFILLMENT_CACHE_ORDER_TTL"
	envCacheFallbackTTL    = "FULFILLMENT_CACHE_FALLBACK_TTL"
)

// envLookup абстрагирует os.LookupEnv для тестов.
type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
}

// readConfigFromEnv формирует конфигурацию, переопределяя значения по
// умолчанию из переменных окружения. Невалидные значения не останавливают
// запуск: возвращаются как warnings, а поле остаётся дефолтным.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, value, err))
	}

	if v, ok := lookup(envMetricsAddr); ok && strings.TrimSpace(v) != "" {
		cfg.MetricsAddr = strings.TrimSpace(v)
	}
	if v, ok := lookup(envStorageDriver); ok && strings.TrimSpace(v) != "" {
		cfg.StorageDriver = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(envPostgresDSN); ok && strings.TrimSpace(v) != "" {
		cfg.PostgresDSN = strings.TrimSpace(v)
	}
	if v, ok := lookup(envPostgresAutoMigrate); ok {
		if parsed, err := parseBool(v); err != nil {
			warn(envPostgresAutoMigrate, v, err)
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}
	if v, ok := lookup(envRedisAddr); ok {
		cfg.RedisAddr = strings.TrimSpace(v)
	}
	if v, ok := lookup(envKafkaBrokers); ok {
		cfg.KafkaBrokers = strings.TrimSpace(v)
	}
	if v, ok := lookup(envLockWaitTimeout); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
			warn(envLockWaitTimeout, v, err)
		} else {
			cfg.LockWaitTimeout = parsed
		}
	}
	if v, ok := lookup(envMaxLockRetries); ok {
		if parsed, err := parseInt(v, func(n int) bool { return n >= 0 }, "must be >= 0"); err != nil {
			warn(envMaxLockRetries, v, err)
		} else {
			cfg.MaxLockRetries = parsed
		}
	}
	if v, ok := lookup(envRetryBaseDelay); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d >= 0 }, "must be >= 0"); err != nil {
			warn(envRetryBaseDelay, v, err)
		} else {
			cfg.RetryBaseDelay = parsed
		}
	}
	if v, ok := lookup(envPriceTolerance); ok {
		if parsed, err := parseInt64(v, func(n int64) bool { return n >= 0 }, "must be >= 0"); err != nil {
			warn(envPriceTolerance, v, err)
		} else {
			cfg.PriceToleranceMinor = parsed
		}
	}
	if v, ok := lookup(envOutboxPollInterval); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
			warn(envOutboxPollInterval, v, err)
		} else {
			cfg.OutboxPollInterval = parsed
		}
	}
	if v, ok := lookup(envOutboxBatchSize); ok {
		if parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0"); err != nil {
			warn(envOutboxBatchSize, v, err)
		} else {
			cfg.OutboxBatchSize = parsed
		}
	}
	if v, ok := lookup(envOutboxMaxAttempts); ok {
		if parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0"); err != nil {
			warn(envOutboxMaxAttempts, v, err)
		} else {
			cfg.OutboxMaxAttempts = parsed
		}
	}
	if v, ok := lookup(envOutboxRetryDelay); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d >= 0 }, "must be >= 0"); err != nil {
			warn(envOutboxRetryDelay, v, err)
		} else {
			cfg.OutboxRetryDelay = parsed
		}
	}

	ttlOverrides := []struct {
		key    string
		target *time.Duration
	}{
		{envCacheProductTTL, &cfg.CacheProductTTL},
		{envCacheCategoryTTL, &cfg.CacheCategoryTTL},
		{envCacheOrderTTL, &cfg.CacheOrderTTL},
		{envCacheFallbackTTL, &cfg.CacheFallbackTTL},
	}
	for _, override := range ttlOverrides {
		if v, ok := lookup(override.key); ok {
			if parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
				warn(override.key, v, err)
			} else {
				*override.target = parsed
			}
		}
	}

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value")
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value")
	}
	if !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func parseInt64(raw string, valid func(int64) bool, rule string) (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid int value")
	}
	if !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value")
	}
	if !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func main() {
	setupLogger()

	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
	}).Info("запускаем fulfillment engine")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("fulfillment engine остановлен")
}
