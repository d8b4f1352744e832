package app

import (
	"fmt"
	"time"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска движка согласования заказов.
type Config struct {
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// RedisAddr пустой — кэш работает в памяти процесса.
	RedisAddr string
	// KafkaBrokers пустой — outbox-воркер не запускается, события
	// накапливаются в таблице outbox до появления брокера.
	KafkaBrokers string

	LockWaitTimeout     time.Duration
	MaxLockRetries      int
	RetryBaseDelay      time.Duration
	PriceToleranceMinor int64

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	CacheProductTTL  time.Duration
	CacheCategoryTTL time.Duration
	CacheOrderTTL    time.Duration
	CacheFallbackTTL time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию: in-memory хранилище,
// локальный метрики-сервер и консервативные таймауты блокировок.
func DefaultConfig() Config {
	return Config{
		MetricsAddr:         ":9090",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		LockWaitTimeout:     3 * time.Second,
		MaxLockRetries:      3,
		RetryBaseDelay:      25 * time.Millisecond,
		PriceToleranceMinor: 0,
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    500 * time.Millisecond,
		CacheProductTTL:     30 * time.Second,
		CacheCategoryTTL:    10 * time.Minute,
		CacheOrderTTL:       time.Minute,
		CacheFallbackTTL:    5 * time.Second,
	}
}

// Validate проверяет согласованность конфигурации перед запуском.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("storage driver %q requires PostgresDSN", c.StorageDriver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}

	if c.LockWaitTimeout <= 0 {
		return fmt.Errorf("LockWaitTimeout must be positive, got %s", c.LockWaitTimeout)
	}
	if c.MaxLockRetries < 0 {
		return fmt.Errorf("MaxLockRetries must be >= 0, got %d", c.MaxLockRetries)
	}
	if c.PriceToleranceMinor < 0 {
		return fmt.Errorf("PriceToleranceMinor must be >= 0, got %d", c.PriceToleranceMinor)
	}
	return nil
}
