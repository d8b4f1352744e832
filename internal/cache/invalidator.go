package cache

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

const (
	defaultProductTTL  = 30 * time.Second
	defaultCategoryTTL = 10 * time.Minute
	defaultOrderTTL    = time.Minute
	defaultFallbackTTL = 5 * time.Second
)

// TTLConfig задаёт время жизни кэша по классам сущностей. Товары меняются
// часто (остатки), категории — редко. Fallback — укороченный TTL, в котором
// живёт ключ после проваленной инвалидации, чтобы ограничить staleness.
type TTLConfig struct {
	Product  time.Duration
	Category time.Duration
	Order    time.Duration
	Fallback time.Duration
}

// DefaultTTLConfig возвращает TTL по умолчанию.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Product:  defaultProductTTL,
		Category: defaultCategoryTTL,
		Order:    defaultOrderTTL,
		Fallback: defaultFallbackTTL,
	}
}

// Invalidator объединяет read-through чтение и write-инвалидацию кэша.
// Оба пути используют одну схему ключей из keys.go. Ошибки кэша никогда не
// фатальны для запроса: чтение деградирует к authoritative store, а провал
// инвалидации переводит затронутые ключи в режим bypass + Fallback TTL.
type Invalidator struct {
	cache   domain.Cache
	ttl     TTLConfig
	logger  *log.Entry
	metrics *metrics.EngineMetrics

	mu       sync.Mutex
	degraded map[string]struct{} // ключ или glob-шаблон в режиме bypass
}

// NewInvalidator создаёт Invalidator. Metrics может быть nil (тесты).
func NewInvalidator(cache domain.Cache, ttl TTLConfig, m *metrics.EngineMetrics, logger *log.Entry) *Invalidator {
	if logger == nil {
		logger = log.WithField("component", "cache-invalidator")
	}
	if ttl.Product <= 0 {
		ttl.Product = defaultProductTTL
	}
	if ttl.Category <= 0 {
		ttl.Category = defaultCategoryTTL
	}
	if ttl.Order <= 0 {
		ttl.Order = defaultOrderTTL
	}
	if ttl.Fallback <= 0 {
		ttl.Fallback = defaultFallbackTTL
	}

	return &Invalidator{
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
		metrics:  m,
		degraded: make(map[string]struct{}),
	}
}

// ProductTTL возвращает TTL для ключей товаров.
func (i *Invalidator) ProductTTL() time.Duration { return i.ttl.Product }

// CategoryTTL возвращает TTL для ключей категорий.
func (i *Invalidator) CategoryTTL() time.Duration { return i.ttl.Category }

// OrderTTL возвращает TTL для ключей заказов.
func (i *Invalidator) OrderTTL() time.Duration { return i.ttl.Order }

// GetOrLoad возвращает значение по ключу: из кэша при попадании, иначе из
// load с последующим наполнением кэша. Для ключа в режиме bypass кэш не
// читается, а наполнение идёт с Fallback TTL.
func (i *Invalidator) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if i.cache == nil {
		return load(ctx)
	}

	if i.isDegraded(key) {
		if i.metrics != nil {
			i.metrics.RecordCacheBypass()
		}
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if setErr := i.cache.Set(ctx, key, value, i.ttl.Fallback); setErr == nil {
			i.clearDegraded(key)
		} else {
			i.logger.WithError(setErr).WithField("key", key).Warn("cache set failed in bypass mode")
		}
		return value, nil
	}

	value, err := i.cache.Get(ctx, key)
	if err == nil {
		if i.metrics != nil {
			i.metrics.RecordCacheHit()
		}
		return value, nil
	}
	if !errors.Is(err, domain.ErrCacheMiss) {
		// Кэш недоступен: читаем напрямую из store и не пытаемся наполнять.
		i.logger.WithError(err).WithField("key", key).Warn("cache get failed, falling back to store")
		return load(ctx)
	}

	if i.metrics != nil {
		i.metrics.RecordCacheMiss()
	}
	value, err = load(ctx)
	if err != nil {
		return nil, err
	}
	if setErr := i.cache.Set(ctx, key, value, ttl); setErr != nil {
		i.logger.WithError(setErr).WithField("key", key).Warn("cache set failed")
	}
	return value, nil
}

// AfterProductMutation инвалидирует ключи, которые могли содержать устаревшие
// данные товара: его собственный ключ и все страницы списка.
func (i *Invalidator) AfterProductMutation(ctx context.Context, productID string) {
	i.invalidate(ctx,
		[]string{ProductKey(productID)},
		[]string{ProductListPattern()},
	)
}

// AfterCategoryMutation инвалидирует ключ категории и страницы списка товаров
// (listing может содержать товары этой категории).
func (i *Invalidator) AfterCategoryMutation(ctx context.Context, categoryID string) {
	i.invalidate(ctx,
		[]string{CategoryKey(categoryID)},
		[]string{ProductListPattern()},
	)
}

// AfterOrderMutation инвалидирует ключи заказа и всех затронутых товаров.
// Вызывается строго после commit транзакции мутации.
func (i *Invalidator) AfterOrderMutation(ctx context.Context, orderID string, productIDs ...string) {
	keys := []string{OrderKey(orderID), OrderDetailsKey(orderID)}
	for _, productID := range productIDs {
		keys = append(keys, ProductKey(productID))
	}
	i.invalidate(ctx, keys, []string{ProductListPattern()})
}

func (i *Invalidator) invalidate(ctx context.Context, keys, patterns []string) {
	if i.cache == nil {
		return
	}
	if i.metrics != nil {
		i.metrics.RecordInvalidation()
	}

	if len(keys) > 0 {
		if err := i.cache.Delete(ctx, keys...); err != nil {
			i.logger.WithError(err).WithField("keys", keys).Error("cache invalidation failed")
			if i.metrics != nil {
				i.metrics.RecordInvalidationFailure()
			}
			i.markDegraded(keys...)
		} else {
			i.clearDegraded(keys...)
		}
	}
	for _, pattern := range patterns {
		if err := i.cache.DeleteByPattern(ctx, pattern); err != nil {
			i.logger.WithError(err).WithField("pattern", pattern).Error("cache pattern invalidation failed")
			if i.metrics != nil {
				i.metrics.RecordInvalidationFailure()
			}
			i.markDegraded(pattern)
		} else {
			i.clearDegraded(pattern)
		}
	}
}

// markDegraded переводит ключи в режим bypass. Маркер живёт до успешной
// перезаписи ключа или до успешной инвалидации, а не до дедлайна: запись,
// пережившая проваленную инвалидацию, может жить весь исходный TTL, и
// чтение по истечении Fallback-окна всё ещё обязано её обойти.
func (i *Invalidator) markDegraded(keys ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, key := range keys {
		i.degraded[key] = struct{}{}
	}
}

func (i *Invalidator) clearDegraded(keys ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, key := range keys {
		delete(i.degraded, key)
	}
}

// isDegraded проверяет ключ против точных записей и glob-шаблонов.
func (i *Invalidator) isDegraded(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	for entry := range i.degraded {
		if entry == key {
			return true
		}
		if matched, err := path.Match(entry, key); err == nil && matched {
			return true
		}
	}
	return false
}
