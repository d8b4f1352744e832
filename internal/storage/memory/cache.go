package memory

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// cacheEntry — значение с абсолютным сроком жизни.
type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache — in-memory TTL-кэш для тестов и локальной разработки.
// Реализует тот же контракт, что и Redis-кэш: miss отличим от ошибки,
// удаление по glob-шаблону поддерживается.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache создаёт пустой in-memory кэш.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get возвращает значение или ErrCacheMiss. Просроченные записи удаляются
// лениво при обращении.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, domain.ErrCacheMiss
	}
	if entry.expired(time.Now()) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, domain.ErrCacheMiss
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Set записывает значение с TTL. ttl <= 0 означает без срока.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	entry := cacheEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

// Delete удаляет перечисленные ключи. Отсутствующий ключ не ошибка.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return nil
}

// DeleteByPattern удаляет все ключи, подходящие под glob-шаблон.
func (c *Cache) DeleteByPattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.entries, key)
		}
	}
	return nil
}

// Close освобождает ресурсы. Для in-memory реализации no-op.
func (c *Cache) Close() error {
	return nil
}

var _ domain.Cache = (*Cache)(nil)
