package domain

import (
	"context"
	"time"
)

// Store открывает атомарные единицы работы над authoritative store.
// Commit происходит при возврате nil из fn, иначе транзакция откатывается
// целиком — частичное состояние никогда не становится видимым.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx — операции внутри одной транзакции. Lock* берут эксклюзивную
// intent-блокировку строки и держат её до конца транзакции; если
// блокировка не получена за настроенный таймаут, возвращается
// ErrLockTimeout. Вызывающий обязан брать несколько блокировок в порядке
// возрастания идентификаторов.
type Tx interface {
	// LockProduct блокирует строку товара и возвращает её snapshot.
	LockProduct(ctx context.Context, productID string) (Product, error)
	// UpdateProductStock записывает новый остаток заблокированного товара,
	// инкрементируя version.
	UpdateProductStock(ctx context.Context, productID string, stock int32) error
	// DeleteProduct удаляет заблокированный товар.
	DeleteProduct(ctx context.Context, productID string) error
	// CountDetailsByProduct считает committed-позиции, ссылающиеся на товар.
	CountDetailsByProduct(ctx context.Context, productID string) (int, error)

	// LockCategory блокирует строку категории и возвращает её snapshot.
	LockCategory(ctx context.Context, categoryID string) (Category, error)
	// DeleteCategory удаляет заблокированную категорию.
	DeleteCategory(ctx context.Context, categoryID string) error
	// CountProductsByCategory считает товары, ссылающиеся на категорию.
	CountProductsByCategory(ctx context.Context, categoryID string) (int, error)

	// LockOrder блокирует строку заказа и возвращает её snapshot. Мутации
	// состава заказа берут эту блокировку раньше блокировок товаров, чтобы
	// проверка статуса и изменение позиций были атомарны между собой.
	LockOrder(ctx context.Context, orderID string) (Order, error)
	// GetOrder возвращает заказ без блокировки или ErrOrderNotFound.
	GetOrder(ctx context.Context, orderID string) (Order, error)
	// UpdateOrderStatus переводит заблокированный заказ в новый статус,
	// инкрементируя version.
	UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) error

	// InsertDetail сохраняет новую позицию заказа.
	InsertDetail(ctx context.Context, detail OrderDetail) error
	// GetDetail возвращает позицию или ErrOrderDetailNotFound.
	GetDetail(ctx context.Context, detailID string) (OrderDetail, error)
	// ListCommittedDetails возвращает committed-позиции заказа.
	ListCommittedDetails(ctx context.Context, orderID string) ([]OrderDetail, error)
	// UpdateDetailQty меняет количество committed-позиции.
	UpdateDetailQty(ctx context.Context, detailID string, qty int32) error
	// MarkDetailReleased переводит позицию в статус released.
	MarkDetailReleased(ctx context.Context, detailID string) error
}

// Reader — читающие операции вне транзакций; их результаты кэшируются.
type Reader interface {
	// GetProduct возвращает товар или ErrProductNotFound.
	GetProduct(ctx context.Context, productID string) (Product, error)
	// ListProducts возвращает страницу товаров.
	ListProducts(ctx context.Context, skip, limit int) ([]Product, error)
	// GetCategory возвращает категорию или ErrCategoryNotFound.
	GetCategory(ctx context.Context, categoryID string) (Category, error)
	// GetOrder возвращает заказ или ErrOrderNotFound.
	GetOrder(ctx context.Context, orderID string) (Order, error)
	// ListDetails возвращает все позиции заказа, включая released.
	ListDetails(ctx context.Context, orderID string) ([]OrderDetail, error)
}

// Writer — записи каталога и заказов вне координатора (admin-путь).
type Writer interface {
	// CreateCategory сохраняет новую категорию.
	CreateCategory(ctx context.Context, category Category) error
	// CreateProduct сохраняет новый товар.
	CreateProduct(ctx context.Context, product Product) error
	// CreateOrder сохраняет новый заказ.
	CreateOrder(ctx context.Context, order Order) error
}

// Cache — TTL key/value хранилище для read-through кэша.
// Get возвращает ErrCacheMiss для отсутствующего ключа; любая другая
// ошибка трактуется как недоступность кэша и не фатальна для запроса.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteByPattern удаляет все ключи по glob-шаблону (collection-ключи).
	DeleteByPattern(ctx context.Context, pattern string) error
	Close() error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
