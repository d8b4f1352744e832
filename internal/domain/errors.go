package domain

import "errors"

var (
	// Ошибка отсутствующего имени товара или категории.
	ErrNameRequired = errors.New("name is required")
	// Ошибка отсутствующего идентификатора клиента у заказа.
	ErrClientRequired = errors.New("client_id is required")
	// Ошибка отсутствующего идентификатора заказа у позиции.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отсутствующего идентификатора товара у позиции.
	ErrProductIDRequired = errors.New("product_id is required")
	// Ошибка при некорректном количестве (<= 0).
	ErrQtyInvalid = errors.New("qty must be greater than zero")
	// Ошибка отрицательной цены.
	ErrPriceInvalid = errors.New("price must be non-negative")
	// Ошибка отрицательного остатка на складе.
	ErrStockInvalid = errors.New("stock must be non-negative")

	// ErrCategoryNotFound возвращается, если категория не найдена.
	ErrCategoryNotFound = errors.New("category not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderDetailNotFound возвращается, если позиция заказа не найдена.
	ErrOrderDetailNotFound = errors.New("order detail not found")

	// ErrInsufficientStock — остатка недостаточно для резервирования.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPriceMismatch — клиентская цена расходится с ценой каталога.
	ErrPriceMismatch = errors.New("price mismatch")
	// ErrConflict — удаление заблокировано зависимыми записями.
	ErrConflict = errors.New("dependent records exist")
	// ErrDuplicate — нарушение уникальности при вставке.
	ErrDuplicate = errors.New("duplicate record")
	// ErrOrderNotOpen — заказ уже зафиксирован или отменён, мутации запрещены.
	ErrOrderNotOpen = errors.New("order is not open")
	// ErrDetailReleased — резерв позиции уже снят, повторный release запрещён.
	ErrDetailReleased = errors.New("order detail already released")

	// ErrLockTimeout — эксклюзивная блокировка строки не получена за отведённое время.
	ErrLockTimeout = errors.New("row lock wait timeout")
	// ErrStaleWrite — запись поверх устаревшей версии строки.
	ErrStaleWrite = errors.New("stale write detected")

	// ErrCacheMiss — ключ отсутствует в кэше (не является ошибкой инфраструктуры).
	ErrCacheMiss = errors.New("cache miss")
	// ErrCacheUnavailable — кэш недоступен; чтение деградирует к authoritative store.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrStoreUnavailable — authoritative store недоступен; фатально для запроса.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrOutboxPublish — ошибка публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// ErrorClass группирует ошибки движка в классы для внешнего транспорта.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassValidation
	ClassNotFound
	ClassConflict
	ClassConcurrency
	ClassInfrastructure
)

// String возвращает имя класса для логов и метрик.
func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	case ClassConcurrency:
		return "concurrency"
	case ClassInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// ClassOf классифицирует ошибку по таксономии движка. Неизвестные ошибки
// считаются инфраструктурными: они приходят только от store/кэша.
func ClassOf(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrNameRequired),
		errors.Is(err, ErrClientRequired),
		errors.Is(err, ErrOrderIDRequired),
		errors.Is(err, ErrProductIDRequired),
		errors.Is(err, ErrQtyInvalid),
		errors.Is(err, ErrPriceInvalid),
		errors.Is(err, ErrStockInvalid),
		errors.Is(err, ErrPriceMismatch):
		return ClassValidation
	case errors.Is(err, ErrCategoryNotFound),
		errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrOrderDetailNotFound):
		return ClassNotFound
	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrOrderNotOpen),
		errors.Is(err, ErrDetailReleased):
		return ClassConflict
	case errors.Is(err, ErrLockTimeout),
		errors.Is(err, ErrStaleWrite):
		return ClassConcurrency
	default:
		return ClassInfrastructure
	}
}

// IsLockTimeout проверяет, является ли ошибка таймаутом блокировки.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsNotFound проверяет, относится ли ошибка к классу not-found.
func IsNotFound(err error) bool {
	return ClassOf(err) == ClassNotFound
}

// IsConflict проверяет, относится ли ошибка к классу conflict.
func IsConflict(err error) bool {
	return ClassOf(err) == ClassConflict
}
