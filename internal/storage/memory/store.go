package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultLockWait = 200 * time.Millisecond

// errRowNotLocked — программная ошибка: запись строки без предварительной
// блокировки в той же транзакции.
var errRowNotLocked = errors.New("row is not locked by current tx")

// productRow держит данные товара и его эксклюзивную intent-блокировку.
// Канал ёмкости 1 даёт честную блокировку с таймаутом ожидания, чего
// sync.Mutex не умеет.
type productRow struct {
	lock chan struct{}
	data domain.Product
}

// categoryRow — то же для категории.
type categoryRow struct {
	lock chan struct{}
	data domain.Category
}

// orderRow — то же для заказа.
type orderRow struct {
	lock chan struct{}
	data domain.Order
}

// Store — in-memory реализация authoritative store с семантикой
// per-row эксклюзивных блокировок и атомарного commit. Используется в
// тестах и локальной разработке; поведение повторяет контракт
// PostgreSQL-реализации: блокировка берётся до чтения строки, держится до
// конца транзакции, ожидание ограничено lockWait.
type Store struct {
	mu         sync.RWMutex
	products   map[string]*productRow
	categories map[string]*categoryRow
	orders     map[string]*orderRow
	details    map[string]domain.OrderDetail

	lockWait time.Duration
}

// NewStore создаёт пустой in-memory store. lockWait <= 0 заменяется
// значением по умолчанию.
func NewStore(lockWait time.Duration) *Store {
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	return &Store{
		products:   make(map[string]*productRow),
		categories: make(map[string]*categoryRow),
		orders:     make(map[string]*orderRow),
		details:    make(map[string]domain.OrderDetail),
		lockWait:   lockWait,
	}
}

// memTx накапливает мутации и применяет их атомарно на commit.
// Откат — просто отбрасывание staged-изменений.
type memTx struct {
	store *Store

	heldProducts   map[string]*productRow
	heldCategories map[string]*categoryRow
	heldOrders     map[string]*orderRow
	unlockers      []func()

	stockUpdates    map[string]int32
	productDeletes  map[string]struct{}
	categoryDeletes map[string]struct{}
	orderStatus     map[string]domain.OrderStatus
	detailInserts   []domain.OrderDetail
	detailQty       map[string]int32
	detailReleases  map[string]struct{}
}

// WithinTx выполняет fn в транзакции: возврат nil — commit, иначе rollback.
// Все строковые блокировки снимаются в конце независимо от исхода.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	tx := &memTx{
		store:           s,
		heldProducts:    make(map[string]*productRow),
		heldCategories:  make(map[string]*categoryRow),
		heldOrders:      make(map[string]*orderRow),
		stockUpdates:    make(map[string]int32),
		productDeletes:  make(map[string]struct{}),
		categoryDeletes: make(map[string]struct{}),
		orderStatus:     make(map[string]domain.OrderStatus),
		detailQty:       make(map[string]int32),
		detailReleases:  make(map[string]struct{}),
	}
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}

	tx.commit()
	return nil
}

func (t *memTx) releaseLocks() {
	// Снимаем в обратном порядке захвата.
	for i := len(t.unlockers) - 1; i >= 0; i-- {
		t.unlockers[i]()
	}
	t.unlockers = nil
}

// commit применяет все staged-изменения под общим мьютексом store, пока
// строковые блокировки ещё удерживаются: конкурирующие транзакции увидят
// либо всё, либо ничего.
func (t *memTx) commit() {
	now := time.Now().UTC()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for id, stock := range t.stockUpdates {
		if row, ok := t.store.products[id]; ok {
			row.data.Stock = stock
			row.data.Version++
			row.data.UpdatedAt = now
		}
	}
	for id := range t.productDeletes {
		delete(t.store.products, id)
	}
	for id := range t.categoryDeletes {
		delete(t.store.categories, id)
	}
	for id, status := range t.orderStatus {
		if row, ok := t.store.orders[id]; ok {
			row.data.Status = status
			row.data.Version++
			row.data.UpdatedAt = now
		}
	}
	for _, detail := range t.detailInserts {
		t.store.details[detail.ID] = detail
	}
	for id, qty := range t.detailQty {
		if detail, ok := t.store.details[id]; ok {
			detail.Qty = qty
			detail.UpdatedAt = now
			t.store.details[id] = detail
		}
	}
	for id := range t.detailReleases {
		if detail, ok := t.store.details[id]; ok {
			detail.Status = domain.DetailStatusReleased
			detail.UpdatedAt = now
			t.store.details[id] = detail
		}
	}
}

// acquire ждёт эксклюзивную блокировку строки не дольше lockWait.
func (t *memTx) acquire(ctx context.Context, lock chan struct{}) error {
	timer := time.NewTimer(t.store.lockWait)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		t.unlockers = append(t.unlockers, func() { <-lock })
		return nil
	case <-timer.C:
		return domain.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LockProduct берёт intent-блокировку строки товара и возвращает её snapshot.
func (t *memTx) LockProduct(ctx context.Context, productID string) (domain.Product, error) {
	if row, ok := t.heldProducts[productID]; ok {
		return t.productSnapshot(row), nil
	}

	t.store.mu.RLock()
	row, ok := t.store.products[productID]
	t.store.mu.RUnlock()
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}

	if err := t.acquire(ctx, row.lock); err != nil {
		return domain.Product{}, err
	}
	t.heldProducts[productID] = row

	// Строка могла быть удалена, пока мы ждали блокировку.
	t.store.mu.RLock()
	_, alive := t.store.products[productID]
	t.store.mu.RUnlock()
	if !alive {
		return domain.Product{}, domain.ErrProductNotFound
	}

	return t.productSnapshot(row), nil
}

func (t *memTx) productSnapshot(row *productRow) domain.Product {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	snapshot := row.data
	if stock, ok := t.stockUpdates[snapshot.ID]; ok {
		snapshot.Stock = stock
	}
	return snapshot
}

// UpdateProductStock ставит новый остаток в staged-изменения транзакции.
func (t *memTx) UpdateProductStock(ctx context.Context, productID string, stock int32) error {
	if _, held := t.heldProducts[productID]; !held {
		return fmt.Errorf("update stock of product %s: %w", productID, errRowNotLocked)
	}
	if stock < 0 {
		return domain.ErrStockInvalid
	}
	t.stockUpdates[productID] = stock
	return nil
}

// DeleteProduct помечает заблокированный товар к удалению.
func (t *memTx) DeleteProduct(ctx context.Context, productID string) error {
	if _, held := t.heldProducts[productID]; !held {
		return fmt.Errorf("delete product %s: %w", productID, errRowNotLocked)
	}
	t.productDeletes[productID] = struct{}{}
	return nil
}

// CountDetailsByProduct считает committed-позиции по товару с учётом
// staged-изменений текущей транзакции.
func (t *memTx) CountDetailsByProduct(ctx context.Context, productID string) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	count := 0
	for id, detail := range t.store.details {
		if detail.ProductID != productID || detail.Status != domain.DetailStatusCommitted {
			continue
		}
		if _, released := t.detailReleases[id]; released {
			continue
		}
		count++
	}
	for _, detail := range t.detailInserts {
		if detail.ProductID == productID && detail.Status == domain.DetailStatusCommitted {
			count++
		}
	}
	return count, nil
}

// LockCategory берёт intent-блокировку строки категории.
func (t *memTx) LockCategory(ctx context.Context, categoryID string) (domain.Category, error) {
	if row, ok := t.heldCategories[categoryID]; ok {
		t.store.mu.RLock()
		defer t.store.mu.RUnlock()
		return row.data, nil
	}

	t.store.mu.RLock()
	row, ok := t.store.categories[categoryID]
	t.store.mu.RUnlock()
	if !ok {
		return domain.Category{}, domain.ErrCategoryNotFound
	}

	if err := t.acquire(ctx, row.lock); err != nil {
		return domain.Category{}, err
	}
	t.heldCategories[categoryID] = row

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if _, alive := t.store.categories[categoryID]; !alive {
		return domain.Category{}, domain.ErrCategoryNotFound
	}
	return row.data, nil
}

// DeleteCategory помечает заблокированную категорию к удалению.
func (t *memTx) DeleteCategory(ctx context.Context, categoryID string) error {
	if _, held := t.heldCategories[categoryID]; !held {
		return fmt.Errorf("delete category %s: %w", categoryID, errRowNotLocked)
	}
	t.categoryDeletes[categoryID] = struct{}{}
	return nil
}

// CountProductsByCategory считает товары, ссылающиеся на категорию.
func (t *memTx) CountProductsByCategory(ctx context.Context, categoryID string) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	count := 0
	for id, row := range t.store.products {
		if row.data.CategoryID != categoryID {
			continue
		}
		if _, deleted := t.productDeletes[id]; deleted {
			continue
		}
		count++
	}
	return count, nil
}

// LockOrder берёт intent-блокировку строки заказа и возвращает её snapshot.
// Блокировка заказа сериализует конкурирующие мутации его состава.
func (t *memTx) LockOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if row, ok := t.heldOrders[orderID]; ok {
		return t.orderSnapshot(row), nil
	}

	t.store.mu.RLock()
	row, ok := t.store.orders[orderID]
	t.store.mu.RUnlock()
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	if err := t.acquire(ctx, row.lock); err != nil {
		return domain.Order{}, err
	}
	t.heldOrders[orderID] = row

	return t.orderSnapshot(row), nil
}

func (t *memTx) orderSnapshot(row *orderRow) domain.Order {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	snapshot := row.data
	if status, staged := t.orderStatus[snapshot.ID]; staged {
		snapshot.Status = status
	}
	return snapshot
}

// GetOrder возвращает заказ с учётом staged-статуса без блокировки строки.
func (t *memTx) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	row, ok := t.store.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	order := row.data
	if status, staged := t.orderStatus[orderID]; staged {
		order.Status = status
	}
	return order, nil
}

// UpdateOrderStatus ставит новый статус заказа в staged-изменения. Строка
// заказа должна быть заблокирована текущей транзакцией.
func (t *memTx) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	if _, held := t.heldOrders[orderID]; !held {
		return fmt.Errorf("update status of order %s: %w", orderID, errRowNotLocked)
	}
	t.orderStatus[orderID] = status
	return nil
}

// InsertDetail добавляет новую позицию заказа в staged-изменения.
func (t *memTx) InsertDetail(ctx context.Context, detail domain.OrderDetail) error {
	t.store.mu.RLock()
	_, exists := t.store.details[detail.ID]
	t.store.mu.RUnlock()
	if exists {
		return domain.ErrDuplicate
	}
	for _, staged := range t.detailInserts {
		if staged.ID == detail.ID {
			return domain.ErrDuplicate
		}
	}
	t.detailInserts = append(t.detailInserts, detail)
	return nil
}

// GetDetail возвращает позицию с учётом staged-изменений.
func (t *memTx) GetDetail(ctx context.Context, detailID string) (domain.OrderDetail, error) {
	t.store.mu.RLock()
	detail, ok := t.store.details[detailID]
	t.store.mu.RUnlock()
	if !ok {
		for _, staged := range t.detailInserts {
			if staged.ID == detailID {
				return staged, nil
			}
		}
		return domain.OrderDetail{}, domain.ErrOrderDetailNotFound
	}

	if qty, staged := t.detailQty[detailID]; staged {
		detail.Qty = qty
	}
	if _, released := t.detailReleases[detailID]; released {
		detail.Status = domain.DetailStatusReleased
	}
	return detail, nil
}

// ListCommittedDetails возвращает committed-позиции заказа.
func (t *memTx) ListCommittedDetails(ctx context.Context, orderID string) ([]domain.OrderDetail, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	result := make([]domain.OrderDetail, 0)
	for id, detail := range t.store.details {
		if detail.OrderID != orderID || detail.Status != domain.DetailStatusCommitted {
			continue
		}
		if _, released := t.detailReleases[id]; released {
			continue
		}
		if qty, staged := t.detailQty[id]; staged {
			detail.Qty = qty
		}
		result = append(result, detail)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// UpdateDetailQty ставит новое количество позиции в staged-изменения.
func (t *memTx) UpdateDetailQty(ctx context.Context, detailID string, qty int32) error {
	if qty <= 0 {
		return domain.ErrQtyInvalid
	}
	if _, err := t.GetDetail(ctx, detailID); err != nil {
		return err
	}
	t.detailQty[detailID] = qty
	return nil
}

// MarkDetailReleased помечает позицию released в staged-изменениях.
func (t *memTx) MarkDetailReleased(ctx context.Context, detailID string) error {
	detail, err := t.GetDetail(ctx, detailID)
	if err != nil {
		return err
	}
	if detail.Status == domain.DetailStatusReleased {
		return domain.ErrDetailReleased
	}
	t.detailReleases[detailID] = struct{}{}
	return nil
}

var _ domain.Tx = (*memTx)(nil)
var _ domain.Store = (*Store)(nil)
