package inventory

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Ledger владеет счётчиками остатков. Reserve и Release работают только
// поверх строк, уже заблокированных в текущей транзакции: блокировка
// берётся до чтения остатка и держится до конца unit of work, поэтому
// между проверкой и записью нет окна для конкурирующей мутации.
type Ledger struct {
	logger  *log.Entry
	metrics *metrics.EngineMetrics
}

// NewLedger создаёт ledger. Metrics может быть nil (тесты).
func NewLedger(m *metrics.EngineMetrics, logger *log.Entry) *Ledger {
	if logger == nil {
		logger = log.WithField("component", "inventory-ledger")
	}
	return &Ledger{logger: logger, metrics: m}
}

// LockAscending блокирует строки перечисленных товаров строго в порядке
// возрастания идентификаторов, что делает взаимную блокировку структурно
// невозможной. Дубликаты схлопываются. Возвращает snapshot каждой строки.
func (l *Ledger) LockAscending(ctx context.Context, tx domain.Tx, productIDs []string) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	locked := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		product, err := tx.LockProduct(ctx, id)
		if err != nil {
			if domain.IsLockTimeout(err) && l.metrics != nil {
				l.metrics.RecordLockTimeout()
			}
			return nil, fmt.Errorf("lock product %s: %w", id, err)
		}
		locked[id] = product
	}
	return locked, nil
}

// Reserve списывает qty с остатка заблокированного товара. Успех тогда и
// только тогда, когда текущего остатка хватает; при отказе остаток не
// меняется.
func (l *Ledger) Reserve(ctx context.Context, tx domain.Tx, product *domain.Product, qty int32) error {
	if qty <= 0 {
		return domain.ErrQtyInvalid
	}
	if product.Stock < qty {
		if l.metrics != nil {
			l.metrics.RecordInsufficientStock()
		}
		return fmt.Errorf("reserve %d of product %s (stock %d): %w", qty, product.ID, product.Stock, domain.ErrInsufficientStock)
	}

	product.Stock -= qty
	if err := tx.UpdateProductStock(ctx, product.ID, product.Stock); err != nil {
		return fmt.Errorf("persist reserved stock for %s: %w", product.ID, err)
	}

	if l.metrics != nil {
		l.metrics.RecordReservation()
	}
	l.logger.WithFields(log.Fields{
		"product_id": product.ID,
		"qty":        qty,
		"stock":      product.Stock,
	}).Debug("stock reserved")
	return nil
}

// Release возвращает qty на остаток заблокированного товара. Инкремент
// идемпотентен на уровне вызова; exactly-once гарантирует транзакционная
// граница вызывающего (release происходит вместе с переводом позиции в
// released).
func (l *Ledger) Release(ctx context.Context, tx domain.Tx, product *domain.Product, qty int32) error {
	if qty <= 0 {
		return domain.ErrQtyInvalid
	}

	product.Stock += qty
	if err := tx.UpdateProductStock(ctx, product.ID, product.Stock); err != nil {
		return fmt.Errorf("persist released stock for %s: %w", product.ID, err)
	}

	if l.metrics != nil {
		l.metrics.RecordRelease()
	}
	l.logger.WithFields(log.Fields{
		"product_id": product.ID,
		"qty":        qty,
		"stock":      product.Stock,
	}).Debug("stock released")
	return nil
}
