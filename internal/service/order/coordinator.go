package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/cache"
	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/pricing"
)

// Типы событий жизненного цикла заказа, попадающие в outbox и timeline.
const (
	EventDetailAdded      = "OrderDetailAdded"
	EventDetailQtyChanged = "OrderDetailQtyChanged"
	EventDetailRemoved    = "OrderDetailRemoved"
	EventOrderCanceled    = "OrderCanceled"
	EventOrderCommitted   = "OrderCommitted"
)

// errNoMutation помечает идемпотентный повтор, которому нечего фиксировать:
// транзакция откатывается пустой, а post-commit эффекты (инвалидация,
// события) не запускаются.
var errNoMutation = errors.New("mutation is a no-op")

// Coordinator — единственная точка мутации состава заказа. Каждая операция
// выполняется в одной транзакции authoritative store: остаток, цена и
// позиция меняются атомарно, частичных результатов не бывает. Инвалидация
// кэша и события происходят строго после commit.
type Coordinator struct {
	store       domain.Store
	ledger      *inventory.Ledger
	prices      *pricing.Validator
	outbox      domain.OutboxRepository
	timeline    domain.TimelineRepository
	invalidator *cache.Invalidator
	logger      *log.Entry
	metrics     *metrics.EngineMetrics

	maxLockRetries int
	retryBaseDelay time.Duration
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithMetrics подключает метрики движка.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger задаёт логгер вместо логгера по умолчанию.
func WithLogger(logger *log.Entry) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithOutbox подключает transactional outbox для событий мутаций.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(c *Coordinator) { c.outbox = repo }
}

// WithTimeline подключает историю жизненного цикла заказов.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(c *Coordinator) { c.timeline = repo }
}

// WithInvalidator подключает post-commit инвалидацию кэша.
func WithInvalidator(inv *cache.Invalidator) Option {
	return func(c *Coordinator) { c.invalidator = inv }
}

// WithLockRetry задаёт число повторов после таймаута блокировки и базовую
// задержку экспоненциального backoff.
func WithLockRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Coordinator) {
		if maxRetries >= 0 {
			c.maxLockRetries = maxRetries
		}
		if baseDelay > 0 {
			c.retryBaseDelay = baseDelay
		}
	}
}

// NewCoordinator создаёт координатор мутаций заказов.
func NewCoordinator(store domain.Store, ledger *inventory.Ledger, prices *pricing.Validator, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:          store,
		ledger:         ledger,
		prices:         prices,
		maxLockRetries: 3,
		retryBaseDelay: 25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "order-coordinator")
	}
	return c
}

// AddDetail добавляет позицию в открытый заказ: блокирует строку товара,
// сверяет цену, списывает остаток и сохраняет позицию в одной транзакции.
// submittedPriceMinor может быть pricing.PriceUnset, тогда фиксируется
// каталожная цена.
func (c *Coordinator) AddDetail(ctx context.Context, orderID, productID string, qty int32, submittedPriceMinor int64) (domain.OrderDetail, error) {
	if qty <= 0 {
		return domain.OrderDetail{}, domain.ErrQtyInvalid
	}

	var detail domain.OrderDetail
	err := c.mutate(ctx, "add_detail", func(ctx context.Context) ([]string, error) {
		err := c.store.WithinTx(ctx, func(tx domain.Tx) error {
			if err := c.lockOpenOrder(ctx, tx, orderID); err != nil {
				return err
			}

			locked, err := c.ledger.LockAscending(ctx, tx, []string{productID})
			if err != nil {
				return err
			}
			product := locked[productID]

			price, err := c.prices.Validate(&product, submittedPriceMinor)
			if err != nil {
				if domain.ClassOf(err) == domain.ClassValidation && c.metrics != nil {
					c.metrics.RecordPriceMismatch()
				}
				return err
			}

			if err := c.ledger.Reserve(ctx, tx, &product, qty); err != nil {
				return err
			}

			now := time.Now().UTC()
			detail = domain.OrderDetail{
				ID:         uuid.NewString(),
				OrderID:    orderID,
				ProductID:  productID,
				Qty:        qty,
				PriceMinor: price,
				Status:     domain.DetailStatusCommitted,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			return tx.InsertDetail(ctx, detail)
		})
		if err != nil {
			return nil, err
		}
		return []string{productID}, nil
	}, func() (string, any) {
		return EventDetailAdded, detailEvent{
			OrderID: orderID, DetailID: detail.ID, ProductID: productID,
			Qty: qty, PriceMinor: detail.PriceMinor,
		}
	}, orderID)
	if err != nil {
		return domain.OrderDetail{}, err
	}
	return detail, nil
}

// ChangeDetailQty меняет количество committed-позиции: рост количества
// резервирует разницу, уменьшение возвращает её на остаток.
func (c *Coordinator) ChangeDetailQty(ctx context.Context, detailID string, qty int32) (domain.OrderDetail, error) {
	if qty <= 0 {
		return domain.OrderDetail{}, domain.ErrQtyInvalid
	}

	var (
		detail    domain.OrderDetail
		orderID   string
		productID string
	)
	err := c.mutate(ctx, "change_detail_qty", func(ctx context.Context) ([]string, error) {
		err := c.store.WithinTx(ctx, func(tx domain.Tx) error {
			var err error
			detail, err = tx.GetDetail(ctx, detailID)
			if err != nil {
				return err
			}

			if err := c.lockOpenOrder(ctx, tx, detail.OrderID); err != nil {
				return err
			}

			// Перечитываем позицию под блокировкой заказа: конкурирующая
			// мутация могла изменить количество или снять резерв, пока мы
			// ждали блокировку, и delta от старого snapshot была бы неверной.
			detail, err = tx.GetDetail(ctx, detailID)
			if err != nil {
				return err
			}
			if detail.Status != domain.DetailStatusCommitted {
				return domain.ErrDetailReleased
			}
			orderID, productID = detail.OrderID, detail.ProductID

			locked, err := c.ledger.LockAscending(ctx, tx, []string{detail.ProductID})
			if err != nil {
				return err
			}
			product := locked[detail.ProductID]

			delta := qty - detail.Qty
			switch {
			case delta > 0:
				if err := c.ledger.Reserve(ctx, tx, &product, delta); err != nil {
					return err
				}
			case delta < 0:
				if err := c.ledger.Release(ctx, tx, &product, -delta); err != nil {
					return err
				}
			default:
				return errNoMutation
			}

			detail.Qty = qty
			return tx.UpdateDetailQty(ctx, detailID, qty)
		})
		if err != nil {
			return nil, err
		}
		return []string{productID}, nil
	}, func() (string, any) {
		return EventDetailQtyChanged, detailEvent{
			OrderID: orderID, DetailID: detailID, ProductID: productID,
			Qty: qty, PriceMinor: detail.PriceMinor,
		}
	}, "")
	if err != nil {
		return domain.OrderDetail{}, err
	}
	return detail, nil
}

// RemoveDetail снимает резерв позиции и помечает её released. Строка
// позиции сохраняется для аудита, повторное снятие невозможно.
func (c *Coordinator) RemoveDetail(ctx context.Context, detailID string) error {
	var (
		orderID   string
		productID string
		qty       int32
	)
	return c.mutate(ctx, "remove_detail", func(ctx context.Context) ([]string, error) {
		err := c.store.WithinTx(ctx, func(tx domain.Tx) error {
			detail, err := tx.GetDetail(ctx, detailID)
			if err != nil {
				return err
			}

			if err := c.lockOpenOrder(ctx, tx, detail.OrderID); err != nil {
				return err
			}

			// Перечитываем позицию под блокировкой заказа, чтобы снимать
			// резерв по актуальному количеству.
			detail, err = tx.GetDetail(ctx, detailID)
			if err != nil {
				return err
			}
			if detail.Status != domain.DetailStatusCommitted {
				return domain.ErrDetailReleased
			}
			orderID, productID, qty = detail.OrderID, detail.ProductID, detail.Qty

			locked, err := c.ledger.LockAscending(ctx, tx, []string{detail.ProductID})
			if err != nil {
				return err
			}
			product := locked[detail.ProductID]

			if err := c.ledger.Release(ctx, tx, &product, detail.Qty); err != nil {
				return err
			}
			return tx.MarkDetailReleased(ctx, detailID)
		})
		if err != nil {
			return nil, err
		}
		return []string{productID}, nil
	}, func() (string, any) {
		return EventDetailRemoved, detailEvent{
			OrderID: orderID, DetailID: detailID, ProductID: productID, Qty: qty,
		}
	}, "")
}

// CancelOrder переводит открытый заказ в canceled и атомарно снимает
// резервы всех его committed-позиций. Строка заказа блокируется первой,
// затем строки всех затронутых товаров в порядке возрастания
// идентификаторов. Повторная отмена — no-op без побочных эффектов.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) error {
	var released []string
	return c.mutate(ctx, "cancel_order", func(ctx context.Context) ([]string, error) {
		released = released[:0]
		err := c.store.WithinTx(ctx, func(tx domain.Tx) error {
			order, err := tx.LockOrder(ctx, orderID)
			if err != nil {
				return err
			}
			switch order.Status {
			case domain.OrderStatusCanceled:
				return errNoMutation
			case domain.OrderStatusOpen:
			default:
				return fmt.Errorf("order %s is %s: %w", orderID, order.Status, domain.ErrOrderNotOpen)
			}

			details, err := tx.ListCommittedDetails(ctx, orderID)
			if err != nil {
				return err
			}

			productIDs := make([]string, 0, len(details))
			for _, detail := range details {
				productIDs = append(productIDs, detail.ProductID)
			}
			locked, err := c.ledger.LockAscending(ctx, tx, productIDs)
			if err != nil {
				return err
			}

			// Несколько позиций могут ссылаться на один товар: release
			// работает поверх общего snapshot, чтобы инкременты складывались.
			snapshots := make(map[string]*domain.Product, len(locked))
			for id := range locked {
				product := locked[id]
				snapshots[id] = &product
			}
			for _, detail := range details {
				if err := c.ledger.Release(ctx, tx, snapshots[detail.ProductID], detail.Qty); err != nil {
					return err
				}
				if err := tx.MarkDetailReleased(ctx, detail.ID); err != nil {
					return err
				}
			}
			for id := range snapshots {
				released = append(released, id)
			}

			return tx.UpdateOrderStatus(ctx, orderID, domain.OrderStatusCanceled)
		})
		if err != nil {
			return nil, err
		}
		return released, nil
	}, func() (string, any) {
		return EventOrderCanceled, canceledEvent{OrderID: orderID, ReleasedProducts: released}
	}, orderID)
}

// CommitOrder фиксирует открытый заказ: состав больше не меняется, резервы
// позиций остаются списанными. Повторная фиксация — no-op без побочных
// эффектов, отменённый заказ зафиксировать нельзя.
func (c *Coordinator) CommitOrder(ctx context.Context, orderID string) error {
	return c.mutate(ctx, "commit_order", func(ctx context.Context) ([]string, error) {
		err := c.store.WithinTx(ctx, func(tx domain.Tx) error {
			order, err := tx.LockOrder(ctx, orderID)
			if err != nil {
				return err
			}
			switch order.Status {
			case domain.OrderStatusCommitted:
				return errNoMutation
			case domain.OrderStatusOpen:
			default:
				return fmt.Errorf("order %s is %s: %w", orderID, order.Status, domain.ErrOrderNotOpen)
			}
			return tx.UpdateOrderStatus(ctx, orderID, domain.OrderStatusCommitted)
		})
		if err != nil {
			return nil, err
		}
		return nil, nil
	}, func() (string, any) {
		return EventOrderCommitted, committedEvent{OrderID: orderID}
	}, orderID)
}

// lockOpenOrder берёт эксклюзивную блокировку строки заказа и проверяет, что
// заказ открыт. Блокировка заказа всегда берётся раньше блокировок товаров,
// поэтому проверка статуса не может пересечься с конкурирующей отменой или
// фиксацией того же заказа.
func (c *Coordinator) lockOpenOrder(ctx context.Context, tx domain.Tx, orderID string) error {
	order, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusOpen {
		return fmt.Errorf("order %s is %s: %w", orderID, order.Status, domain.ErrOrderNotOpen)
	}
	return nil
}

// mutate выполняет одну мутацию с повторами по таймауту блокировки,
// записывает длительность и после успешного commit запускает инвалидацию
// кэша и публикацию событий.
func (c *Coordinator) mutate(ctx context.Context, operation string, attempt func(context.Context) ([]string, error), event func() (string, any), knownOrderID string) error {
	start := time.Now()
	productIDs, err := c.withLockRetry(ctx, operation, attempt)
	if c.metrics != nil {
		c.metrics.RecordMutationDuration(operation, time.Since(start))
	}
	if errors.Is(err, errNoMutation) {
		return nil
	}
	if err != nil {
		return err
	}

	eventType, payload := event()
	orderID := knownOrderID
	if detail, ok := payload.(detailEvent); ok {
		orderID = detail.OrderID
	}
	c.afterCommit(ctx, operation, orderID, productIDs, eventType, payload)
	return nil
}

// afterCommit — побочные эффекты успешной мутации. Ошибки здесь не
// откатывают уже зафиксированную транзакцию: кэш деградирует к bypass, а
// событие теряется только вместе с ошибкой в логе.
func (c *Coordinator) afterCommit(ctx context.Context, operation, orderID string, productIDs []string, eventType string, payload any) {
	if c.invalidator != nil {
		c.invalidator.AfterOrderMutation(ctx, orderID, productIDs...)
	}

	if c.outbox != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			c.logger.WithError(err).WithField("event_type", eventType).Error("marshal outbox event failed")
		} else if _, err := c.outbox.Enqueue(domain.OutboxMessage{
			AggregateType: "order",
			AggregateID:   orderID,
			EventType:     eventType,
			Payload:       body,
		}); err != nil {
			c.logger.WithError(err).WithField("event_type", eventType).Error("enqueue outbox event failed")
		}
	}

	if c.timeline != nil {
		if err := c.timeline.Append(domain.TimelineEvent{
			OrderID:  orderID,
			Type:     eventType,
			Reason:   operation,
			Occurred: time.Now().UTC(),
		}); err != nil {
			c.logger.WithError(err).WithField("order_id", orderID).Error("append timeline event failed")
		}
	}
}

// detailEvent — payload событий по позициям заказа.
type detailEvent struct {
	OrderID    string `json:"order_id"`
	DetailID   string `json:"detail_id"`
	ProductID  string `json:"product_id"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor,omitempty"`
}

// canceledEvent — payload события отмены заказа.
type canceledEvent struct {
	OrderID          string   `json:"order_id"`
	ReleasedProducts []string `json:"released_products"`
}

// committedEvent — payload события фиксации заказа.
type committedEvent struct {
	OrderID string `json:"order_id"`
}
