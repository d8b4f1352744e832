package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/pricing"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

type fixture struct {
	store    *memory.Store
	coord    *Coordinator
	outboxDB domain.OutboxRepository
	timeline domain.TimelineRepository
}

func newFixture(t *testing.T, lockWait time.Duration) *fixture {
	t.Helper()

	store := memory.NewStore(lockWait)
	outboxRepo := memory.NewOutboxRepository()
	timelineRepo := memory.NewTimelineRepository()

	coord := NewCoordinator(
		store,
		inventory.NewLedger(nil, nil),
		pricing.NewValidator(0),
		WithOutbox(outboxRepo),
		WithTimeline(timelineRepo),
		WithLockRetry(0, time.Millisecond),
	)
	return &fixture{store: store, coord: coord, outboxDB: outboxRepo, timeline: timelineRepo}
}

func (f *fixture) seed(t *testing.T, products []domain.Product, orders []domain.Order) {
	t.Helper()
	ctx := context.Background()
	for _, p := range products {
		require.NoError(t, f.store.CreateProduct(ctx, p))
	}
	for _, o := range orders {
		require.NoError(t, f.store.CreateOrder(ctx, o))
	}
}

func TestCoordinator_AddDetail(t *testing.T) {
	f := newFixture(t, 0)
	f.seed(t,
		[]domain.Product{{ID: "p1", Name: "atlas", PriceMinor: 2500, Stock: 5}},
		[]domain.Order{{ID: "o1", ClientID: "c1"}},
	)
	ctx := context.Background()

	detail, err := f.coord.AddDetail(ctx, "o1", "p1", 2, pricing.PriceUnset)
	require.NoError(t, err)
	require.Equal(t, int64(2500), detail.PriceMinor, "catalog price captured")
	require.Equal(t, domain.DetailStatusCommitted, detail.Status)

	product, err := f.store.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int32(3), product.Stock)

	pending, err := f.outboxDB.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, EventDetailAdded, pending[0].EventType)

	events, err := f.timeline.List("o1")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestCoordinator_AddDetailPriceMismatch(t *testing.T) {
	f := newFixture(t, 0)
	f.seed(t,
		[]domain.Product{{ID: "p1", Name: "atlas", PriceMinor: 2500, Stock: 5}},
		[]domain.Order{{ID: "o1", ClientID: "c1"}},
	)
	ctx := context.Background()

	_, err := f.coord.AddDetail(ctx, "o1", "p1", 2, 2400)
	require.ErrorIs(t, err, domain.ErrPriceMismatch)

	// Отказ по цене не трогает ни остаток, ни позиции.
	product, _ := f.store.GetProduct(ctx, "p1")
	require.Equal(t, int32(5), product.Stock)
	details, _ := f.store.ListDetails(ctx, "o1")
	require.Empty(t, details)
}

func TestCoordinator_AddDetailInsufficientStock(t *testing.T) {
	f := newFixture(t, 0)
	f.seed(t,
		[]domain.Product{{ID: "p1", Name: "atlas", PriceMinor: 2500, Stock: 1}},
		[]domain.Order{{ID: "o1", ClientID: "c1"}},
	)

	_, err := f.coord.AddDetail(context.Background(), "o1", "p1", 2, pricing.PriceUnset)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	product, _ := f.store.GetProduct(context.Background(), "p1")
	require.Equal(t, int32(1), product.Stock)
}

func TestCoordinator_AddDetailClosedOrder(t *testing.T) {
	f := newFixture(t, 0)
	f.seed(t,
		[]domain.Product{{ID: "p1", Name: "atlas", PriceMinor: 2500, Stock: 5}},
		[]domain.Order{{ID: "o1", ClientID: "c1", Status: domain.OrderStatusCommitted}},
	)

	_, err := f.coord.AddDetail(context.Background(), "o1", "p1", 1, pricing.PriceUnset)
	require.ErrorIs(t, err, domain.ErrOrderNotOpen)
}

// Десять конкурентных покупателей и пять единиц товара: успешных мутаций
// ровно пять, остаток ноль, ни одна единица не продана дважды.
func TestCoordinator_ConcurrentBuyersNeverOversell(t *testing.T) {
	f := newFixture(t, 2*time.Second)
	f.seed(t,
		[]domain.Product{{ID: "p1", Name: "atlas", PriceMinor: 2500, Stock: 5}},
		[]domain.Order{{ID: "o1", ClientID: "c1"}},
	)
	ctx := context.Background()

	const buyers = 10
	errCh := make(chan error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.AddDetail(ctx, "o1", "p1", 1, pricing.PriceUnset)
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	succeeded, rejected := 0, 0
	for err := range errCh {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 5, succeeded)
	require.Equal(t, 5, rejected)

	product, _ := f.store.GetProduct(ctx, "p1")
	require.Equal(t, int32(0), product.Stock)

	details, _ := f.store.ListDetails(ctx, "o1")
	require.Len(t, details, 5)
}

func TestCoordinator_ChangeDetailQty(t *testing.T) {
	f := newFixture(t, 0)
	f.seed(t,
		[]domain.Product{{ID: "p1", Name: "atlas", PriceMinor: 2500, Stock: 10}},
		[]domain.Order{{ID: "o1", ClientID: "c1"}},
	)
	ctx := context.Background()

	detail, err := f.coord.AddDetail(ctx, "o1", "p1", 3, pricing.PriceUnset)
	require.NoError(t, err)

	// Рост количества резервирует разницу.
	updated, err := f.coord.ChangeDetailQty(ctx, detail.ID, 5)
	require.NoError(t, err)
	require.Equal(t, int32(5), updated.Qty)
	product, _ := f.store.GetProduct(ctx, "p1")
	require.Equal(t, int32(5), product.Stock)

	// Уменьшение возвращает разницу на остаток.
	updated, err = f.coord.ChangeDetailQty(ctx, detail.ID, 2)
	require.NoError(t, err)
	require.Equal(t, int32(2), updated.Qty)
	product, _ = f.store.GetProduct(ctx, "p1")
	require.Equal(t, int32(8), product.Stock)

	// Рост сверх остатка отклоняется без изменений.
	_, err = f.coord.ChangeDetailQty(ctx, detail.ID, 100)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	product, _ = f.store.GetProduct(ctx, "p1")
	require.Equal(t, int32(8), product.Stock)
}

// Конкурирующие изменения количества одной позиции сериализуются на
// блокировке заказа и считают дельту от перечитанного значения: какой бы
// порядок ни сложился, списанный остаток равен итоговому количеству.
func TestCoordinator_ConcurrentQtyChangesConserveStock(t *testing.T) {
	f := newFixture(t, 2*time.Second)
	f.seed(t,
		[]domain.Product{{ID: "p1", Name: "atlas", PriceMinor: 2500, Stock: 100}},
		[]domain.Order{{ID: "o1", ClientID: "c1"}},
	)
	ctx := context.Background()

	detail, err := f.coord.AddDetail(ctx, "o1", "p1", 5, pricing.PriceUnset)
	require.NoError(t, err)

	const writers = 8
	errCh := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		qty := int32(i + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.ChangeDetailQty(ctx, detail.ID, qty)
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	details, err := f.store.ListDetails(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, details, 1)

	product, err := f.store.GetProduct(ctx, "p1")
	require.NoError(t, err)
	reserved := int32(100) - product.Stock
	require.Equal(t, details[0].Qty, reserved, "reserved stock must equal the committed qty")
}

// Добавление позиции, гонящееся с отменой заказа, никогда не оставляет
// committed-позицию на отменённом заказе: блокировка строки заказа делает
// проверку статуса и мутацию атомарными между собой.
func TestCoordinator_AddRacingCancelNeverLeaksReservation(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		f := newFixture(t, 2*time.Second)
		f.seed(t,
			[]domain.Product{
				{ID: "p1", Name: "a", PriceMinor: 100, Stock: 10},
				{ID: "p2", Name: "b", PriceMinor: 200, Stock: 10},
			},
			[]domain.Order{{ID: "o1", ClientID: "c1"}},
		)

		_, err := f.coord.AddDetail(ctx, "o1", "p1", 2, pricing.PriceUnset)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		var addErr, cancelErr error
		go func() {
			defer wg.Done()
			_, addErr = f.coord.AddDetail(ctx, "o1", "p2", 3, pricing.PriceUnset)
		}()
		go func() {
			defer wg.Done()
			cancelErr = f.coord.CancelOrder(ctx, "o1")
		}()
		wg.Wait()

		require.NoError(t, cancelErr)
		if addErr != nil {
			require.ErrorIs(t, addErr, domain.ErrOrderNotOpen)
		}

		// Либо добавление успело до отмены и отмена сняла его резерв, либо
		// отмена успела раньше и добавление было отклонено. В обоих случаях
		// заказ отменён, committed-позиций нет, остатки восстановлены.
		order, err := f.store.GetOrder(ctx, "o1")
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusCanceled, order.Status)

		for _, detail := range mustListDetails(t, f.store, "o1") {
			require.Equal(t, domain.DetailStatusReleased, detail.Status)
		}

		p1, _ := f.store.GetProduct(ctx, "p1")
		p2, _ := f.store.GetProduct(ctx, "p2")
		require.Equal(t, int32(10), p1.Stock, "iteration %d", i)
		require.Equal(t, int32(10), p2.Stock, "iteration %d", i)
	}
}

func TestCoordinator_RemoveDetail(t *testing.T) {
	f := newFixture(t, 0)
	f.seed(t,
		[]domain.Product{{ID: "p1", Name: "atlas", PriceMinor: 2500, Stock: 5}},
		[]domain.Order{{ID: "o1", ClientID: "c1"}},
	)
	ctx := context.Background()

	detail, err := f.coord.AddDetail(ctx, "o1", "p1", 4, pricing.PriceUnset)
	require.NoError(t, err)

	require.NoError(t, f.coord.RemoveDetail(ctx, detail.ID))

	product, _ := f.store.GetProduct(ctx, "p1")
	require.Equal(t, int32(5), product.Stock, "stock restored")

	details, _ := f.store.ListDetails(ctx, "o1")
	require.Len(t, details, 1)
	require.Equal(t, domain.DetailStatusReleased, details[0].Status, "row kept for audit")

	// Повторное снятие того же резерва невозможно.
	err = f.coord.RemoveDetail(ctx, detail.ID)
	require.ErrorIs(t, err, domain.ErrDetailReleased)
	product, _ = f.store.GetProduct(ctx, "p1")
	require.Equal(t, int32(5), product.Stock)
}

func TestCoordinator_CancelOrderReleasesEverything(t *testing.T) {
	f := newFixture(t, 2*time.Second)
	f.seed(t,
		[]domain.Product{
			{ID: "p1", Name: "a", PriceMinor: 100, Stock: 10},
			{ID: "p2", Name: "b", PriceMinor: 200, Stock: 10},
		},
		[]domain.Order{{ID: "o1", ClientID: "c1"}},
	)
	ctx := context.Background()

	_, err := f.coord.AddDetail(ctx, "o1", "p1", 2, pricing.PriceUnset)
	require.NoError(t, err)
	_, err = f.coord.AddDetail(ctx, "o1", "p2", 3, pricing.PriceUnset)
	require.NoError(t, err)
	_, err = f.coord.AddDetail(ctx, "o1", "p1", 4, pricing.PriceUnset)
	require.NoError(t, err)

	require.NoError(t, f.coord.CancelOrder(ctx, "o1"))

	order, _ := f.store.GetOrder(ctx, "o1")
	require.Equal(t, domain.OrderStatusCanceled, order.Status)

	p1, _ := f.store.GetProduct(ctx, "p1")
	p2, _ := f.store.GetProduct(ctx, "p2")
	require.Equal(t, int32(10), p1.Stock)
	require.Equal(t, int32(10), p2.Stock)

	for _, detail := range mustListDetails(t, f.store, "o1") {
		require.Equal(t, domain.DetailStatusReleased, detail.Status)
	}

	events, err := f.timeline.List("o1")
	require.NoError(t, err)
	eventsAfterCancel := len(events)

	// Повторная отмена идемпотентна: остатки не трогаются, дублей событий
	// в timeline и outbox не появляется.
	require.NoError(t, f.coord.CancelOrder(ctx, "o1"))
	p1, _ = f.store.GetProduct(ctx, "p1")
	require.Equal(t, int32(10), p1.Stock)

	events, err = f.timeline.List("o1")
	require.NoError(t, err)
	require.Len(t, events, eventsAfterCancel, "repeated cancel must not emit events")
}

// Отмена заказа с тремя позициями одного товара атомарна для конкурентного
// читателя: остаток виден либо полностью зарезервированным, либо полностью
// возвращённым, промежуточных значений не бывает.
func TestCoordinator_CancelAtomicUnderConcurrentReads(t *testing.T) {
	f := newFixture(t, 2*time.Second)
	f.seed(t,
		[]domain.Product{{ID: "p1", Name: "atlas", PriceMinor: 100, Stock: 20}},
		[]domain.Order{{ID: "o1", ClientID: "c1"}},
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.coord.AddDetail(ctx, "o1", "p1", 3, pricing.PriceUnset)
		require.NoError(t, err)
	}
	// Зарезервировано 9 единиц, остаток 11.

	stop := make(chan struct{})
	observed := make(chan int32, 1024)
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				product, err := f.store.GetProduct(ctx, "p1")
				if err == nil {
					select {
					case observed <- product.Stock:
					default:
					}
				}
			}
		}()
	}

	require.NoError(t, f.coord.CancelOrder(ctx, "o1"))
	close(stop)
	readers.Wait()
	close(observed)

	for stock := range observed {
		require.Contains(t, []int32{11, 20}, stock, "reader must never see a partial release")
	}

	product, _ := f.store.GetProduct(ctx, "p1")
	require.Equal(t, int32(20), product.Stock)
}

func TestCoordinator_CommitOrder(t *testing.T) {
	f := newFixture(t, 0)
	f.seed(t,
		[]domain.Product{{ID: "p1", Name: "atlas", PriceMinor: 2500, Stock: 5}},
		[]domain.Order{{ID: "o1", ClientID: "c1"}},
	)
	ctx := context.Background()

	_, err := f.coord.AddDetail(ctx, "o1", "p1", 2, pricing.PriceUnset)
	require.NoError(t, err)

	require.NoError(t, f.coord.CommitOrder(ctx, "o1"))

	order, _ := f.store.GetOrder(ctx, "o1")
	require.Equal(t, domain.OrderStatusCommitted, order.Status)

	// Резерв остаётся списанным, состав заморожен.
	product, _ := f.store.GetProduct(ctx, "p1")
	require.Equal(t, int32(3), product.Stock)
	_, err = f.coord.AddDetail(ctx, "o1", "p1", 1, pricing.PriceUnset)
	require.ErrorIs(t, err, domain.ErrOrderNotOpen)

	events, err := f.timeline.List("o1")
	require.NoError(t, err)
	eventsAfterCommit := len(events)

	// Повторная фиксация идемпотентна и не эмитит событий, отмена после
	// фиксации запрещена.
	require.NoError(t, f.coord.CommitOrder(ctx, "o1"))
	require.ErrorIs(t, f.coord.CancelOrder(ctx, "o1"), domain.ErrOrderNotOpen)

	events, err = f.timeline.List("o1")
	require.NoError(t, err)
	require.Len(t, events, eventsAfterCommit, "repeated commit must not emit events")
}

func TestCoordinator_CommitCanceledOrderRejected(t *testing.T) {
	f := newFixture(t, 0)
	f.seed(t, nil, []domain.Order{{ID: "o1", ClientID: "c1", Status: domain.OrderStatusCanceled}})

	err := f.coord.CommitOrder(context.Background(), "o1")
	require.ErrorIs(t, err, domain.ErrOrderNotOpen)
}

func TestCoordinator_CancelCommittedOrderRejected(t *testing.T) {
	f := newFixture(t, 0)
	f.seed(t, nil, []domain.Order{{ID: "o1", ClientID: "c1", Status: domain.OrderStatusCommitted}})

	err := f.coord.CancelOrder(context.Background(), "o1")
	require.ErrorIs(t, err, domain.ErrOrderNotOpen)
}

func TestCoordinator_RetriesAfterLockTimeout(t *testing.T) {
	store := memory.NewStore(20 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, store.CreateProduct(ctx, domain.Product{ID: "p1", Name: "a", PriceMinor: 100, Stock: 5}))
	require.NoError(t, store.CreateOrder(ctx, domain.Order{ID: "o1", ClientID: "c1"}))

	coord := NewCoordinator(
		store,
		inventory.NewLedger(nil, nil),
		pricing.NewValidator(0),
		WithLockRetry(5, 10*time.Millisecond),
	)

	holderEntered := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- store.WithinTx(ctx, func(tx domain.Tx) error {
			if _, err := tx.LockProduct(ctx, "p1"); err != nil {
				return err
			}
			close(holderEntered)
			time.Sleep(60 * time.Millisecond)
			return nil
		})
	}()

	<-holderEntered
	_, err := coord.AddDetail(ctx, "o1", "p1", 1, pricing.PriceUnset)
	require.NoError(t, err, "mutation should succeed after holder releases the lock")
	require.NoError(t, <-holderDone)

	// Без повторов тот же сценарий завершился бы ErrLockTimeout.
}

func mustListDetails(t *testing.T, store *memory.Store, orderID string) []domain.OrderDetail {
	t.Helper()
	details, err := store.ListDetails(context.Background(), orderID)
	require.NoError(t, err)
	return details
}
