package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func seedStore(t *testing.T, lockWait time.Duration) *Store {
	t.Helper()

	store := NewStore(lockWait)
	ctx := context.Background()

	if err := store.CreateCategory(ctx, domain.Category{ID: "cat-1", Name: "books"}); err != nil {
		t.Fatalf("create category: %v", err)
	}
	if err := store.CreateProduct(ctx, domain.Product{
		ID: "prod-1", Name: "atlas", PriceMinor: 2500, Stock: 10, CategoryID: "cat-1",
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if err := store.CreateOrder(ctx, domain.Order{ID: "order-1", ClientID: "client-1"}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return store
}

func TestStore_CommitAppliesAllChanges(t *testing.T) {
	store := seedStore(t, 0)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		product, err := tx.LockProduct(ctx, "prod-1")
		if err != nil {
			return err
		}
		if err := tx.UpdateProductStock(ctx, product.ID, product.Stock-3); err != nil {
			return err
		}
		return tx.InsertDetail(ctx, domain.OrderDetail{
			ID: "det-1", OrderID: "order-1", ProductID: "prod-1",
			Qty: 3, PriceMinor: 2500, Status: domain.DetailStatusCommitted,
		})
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	product, err := store.GetProduct(ctx, "prod-1")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 7 {
		t.Fatalf("stock = %d, want 7", product.Stock)
	}
	if product.Version != 1 {
		t.Fatalf("version = %d, want 1", product.Version)
	}

	details, err := store.ListDetails(ctx, "order-1")
	if err != nil {
		t.Fatalf("list details: %v", err)
	}
	if len(details) != 1 || details[0].ID != "det-1" {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func TestStore_RollbackDiscardsChanges(t *testing.T) {
	store := seedStore(t, 0)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.LockProduct(ctx, "prod-1"); err != nil {
			return err
		}
		if err := tx.UpdateProductStock(ctx, "prod-1", 0); err != nil {
			return err
		}
		if err := tx.InsertDetail(ctx, domain.OrderDetail{
			ID: "det-1", OrderID: "order-1", ProductID: "prod-1",
			Qty: 10, PriceMinor: 2500, Status: domain.DetailStatusCommitted,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	product, _ := store.GetProduct(ctx, "prod-1")
	if product.Stock != 10 {
		t.Fatalf("stock after rollback = %d, want 10", product.Stock)
	}
	if details, _ := store.ListDetails(ctx, "order-1"); len(details) != 0 {
		t.Fatalf("expected no details after rollback, got %d", len(details))
	}
}

func TestStore_LockTimeout(t *testing.T) {
	store := seedStore(t, 30*time.Millisecond)
	ctx := context.Background()

	holderEntered := make(chan struct{})
	releaseHolder := make(chan struct{})
	holderDone := make(chan error, 1)

	go func() {
		holderDone <- store.WithinTx(ctx, func(tx domain.Tx) error {
			if _, err := tx.LockProduct(ctx, "prod-1"); err != nil {
				return err
			}
			close(holderEntered)
			<-releaseHolder
			return nil
		})
	}()

	<-holderEntered
	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		_, err := tx.LockProduct(ctx, "prod-1")
		return err
	})
	if !errors.Is(err, domain.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	close(releaseHolder)
	if err := <-holderDone; err != nil {
		t.Fatalf("holder tx failed: %v", err)
	}

	// После освобождения блокировка доступна сразу.
	err = store.WithinTx(ctx, func(tx domain.Tx) error {
		_, err := tx.LockProduct(ctx, "prod-1")
		return err
	})
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
}

func TestStore_LockSerializesStockWrites(t *testing.T) {
	store := seedStore(t, 2*time.Second)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithinTx(ctx, func(tx domain.Tx) error {
				product, err := tx.LockProduct(ctx, "prod-1")
				if err != nil {
					return err
				}
				return tx.UpdateProductStock(ctx, product.ID, product.Stock-1)
			})
			if err != nil {
				t.Errorf("worker tx failed: %v", err)
			}
		}()
	}
	wg.Wait()

	product, _ := store.GetProduct(ctx, "prod-1")
	if product.Stock != 10-workers {
		t.Fatalf("stock = %d, want %d", product.Stock, 10-workers)
	}
	if product.Version != workers {
		t.Fatalf("version = %d, want %d", product.Version, workers)
	}
}

func TestStore_LockOrderTimeout(t *testing.T) {
	store := seedStore(t, 30*time.Millisecond)
	ctx := context.Background()

	holderEntered := make(chan struct{})
	holderRelease := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- store.WithinTx(ctx, func(tx domain.Tx) error {
			if _, err := tx.LockOrder(ctx, "order-1"); err != nil {
				return err
			}
			close(holderEntered)
			<-holderRelease
			return nil
		})
	}()

	<-holderEntered
	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		_, err := tx.LockOrder(ctx, "order-1")
		return err
	})
	if !errors.Is(err, domain.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	close(holderRelease)
	if err := <-holderDone; err != nil {
		t.Fatalf("holder tx failed: %v", err)
	}
}

func TestStore_LockOrderSerializesStatusWrites(t *testing.T) {
	store := seedStore(t, 2*time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for _, status := range []domain.OrderStatus{domain.OrderStatusCommitted, domain.OrderStatusCanceled} {
		status := status
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- store.WithinTx(ctx, func(tx domain.Tx) error {
				if _, err := tx.LockOrder(ctx, "order-1"); err != nil {
					return err
				}
				return tx.UpdateOrderStatus(ctx, "order-1", status)
			})
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("tx failed: %v", err)
		}
	}

	order, err := store.GetOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusCommitted && order.Status != domain.OrderStatusCanceled {
		t.Fatalf("unexpected final status: %s", order.Status)
	}
	if order.Version != 2 {
		t.Fatalf("version = %d, want 2", order.Version)
	}
}

func TestStore_UpdateOrderStatusWithoutLockFails(t *testing.T) {
	store := seedStore(t, 0)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		return tx.UpdateOrderStatus(ctx, "order-1", domain.OrderStatusCanceled)
	})
	if !errors.Is(err, errRowNotLocked) {
		t.Fatalf("expected errRowNotLocked, got %v", err)
	}

	order, err := store.GetOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusOpen {
		t.Fatalf("status = %s, want open", order.Status)
	}
}

func TestStore_UpdateWithoutLockFails(t *testing.T) {
	store := seedStore(t, 0)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		return tx.UpdateProductStock(ctx, "prod-1", 5)
	})
	if err == nil {
		t.Fatal("expected error for unlocked row write")
	}
}

func TestStore_DeleteProductVisibleAfterCommit(t *testing.T) {
	store := seedStore(t, 0)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.LockProduct(ctx, "prod-1"); err != nil {
			return err
		}
		return tx.DeleteProduct(ctx, "prod-1")
	})
	if err != nil {
		t.Fatalf("delete tx failed: %v", err)
	}

	if _, err := store.GetProduct(ctx, "prod-1"); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestStore_CountsSeeStagedChanges(t *testing.T) {
	store := seedStore(t, 0)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		if err := tx.InsertDetail(ctx, domain.OrderDetail{
			ID: "det-1", OrderID: "order-1", ProductID: "prod-1",
			Qty: 1, PriceMinor: 2500, Status: domain.DetailStatusCommitted,
		}); err != nil {
			return err
		}
		count, err := tx.CountDetailsByProduct(ctx, "prod-1")
		if err != nil {
			return err
		}
		if count != 1 {
			t.Fatalf("staged count = %d, want 1", count)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	err = store.WithinTx(ctx, func(tx domain.Tx) error {
		if err := tx.MarkDetailReleased(ctx, "det-1"); err != nil {
			return err
		}
		count, err := tx.CountDetailsByProduct(ctx, "prod-1")
		if err != nil {
			return err
		}
		if count != 0 {
			t.Fatalf("count after staged release = %d, want 0", count)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("release tx failed: %v", err)
	}
}

func TestStore_ListProductsPagination(t *testing.T) {
	store := NewStore(0)
	ctx := context.Background()

	for _, id := range []string{"p3", "p1", "p2"} {
		if err := store.CreateProduct(ctx, domain.Product{ID: id, Name: id, PriceMinor: 100, Stock: 1}); err != nil {
			t.Fatalf("create product %s: %v", id, err)
		}
	}

	page, err := store.ListProducts(ctx, 1, 1)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(page) != 1 || page[0].ID != "p2" {
		t.Fatalf("unexpected page: %+v", page)
	}

	if page, _ := store.ListProducts(ctx, 10, 5); len(page) != 0 {
		t.Fatalf("expected empty page past end, got %d items", len(page))
	}
}
