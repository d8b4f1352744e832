package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func seedProducts(t *testing.T, store *memory.Store, products ...domain.Product) {
	t.Helper()
	for _, p := range products {
		if err := store.CreateProduct(context.Background(), p); err != nil {
			t.Fatalf("create product %s: %v", p.ID, err)
		}
	}
}

func TestLedger_ReserveAndRelease(t *testing.T) {
	store := memory.NewStore(0)
	seedProducts(t, store, domain.Product{ID: "p1", Name: "atlas", PriceMinor: 100, Stock: 5})

	ledger := NewLedger(nil, nil)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		locked, err := ledger.LockAscending(ctx, tx, []string{"p1"})
		if err != nil {
			return err
		}
		product := locked["p1"]
		if err := ledger.Reserve(ctx, tx, &product, 3); err != nil {
			return err
		}
		if product.Stock != 2 {
			t.Fatalf("snapshot stock = %d, want 2", product.Stock)
		}
		return ledger.Release(ctx, tx, &product, 1)
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	product, _ := store.GetProduct(ctx, "p1")
	if product.Stock != 3 {
		t.Fatalf("stock = %d, want 3", product.Stock)
	}
}

func TestLedger_ReserveInsufficientStock(t *testing.T) {
	store := memory.NewStore(0)
	seedProducts(t, store, domain.Product{ID: "p1", Name: "atlas", PriceMinor: 100, Stock: 2})

	ledger := NewLedger(nil, nil)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		locked, err := ledger.LockAscending(ctx, tx, []string{"p1"})
		if err != nil {
			return err
		}
		product := locked["p1"]
		return ledger.Reserve(ctx, tx, &product, 3)
	})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	product, _ := store.GetProduct(ctx, "p1")
	if product.Stock != 2 {
		t.Fatalf("stock changed on failed reserve: %d", product.Stock)
	}
}

func TestLedger_ReserveRejectsBadQty(t *testing.T) {
	ledger := NewLedger(nil, nil)
	product := domain.Product{ID: "p1", Stock: 5}

	if err := ledger.Reserve(context.Background(), nil, &product, 0); !errors.Is(err, domain.ErrQtyInvalid) {
		t.Fatalf("expected ErrQtyInvalid, got %v", err)
	}
	if err := ledger.Release(context.Background(), nil, &product, -1); !errors.Is(err, domain.ErrQtyInvalid) {
		t.Fatalf("expected ErrQtyInvalid, got %v", err)
	}
}

func TestLedger_LockAscendingDeduplicates(t *testing.T) {
	store := memory.NewStore(0)
	seedProducts(t, store,
		domain.Product{ID: "p1", Name: "a", PriceMinor: 100, Stock: 1},
		domain.Product{ID: "p2", Name: "b", PriceMinor: 100, Stock: 1},
	)

	ledger := NewLedger(nil, nil)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		locked, err := ledger.LockAscending(ctx, tx, []string{"p2", "p1", "p2"})
		if err != nil {
			return err
		}
		if len(locked) != 2 {
			t.Fatalf("locked %d products, want 2", len(locked))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
}

// Две транзакции с противоположным порядком товаров не должны зависать:
// упорядочивание по возрастанию идентификаторов исключает цикл ожидания.
func TestLedger_OppositeOrderNoDeadlock(t *testing.T) {
	store := memory.NewStore(2 * time.Second)
	seedProducts(t, store,
		domain.Product{ID: "p1", Name: "a", PriceMinor: 100, Stock: 100},
		domain.Product{ID: "p2", Name: "b", PriceMinor: 100, Stock: 100},
	)

	ledger := NewLedger(nil, nil)
	ctx := context.Background()

	run := func(ids []string) error {
		return store.WithinTx(ctx, func(tx domain.Tx) error {
			locked, err := ledger.LockAscending(ctx, tx, ids)
			if err != nil {
				return err
			}
			for _, id := range []string{"p1", "p2"} {
				product := locked[id]
				if err := ledger.Reserve(ctx, tx, &product, 1); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 40)
	for i := 0; i < 20; i++ {
		ids := []string{"p1", "p2"}
		reversed := []string{"p2", "p1"}
		wg.Add(2)
		go func() { defer wg.Done(); errCh <- run(ids) }()
		go func() { defer wg.Done(); errCh <- run(reversed) }()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deadlock: transactions did not finish")
	}
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("tx failed: %v", err)
		}
	}

	p1, _ := store.GetProduct(ctx, "p1")
	p2, _ := store.GetProduct(ctx, "p2")
	if p1.Stock != 60 || p2.Stock != 60 {
		t.Fatalf("stocks = %d/%d, want 60/60", p1.Stock, p2.Stock)
	}
}
