package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestCatalogRepository_PostgresReadWrite(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	seedCatalogForIntegrationTest(t, store)
	reader := NewReader(store)
	ctx := context.Background()

	product, err := reader.GetProduct(ctx, "prod-1")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Name != "atlas" || product.CategoryID != "cat-1" {
		t.Fatalf("unexpected product: %+v", product)
	}

	category, err := reader.GetCategory(ctx, "cat-1")
	if err != nil {
		t.Fatalf("get category: %v", err)
	}
	if category.Name != "books" {
		t.Fatalf("unexpected category: %+v", category)
	}

	order, err := reader.GetOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusOpen {
		t.Fatalf("unexpected order status: %s", order.Status)
	}

	if _, err := reader.GetProduct(ctx, "missing"); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
	if _, err := reader.GetCategory(ctx, "missing"); !errors.Is(err, domain.ErrCategoryNotFound) {
		t.Fatalf("expected ErrCategoryNotFound, got %v", err)
	}
	if _, err := reader.GetOrder(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCatalogRepository_PostgresListProductsPagination(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	writer := NewWriter(store)
	reader := NewReader(store)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"p1", "p2", "p3"} {
		if err := writer.CreateProduct(ctx, domain.Product{
			ID: id, Name: id, PriceMinor: 100, Stock: 1, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("create product %s: %v", id, err)
		}
	}

	page, err := reader.ListProducts(ctx, 1, 1)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(page) != 1 || page[0].ID != "p2" {
		t.Fatalf("unexpected page: %+v", page)
	}

	all, err := reader.ListProducts(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list products default limit: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 products, got %d", len(all))
	}
}

func TestCatalogRepository_PostgresWriteConstraints(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	seedCatalogForIntegrationTest(t, store)
	writer := NewWriter(store)
	ctx := context.Background()

	now := time.Now().UTC()
	err := writer.CreateProduct(ctx, domain.Product{
		ID: "prod-1", Name: "dup", PriceMinor: 1, Stock: 1, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	err = writer.CreateProduct(ctx, domain.Product{
		ID: "prod-2", Name: "orphan", PriceMinor: 1, Stock: 1,
		CategoryID: "missing-category", CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, domain.ErrCategoryNotFound) {
		t.Fatalf("expected ErrCategoryNotFound, got %v", err)
	}
}
