package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/cache"
	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Чтения идут через read-through кэш: попадание отдаёт сериализованный
// snapshot, промах и недоступность кэша деградируют к authoritative store.

// GetProduct возвращает товар по идентификатору.
func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if s.invalidator == nil {
		return s.reader.GetProduct(ctx, productID)
	}

	raw, err := s.invalidator.GetOrLoad(ctx, cache.ProductKey(productID), s.invalidator.ProductTTL(), func(ctx context.Context) ([]byte, error) {
		product, err := s.reader.GetProduct(ctx, productID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(product)
	})
	if err != nil {
		return domain.Product{}, err
	}

	var product domain.Product
	if err := json.Unmarshal(raw, &product); err != nil {
		return domain.Product{}, fmt.Errorf("decode cached product %s: %w", productID, err)
	}
	return product, nil
}

// ListProducts возвращает страницу товаров. Каждая комбинация пагинации
// кэшируется под собственным ключом и сбрасывается по glob-шаблону.
func (s *Service) ListProducts(ctx context.Context, skip, limit int) ([]domain.Product, error) {
	if s.invalidator == nil {
		return s.reader.ListProducts(ctx, skip, limit)
	}

	raw, err := s.invalidator.GetOrLoad(ctx, cache.ProductListKey(skip, limit), s.invalidator.ProductTTL(), func(ctx context.Context) ([]byte, error) {
		products, err := s.reader.ListProducts(ctx, skip, limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(products)
	})
	if err != nil {
		return nil, err
	}

	var products []domain.Product
	if err := json.Unmarshal(raw, &products); err != nil {
		return nil, fmt.Errorf("decode cached product list: %w", err)
	}
	return products, nil
}

// GetCategory возвращает категорию по идентификатору.
func (s *Service) GetCategory(ctx context.Context, categoryID string) (domain.Category, error) {
	if s.invalidator == nil {
		return s.reader.GetCategory(ctx, categoryID)
	}

	raw, err := s.invalidator.GetOrLoad(ctx, cache.CategoryKey(categoryID), s.invalidator.CategoryTTL(), func(ctx context.Context) ([]byte, error) {
		category, err := s.reader.GetCategory(ctx, categoryID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(category)
	})
	if err != nil {
		return domain.Category{}, err
	}

	var category domain.Category
	if err := json.Unmarshal(raw, &category); err != nil {
		return domain.Category{}, fmt.Errorf("decode cached category %s: %w", categoryID, err)
	}
	return category, nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if s.invalidator == nil {
		return s.reader.GetOrder(ctx, orderID)
	}

	raw, err := s.invalidator.GetOrLoad(ctx, cache.OrderKey(orderID), s.invalidator.OrderTTL(), func(ctx context.Context) ([]byte, error) {
		order, err := s.reader.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(order)
	})
	if err != nil {
		return domain.Order{}, err
	}

	var order domain.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return domain.Order{}, fmt.Errorf("decode cached order %s: %w", orderID, err)
	}
	return order, nil
}

// ListOrderDetails возвращает все позиции заказа, включая released.
func (s *Service) ListOrderDetails(ctx context.Context, orderID string) ([]domain.OrderDetail, error) {
	if s.invalidator == nil {
		return s.reader.ListDetails(ctx, orderID)
	}

	raw, err := s.invalidator.GetOrLoad(ctx, cache.OrderDetailsKey(orderID), s.invalidator.OrderTTL(), func(ctx context.Context) ([]byte, error) {
		details, err := s.reader.ListDetails(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(details)
	})
	if err != nil {
		return nil, err
	}

	var details []domain.OrderDetail
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("decode cached order details %s: %w", orderID, err)
	}
	return details, nil
}
