package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// GetProduct возвращает товар без блокировки строки.
func (s *Store) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.products[productID]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return row.data, nil
}

// ListProducts возвращает страницу товаров, отсортированную по идентификатору.
func (s *Store) ListProducts(ctx context.Context, skip, limit int) ([]domain.Product, error) {
	s.mu.RLock()
	all := make([]domain.Product, 0, len(s.products))
	for _, row := range s.products {
		all = append(all, row.data)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if skip < 0 {
		skip = 0
	}
	if skip >= len(all) {
		return []domain.Product{}, nil
	}
	all = all[skip:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// GetCategory возвращает категорию без блокировки строки.
func (s *Store) GetCategory(ctx context.Context, categoryID string) (domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.categories[categoryID]
	if !ok {
		return domain.Category{}, domain.ErrCategoryNotFound
	}
	return row.data, nil
}

// GetOrder возвращает заказ.
func (s *Store) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return row.data, nil
}

// ListDetails возвращает все позиции заказа, включая released.
func (s *Store) ListDetails(ctx context.Context, orderID string) ([]domain.OrderDetail, error) {
	s.mu.RLock()
	result := make([]domain.OrderDetail, 0)
	for _, detail := range s.details {
		if detail.OrderID == orderID {
			result = append(result, detail)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CreateCategory сохраняет новую категорию.
func (s *Store) CreateCategory(ctx context.Context, category domain.Category) error {
	if errs := category.Validate(); len(errs) > 0 {
		return errs[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.categories[category.ID]; exists {
		return domain.ErrDuplicate
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
		category.UpdatedAt = category.CreatedAt
	}
	s.categories[category.ID] = &categoryRow{
		lock: make(chan struct{}, 1),
		data: category,
	}
	return nil
}

// CreateProduct сохраняет новый товар. Категория должна существовать.
func (s *Store) CreateProduct(ctx context.Context, product domain.Product) error {
	if errs := product.Validate(); len(errs) > 0 {
		return errs[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return domain.ErrDuplicate
	}
	if product.CategoryID != "" {
		if _, ok := s.categories[product.CategoryID]; !ok {
			return domain.ErrCategoryNotFound
		}
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
		product.UpdatedAt = product.CreatedAt
	}
	s.products[product.ID] = &productRow{
		lock: make(chan struct{}, 1),
		data: product,
	}
	return nil
}

// CreateOrder сохраняет новый заказ.
func (s *Store) CreateOrder(ctx context.Context, order domain.Order) error {
	if errs := order.Validate(); len(errs) > 0 {
		return errs[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return domain.ErrDuplicate
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
		order.UpdatedAt = order.CreatedAt
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusOpen
	}
	s.orders[order.ID] = &orderRow{
		lock: make(chan struct{}, 1),
		data: order,
	}
	return nil
}

var _ domain.Reader = (*Store)(nil)
var _ domain.Writer = (*Store)(nil)
