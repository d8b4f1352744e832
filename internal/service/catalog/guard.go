package catalog

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// DeleteProduct удаляет товар, если на него не ссылается ни одна
// committed-позиция заказа. Проверка и удаление происходят под блокировкой
// строки товара: конкурирующий AddDetail либо увидит товар до удаления,
// либо получит ErrProductNotFound, но никогда не создаст висячую ссылку.
func (s *Service) DeleteProduct(ctx context.Context, productID string) error {
	err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.LockProduct(ctx, productID); err != nil {
			return err
		}

		dependents, err := tx.CountDetailsByProduct(ctx, productID)
		if err != nil {
			return err
		}
		if dependents > 0 {
			if s.metrics != nil {
				s.metrics.RecordDeleteConflict()
			}
			return fmt.Errorf("product %s has %d committed order details: %w", productID, dependents, domain.ErrConflict)
		}

		return tx.DeleteProduct(ctx, productID)
	})
	if err != nil {
		return err
	}

	if s.invalidator != nil {
		s.invalidator.AfterProductMutation(ctx, productID)
	}
	s.logger.WithField("product_id", productID).Info("product deleted")
	return nil
}

// DeleteCategory удаляет категорию, если в ней не осталось товаров.
func (s *Service) DeleteCategory(ctx context.Context, categoryID string) error {
	err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.LockCategory(ctx, categoryID); err != nil {
			return err
		}

		dependents, err := tx.CountProductsByCategory(ctx, categoryID)
		if err != nil {
			return err
		}
		if dependents > 0 {
			if s.metrics != nil {
				s.metrics.RecordDeleteConflict()
			}
			return fmt.Errorf("category %s has %d products: %w", categoryID, dependents, domain.ErrConflict)
		}

		return tx.DeleteCategory(ctx, categoryID)
	})
	if err != nil {
		return err
	}

	if s.invalidator != nil {
		s.invalidator.AfterCategoryMutation(ctx, categoryID)
	}
	s.logger.WithField("category_id", categoryID).Info("category deleted")
	return nil
}
