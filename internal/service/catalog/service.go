package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/cache"
	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Service — каталог и admin-операции над ним: создание категорий, товаров и
// заказов, защищённые удаления и кэшируемые чтения. Мутации состава заказа
// сюда не входят, ими владеет координатор заказов.
type Service struct {
	store       domain.Store
	reader      domain.Reader
	writer      domain.Writer
	invalidator *cache.Invalidator
	logger      *log.Entry
	metrics     *metrics.EngineMetrics
}

// NewService создаёт сервис каталога. Invalidator и metrics могут быть nil.
func NewService(store domain.Store, reader domain.Reader, writer domain.Writer, inv *cache.Invalidator, m *metrics.EngineMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "catalog-service")
	}
	return &Service{
		store:       store,
		reader:      reader,
		writer:      writer,
		invalidator: inv,
		logger:      logger,
		metrics:     m,
	}
}

// CreateCategory сохраняет новую категорию каталога.
func (s *Service) CreateCategory(ctx context.Context, name string) (domain.Category, error) {
	now := time.Now().UTC()
	category := domain.Category{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errs := category.Validate(); len(errs) > 0 {
		return domain.Category{}, errs[0]
	}
	if err := s.writer.CreateCategory(ctx, category); err != nil {
		return domain.Category{}, err
	}
	s.logger.WithField("category_id", category.ID).Info("category created")
	return category, nil
}

// CreateProduct сохраняет новый товар. Страницы списка товаров после этого
// устаревают и инвалидируются.
func (s *Service) CreateProduct(ctx context.Context, name string, priceMinor int64, stock int32, categoryID string) (domain.Product, error) {
	now := time.Now().UTC()
	product := domain.Product{
		ID:         uuid.NewString(),
		Name:       name,
		PriceMinor: priceMinor,
		Stock:      stock,
		CategoryID: categoryID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if errs := product.Validate(); len(errs) > 0 {
		return domain.Product{}, errs[0]
	}
	if err := s.writer.CreateProduct(ctx, product); err != nil {
		return domain.Product{}, err
	}
	if s.invalidator != nil {
		s.invalidator.AfterProductMutation(ctx, product.ID)
	}
	s.logger.WithField("product_id", product.ID).Info("product created")
	return product, nil
}

// CreateOrder открывает новый заказ для клиента.
func (s *Service) CreateOrder(ctx context.Context, clientID string) (domain.Order, error) {
	now := time.Now().UTC()
	order := domain.Order{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Status:    domain.OrderStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errs := order.Validate(); len(errs) > 0 {
		return domain.Order{}, errs[0]
	}
	if err := s.writer.CreateOrder(ctx, order); err != nil {
		return domain.Order{}, err
	}
	s.logger.WithField("order_id", order.ID).Info("order created")
	return order, nil
}
