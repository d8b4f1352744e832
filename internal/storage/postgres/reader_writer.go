package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const opTimeout = 5 * time.Second

// catalogRepository обслуживает нетранзакционные чтения и admin-записи.
type catalogRepository struct {
	db *sql.DB
}

// NewReader создаёт PostgreSQL-реализацию Reader.
func NewReader(store *Store) domain.Reader {
	return &catalogRepository{db: store.DB()}
}

// NewWriter создаёт PostgreSQL-реализацию Writer.
func NewWriter(store *Store) domain.Writer {
	return &catalogRepository{db: store.DB()}
}

func (r *catalogRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		product  domain.Product
		category sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, price_minor, stock, category_id, version, created_at, updated_at
		FROM products
		WHERE id = $1
	`, productID).Scan(
		&product.ID, &product.Name, &product.PriceMinor, &product.Stock,
		&category, &product.Version, &product.CreatedAt, &product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	product.CategoryID = category.String
	return product, nil
}

func (r *catalogRepository) ListProducts(ctx context.Context, skip, limit int) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, price_minor, stock, category_id, version, created_at, updated_at
		FROM products
		ORDER BY id ASC
		OFFSET $1 LIMIT $2
	`, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, limit)
	for rows.Next() {
		var (
			product  domain.Product
			category sql.NullString
		)
		if err := rows.Scan(
			&product.ID, &product.Name, &product.PriceMinor, &product.Stock,
			&category, &product.Version, &product.CreatedAt, &product.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		product.CategoryID = category.String
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}
	return products, nil
}

func (r *catalogRepository) GetCategory(ctx context.Context, categoryID string) (domain.Category, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var category domain.Category
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, version, created_at, updated_at
		FROM categories
		WHERE id = $1
	`, categoryID).Scan(
		&category.ID, &category.Name, &category.Version, &category.CreatedAt, &category.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Category{}, domain.ErrCategoryNotFound
		}
		return domain.Category{}, fmt.Errorf("select category: %w", err)
	}
	return category, nil
}

func (r *catalogRepository) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		order  domain.Order
		status string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, client_id, status, version, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, orderID).Scan(
		&order.ID, &order.ClientID, &status, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}

func (r *catalogRepository) ListDetails(ctx context.Context, orderID string) ([]domain.OrderDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, qty, price_minor, status, created_at, updated_at
		FROM order_details
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order details: %w", err)
	}
	defer rows.Close()

	details := make([]domain.OrderDetail, 0)
	for rows.Next() {
		detail, err := scanDetail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order detail row: %w", err)
		}
		details = append(details, detail)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order detail rows: %w", err)
	}
	return details, nil
}

func (r *catalogRepository) CreateCategory(ctx context.Context, category domain.Category) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
	`, category.ID, category.Name, category.Version, category.CreatedAt, category.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert category: %w", mapPgError(err))
	}
	return nil
}

func (r *catalogRepository) CreateProduct(ctx context.Context, product domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var category any
	if product.CategoryID != "" {
		category = product.CategoryID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price_minor, stock, category_id, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		product.ID, product.Name, product.PriceMinor, product.Stock,
		category, product.Version, product.CreatedAt, product.UpdatedAt,
	)
	if err != nil {
		err = mapPgError(err)
		if errors.Is(err, domain.ErrConflict) {
			return domain.ErrCategoryNotFound
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (r *catalogRepository) CreateOrder(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, client_id, status, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, order.ID, order.ClientID, string(order.Status), order.Version, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", mapPgError(err))
	}
	return nil
}

var _ domain.Reader = (*catalogRepository)(nil)
var _ domain.Writer = (*catalogRepository)(nil)
