package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultLockWait = 200 * time.Millisecond

// TxStore реализует атомарные единицы работы поверх PostgreSQL-транзакций.
// Эксклюзивные блокировки строк — SELECT ... FOR UPDATE; ожидание блокировки
// ограничено lock_timeout на уровне транзакции, истечение транслируется в
// ErrLockTimeout.
type TxStore struct {
	db       *sql.DB
	lockWait time.Duration
}

// NewTxStore создаёт транзакционный store. lockWait <= 0 заменяется
// значением по умолчанию.
func NewTxStore(store *Store, lockWait time.Duration) *TxStore {
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	return &TxStore{db: store.DB(), lockWait: lockWait}
}

// WithinTx выполняет fn в одной транзакции: nil — commit, ошибка — rollback.
func (s *TxStore) WithinTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	// SET LOCAL действует до конца транзакции.
	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockWait.Milliseconds())); err != nil {
		_ = sqlTx.Rollback()
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

// mapPgError переводит коды PostgreSQL в доменные ошибки.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03": // lock_not_available
		return domain.ErrLockTimeout
	case "23505": // unique_violation
		return domain.ErrDuplicate
	case "23503": // foreign_key_violation
		return domain.ErrConflict
	}
	return err
}

func (t *pgTx) LockProduct(ctx context.Context, productID string) (domain.Product, error) {
	var (
		product  domain.Product
		category sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, price_minor, stock, category_id, version, created_at, updated_at
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(
		&product.ID, &product.Name, &product.PriceMinor, &product.Stock,
		&category, &product.Version, &product.CreatedAt, &product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		if mapped := mapPgError(err); mapped != err {
			return domain.Product{}, mapped
		}
		return domain.Product{}, fmt.Errorf("lock product row: %w", err)
	}
	product.CategoryID = category.String
	return product, nil
}

func (t *pgTx) UpdateProductStock(ctx context.Context, productID string, stock int32) error {
	if stock < 0 {
		return domain.ErrStockInvalid
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
	`, productID, stock)
	if err != nil {
		return fmt.Errorf("update product stock: %w", mapPgError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for stock update: %w", err)
	}
	if affected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (t *pgTx) DeleteProduct(ctx context.Context, productID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID); err != nil {
		return fmt.Errorf("delete product: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) CountDetailsByProduct(ctx context.Context, productID string) (int, error) {
	var count int
	if err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM order_details
		WHERE product_id = $1 AND status = 'committed'
	`, productID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count details by product: %w", err)
	}
	return count, nil
}

func (t *pgTx) LockCategory(ctx context.Context, categoryID string) (domain.Category, error) {
	var category domain.Category
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, version, created_at, updated_at
		FROM categories
		WHERE id = $1
		FOR UPDATE
	`, categoryID).Scan(
		&category.ID, &category.Name, &category.Version, &category.CreatedAt, &category.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Category{}, domain.ErrCategoryNotFound
		}
		if mapped := mapPgError(err); mapped != err {
			return domain.Category{}, mapped
		}
		return domain.Category{}, fmt.Errorf("lock category row: %w", err)
	}
	return category, nil
}

func (t *pgTx) DeleteCategory(ctx context.Context, categoryID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, categoryID); err != nil {
		return fmt.Errorf("delete category: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) CountProductsByCategory(ctx context.Context, categoryID string) (int, error) {
	var count int
	if err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM products WHERE category_id = $1
	`, categoryID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count products by category: %w", err)
	}
	return count, nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, client_id, status, version, created_at, updated_at
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(
		&order.ID, &order.ClientID, &status, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		if mapped := mapPgError(err); mapped != err {
			return domain.Order{}, mapped
		}
		return domain.Order{}, fmt.Errorf("lock order row: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}

func (t *pgTx) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	err := t.tx.QueryRowContext(ctx, `
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

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
	`, orderID, string(status))
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for order status: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) InsertDetail(ctx context.Context, detail domain.OrderDetail) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_details (
			id, order_id, product_id, qty, price_minor, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		detail.ID, detail.OrderID, detail.ProductID, detail.Qty,
		detail.PriceMinor, string(detail.Status), detail.CreatedAt, detail.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order detail: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) GetDetail(ctx context.Context, detailID string) (domain.OrderDetail, error) {
	detail, err := scanDetail(t.tx.QueryRowContext(ctx, `
		SELECT id, order_id, product_id, qty, price_minor, status, created_at, updated_at
		FROM order_details
		WHERE id = $1
	`, detailID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OrderDetail{}, domain.ErrOrderDetailNotFound
		}
		return domain.OrderDetail{}, fmt.Errorf("select order detail: %w", err)
	}
	return detail, nil
}

func (t *pgTx) ListCommittedDetails(ctx context.Context, orderID string) ([]domain.OrderDetail, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, order_id, product_id, qty, price_minor, status, created_at, updated_at
		FROM order_details
		WHERE order_id = $1 AND status = 'committed'
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list committed details: %w", err)
	}
	defer rows.Close()

	details := make([]domain.OrderDetail, 0)
	for rows.Next() {
		detail, err := scanDetail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order detail: %w", err)
		}
		details = append(details, detail)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order details: %w", err)
	}
	return details, nil
}

func (t *pgTx) UpdateDetailQty(ctx context.Context, detailID string, qty int32) error {
	if qty <= 0 {
		return domain.ErrQtyInvalid
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE order_details
		SET qty = $2,
		    updated_at = NOW()
		WHERE id = $1
	`, detailID, qty)
	if err != nil {
		return fmt.Errorf("update detail qty: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for detail qty: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderDetailNotFound
	}
	return nil
}

func (t *pgTx) MarkDetailReleased(ctx context.Context, detailID string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE order_details
		SET status = 'released',
		    updated_at = NOW()
		WHERE id = $1 AND status = 'committed'
	`, detailID)
	if err != nil {
		return fmt.Errorf("mark detail released: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for detail release: %w", err)
	}
	if affected == 0 {
		if _, err := t.GetDetail(ctx, detailID); err != nil {
			return err
		}
		return domain.ErrDetailReleased
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetail(row rowScanner) (domain.OrderDetail, error) {
	var (
		detail domain.OrderDetail
		status string
	)
	if err := row.Scan(
		&detail.ID, &detail.OrderID, &detail.ProductID, &detail.Qty,
		&detail.PriceMinor, &status, &detail.CreatedAt, &detail.UpdatedAt,
	); err != nil {
		return domain.OrderDetail{}, err
	}
	detail.Status = domain.DetailStatus(status)
	return detail, nil
}

var _ domain.Store = (*TxStore)(nil)
var _ domain.Tx = (*pgTx)(nil)
