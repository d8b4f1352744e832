package domain

import "time"

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusOpen — заказ открыт, позиции можно добавлять и удалять.
	OrderStatusOpen OrderStatus = "open"
	// OrderStatusCommitted — заказ зафиксирован, состав больше не меняется.
	OrderStatusCommitted OrderStatus = "committed"
	// OrderStatusCanceled — заказ отменён, резервы всех позиций сняты.
	OrderStatusCanceled OrderStatus = "canceled"
)

// DetailStatus отражает состояние резерва конкретной позиции.
// Переход pending → committed/aborted живёт внутри одной транзакции и не
// персистится: в store попадают только committed и released.
type DetailStatus string

const (
	// DetailStatusCommitted — остаток списан, цена зафиксирована.
	DetailStatusCommitted DetailStatus = "committed"
	// DetailStatusReleased — резерв снят удалением позиции или отменой заказа.
	DetailStatusReleased DetailStatus = "released"
)

// Order агрегирует состояние заказа. Позиции хранятся отдельно и
// мутируются только координатором.
type Order struct {
	ID       string
	ClientID string
	Status   OrderStatus
	// Version монотонно растёт при каждой записи строки.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate проверяет обязательные поля заказа.
func (o *Order) Validate() []error {
	var errs []error

	if o.ClientID == "" {
		errs = append(errs, ErrClientRequired)
	}

	return errs
}

// OrderDetail — одна позиция заказа.
type OrderDetail struct {
	ID        string
	OrderID   string
	ProductID string
	Qty       int32
	// PriceMinor — цена за единицу, зафиксированная в момент создания позиции.
	// Никогда не пересчитывается.
	PriceMinor int64
	Status     DetailStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate проверяет, корректно ли заполнены ключевые поля позиции.
func (d *OrderDetail) Validate() []error {
	var errs []error

	if d.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if d.ProductID == "" {
		errs = append(errs, ErrProductIDRequired)
	}
	if d.Qty <= 0 {
		errs = append(errs, ErrQtyInvalid)
	}
	if d.PriceMinor < 0 {
		errs = append(errs, ErrPriceInvalid)
	}

	return errs
}
