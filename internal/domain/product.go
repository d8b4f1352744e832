package domain

import "time"

// Category — товарная категория каталога.
type Category struct {
	ID        string
	Name      string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate проверяет обязательные поля категории.
func (c *Category) Validate() []error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, ErrNameRequired)
	}

	return errs
}

// Product — товар каталога. Stock — единственное поле, которое мутирует
// InventoryLedger; остальные поля принадлежат admin-записям каталога.
type Product struct {
	ID         string
	Name       string
	// PriceMinor — цена за единицу в минимальных денежных единицах.
	PriceMinor int64
	// Stock — текущий остаток; инвариант: никогда не уходит в минус.
	Stock      int32
	CategoryID string
	// Version монотонно растёт при каждой записи строки.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate проверяет базовые инварианты товара и возвращает список замечаний.
func (p *Product) Validate() []error {
	var errs []error

	if p.Name == "" {
		errs = append(errs, ErrNameRequired)
	}
	if p.PriceMinor < 0 {
		errs = append(errs, ErrPriceInvalid)
	}
	if p.Stock < 0 {
		errs = append(errs, ErrStockInvalid)
	}

	return errs
}
