package pricing

import (
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// PriceUnset — sentinel для "цена не передана клиентом": позиция получает
// каталожную цену на момент создания.
const PriceUnset int64 = -1

// Validator сверяет клиентскую цену с каталожной. Сравнение происходит
// внутри того же lock/tx scope, что и проверка остатка: строка товара уже
// заблокирована, поэтому между чтением цены и commit позиции каталожная
// цена измениться не может.
//
// Цены хранятся в минимальных денежных единицах (int64), поэтому допуск —
// целое число этих единиц. По умолчанию 0, то есть точное совпадение.
type Validator struct {
	toleranceMinor int64
}

// NewValidator создаёт валидатор с заданным допуском в минимальных единицах.
// Отрицательный допуск трактуется как 0.
func NewValidator(toleranceMinor int64) *Validator {
	if toleranceMinor < 0 {
		toleranceMinor = 0
	}
	return &Validator{toleranceMinor: toleranceMinor}
}

// Validate возвращает цену, которая должна быть зафиксирована в позиции
// заказа. PriceUnset заменяется каталожной ценой; явная цена обязана
// совпасть с каталожной в пределах допуска, иначе ErrPriceMismatch и вся
// мутация откатывается.
func (v *Validator) Validate(product *domain.Product, submittedMinor int64) (int64, error) {
	if submittedMinor == PriceUnset {
		return product.PriceMinor, nil
	}
	if submittedMinor < 0 {
		return 0, domain.ErrPriceInvalid
	}

	diff := submittedMinor - product.PriceMinor
	if diff < 0 {
		diff = -diff
	}
	if diff > v.toleranceMinor {
		return 0, fmt.Errorf("submitted %d vs catalog %d for product %s: %w",
			submittedMinor, product.PriceMinor, product.ID, domain.ErrPriceMismatch)
	}

	return product.PriceMinor, nil
}
