package cache

import "fmt"

// Ключи кэша строятся по единой схеме "<entity>:<identity>"; collection-ключи
// получают суффикс list с параметрами пагинации. Инвалидация и наполнение
// обязаны использовать одни и те же функции, иначе write-путь промахнётся
// мимо ключей read-пути.
const (
	prefixProduct  = "product"
	prefixCategory = "category"
	prefixOrder    = "order"
)

// ProductKey — ключ одного товара.
func ProductKey(productID string) string {
	return prefixProduct + ":" + productID
}

// ProductListKey — ключ страницы списка товаров.
func ProductListKey(skip, limit int) string {
	return fmt.Sprintf("%s:list:%d:%d", prefixProduct, skip, limit)
}

// ProductListPattern — glob-шаблон всех страниц списка товаров.
func ProductListPattern() string {
	return prefixProduct + ":list:*"
}

// CategoryKey — ключ одной категории.
func CategoryKey(categoryID string) string {
	return prefixCategory + ":" + categoryID
}

// OrderKey — ключ одного заказа.
func OrderKey(orderID string) string {
	return prefixOrder + ":" + orderID
}

// OrderDetailsKey — ключ списка позиций заказа.
func OrderDetailsKey(orderID string) string {
	return prefixOrder + ":" + orderID + ":details"
}
