// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/usserj/tienda-orders/internal/model"
)

// ErrEmptyCart возвращается для корзины без позиций.
var ErrEmptyCart = errors.New("cart is empty")

// NormalizeCart проверяет позиции корзины и приводит их к каноническому виду:
// количества строго положительны, дубли одного товара сливаются, позиции
// упорядочиваются по возрастанию идентификатора товара. Стабильный порядок
// далее используется как порядок взятия блокировок, что исключает
// взаимоблокировки пересекающихся корзин.
func NormalizeCart(lines []model.CartLine) ([]model.CartLine, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	merged := make(map[int64]int64, len(lines))
	for _, l := range lines {
		if l.ProductID <= 0 {
			return nil, fmt.Errorf("invalid product id: %d", l.ProductID)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("quantity must be positive for product %d", l.ProductID)
		}
		merged[l.ProductID] += l.Quantity
	}

	res := make([]model.CartLine, 0, len(merged))
	for id, qty := range merged {
		res = append(res, model.CartLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ProductID < res[j].ProductID })

	return res, nil
}
