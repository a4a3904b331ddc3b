// Package model содержит доменные сущности магазина.
package model

import (
	"fmt"
	"time"
)

// User представляет зарегистрированного покупателя.
type User struct {
	ID           int64
	Login        string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Product описывает товар каталога. Поле Stock изменяется только операциями
// журнала остатков (блокировка строки, затем decrement/increment), прямое
// присваивание из логики заказов запрещено.
type Product struct {
	ID              int64
	Title           string
	PriceCents      int64
	OnOffer         bool
	OfferPriceCents int64
	OfferEndsAt     *time.Time
	Stock           int64
	StockMinimum    int64
	Virtual         bool
	Active          bool
	Sales           int64
	CreatedAt       time.Time
}

// EffectivePriceCents возвращает текущую цену: акционную, если акция активна
// и не истекла, иначе базовую. Цена, прочитанная до блокировки строки,
// считается устаревшей.
func (p *Product) EffectivePriceCents(now time.Time) int64 {
	if p.OnOffer && p.OfferPriceCents > 0 {
		if p.OfferEndsAt == nil || p.OfferEndsAt.After(now) {
			return p.OfferPriceCents
		}
	}
	return p.PriceCents
}

// HasSufficientStock сообщает, хватает ли остатка под требуемое количество.
// Виртуальные товары складом не ограничены.
func (p *Product) HasSufficientStock(quantity int64) bool {
	if p.Virtual {
		return true
	}
	return p.Stock >= quantity
}

// LowOnStock сообщает, опустился ли остаток до порога оповещения.
func (p *Product) LowOnStock() bool {
	return !p.Virtual && p.Stock <= p.StockMinimum
}

// CartLine — позиция корзины, недоверенный внешний ввод.
type CartLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

// CouponType определяет способ расчёта скидки купона.
type CouponType string

const (
	CouponPercentage CouponType = "percentage"
	CouponFixed      CouponType = "fixed"
)

// Coupon описывает купон на скидку. Инвариант UsageCount <= UsageMax при
// UsageMax > 0 обеспечивается чтением под блокировкой с последующим
// инкрементом, слепой инкремент недопустим.
type Coupon struct {
	ID           int64
	Code         string
	Type         CouponType
	Value        int64 // проценты (0-100) либо фиксированная сумма в центах
	UsageMax     int64 // 0 = без ограничений
	UsageCount   int64
	MinimumCents int64
	ValidFrom    *time.Time
	ValidUntil   *time.Time
	Active       bool
	CreatedAt    time.Time
}

// CouponReason уточняет причину отклонения купона.
type CouponReason string

const (
	CouponReasonInactive     CouponReason = "inactive"
	CouponReasonNotStarted   CouponReason = "not_started"
	CouponReasonExpired      CouponReason = "expired"
	CouponReasonExhausted    CouponReason = "exhausted"
	CouponReasonBelowMinimum CouponReason = "below_minimum"
)

// Validate проверяет применимость купона к сумме корзины. Отклонение —
// ожидаемый исход, а не ошибка, поэтому возвращается причина для показа
// пользователю.
func (c *Coupon) Validate(now time.Time, subtotalCents int64) (bool, CouponReason, string) {
	if !c.Active {
		return false, CouponReasonInactive, "coupon is not active"
	}
	if c.ValidFrom != nil && c.ValidFrom.After(now) {
		return false, CouponReasonNotStarted, "coupon is not available yet"
	}
	if c.ValidUntil != nil && c.ValidUntil.Before(now) {
		return false, CouponReasonExpired, "coupon has expired"
	}
	if c.UsageMax > 0 && c.UsageCount >= c.UsageMax {
		return false, CouponReasonExhausted, "coupon usage limit reached"
	}
	if c.MinimumCents > 0 && subtotalCents < c.MinimumCents {
		return false, CouponReasonBelowMinimum,
			fmt.Sprintf("minimum purchase is $%.2f", float64(c.MinimumCents)/100)
	}
	return true, "", ""
}

// DiscountCents вычисляет размер скидки. Фиксированная скидка не может
// превышать сумму покупки.
func (c *Coupon) DiscountCents(subtotalCents int64) int64 {
	var discount int64
	switch c.Type {
	case CouponPercentage:
		discount = subtotalCents * c.Value / 100
	case CouponFixed:
		discount = c.Value
	}
	if discount > subtotalCents {
		discount = subtotalCents
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Допустимые переходы статуса заказа.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  {},
	OrderStatusCancelled:  {},
}

// Valid сообщает, известен ли статус.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// Confirmed сообщает, подтверждена ли оплата для данного статуса. Остаток
// списывается только при подтверждённых статусах; pending ничего не
// резервирует.
func (s OrderStatus) Confirmed() bool {
	switch s {
	case OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered:
		return true
	}
	return false
}

// CanTransitionTo проверяет допустимость перехода статуса.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order — одна строка заказа (по строке на позицию корзины). После создания
// неизменяема, кроме статуса и трека.
type Order struct {
	ID          int64
	UserID      int64
	ProductID   int64
	Quantity    int64
	AmountCents int64 // сумма строки после распределения скидки
	Method      string
	Email       string
	Address     string
	Country     string
	GroupRef    string // ссылка расчёта, общая для всех строк одной корзины
	Status      OrderStatus
	Tracking    *string
	Detail      OrderDetail
	CreatedAt   time.Time
	StatusAt    time.Time
}

// MovementKind классифицирует причину изменения остатка.
type MovementKind string

const (
	MovementSale         MovementKind = "sale"
	MovementCancellation MovementKind = "cancellation"
	MovementAdjustment   MovementKind = "adjustment"
	MovementReturn       MovementKind = "return"
)

// StockMovement — запись журнала изменений остатка. Только добавляется,
// никогда не обновляется и не удаляется.
type StockMovement struct {
	ID          int64
	ProductID   int64
	OrderID     *int64
	Kind        MovementKind
	Delta       int64 // со знаком: продажи отрицательные, возвраты положительные
	StockBefore int64
	StockAfter  int64
	Reason      string
	AdminID     *int64
	CreatedAt   time.Time
}
