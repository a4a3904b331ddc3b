package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/usserj/tienda-orders/internal/model"
	"github.com/usserj/tienda-orders/internal/repository"
	"github.com/usserj/tienda-orders/internal/validation"
)

// CreateOrderInput — вход сборщика заказов. Корзина считается недоверенным
// внешним вводом и нормализуется перед обработкой.
type CreateOrderInput struct {
	UserID       int64
	Lines        []model.CartLine
	Email        string // если пусто, берётся email пользователя
	Address      string
	Country      string
	Method       string
	GroupRef     string // ссылка расчёта; если пусто, генерируется
	TargetStatus model.OrderStatus
	CouponCode   string
	Settlement   model.SettlementDetail
}

// CreateOrder собирает заказ из корзины в одной транзакции: блокирует товары
// в порядке возрастания идентификаторов, проверяет доступность и цены под
// блокировкой, перепроверяет купон, распределяет скидку по строкам
// пропорционально, создаёт строки заказа и, для подтверждённых статусов,
// списывает остаток с записью в журнал движений. Любая ошибка на любом шаге
// откатывает транзакцию целиком: частичных заказов не бывает.
//
// Истечение ожидания блокировки повторяется один раз; повторное истечение
// возвращается вызывающей стороне как временный исход busy.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) ([]model.Order, error) {
	lines, err := validation.NormalizeCart(in.Lines)
	if err != nil {
		return nil, &CheckoutError{Code: CodeInvalidCart, Message: err.Error()}
	}
	if !in.TargetStatus.Valid() || in.TargetStatus == model.OrderStatusCancelled {
		return nil, &CheckoutError{Code: CodeInvalidTransition, Message: "invalid target status"}
	}
	if in.GroupRef == "" {
		in.GroupRef = uuid.NewString()
	}

	var created []model.Order

	err = s.withLockRetry(ctx, func(ctx context.Context) error {
		created = nil
		return s.repo.InTx(ctx, func(tx pgx.Tx) error {
			orders, err := s.assembleOrder(ctx, tx, in, lines)
			if err != nil {
				return err
			}
			created = orders
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (s *Service) assembleOrder(ctx context.Context, tx pgx.Tx, in CreateOrderInput, lines []model.CartLine) ([]model.Order, error) {
	user, err := s.repo.GetUserByID(ctx, tx, in.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, &CheckoutError{Code: CodeUserNotFound, Message: "user not found"}
		}
		return nil, err
	}

	email := in.Email
	if email == "" {
		email = user.Email
	}

	now := s.now()

	// Шаг 1: блокировка товаров в стабильном порядке (корзина уже
	// отсортирована по id) и проверка доступности под блокировкой.
	locked := make([]*repository.LockedProduct, len(lines))
	for i, line := range lines {
		lp, err := s.repo.LockProduct(ctx, tx, line.ProductID)
		if err != nil {
			if errors.Is(err, repository.ErrProductNotFound) {
				return nil, errProductUnavailable(line.ProductID)
			}
			return nil, err
		}
		if !lp.Product.Active {
			return nil, errProductUnavailable(line.ProductID)
		}
		if !lp.Product.HasSufficientStock(line.Quantity) {
			return nil, errInsufficientStock(lp.Product.Title, lp.Product.Stock)
		}
		locked[i] = lp
	}

	// Шаг 2: промежуточные суммы по действующим ценам, прочитанным под
	// блокировкой.
	lineSubtotals := make([]int64, len(lines))
	var subtotal int64
	for i, line := range lines {
		lineSubtotals[i] = locked[i].Product.EffectivePriceCents(now) * line.Quantity
		subtotal += lineSubtotals[i]
	}

	// Шаг 3: повторная валидация купона под блокировкой. Проверка в UI могла
	// устареть: купон мог истечь или исчерпаться к моменту оформления.
	var (
		coupon        *model.Coupon
		totalDiscount int64
	)
	if in.CouponCode != "" {
		c, err := s.repo.LockCoupon(ctx, tx, in.CouponCode)
		if err != nil {
			if errors.Is(err, repository.ErrCouponNotFound) {
				return nil, errCouponInvalid(model.CouponReasonInactive, "coupon not found")
			}
			return nil, err
		}
		ok, reason, msg := c.Validate(now, subtotal)
		if !ok {
			return nil, errCouponInvalid(reason, msg)
		}
		coupon = c
		totalDiscount = c.DiscountCents(subtotal)
	}

	// Шаг 4: пропорциональное распределение скидки по строкам.
	lineDiscounts := allocateDiscount(lineSubtotals, subtotal, totalDiscount)

	confirmed := in.TargetStatus.Confirmed()
	orders := make([]model.Order, 0, len(lines))

	for i, line := range lines {
		detail := model.OrderDetail{Settlement: in.Settlement}
		if coupon != nil {
			detail.Coupon = &model.CouponSnapshot{
				Code:          coupon.Code,
				Type:          coupon.Type,
				Value:         coupon.Value,
				DiscountCents: lineDiscounts[i],
			}
		}

		order := model.Order{
			UserID:      in.UserID,
			ProductID:   line.ProductID,
			Quantity:    line.Quantity,
			AmountCents: lineSubtotals[i] - lineDiscounts[i],
			Method:      in.Method,
			Email:       email,
			Address:     in.Address,
			Country:     in.Country,
			GroupRef:    in.GroupRef,
			Status:      in.TargetStatus,
			Detail:      detail,
		}
		if err := s.repo.InsertOrder(ctx, tx, &order); err != nil {
			return nil, err
		}

		// Шаги 5-6: остаток списывается только для подтверждённых статусов.
		// Pending-заказ ничего не резервирует и может проиграть гонку более
		// быстрому покупателю — это правило бизнеса.
		if confirmed {
			if err := s.consumeStock(ctx, tx, locked[i], &order, "sale confirmed"); err != nil {
				return nil, err
			}
		}

		orders = append(orders, order)
	}

	// Шаг 8: использование купона засчитывается в той же транзакции и только
	// при подтверждённом статусе; для pending-заказов оно откладывается до
	// подтверждения.
	if coupon != nil && confirmed {
		if err := s.repo.IncrementCouponUsage(ctx, tx, coupon.ID); err != nil {
			return nil, err
		}
	}

	return orders, nil
}

// consumeStock списывает остаток под уже удерживаемой блокировкой, пишет
// движение журнала и засчитывает продажу. Единственная точка, где продажа
// считается состоявшейся.
func (s *Service) consumeStock(ctx context.Context, tx pgx.Tx, lp *repository.LockedProduct, order *model.Order, reason string) error {
	if !lp.Product.Virtual {
		before, after, err := s.repo.DecrementStock(ctx, tx, lp, order.Quantity)
		if err != nil {
			if errors.Is(err, repository.ErrInsufficientStock) {
				return errInsufficientStock(lp.Product.Title, lp.Product.Stock)
			}
			return err
		}

		movement := model.StockMovement{
			ProductID:   lp.Product.ID,
			OrderID:     &order.ID,
			Kind:        model.MovementSale,
			Delta:       -order.Quantity,
			StockBefore: before,
			StockAfter:  after,
			Reason:      reason,
		}
		if err := s.repo.RecordMovement(ctx, tx, &movement); err != nil {
			return err
		}
	}

	return s.repo.BumpSales(ctx, tx, lp.Product.ID)
}

// allocateDiscount распределяет скидку по строкам пропорционально их доле в
// промежуточной сумме. Остаток от округления вниз раздаётся по центу строкам,
// у которых скидка ещё не достигла их суммы: ни одна строка не уходит в минус,
// а сумма долей всегда равна скидке целиком.
func allocateDiscount(lineSubtotals []int64, subtotal, totalDiscount int64) []int64 {
	res := make([]int64, len(lineSubtotals))
	if totalDiscount <= 0 || subtotal <= 0 {
		return res
	}
	if totalDiscount > subtotal {
		totalDiscount = subtotal
	}

	var allocated int64
	for i, ls := range lineSubtotals {
		res[i] = ls * totalDiscount / subtotal
		allocated += res[i]
	}

	// Скидка не превышает subtotal, поэтому свободной ёмкости строк всегда
	// хватает на остаток.
	for rest := totalDiscount - allocated; rest > 0; {
		for i := range res {
			if rest == 0 {
				break
			}
			if res[i] < lineSubtotals[i] {
				res[i]++
				rest--
			}
		}
	}

	return res
}
