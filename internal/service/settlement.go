package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/usserj/tienda-orders/internal/gateway"
	"github.com/usserj/tienda-orders/internal/model"
	"github.com/usserj/tienda-orders/internal/repository"
)

// withLockRetry выполняет fn и один раз повторяет её при истечении ожидания
// блокировки. Повторное истечение возвращается как временный исход busy.
func (s *Service) withLockRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, repository.ErrLockTimeout) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, repository.ErrLockTimeout) {
		return errBusy()
	}
	return err
}

// ConfirmOrder подтверждает отложенный расчёт группы заказов: переводит
// pending-строки в processing и именно в этот момент списывает остаток под
// той же дисциплиной блокировок, что и оформление — товар мог закончиться,
// пока расчёт ждал подтверждения. Операция идемпотентна: повторное
// подтверждение уже подтверждённой группы ничего не делает, остаток второй
// раз не списывается.
func (s *Service) ConfirmOrder(ctx context.Context, groupRef string) error {
	return s.withLockRetry(ctx, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(tx pgx.Tx) error {
			orders, err := s.repo.OrdersByGroupForUpdate(ctx, tx, groupRef)
			if err != nil {
				return err
			}
			if len(orders) == 0 {
				return fmt.Errorf("%w: group %s", repository.ErrOrderNotFound, groupRef)
			}

			// Статус и списание проверяются атомарно под блокировкой строк
			// заказа: параллельная доставка одного и того же вебхука увидит
			// уже подтверждённые строки и выйдет без изменений.
			pending := make([]model.Order, 0, len(orders))
			cancelled := 0
			for _, o := range orders {
				switch {
				case o.Status == model.OrderStatusPending:
					pending = append(pending, o)
				case o.Status == model.OrderStatusCancelled:
					cancelled++
				}
			}

			if len(pending) == 0 {
				if cancelled == len(orders) {
					return &CheckoutError{
						Code:    CodeInvalidTransition,
						Message: "order group is cancelled",
					}
				}
				// Уже подтверждено: идемпотентный no-op.
				return nil
			}

			// Блокировки товаров берутся в порядке возрастания id, как и при
			// оформлении.
			sort.Slice(pending, func(i, j int) bool {
				return pending[i].ProductID < pending[j].ProductID
			})

			for i := range pending {
				order := &pending[i]

				lp, err := s.repo.LockProduct(ctx, tx, order.ProductID)
				if err != nil {
					if errors.Is(err, repository.ErrProductNotFound) {
						return errProductUnavailable(order.ProductID)
					}
					return err
				}
				if !lp.Product.HasSufficientStock(order.Quantity) {
					return errInsufficientStock(lp.Product.Title, lp.Product.Stock)
				}

				if err := s.consumeStock(ctx, tx, lp, order, "deferred settlement confirmed"); err != nil {
					return err
				}
				if err := s.repo.UpdateOrderStatus(ctx, tx, order.ID, model.OrderStatusProcessing, nil); err != nil {
					return err
				}
			}

			// Отложенное использование купона засчитывается при подтверждении,
			// один раз на группу. Снимок купона одинаков во всех строках.
			if snap := pending[0].Detail.Coupon; snap != nil {
				coupon, err := s.repo.LockCoupon(ctx, tx, snap.Code)
				if err != nil {
					if errors.Is(err, repository.ErrCouponNotFound) {
						// Купон удалили после оформления; оплата уже получена,
						// подтверждение не блокируем.
						return nil
					}
					return err
				}
				// Две pending-группы могли пройти валидацию по одному и тому же
				// купону до его исчерпания. Оплата уже получена, подтверждение
				// не блокируем, но счётчик за лимит не выводим.
				if coupon.UsageMax > 0 && coupon.UsageCount >= coupon.UsageMax {
					s.logger.Info("deferred coupon usage skipped, limit reached",
						zap.String("group_ref", groupRef), zap.String("coupon", coupon.Code))
					return nil
				}
				if err := s.repo.IncrementCouponUsage(ctx, tx, coupon.ID); err != nil {
					return err
				}
			}

			return nil
		})
	})
}

// CancelOrder отменяет строку заказа. Если остаток по ней был списан
// (заказ успел достичь подтверждённого статуса), создаётся компенсирующее
// движение и остаток возвращается; история движений не редактируется.
func (s *Service) CancelOrder(ctx context.Context, orderID int64) error {
	return s.withLockRetry(ctx, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(tx pgx.Tx) error {
			order, err := s.repo.GetOrderForUpdate(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if !order.Status.CanTransitionTo(model.OrderStatusCancelled) {
				return &CheckoutError{
					Code:    CodeInvalidTransition,
					Message: fmt.Sprintf("cannot cancel order in status %s", order.Status),
				}
			}

			wasConfirmed := order.Status.Confirmed()

			if err := s.repo.UpdateOrderStatus(ctx, tx, orderID, model.OrderStatusCancelled, nil); err != nil {
				return err
			}

			// Pending-заказ ничего не резервировал, возвращать нечего.
			if !wasConfirmed {
				return nil
			}

			lp, err := s.repo.LockProduct(ctx, tx, order.ProductID)
			if err != nil {
				if errors.Is(err, repository.ErrProductNotFound) {
					return nil
				}
				return err
			}
			if lp.Product.Virtual {
				return nil
			}

			before, after, err := s.repo.IncrementStock(ctx, tx, lp, order.Quantity)
			if err != nil {
				return err
			}

			movement := model.StockMovement{
				ProductID:   order.ProductID,
				OrderID:     &order.ID,
				Kind:        model.MovementCancellation,
				Delta:       order.Quantity,
				StockBefore: before,
				StockAfter:  after,
				Reason:      fmt.Sprintf("order cancelled from status %s", order.Status),
			}
			return s.repo.RecordMovement(ctx, tx, &movement)
		})
	})
}

// cancelGroup отменяет pending-строки группы расчёта, когда шлюз сообщил об
// отказе. Остаток не возвращается: pending-заказы его не списывали.
func (s *Service) cancelGroup(ctx context.Context, groupRef string) error {
	return s.withLockRetry(ctx, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(tx pgx.Tx) error {
			orders, err := s.repo.OrdersByGroupForUpdate(ctx, tx, groupRef)
			if err != nil {
				return err
			}
			for _, o := range orders {
				if o.Status != model.OrderStatusPending {
					continue
				}
				if err := s.repo.UpdateOrderStatus(ctx, tx, o.ID, model.OrderStatusCancelled, nil); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// UpdateOrderProgress переводит заказ по цепочке исполнения
// (processing → shipped → delivered) с проверкой допустимости перехода.
// Отмена и подтверждение оплаты идут через CancelOrder и ConfirmOrder.
func (s *Service) UpdateOrderProgress(ctx context.Context, orderID int64, status model.OrderStatus, tracking *string) error {
	if status != model.OrderStatusShipped && status != model.OrderStatusDelivered {
		return &CheckoutError{Code: CodeInvalidTransition, Message: "unsupported progress status"}
	}

	return s.repo.InTx(ctx, func(tx pgx.Tx) error {
		order, err := s.repo.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !order.Status.CanTransitionTo(status) {
			return &CheckoutError{
				Code:    CodeInvalidTransition,
				Message: fmt.Sprintf("cannot move order from %s to %s", order.Status, status),
			}
		}
		return s.repo.UpdateOrderStatus(ctx, tx, orderID, status, tracking)
	})
}

// AdjustStock применяет ручную корректировку остатка администратором и
// фиксирует её в журнале движений с указанием причины.
func (s *Service) AdjustStock(ctx context.Context, productID, delta int64, reason string, adminID int64) error {
	if delta == 0 {
		return errors.New("delta must not be zero")
	}
	if reason == "" {
		return errors.New("adjustment reason is required")
	}

	return s.withLockRetry(ctx, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(tx pgx.Tx) error {
			lp, err := s.repo.LockProduct(ctx, tx, productID)
			if err != nil {
				return err
			}

			before, after, err := s.repo.AdjustStock(ctx, tx, lp, delta)
			if err != nil {
				return err
			}

			movement := model.StockMovement{
				ProductID:   productID,
				Kind:        model.MovementAdjustment,
				Delta:       delta,
				StockBefore: before,
				StockAfter:  after,
				Reason:      reason,
				AdminID:     &adminID,
			}
			return s.repo.RecordMovement(ctx, tx, &movement)
		})
	})
}

// StartSettlementUpdates запускает фоновый опрос платёжного шлюза по
// pending-заказам с асинхронными методами оплаты.
func (s *Service) StartSettlementUpdates(ctx context.Context) {
	if s.gatewayClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processSettlementBatch(ctx)
			}
		}
	}()
}

func (s *Service) processSettlementBatch(ctx context.Context) {
	refs, err := s.repo.PendingSettlements(ctx, model.MethodBankTransfer, 100)
	if err != nil {
		s.logger.Error("list pending settlements", zap.Error(err))
		return
	}

	for _, ref := range refs {
		res, statusCode, retryAfter, err := s.gatewayClient.GetSettlement(ctx, ref)
		if err != nil {
			s.logger.Warn("gateway settlement poll", zap.String("group_ref", ref), zap.Error(err))
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if res == nil {
			continue
		}

		switch res.Status {
		case gateway.StatusConfirmed:
			if err := s.ConfirmOrder(ctx, ref); err != nil {
				var ce *CheckoutError
				if errors.As(err, &ce) {
					// Товар закончился, пока расчёт ждал подтверждения:
					// ожидаемый исход, не ошибка системы.
					s.logger.Info("deferred confirmation rejected",
						zap.String("group_ref", ref), zap.String("code", string(ce.Code)))
					continue
				}
				s.logger.Error("confirm settled order", zap.String("group_ref", ref), zap.Error(err))
			}
		case gateway.StatusFailed:
			if err := s.cancelGroup(ctx, ref); err != nil {
				s.logger.Error("cancel failed settlement", zap.String("group_ref", ref), zap.Error(err))
			}
		}
	}
}
