package service

import (
	"fmt"

	"github.com/usserj/tienda-orders/internal/model"
)

// FailureCode классифицирует бизнес-исход оформления заказа. Такие исходы —
// ожидаемые ответы пользователю, а не внутренние ошибки, и в журнал ошибок
// не попадают.
type FailureCode string

const (
	CodeInsufficientStock  FailureCode = "insufficient_stock"
	CodeProductUnavailable FailureCode = "product_unavailable"
	CodeCouponInvalid      FailureCode = "coupon_invalid"
	CodeUserNotFound       FailureCode = "user_not_found"
	CodeInvalidCart        FailureCode = "invalid_cart"
	CodeInvalidTransition  FailureCode = "invalid_transition"
	CodeBusy               FailureCode = "busy"
)

// CheckoutError — типизированный бизнес-исход с сообщением для показа
// пользователю. Для отклонённых купонов дополнительно заполняется причина.
type CheckoutError struct {
	Code         FailureCode
	Message      string
	CouponReason model.CouponReason
	Retryable    bool
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errInsufficientStock(title string, available int64) *CheckoutError {
	return &CheckoutError{
		Code:    CodeInsufficientStock,
		Message: fmt.Sprintf("%q: only %d left in stock", title, available),
	}
}

func errProductUnavailable(productID int64) *CheckoutError {
	return &CheckoutError{
		Code:    CodeProductUnavailable,
		Message: fmt.Sprintf("product %d is no longer available", productID),
	}
}

func errCouponInvalid(reason model.CouponReason, msg string) *CheckoutError {
	return &CheckoutError{
		Code:         CodeCouponInvalid,
		Message:      msg,
		CouponReason: reason,
	}
}

func errBusy() *CheckoutError {
	return &CheckoutError{
		Code:      CodeBusy,
		Message:   "the store is busy, please try again",
		Retryable: true,
	}
}
