package model

import (
	"encoding/json"
	"fmt"
)

// Методы оплаты, известные ядру. Проводной протокол каждого шлюза остаётся
// снаружи, ядру важна только форма расчёта: синхронная, асинхронная или
// ручная проверка.
const (
	MethodPayPal       = "paypal"
	MethodCard         = "card"
	MethodBankTransfer = "bank_transfer"
	MethodVoucher      = "transfer_voucher"
)

// SettlementDetail — закрытое множество вариантов метаданных расчёта по
// методам оплаты. Закрытость позволяет координатору расчётов разбирать
// варианты исчерпывающим type switch.
type SettlementDetail interface {
	settlementMethod() string
}

// PayPalCapture — синхронный захват PayPal.
type PayPalCapture struct {
	PaymentID string `json:"payment_id"`
	PayerID   string `json:"payer_id"`
}

// CardCapture — синхронный захват по карте.
type CardCapture struct {
	TransactionID string `json:"transaction_id"`
	AuthCode      string `json:"auth_code,omitempty"`
}

// BankTransfer — банковский перевод, подтверждаемый позже вебхуком или
// опросом шлюза.
type BankTransfer struct {
	Reference string `json:"reference"`
}

// TransferVoucher — загруженный покупателем документ перевода, ожидающий
// ручной проверки администратором.
type TransferVoucher struct {
	Reference   string `json:"reference"`
	VoucherPath string `json:"voucher_path"`
}

func (PayPalCapture) settlementMethod() string   { return MethodPayPal }
func (CardCapture) settlementMethod() string     { return MethodCard }
func (BankTransfer) settlementMethod() string    { return MethodBankTransfer }
func (TransferVoucher) settlementMethod() string { return MethodVoucher }

// AsyncMethod сообщает, подтверждается ли метод оплаты асинхронно опросом
// платёжного шлюза.
func AsyncMethod(method string) bool {
	return method == MethodBankTransfer
}

// TargetStatusFor сопоставляет исход оплаты целевому статусу заказа:
// подтверждённый расчёт списывает остаток сразу (processing), остальные
// формы создают pending-заказ без резерва.
func TargetStatusFor(confirmed bool) OrderStatus {
	if confirmed {
		return OrderStatusProcessing
	}
	return OrderStatusPending
}

// CouponSnapshot фиксирует применённый купон на момент оформления.
type CouponSnapshot struct {
	Code          string     `json:"code"`
	Type          CouponType `json:"type"`
	Value         int64      `json:"value"`
	DiscountCents int64      `json:"discount_cents"` // доля скидки этой строки
}

// OrderDetail объединяет метаданные расчёта и снимок купона строки заказа.
// Сериализуется в JSON с тегом метода вместо открытого словаря.
type OrderDetail struct {
	Settlement SettlementDetail
	Coupon     *CouponSnapshot
}

type orderDetailEnvelope struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
	Coupon *CouponSnapshot `json:"coupon,omitempty"`
}

// MarshalJSON сериализует деталь заказа с тегом метода оплаты.
func (d OrderDetail) MarshalJSON() ([]byte, error) {
	env := orderDetailEnvelope{Coupon: d.Coupon}
	if d.Settlement != nil {
		env.Method = d.Settlement.settlementMethod()
		data, err := json.Marshal(d.Settlement)
		if err != nil {
			return nil, fmt.Errorf("marshal settlement: %w", err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// UnmarshalJSON восстанавливает вариант по тегу метода.
func (d *OrderDetail) UnmarshalJSON(b []byte) error {
	var env orderDetailEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("unmarshal detail envelope: %w", err)
	}
	d.Coupon = env.Coupon
	d.Settlement = nil

	if env.Method == "" {
		return nil
	}

	var (
		detail SettlementDetail
		err    error
	)
	switch env.Method {
	case MethodPayPal:
		var v PayPalCapture
		err = json.Unmarshal(env.Data, &v)
		detail = v
	case MethodCard:
		var v CardCapture
		err = json.Unmarshal(env.Data, &v)
		detail = v
	case MethodBankTransfer:
		var v BankTransfer
		err = json.Unmarshal(env.Data, &v)
		detail = v
	case MethodVoucher:
		var v TransferVoucher
		err = json.Unmarshal(env.Data, &v)
		detail = v
	default:
		return fmt.Errorf("unknown settlement method: %s", env.Method)
	}
	if err != nil {
		return fmt.Errorf("unmarshal settlement %s: %w", env.Method, err)
	}
	d.Settlement = detail
	return nil
}
