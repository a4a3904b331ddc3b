// Package handler содержит HTTP-обработчики API сервиса заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/usserj/tienda-orders/internal/middleware"
	"github.com/usserj/tienda-orders/internal/model"
	"github.com/usserj/tienda-orders/internal/repository"
	"github.com/usserj/tienda-orders/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, email, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	CreateOrder(ctx context.Context, in service.CreateOrderInput) ([]model.Order, error)
	ConfirmOrder(ctx context.Context, groupRef string) error
	CancelOrder(ctx context.Context, orderID int64) error
	UpdateOrderProgress(ctx context.Context, orderID int64, status model.OrderStatus, tracking *string) error
	GetOrderDetail(ctx context.Context, orderID int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetStockMovements(ctx context.Context, productID int64) ([]model.StockMovement, error)
	GetLowStockProducts(ctx context.Context) ([]model.Product, error)
	AdjustStock(ctx context.Context, productID, delta int64, reason string, adminID int64) error
}

// Handler реализует HTTP-обработчики API сервиса заказов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type registerRequest struct {
	Login    string `json:"login"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type checkoutRequest struct {
	Products   []model.CartLine `json:"products"`
	Email      string           `json:"email"`
	Address    string           `json:"address"`
	Country    string           `json:"country"`
	Method     string           `json:"method"`
	Coupon     string           `json:"coupon,omitempty"`
	Settlement json.RawMessage  `json:"settlement"`
}

type checkoutLineResponse struct {
	ID        int64   `json:"id"`
	ProductID int64   `json:"product_id"`
	Quantity  int64   `json:"quantity"`
	Amount    float64 `json:"amount"`
}

type checkoutResponse struct {
	GroupRef string                 `json:"group_ref"`
	Status   string                 `json:"status"`
	Total    float64                `json:"total"`
	Orders   []checkoutLineResponse `json:"orders"`
}

type failureResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// Checkout оформляет заказ из корзины текущего пользователя.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	settlement, err := parseSettlement(req.Method, req.Settlement)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	confirmed := req.Method == model.MethodPayPal || req.Method == model.MethodCard

	orders, err := h.service.CreateOrder(r.Context(), service.CreateOrderInput{
		UserID:       userID,
		Lines:        req.Products,
		Email:        req.Email,
		Address:      req.Address,
		Country:      req.Country,
		Method:       req.Method,
		TargetStatus: model.TargetStatusFor(confirmed),
		CouponCode:   req.Coupon,
		Settlement:   settlement,
	})
	if err != nil {
		h.writeCheckoutError(w, err)
		return
	}

	resp := checkoutResponse{
		GroupRef: orders[0].GroupRef,
		Status:   string(orders[0].Status),
		Orders:   make([]checkoutLineResponse, 0, len(orders)),
	}
	var total int64
	for _, o := range orders {
		total += o.AmountCents
		resp.Orders = append(resp.Orders, checkoutLineResponse{
			ID:        o.ID,
			ProductID: o.ProductID,
			Quantity:  o.Quantity,
			Amount:    centsToAmount(o.AmountCents),
		})
	}
	resp.Total = centsToAmount(total)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode checkout response", zap.Error(err))
	}
}

// parseSettlement восстанавливает деталь расчёта из JSON по методу оплаты.
func parseSettlement(method string, raw json.RawMessage) (model.SettlementDetail, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	switch method {
	case model.MethodPayPal:
		var d model.PayPalCapture
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, errors.New("invalid settlement payload")
		}
		return d, nil
	case model.MethodCard:
		var d model.CardCapture
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, errors.New("invalid settlement payload")
		}
		return d, nil
	case model.MethodBankTransfer:
		var d model.BankTransfer
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, errors.New("invalid settlement payload")
		}
		return d, nil
	case model.MethodVoucher:
		var d model.TransferVoucher
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, errors.New("invalid settlement payload")
		}
		return d, nil
	default:
		return nil, errors.New("unknown settlement method")
	}
}

// writeCheckoutError переводит ошибки оформления в HTTP-статусы: бизнес-отказы
// отдаются как JSON с машинным кодом, временная занятость как 503.
func (h *Handler) writeCheckoutError(w http.ResponseWriter, err error) {
	var ce *service.CheckoutError
	if errors.As(err, &ce) {
		status := http.StatusConflict
		switch ce.Code {
		case service.CodeInvalidCart:
			status = http.StatusBadRequest
		case service.CodeUserNotFound:
			status = http.StatusUnauthorized
		case service.CodeBusy:
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "1")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(failureResponse{
			Code:    string(ce.Code),
			Message: ce.Message,
			Reason:  string(ce.CouponReason),
		})
		return
	}

	switch {
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrProductNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrNegativeStock):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("checkout error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// ConfirmGroup подтверждает отложенный расчёт группы заказов.
func (h *Handler) ConfirmGroup(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if ref == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ConfirmOrder(r.Context(), ref); err != nil {
		h.writeCheckoutError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// CancelOrder отменяет заказ с возвратом остатка, если он был списан.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.CancelOrder(r.Context(), orderID); err != nil {
		h.writeCheckoutError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type progressRequest struct {
	Status   string  `json:"status"`
	Tracking *string `json:"tracking,omitempty"`
}

// UpdateProgress переводит заказ в статус shipped или delivered.
func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	status := model.OrderStatus(req.Status)
	if status != model.OrderStatusShipped && status != model.OrderStatusDelivered {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateOrderProgress(r.Context(), orderID, status, req.Tracking); err != nil {
		h.writeCheckoutError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type orderResponse struct {
	ID        int64   `json:"id"`
	ProductID int64   `json:"product_id"`
	Quantity  int64   `json:"quantity"`
	Amount    float64 `json:"amount"`
	Method    string  `json:"method"`
	GroupRef  string  `json:"group_ref"`
	Status    string  `json:"status"`
	Tracking  *string `json:"tracking,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetOrder возвращает одну строку заказа текущего пользователя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.GetOrderDetail(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.Int64("orderID", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if order.UserID != userID {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toOrderResponse(*order)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

func toOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		ID:        o.ID,
		ProductID: o.ProductID,
		Quantity:  o.Quantity,
		Amount:    centsToAmount(o.AmountCents),
		Method:    o.Method,
		GroupRef:  o.GroupRef,
		Status:    string(o.Status),
		Tracking:  o.Tracking,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
	}
}

type movementResponse struct {
	ID          int64  `json:"id"`
	ProductID   int64  `json:"product_id"`
	OrderID     *int64 `json:"order_id,omitempty"`
	Kind        string `json:"kind"`
	Delta       int64  `json:"delta"`
	StockBefore int64  `json:"stock_before"`
	StockAfter  int64  `json:"stock_after"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// GetMovements возвращает журнал движений остатка товара.
func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	movements, err := h.service.GetStockMovements(r.Context(), productID)
	if err != nil {
		h.logger.Error("get movements error", zap.Error(err), zap.Int64("productID", productID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(movements) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		resp = append(resp, movementResponse{
			ID:          m.ID,
			ProductID:   m.ProductID,
			OrderID:     m.OrderID,
			Kind:        string(m.Kind),
			Delta:       m.Delta,
			StockBefore: m.StockBefore,
			StockAfter:  m.StockAfter,
			Reason:      m.Reason,
			CreatedAt:   m.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type lowStockResponse struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Stock        int64  `json:"stock"`
	StockMinimum int64  `json:"stock_minimum"`
}

// GetLowStock возвращает товары с остатком не выше минимального порога.
func (h *Handler) GetLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.GetLowStockProducts(r.Context())
	if err != nil {
		h.logger.Error("get low stock error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(products) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]lowStockResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, lowStockResponse{
			ID:           p.ID,
			Title:        p.Title,
			Stock:        p.Stock,
			StockMinimum: p.StockMinimum,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type adjustStockRequest struct {
	ProductID int64  `json:"product_id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
}

// AdjustStock выполняет ручную корректировку остатка с записью в журнал.
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req adjustStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Delta == 0 || req.Reason == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.AdjustStock(r.Context(), req.ProductID, req.Delta, req.Reason, adminID)
	if err != nil {
		h.writeCheckoutError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func centsToAmount(cents int64) float64 {
	return float64(cents) / 100
}
