package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/usserj/tienda-orders/internal/model"
	"github.com/usserj/tienda-orders/internal/repository"
)

// stubRepo — репозиторий в памяти с имитацией отката транзакции: при ошибке
// fn состояние восстанавливается из снимка, как при настоящем rollback.
type stubRepo struct {
	users     map[int64]*model.User
	products  map[int64]*model.Product
	coupons   map[string]*model.Coupon
	orders    map[int64]*model.Order
	movements []model.StockMovement

	nextOrderID int64

	lockSequence   []int64
	lockProductErr error
	lockAttempts   int
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users: map[int64]*model.User{
			1: {ID: 1, Login: "buyer", Email: "buyer@example.com"},
		},
		products: map[int64]*model.Product{},
		coupons:  map[string]*model.Coupon{},
		orders:   map[int64]*model.Order{},
	}
}

type stubSnapshot struct {
	products  map[int64]*model.Product
	coupons   map[string]*model.Coupon
	orders    map[int64]*model.Order
	movements []model.StockMovement
	nextID    int64
}

func (s *stubRepo) snapshot() stubSnapshot {
	snap := stubSnapshot{
		products: make(map[int64]*model.Product, len(s.products)),
		coupons:  make(map[string]*model.Coupon, len(s.coupons)),
		orders:   make(map[int64]*model.Order, len(s.orders)),
		nextID:   s.nextOrderID,
	}
	for id, p := range s.products {
		cp := *p
		snap.products[id] = &cp
	}
	for code, c := range s.coupons {
		cc := *c
		snap.coupons[code] = &cc
	}
	for id, o := range s.orders {
		oc := *o
		snap.orders[id] = &oc
	}
	snap.movements = append(snap.movements, s.movements...)
	return snap
}

func (s *stubRepo) restore(snap stubSnapshot) {
	s.products = snap.products
	s.coupons = snap.coupons
	s.orders = snap.orders
	s.movements = snap.movements
	s.nextOrderID = snap.nextID
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	snap := s.snapshot()
	if err := fn(nil); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *stubRepo) CreateUser(ctx context.Context, login, email string, passwordHash []byte) (int64, error) {
	id := int64(len(s.users) + 1)
	s.users[id] = &model.User{ID: id, Login: login, Email: email, PasswordHash: passwordHash}
	return id, nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	for _, u := range s.users {
		if u.Login == login {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) GetUserByID(ctx context.Context, tx pgx.Tx, id int64) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

func (s *stubRepo) LockProduct(ctx context.Context, tx pgx.Tx, productID int64) (*repository.LockedProduct, error) {
	s.lockAttempts++
	if s.lockProductErr != nil {
		return nil, s.lockProductErr
	}
	p, ok := s.products[productID]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	s.lockSequence = append(s.lockSequence, productID)
	return &repository.LockedProduct{Product: *p}, nil
}

func (s *stubRepo) DecrementStock(ctx context.Context, tx pgx.Tx, lp *repository.LockedProduct, quantity int64) (int64, int64, error) {
	p := s.products[lp.Product.ID]
	if p.Virtual {
		return p.Stock, p.Stock, nil
	}
	if p.Stock < quantity {
		return 0, 0, repository.ErrInsufficientStock
	}
	before := p.Stock
	p.Stock -= quantity
	lp.Product.Stock = p.Stock
	return before, p.Stock, nil
}

func (s *stubRepo) IncrementStock(ctx context.Context, tx pgx.Tx, lp *repository.LockedProduct, quantity int64) (int64, int64, error) {
	p := s.products[lp.Product.ID]
	if p.Virtual {
		return p.Stock, p.Stock, nil
	}
	before := p.Stock
	p.Stock += quantity
	lp.Product.Stock = p.Stock
	return before, p.Stock, nil
}

func (s *stubRepo) AdjustStock(ctx context.Context, tx pgx.Tx, lp *repository.LockedProduct, delta int64) (int64, int64, error) {
	p := s.products[lp.Product.ID]
	if p.Stock+delta < 0 {
		return 0, 0, repository.ErrNegativeStock
	}
	before := p.Stock
	p.Stock += delta
	lp.Product.Stock = p.Stock
	return before, p.Stock, nil
}

func (s *stubRepo) BumpSales(ctx context.Context, tx pgx.Tx, productID int64) error {
	s.products[productID].Sales++
	return nil
}

func (s *stubRepo) GetProduct(ctx context.Context, productID int64) (*model.Product, error) {
	p, ok := s.products[productID]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	return p, nil
}

func (s *stubRepo) LowStockProducts(ctx context.Context) ([]model.Product, error) {
	var res []model.Product
	for _, p := range s.products {
		if p.Active && !p.Virtual && p.Stock <= p.StockMinimum {
			res = append(res, *p)
		}
	}
	return res, nil
}

func (s *stubRepo) RecordMovement(ctx context.Context, tx pgx.Tx, m *model.StockMovement) error {
	m.ID = int64(len(s.movements) + 1)
	m.CreatedAt = time.Now()
	s.movements = append(s.movements, *m)
	return nil
}

func (s *stubRepo) MovementsByProduct(ctx context.Context, productID int64, limit int) ([]model.StockMovement, error) {
	var res []model.StockMovement
	for _, m := range s.movements {
		if m.ProductID == productID {
			res = append(res, m)
		}
	}
	return res, nil
}

func (s *stubRepo) MovementsByOrder(ctx context.Context, orderID int64) ([]model.StockMovement, error) {
	var res []model.StockMovement
	for _, m := range s.movements {
		if m.OrderID != nil && *m.OrderID == orderID {
			res = append(res, m)
		}
	}
	return res, nil
}

func (s *stubRepo) LockCoupon(ctx context.Context, tx pgx.Tx, code string) (*model.Coupon, error) {
	c, ok := s.coupons[code]
	if !ok {
		return nil, repository.ErrCouponNotFound
	}
	cc := *c
	return &cc, nil
}

func (s *stubRepo) IncrementCouponUsage(ctx context.Context, tx pgx.Tx, couponID int64) error {
	for _, c := range s.coupons {
		if c.ID == couponID {
			c.UsageCount++
			return nil
		}
	}
	return repository.ErrCouponNotFound
}

func (s *stubRepo) InsertOrder(ctx context.Context, tx pgx.Tx, o *model.Order) error {
	s.nextOrderID++
	o.ID = s.nextOrderID
	o.CreatedAt = time.Now()
	o.StatusAt = o.CreatedAt
	oc := *o
	s.orders[o.ID] = &oc
	return nil
}

func (s *stubRepo) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (*model.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	oc := *o
	return &oc, nil
}

func (s *stubRepo) OrdersByGroupForUpdate(ctx context.Context, tx pgx.Tx, groupRef string) ([]model.Order, error) {
	var res []model.Order
	for _, o := range s.orders {
		if o.GroupRef == groupRef {
			res = append(res, *o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *stubRepo) UpdateOrderStatus(ctx context.Context, tx pgx.Tx, orderID int64, status model.OrderStatus, tracking *string) error {
	o, ok := s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.Status = status
	o.StatusAt = time.Now()
	if tracking != nil {
		o.Tracking = tracking
	}
	return nil
}

func (s *stubRepo) GetOrderDetail(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.GetOrderForUpdate(ctx, nil, orderID)
}

func (s *stubRepo) OrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	var res []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			res = append(res, *o)
		}
	}
	return res, nil
}

func (s *stubRepo) PendingSettlements(ctx context.Context, method string, limit int) ([]string, error) {
	seen := map[string]bool{}
	var res []string
	for _, o := range s.orders {
		if o.Status == model.OrderStatusPending && o.Method == method && !seen[o.GroupRef] {
			seen[o.GroupRef] = true
			res = append(res, o.GroupRef)
		}
	}
	return res, nil
}

func (s *stubRepo) ordersByGroup(groupRef string) []model.Order {
	res, _ := s.OrdersByGroupForUpdate(context.Background(), nil, groupRef)
	return res
}

func newTestService(repo *stubRepo) *Service {
	return NewService(repo, nil, nil)
}

func baseInput(lines []model.CartLine) CreateOrderInput {
	return CreateOrderInput{
		UserID:       1,
		Lines:        lines,
		Address:      "Av. Amazonas 123",
		Country:      "Ecuador",
		Method:       model.MethodPayPal,
		GroupRef:     "grp-1",
		TargetStatus: model.OrderStatusProcessing,
		Settlement:   model.PayPalCapture{PaymentID: "PAY-1", PayerID: "PR-1"},
	}
}

func TestCreateOrder_DiscountReconciliation(t *testing.T) {
	repo := newStubRepo()
	repo.products[1] = &model.Product{ID: 1, Title: "A", PriceCents: 3000, Stock: 10, Active: true}
	repo.products[2] = &model.Product{ID: 2, Title: "B", PriceCents: 7000, Stock: 10, Active: true}
	repo.coupons["SAVE10"] = &model.Coupon{
		ID: 1, Code: "SAVE10", Type: model.CouponFixed, Value: 1000,
		MinimumCents: 3000, Active: true,
	}

	svc := newTestService(repo)

	in := baseInput([]model.CartLine{
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, Quantity: 1},
	})
	in.CouponCode = "SAVE10"

	orders, err := svc.CreateOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("created %d orders, want 2", len(orders))
	}

	// $30 и $70 при скидке $10 дают $27 и $63, в сумме ровно $90.
	if orders[0].AmountCents != 2700 {
		t.Fatalf("line 1 amount = %d, want 2700", orders[0].AmountCents)
	}
	if orders[1].AmountCents != 6300 {
		t.Fatalf("line 2 amount = %d, want 6300", orders[1].AmountCents)
	}
	if total := orders[0].AmountCents + orders[1].AmountCents; total != 9000 {
		t.Fatalf("total = %d, want 9000", total)
	}

	if repo.coupons["SAVE10"].UsageCount != 1 {
		t.Fatalf("coupon usage = %d, want 1", repo.coupons["SAVE10"].UsageCount)
	}
	if repo.products[1].Stock != 9 || repo.products[2].Stock != 9 {
		t.Fatalf("stock not decremented: %d, %d", repo.products[1].Stock, repo.products[2].Stock)
	}
	if len(repo.movements) != 2 {
		t.Fatalf("movements = %d, want 2", len(repo.movements))
	}
	for _, m := range repo.movements {
		if m.Kind != model.MovementSale || m.Delta != -1 {
			t.Fatalf("unexpected movement: %+v", m)
		}
		if m.OrderID == nil {
			t.Fatalf("sale movement must link to an order")
		}
	}
}

func TestAllocateDiscount_RoundingRemainder(t *testing.T) {
	subtotals := []int64{3333, 3333, 3334}
	discounts := allocateDiscount(subtotals, 10000, 1000)

	var sum int64
	for _, d := range discounts {
		sum += d
	}
	if sum != 1000 {
		t.Fatalf("allocated %d, want exactly 1000", sum)
	}
	// Остаток округления достаётся первой строке со свободной ёмкостью.
	if discounts[0] != 334 || discounts[1] != 333 || discounts[2] != 333 {
		t.Fatalf("allocation = %v", discounts)
	}
}

func TestAllocateDiscount_CapsAtCheapLastLine(t *testing.T) {
	// Фиксированная скидка почти на всю сумму: дешёвая последняя строка не
	// должна получить долю больше собственной суммы.
	subtotals := []int64{999, 999, 2}
	discounts := allocateDiscount(subtotals, 2000, 1999)

	var sum int64
	for i, d := range discounts {
		if d < 0 || d > subtotals[i] {
			t.Fatalf("discount[%d] = %d out of [0, %d]", i, d, subtotals[i])
		}
		sum += d
	}
	if sum != 1999 {
		t.Fatalf("allocated %d, want exactly 1999", sum)
	}
}

func TestCreateOrder_FixedCouponNearSubtotalKeepsAmountsNonNegative(t *testing.T) {
	repo := newStubRepo()
	repo.products[1] = &model.Product{ID: 1, Title: "A", PriceCents: 999, Stock: 5, Active: true}
	repo.products[2] = &model.Product{ID: 2, Title: "B", PriceCents: 999, Stock: 5, Active: true}
	repo.products[3] = &model.Product{ID: 3, Title: "C", PriceCents: 2, Stock: 5, Active: true}
	repo.coupons["ALMOSTFREE"] = &model.Coupon{
		ID: 1, Code: "ALMOSTFREE", Type: model.CouponFixed, Value: 1999, Active: true,
	}

	svc := newTestService(repo)

	in := baseInput([]model.CartLine{
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, Quantity: 1},
		{ProductID: 3, Quantity: 1},
	})
	in.CouponCode = "ALMOSTFREE"

	orders, err := svc.CreateOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	var total, discount int64
	for _, o := range orders {
		if o.AmountCents < 0 {
			t.Fatalf("product %d amount = %d, must not be negative", o.ProductID, o.AmountCents)
		}
		total += o.AmountCents
		if o.Detail.Coupon != nil {
			discount += o.Detail.Coupon.DiscountCents
		}
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	if discount != 1999 {
		t.Fatalf("discount sum = %d, want 1999", discount)
	}
}

func TestCreateOrder_PendingDefersStockAndCoupon(t *testing.T) {
	repo := newStubRepo()
	repo.products[1] = &model.Product{ID: 1, Title: "A", PriceCents: 2000, Stock: 5, Active: true}
	repo.coupons["SAVE10"] = &model.Coupon{
		ID: 1, Code: "SAVE10", Type: model.CouponPercentage, Value: 10, Active: true,
	}

	svc := newTestService(repo)

	in := baseInput([]model.CartLine{{ProductID: 1, Quantity: 2}})
	in.Method = model.MethodBankTransfer
	in.TargetStatus = model.OrderStatusPending
	in.Settlement = model.BankTransfer{Reference: "TRX-8"}
	in.CouponCode = "SAVE10"

	orders, err := svc.CreateOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if orders[0].Status != model.OrderStatusPending {
		t.Fatalf("status = %s, want pending", orders[0].Status)
	}

	// Pending ничего не резервирует и не засчитывает.
	if repo.products[1].Stock != 5 {
		t.Fatalf("stock = %d, want unchanged 5", repo.products[1].Stock)
	}
	if len(repo.movements) != 0 {
		t.Fatalf("movements = %d, want 0", len(repo.movements))
	}
	if repo.coupons["SAVE10"].UsageCount != 0 {
		t.Fatalf("coupon usage = %d, want 0 before confirmation", repo.coupons["SAVE10"].UsageCount)
	}
	if repo.products[1].Sales != 0 {
		t.Fatalf("sales = %d, want 0 before confirmation", repo.products[1].Sales)
	}
}

func TestCreateOrder_InsufficientStock(t *testing.T) {
	repo := newStubRepo()
	repo.products[1] = &model.Product{ID: 1, Title: "A", PriceCents: 2000, Stock: 1, Active: true}

	svc := newTestService(repo)

	_, err := svc.CreateOrder(context.Background(), baseInput([]model.CartLine{{ProductID: 1, Quantity: 2}}))

	var ce *CheckoutError
	if !errors.As(err, &ce) || ce.Code != CodeInsufficientStock {
		t.Fatalf("expected insufficient_stock, got %v", err)
	}
	if len(repo.orders) != 0 {
		t.Fatalf("no orders must be created, got %d", len(repo.orders))
	}
	if repo.products[1].Stock != 1 {
		t.Fatalf("stock = %d, want untouched 1", repo.products[1].Stock)
	}
}

func TestCreateOrder_AtomicRollbackOnSecondLine(t *testing.T) {
	repo := newStubRepo()
	repo.products[1] = &model.Product{ID: 1, Title: "A", PriceCents: 2000, Stock: 10, Active: true}
	repo.products[2] = &model.Product{ID: 2, Title: "B", PriceCents: 3000, Stock: 0, Active: true}

	svc := newTestService(repo)

	_, err := svc.CreateOrder(context.Background(), baseInput([]model.CartLine{
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, Quantity: 1},
	}))

	var ce *CheckoutError
	if !errors.As(err, &ce) || ce.Code != CodeInsufficientStock {
		t.Fatalf("expected insufficient_stock, got %v", err)
	}
	// Вся корзина откатывается: ни строк заказа, ни движений, ни списаний.
	if len(repo.orders) != 0 || len(repo.movements) != 0 {
		t.Fatalf("partial order leaked: orders=%d movements=%d", len(repo.orders), len(repo.movements))
	}
	if repo.products[1].Stock != 10 {
		t.Fatalf("stock of first line = %d, want 10", repo.products[1].Stock)
	}
}

func TestCreateOrder_CouponBelowMinimum(t *testing.T) {
	repo := newStubRepo()
	repo.products[1] = &model.Product{ID: 1, Title: "A", PriceCents: 2500, Stock: 5, Active: true}
	repo.coupons["SAVE10"] = &model.Coupon{
		ID: 1, Code: "SAVE10", Type: model.CouponFixed, Value: 1000,
		MinimumCents: 3000, Active: true,
	}

	svc := newTestService(repo)

	in := baseInput([]model.CartLine{{ProductID: 1, Quantity: 1}})
	in.CouponCode = "SAVE10"

	_, err := svc.CreateOrder(context.Background(), in)

	var ce *CheckoutError
	if !errors.As(err, &ce) || ce.Code != CodeCouponInvalid {
		t.Fatalf("expected coupon_invalid, got %v", err)
	}
	if ce.CouponReason != model.CouponReasonBelowMinimum {
		t.Fatalf("coupon reason = %s, want below_minimum", ce.CouponReason)
	}
	if len(repo.orders) != 0 {
		t.Fatalf("no orders must be created")
	}
}

func TestCreateOrder_LocksInAscendingProductOrder(t *testing.T) {
	repo := newStubRepo()
	repo.products[2] = &model.Product{ID: 2, Title: "B", PriceCents: 1000, Stock: 5, Active: true}
	repo.products[7] = &model.Product{ID: 7, Title: "G", PriceCents: 1000, Stock: 5, Active: true}

	svc := newTestService(repo)

	_, err := svc.CreateOrder(context.Background(), baseInput([]model.CartLine{
		{ProductID: 7, Quantity: 1},
		{ProductID: 2, Quantity: 1},
	}))
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	if len(repo.lockSequence) != 2 || repo.lockSequence[0] != 2 || repo.lockSequence[1] != 7 {
		t.Fatalf("lock sequence = %v, want [2 7]", repo.lockSequence)
	}
}

func TestCreateOrder_VirtualProductBypassesStock(t *testing.T) {
	repo := newStubRepo()
	repo.products[1] = &model.Product{ID: 1, Title: "E-book", PriceCents: 500, Stock: 0, Virtual: true, Active: true}

	svc := newTestService(repo)

	orders, err := svc.CreateOrder(context.Background(), baseInput([]model.CartLine{{ProductID: 1, Quantity: 3}}))
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	// Виртуальный товар: без движения остатка, но продажа засчитана.
	if len(repo.movements) != 0 {
		t.Fatalf("movements = %d, want 0", len(repo.movements))
	}
	if repo.products[1].Sales != 1 {
		t.Fatalf("sales = %d, want 1", repo.products[1].Sales)
	}
}

func TestCreateOrder_UsesEffectiveOfferPrice(t *testing.T) {
	repo := newStubRepo()
	repo.products[1] = &model.Product{
		ID: 1, Title: "A", PriceCents: 2000, OnOffer: true, OfferPriceCents: 1500,
		Stock: 5, Active: true,
	}

	svc := newTestService(repo)

	orders, err := svc.CreateOrder(context.Background(), baseInput([]model.CartLine{{ProductID: 1, Quantity: 2}}))
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if orders[0].AmountCents != 3000 {
		t.Fatalf("amount = %d, want 3000 (offer price)", orders[0].AmountCents)
	}
}

func TestCreateOrder_InactiveProduct(t *testing.T) {
	repo := newStubRepo()
	repo.products[1] = &model.Product{ID: 1, Title: "A", PriceCents: 2000, Stock: 5, Active: false}

	svc := newTestService(repo)

	_, err := svc.CreateOrder(context.Background(), baseInput([]model.CartLine{{ProductID: 1, Quantity: 1}}))

	var ce *CheckoutError
	if !errors.As(err, &ce) || ce.Code != CodeProductUnavailable {
		t.Fatalf("expected product_unavailable, got %v", err)
	}
}

func TestCreateOrder_UserNotFound(t *testing.T) {
	repo := newStubRepo()
	repo.products[1] = &model.Product{ID: 1, Title: "A", PriceCents: 2000, Stock: 5, Active: true}

	svc := newTestService(repo)

	in := baseInput([]model.CartLine{{ProductID: 1, Quantity: 1}})
	in.UserID = 99

	_, err := svc.CreateOrder(context.Background(), in)

	var ce *CheckoutError
	if !errors.As(err, &ce) || ce.Code != CodeUserNotFound {
		t.Fatalf("expected user_not_found, got %v", err)
	}
}

func TestCreateOrder_LockTimeoutRetriesOnceThenBusy(t *testing.T) {
	repo := newStubRepo()
	repo.products[1] = &model.Product{ID: 1, Title: "A", PriceCents: 2000, Stock: 5, Active: true}
	repo.lockProductErr = fmt.Errorf("%w: product 1", repository.ErrLockTimeout)

	svc := newTestService(repo)

	_, err := svc.CreateOrder(context.Background(), baseInput([]model.CartLine{{ProductID: 1, Quantity: 1}}))

	var ce *CheckoutError
	if !errors.As(err, &ce) || ce.Code != CodeBusy {
		t.Fatalf("expected busy, got %v", err)
	}
	if !ce.Retryable {
		t.Fatalf("busy must be marked retryable")
	}
	// Одна попытка и ровно один ограниченный повтор.
	if repo.lockAttempts != 2 {
		t.Fatalf("lock attempts = %d, want 2", repo.lockAttempts)
	}
}

func TestCreateOrder_EmptyCart(t *testing.T) {
	svc := newTestService(newStubRepo())

	_, err := svc.CreateOrder(context.Background(), baseInput(nil))

	var ce *CheckoutError
	if !errors.As(err, &ce) || ce.Code != CodeInvalidCart {
		t.Fatalf("expected invalid_cart, got %v", err)
	}
}
