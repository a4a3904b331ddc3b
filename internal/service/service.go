// Package service реализует бизнес-логику магазина: сборку заказов,
// журнал остатков и координацию расчётов.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/usserj/tienda-orders/internal/gateway"
	"github.com/usserj/tienda-orders/internal/model"
	"github.com/usserj/tienda-orders/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Методы с параметром tx работают только внутри транзакции, открытой InTx.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error

	CreateUser(ctx context.Context, login, email string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, tx pgx.Tx, id int64) (*model.User, error)

	LockProduct(ctx context.Context, tx pgx.Tx, productID int64) (*repository.LockedProduct, error)
	DecrementStock(ctx context.Context, tx pgx.Tx, lp *repository.LockedProduct, quantity int64) (int64, int64, error)
	IncrementStock(ctx context.Context, tx pgx.Tx, lp *repository.LockedProduct, quantity int64) (int64, int64, error)
	AdjustStock(ctx context.Context, tx pgx.Tx, lp *repository.LockedProduct, delta int64) (int64, int64, error)
	BumpSales(ctx context.Context, tx pgx.Tx, productID int64) error
	GetProduct(ctx context.Context, productID int64) (*model.Product, error)
	LowStockProducts(ctx context.Context) ([]model.Product, error)

	RecordMovement(ctx context.Context, tx pgx.Tx, m *model.StockMovement) error
	MovementsByProduct(ctx context.Context, productID int64, limit int) ([]model.StockMovement, error)
	MovementsByOrder(ctx context.Context, orderID int64) ([]model.StockMovement, error)

	LockCoupon(ctx context.Context, tx pgx.Tx, code string) (*model.Coupon, error)
	IncrementCouponUsage(ctx context.Context, tx pgx.Tx, couponID int64) error

	InsertOrder(ctx context.Context, tx pgx.Tx, o *model.Order) error
	GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (*model.Order, error)
	OrdersByGroupForUpdate(ctx context.Context, tx pgx.Tx, groupRef string) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, tx pgx.Tx, orderID int64, status model.OrderStatus, tracking *string) error
	GetOrderDetail(ctx context.Context, orderID int64) (*model.Order, error)
	OrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	PendingSettlements(ctx context.Context, method string, limit int) ([]string, error)
}

// Service содержит бизнес-логику магазина.
type Service struct {
	repo          Repository
	gatewayClient *gateway.Client
	logger        *zap.Logger
	now           func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом
// платёжного шлюза. Клиент шлюза может быть nil, тогда фоновый опрос
// расчётов не запускается.
func NewService(repo Repository, gatewayClient *gateway.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:          repo,
		gatewayClient: gatewayClient,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового покупателя.
func (s *Service) RegisterUser(ctx context.Context, login, email, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, email, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetOrderDetail возвращает строку заказа.
func (s *Service) GetOrderDetail(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.repo.GetOrderDetail(ctx, orderID)
}

// GetOrdersByUser возвращает заказы пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.OrdersByUser(ctx, userID)
}

// GetStockMovements возвращает последние движения остатка товара.
func (s *Service) GetStockMovements(ctx context.Context, productID int64) ([]model.StockMovement, error) {
	return s.repo.MovementsByProduct(ctx, productID, 50)
}

// GetLowStockProducts возвращает товары с остатком не выше порога оповещения.
func (s *Service) GetLowStockProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.LowStockProducts(ctx)
}
