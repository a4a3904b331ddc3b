package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/usserj/tienda-orders/internal/model"
)

// LockedProduct — товар, строка которого заблокирована SELECT ... FOR UPDATE
// до конца объемлющей транзакции. Только значения этого типа принимаются
// операциями изменения остатка: списать остаток, не удерживая блокировку,
// нельзя по построению.
type LockedProduct struct {
	Product model.Product
}

const productColumns = `id, title, price, on_offer, offer_price, offer_ends_at,
	stock, stock_minimum, virtual, active, sales, created_at`

func scanProduct(row pgx.Row) (model.Product, error) {
	var p model.Product
	err := row.Scan(
		&p.ID, &p.Title, &p.PriceCents, &p.OnOffer, &p.OfferPriceCents,
		&p.OfferEndsAt, &p.Stock, &p.StockMinimum, &p.Virtual, &p.Active,
		&p.Sales, &p.CreatedAt,
	)
	return p, err
}

// LockProduct берёт эксклюзивную блокировку строки товара и возвращает его
// состояние, прочитанное уже под блокировкой. Ожидание ограничено
// lock_timeout: по его истечении возвращается ErrLockTimeout.
func (r *PostgresRepository) LockProduct(ctx context.Context, tx pgx.Tx, productID int64) (*LockedProduct, error) {
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%d'", r.lockTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`,
		productID,
	)

	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrProductNotFound, productID)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.LockNotAvailable {
			return nil, fmt.Errorf("%w: product %d", ErrLockTimeout, productID)
		}
		return nil, fmt.Errorf("lock product: %w", err)
	}

	return &LockedProduct{Product: p}, nil
}

// DecrementStock списывает остаток заблокированного товара. Достаточность
// перепроверяется в момент списания, даже если вызывающая сторона уже
// проверила остаток под той же блокировкой. Для виртуальных товаров операция
// ничего не делает. Возвращает остаток до и после списания.
func (r *PostgresRepository) DecrementStock(ctx context.Context, tx pgx.Tx, lp *LockedProduct, quantity int64) (int64, int64, error) {
	if lp.Product.Virtual {
		return lp.Product.Stock, lp.Product.Stock, nil
	}
	if lp.Product.Stock < quantity {
		return 0, 0, fmt.Errorf("%w: product %d has %d, requested %d",
			ErrInsufficientStock, lp.Product.ID, lp.Product.Stock, quantity)
	}

	before := lp.Product.Stock

	var after int64
	err := tx.QueryRow(ctx,
		`UPDATE products SET stock = stock - $2 WHERE id = $1 RETURNING stock`,
		lp.Product.ID, quantity,
	).Scan(&after)
	if err != nil {
		return 0, 0, fmt.Errorf("decrement stock: %w", err)
	}
	if after < 0 {
		// Недостижимо под корректной блокировкой, но инвариант stock >= 0
		// важнее экономии одной проверки.
		return 0, 0, fmt.Errorf("%w: product %d", ErrInsufficientStock, lp.Product.ID)
	}

	lp.Product.Stock = after
	return before, after, nil
}

// IncrementStock возвращает количество на остаток заблокированного товара
// (отмена заказа, возврат). Для виртуальных товаров операция ничего не делает.
func (r *PostgresRepository) IncrementStock(ctx context.Context, tx pgx.Tx, lp *LockedProduct, quantity int64) (int64, int64, error) {
	if lp.Product.Virtual {
		return lp.Product.Stock, lp.Product.Stock, nil
	}

	before := lp.Product.Stock

	var after int64
	err := tx.QueryRow(ctx,
		`UPDATE products SET stock = stock + $2 WHERE id = $1 RETURNING stock`,
		lp.Product.ID, quantity,
	).Scan(&after)
	if err != nil {
		return 0, 0, fmt.Errorf("increment stock: %w", err)
	}

	lp.Product.Stock = after
	return before, after, nil
}

// AdjustStock применяет ручную корректировку остатка со знаком. Корректировка
// ниже нуля отклоняется.
func (r *PostgresRepository) AdjustStock(ctx context.Context, tx pgx.Tx, lp *LockedProduct, delta int64) (int64, int64, error) {
	if lp.Product.Stock+delta < 0 {
		return 0, 0, fmt.Errorf("%w: product %d stock %d, delta %d",
			ErrNegativeStock, lp.Product.ID, lp.Product.Stock, delta)
	}
	if delta >= 0 {
		return r.IncrementStock(ctx, tx, lp, delta)
	}
	return r.DecrementStock(ctx, tx, lp, -delta)
}

// BumpSales увеличивает счётчик продаж товара. Вызывается ровно в тот момент,
// когда строка заказа достигает подтверждённого статуса.
func (r *PostgresRepository) BumpSales(ctx context.Context, tx pgx.Tx, productID int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE products SET sales = sales + 1 WHERE id = $1`,
		productID,
	)
	if err != nil {
		return fmt.Errorf("bump sales: %w", err)
	}
	return nil
}

// GetProduct возвращает товар без блокировки (витрина, отчёты).
func (r *PostgresRepository) GetProduct(ctx context.Context, productID int64) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`,
		productID,
	)

	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return &p, nil
}

// LowStockProducts возвращает активные физические товары с остатком не выше
// порога оповещения.
func (r *PostgresRepository) LowStockProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+`
		 FROM products
		 WHERE active AND NOT virtual AND stock <= stock_minimum
		 ORDER BY stock, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select low stock products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RecordMovement добавляет запись в журнал движений остатков. Журнал только
// пополняется, существующие записи не изменяются.
func (r *PostgresRepository) RecordMovement(ctx context.Context, tx pgx.Tx, m *model.StockMovement) error {
	err := tx.QueryRow(ctx,
		`INSERT INTO stock_movements
		 (product_id, order_id, kind, delta, stock_before, stock_after, reason, admin_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		m.ProductID, m.OrderID, string(m.Kind), m.Delta, m.StockBefore, m.StockAfter, m.Reason, m.AdminID,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

// MovementsByProduct возвращает последние движения остатка товара.
func (r *PostgresRepository) MovementsByProduct(ctx context.Context, productID int64, limit int) ([]model.StockMovement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, product_id, order_id, kind, delta, stock_before, stock_after, reason, admin_id, created_at
		 FROM stock_movements
		 WHERE product_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		productID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stock movements: %w", err)
	}
	defer rows.Close()

	return scanMovements(rows)
}

// MovementsByOrder возвращает движения остатков, связанные с заказом.
func (r *PostgresRepository) MovementsByOrder(ctx context.Context, orderID int64) ([]model.StockMovement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, product_id, order_id, kind, delta, stock_before, stock_after, reason, admin_id, created_at
		 FROM stock_movements
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order movements: %w", err)
	}
	defer rows.Close()

	return scanMovements(rows)
}

func scanMovements(rows pgx.Rows) ([]model.StockMovement, error) {
	var res []model.StockMovement
	for rows.Next() {
		var (
			m    model.StockMovement
			kind string
		)
		err := rows.Scan(
			&m.ID, &m.ProductID, &m.OrderID, &kind, &m.Delta,
			&m.StockBefore, &m.StockAfter, &m.Reason, &m.AdminID, &m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan stock movement: %w", err)
		}
		m.Kind = model.MovementKind(kind)
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
