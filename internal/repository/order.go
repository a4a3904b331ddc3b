package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/usserj/tienda-orders/internal/model"
)

const orderColumns = `id, user_id, product_id, quantity, amount, method, email,
	address, country, group_ref, status, tracking, detail, created_at, status_at`

func scanOrder(row pgx.Row) (model.Order, error) {
	var (
		o      model.Order
		status string
		detail []byte
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.ProductID, &o.Quantity, &o.AmountCents,
		&o.Method, &o.Email, &o.Address, &o.Country, &o.GroupRef,
		&status, &o.Tracking, &detail, &o.CreatedAt, &o.StatusAt,
	)
	if err != nil {
		return o, err
	}
	o.Status = model.OrderStatus(status)
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &o.Detail); err != nil {
			return o, fmt.Errorf("decode order detail: %w", err)
		}
	}
	return o, nil
}

// InsertOrder сохраняет строку заказа и проставляет идентификатор и отметки
// времени. Строки заказа создаются только сборщиком заказов внутри одной
// транзакции.
func (r *PostgresRepository) InsertOrder(ctx context.Context, tx pgx.Tx, o *model.Order) error {
	detail, err := json.Marshal(o.Detail)
	if err != nil {
		return fmt.Errorf("encode order detail: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO orders
		 (user_id, product_id, quantity, amount, method, email, address, country, group_ref, status, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at, status_at`,
		o.UserID, o.ProductID, o.Quantity, o.AmountCents, o.Method,
		o.Email, o.Address, o.Country, o.GroupRef, string(o.Status), detail,
	).Scan(&o.ID, &o.CreatedAt, &o.StatusAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrderForUpdate возвращает строку заказа под эксклюзивной блокировкой.
func (r *PostgresRepository) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (*model.Order, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`,
		orderID,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("get order for update: %w", err)
	}
	return &o, nil
}

// OrdersByGroupForUpdate возвращает все строки группы расчёта под
// эксклюзивной блокировкой. Порядок стабильный, по идентификатору, чтобы
// параллельные подтверждения одной группы не взаимоблокировались.
func (r *PostgresRepository) OrdersByGroupForUpdate(ctx context.Context, tx pgx.Tx, groupRef string) ([]model.Order, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE group_ref = $1 ORDER BY id FOR UPDATE`,
		groupRef,
	)
	if err != nil {
		return nil, fmt.Errorf("select order group: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// UpdateOrderStatus переводит заказ в новый статус и обновляет отметку
// времени статуса. Трек задаётся опционально.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, tx pgx.Tx, orderID int64, status model.OrderStatus, tracking *string) error {
	if tracking == nil {
		_, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2, status_at = $3 WHERE id = $1`,
			orderID, string(status), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		return nil
	}

	_, err := tx.Exec(ctx,
		`UPDATE orders SET status = $2, status_at = $3, tracking = $4 WHERE id = $1`,
		orderID, string(status), time.Now().UTC(), *tracking,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// GetOrderDetail возвращает строку заказа без блокировки.
func (r *PostgresRepository) GetOrderDetail(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		orderID,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// OrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) OrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select user orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// PendingSettlements возвращает ссылки групп расчёта pending-заказов с
// указанным методом оплаты — кандидатов на опрос платёжного шлюза.
func (r *PostgresRepository) PendingSettlements(ctx context.Context, method string, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT group_ref FROM orders
		 WHERE status = $1 AND method = $2
		 GROUP BY group_ref
		 ORDER BY MIN(created_at)
		 LIMIT $3`,
		string(model.OrderStatusPending), method, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending settlements: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan group ref: %w", err)
		}
		refs = append(refs, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return refs, nil
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
