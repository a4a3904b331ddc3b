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

const couponColumns = `id, code, type, value, usage_max, usage_count,
	minimum_purchase, valid_from, valid_until, active, created_at`

func scanCoupon(row pgx.Row) (model.Coupon, error) {
	var (
		c   model.Coupon
		typ string
	)
	err := row.Scan(
		&c.ID, &c.Code, &typ, &c.Value, &c.UsageMax, &c.UsageCount,
		&c.MinimumCents, &c.ValidFrom, &c.ValidUntil, &c.Active, &c.CreatedAt,
	)
	c.Type = model.CouponType(typ)
	return c, err
}

// LockCoupon берёт эксклюзивную блокировку строки купона и возвращает его
// состояние под блокировкой. Валидация и инкремент использований обязаны
// происходить под одной и той же блокировкой, иначе лимит использований
// может быть превышен параллельными оформлениями.
func (r *PostgresRepository) LockCoupon(ctx context.Context, tx pgx.Tx, code string) (*model.Coupon, error) {
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%d'", r.lockTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE code = $1 FOR UPDATE`,
		code,
	)

	c, err := scanCoupon(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCouponNotFound, code)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.LockNotAvailable {
			return nil, fmt.Errorf("%w: coupon %s", ErrLockTimeout, code)
		}
		return nil, fmt.Errorf("lock coupon: %w", err)
	}

	return &c, nil
}

// IncrementCouponUsage увеличивает счётчик использований купона. Вызывается
// только внутри транзакции, в которой купон был провалидирован под
// блокировкой, и только когда заказ гарантированно фиксируется.
func (r *PostgresRepository) IncrementCouponUsage(ctx context.Context, tx pgx.Tx, couponID int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE coupons SET usage_count = usage_count + 1 WHERE id = $1`,
		couponID,
	)
	if err != nil {
		return fmt.Errorf("increment coupon usage: %w", err)
	}
	return nil
}
