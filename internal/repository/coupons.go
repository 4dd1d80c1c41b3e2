package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mmeshcher/balance-system/internal/model"
)

const couponMemberTypeConstraint = "coupons_member_type_key"

// CreateCoupons создаёт партию незакреплённых купонов одного типа.
// Возвращает количество созданных записей.
func (r *PostgresRepository) CreateCoupons(ctx context.Context, couponType string, granted int64, expiresAt time.Time, codes []string) (int, error) {
	var created int
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		for _, code := range codes {
			_, err := tx.Exec(ctx,
				`INSERT INTO coupons (code, coupon_type, balance_granted, expires_at)
				 VALUES ($1, $2, $3, $4)`,
				code, couponType, granted, expiresAt,
			)
			if err != nil {
				return fmt.Errorf("insert coupon: %w", err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// IssueCouponTo создаёт купон, сразу закреплённый за участником.
// Проверка существования и вставка идут в одной транзакции; гонку между ними
// закрывает частичный уникальный индекс по (member_id, coupon_type) —
// проигравшая вставка получает ErrDuplicateCoupon, а не вторую выдачу.
func (r *PostgresRepository) IssueCouponTo(ctx context.Context, memberID int64, couponType string, granted int64, expiresAt time.Time, code string) (*model.Coupon, error) {
	var c model.Coupon
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM coupons WHERE member_id = $1 AND coupon_type = $2)`,
			memberID, couponType,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check existing coupon: %w", err)
		}
		if exists {
			return ErrDuplicateCoupon
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO coupons (code, coupon_type, balance_granted, expires_at, member_id)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, created_at`,
			code, couponType, granted, expiresAt, memberID,
		)
		if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == couponMemberTypeConstraint {
				return ErrDuplicateCoupon
			}
			return fmt.Errorf("insert coupon: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Code = code
	c.Type = couponType
	c.BalanceGranted = granted
	c.ExpiresAt = expiresAt
	c.MemberID = &memberID
	return &c, nil
}

// GetUnassignedCouponIDs возвращает идентификаторы свободных купонов типа,
// не больше limit штук.
func (r *PostgresRepository) GetUnassignedCouponIDs(ctx context.Context, couponType string, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM coupons
		 WHERE coupon_type = $1 AND member_id IS NULL
		 ORDER BY id
		 LIMIT $2`,
		couponType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unassigned coupons: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan coupon id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// CountUnassignedCoupons возвращает число свободных купонов типа.
func (r *PostgresRepository) CountUnassignedCoupons(ctx context.Context, couponType string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM coupons WHERE coupon_type = $1 AND member_id IS NULL`,
		couponType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unassigned coupons: %w", err)
	}
	return n, nil
}

// ClaimCouponRow пытается закрепить свободный купон за участником.
// Условие member_id IS NULL гарантирует, что из двух одновременных
// претендентов строку получит ровно один; проигравший получает
// ErrVersionConflict и пробует другую строку пула.
func (r *PostgresRepository) ClaimCouponRow(ctx context.Context, couponID, memberID int64) (*model.Coupon, error) {
	var c model.Coupon
	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`UPDATE coupons
			 SET member_id = $2, version = version + 1
			 WHERE id = $1 AND member_id IS NULL
			 RETURNING id, code, coupon_type, balance_granted, expires_at, member_id, used_at, version, created_at`,
			couponID, memberID,
		)
		err := row.Scan(&c.ID, &c.Code, &c.Type, &c.BalanceGranted, &c.ExpiresAt, &c.MemberID, &c.UsedAt, &c.Version, &c.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrVersionConflict
			}
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == couponMemberTypeConstraint {
				return ErrDuplicateCoupon
			}
			return fmt.Errorf("claim coupon: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetMemberCoupon возвращает купон участника указанного типа.
func (r *PostgresRepository) GetMemberCoupon(ctx context.Context, memberID int64, couponType string) (*model.Coupon, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, coupon_type, balance_granted, expires_at, member_id, used_at, version, created_at
		 FROM coupons
		 WHERE member_id = $1 AND coupon_type = $2`,
		memberID, couponType,
	)

	var c model.Coupon
	err := row.Scan(&c.ID, &c.Code, &c.Type, &c.BalanceGranted, &c.ExpiresAt, &c.MemberID, &c.UsedAt, &c.Version, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get member coupon: %w", err)
	}

	return &c, nil
}

// GetMemberCoupons возвращает все купоны участника, новые первыми.
func (r *PostgresRepository) GetMemberCoupons(ctx context.Context, memberID int64) ([]model.Coupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, code, coupon_type, balance_granted, expires_at, member_id, used_at, version, created_at
		 FROM coupons
		 WHERE member_id = $1
		 ORDER BY created_at DESC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("select member coupons: %w", err)
	}
	defer rows.Close()

	var res []model.Coupon
	for rows.Next() {
		var c model.Coupon
		if err := rows.Scan(&c.ID, &c.Code, &c.Type, &c.BalanceGranted, &c.ExpiresAt, &c.MemberID, &c.UsedAt, &c.Version, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RedeemCoupon гасит купон и зачисляет его номинал на токеновый счёт участника:
// штамп used_at, пополнение и запись журнала CHARGE фиксируются одной транзакцией.
// Условие used_at IS NULL вместе со штампом версии исключает двойное погашение.
func (r *PostgresRepository) RedeemCoupon(ctx context.Context, coupon *model.Coupon, accountID int64) (int64, error) {
	var newBalance int64
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		cmdTag, err := tx.Exec(ctx,
			`UPDATE coupons
			 SET used_at = now(), version = version + 1
			 WHERE id = $1 AND version = $2 AND used_at IS NULL`,
			coupon.ID, coupon.Version,
		)
		if err != nil {
			return fmt.Errorf("mark coupon used: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrVersionConflict
		}

		newBalance, err = creditTx(ctx, tx, accountID, coupon.BalanceGranted)
		if err != nil {
			return err
		}

		sourceRef := "coupon:" + strconv.FormatInt(coupon.ID, 10)
		return appendEntryTx(ctx, tx, accountID, model.EntryCharge, coupon.BalanceGranted, newBalance,
			&sourceRef, "coupon "+coupon.Code+" redeemed", model.ActorSystem)
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}
