package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/balance-system/internal/model"
)

// CreateUsage списывает фиксированную стоимость со счёта, создаёт запись о
// списании в статусе PENDING и запись журнала USAGE — всё в одной транзакции.
// При недостатке средств транзакция откатывается без побочных эффектов.
func (r *PostgresRepository) CreateUsage(ctx context.Context, memberID, accountID int64, serviceRef string, cost int64) (*model.Usage, error) {
	var u model.Usage
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		newBalance, err := debitTx(ctx, tx, accountID, cost)
		if err != nil {
			return err
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO usages (member_id, account_id, service_ref, cost_debited, status)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, created_at`,
			memberID, accountID, serviceRef, cost, string(model.UsageStatusPending),
		)
		if err := row.Scan(&u.ID, &u.CreatedAt); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}

		sourceRef := "usage:" + strconv.FormatInt(u.ID, 10)
		return appendEntryTx(ctx, tx, accountID, model.EntryUsage, cost, newBalance,
			&sourceRef, "debit for "+serviceRef, model.ActorSystem)
	})
	if err != nil {
		return nil, err
	}

	u.MemberID = memberID
	u.AccountID = accountID
	u.ServiceRef = serviceRef
	u.CostDebited = cost
	u.Status = model.UsageStatusPending
	return &u, nil
}

// GetUsage возвращает запись о списании по идентификатору.
func (r *PostgresRepository) GetUsage(ctx context.Context, usageID int64) (*model.Usage, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, member_id, account_id, service_ref, cost_debited, actual_cost, status, created_at, finalized_at
		 FROM usages WHERE id = $1`,
		usageID,
	)

	var u model.Usage
	err := row.Scan(&u.ID, &u.MemberID, &u.AccountID, &u.ServiceRef, &u.CostDebited, &u.ActualCost, &u.Status, &u.CreatedAt, &u.FinalizedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUsageNotFound
		}
		return nil, fmt.Errorf("get usage: %w", err)
	}

	return &u, nil
}

// FinalizeUsageCompleted переводит запись PENDING в COMPLETED без влияния на баланс.
// Повторная финализация отклоняется: условие status = 'PENDING' внутри той же
// записи гарантирует переход ровно один раз.
func (r *PostgresRepository) FinalizeUsageCompleted(ctx context.Context, usageID int64, actualCost *int64) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		cmdTag, err := tx.Exec(ctx,
			`UPDATE usages
			 SET status = $2, actual_cost = $3, finalized_at = now()
			 WHERE id = $1 AND status = $4`,
			usageID, string(model.UsageStatusCompleted), actualCost, string(model.UsageStatusPending),
		)
		if err != nil {
			return fmt.Errorf("finalize usage: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return usageGuardError(ctx, tx, usageID)
		}

		return nil
	})
}

// FinalizeUsageFailed переводит запись PENDING в FAILED и возвращает списанную
// стоимость на счёт вместе с записью журнала REFUND — в одной транзакции со
// сменой статуса. Уже финализированная запись отклоняется, поэтому возврат
// происходит ровно один раз, даже если сверка увидит запись дважды.
func (r *PostgresRepository) FinalizeUsageFailed(ctx context.Context, usageID int64) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var accountID, cost int64
		err := tx.QueryRow(ctx,
			`UPDATE usages
			 SET status = $2, finalized_at = now()
			 WHERE id = $1 AND status = $3
			 RETURNING account_id, cost_debited`,
			usageID, string(model.UsageStatusFailed), string(model.UsageStatusPending),
		).Scan(&accountID, &cost)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return usageGuardError(ctx, tx, usageID)
			}
			return fmt.Errorf("finalize usage: %w", err)
		}

		newBalance, err := creditTx(ctx, tx, accountID, cost)
		if err != nil {
			return err
		}

		sourceRef := "usage:" + strconv.FormatInt(usageID, 10)
		return appendEntryTx(ctx, tx, accountID, model.EntryRefund, cost, newBalance,
			&sourceRef, "refund for failed usage", model.ActorSystem)
	})
}

// usageGuardError различает отсутствие записи и уже терминальный статус.
func usageGuardError(ctx context.Context, tx pgx.Tx, usageID int64) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM usages WHERE id = $1`, usageID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUsageNotFound
		}
		return fmt.Errorf("check usage status: %w", err)
	}
	return ErrUsageAlreadyFinalized
}

// GetPendingUsages возвращает записи PENDING старше указанного момента
// для сверки с внешней системой, от старых к новым.
func (r *PostgresRepository) GetPendingUsages(ctx context.Context, olderThan time.Time, limit int) ([]model.Usage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, member_id, account_id, service_ref, cost_debited, actual_cost, status, created_at, finalized_at
		 FROM usages
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.UsageStatusPending), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending usages: %w", err)
	}
	defer rows.Close()

	var res []model.Usage
	for rows.Next() {
		var u model.Usage
		if err := rows.Scan(&u.ID, &u.MemberID, &u.AccountID, &u.ServiceRef, &u.CostDebited, &u.ActualCost, &u.Status, &u.CreatedAt, &u.FinalizedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
