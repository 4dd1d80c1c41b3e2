package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/balance-system/internal/model"
)

// LedgerFilter задаёт параметры выборки журнала операций.
type LedgerFilter struct {
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// GetLedgerEntries возвращает страницу журнала операций по счёту участника,
// новые записи первыми. Записи журнала не обновляются и не удаляются,
// поэтому выборка не требует блокировок.
func (r *PostgresRepository) GetLedgerEntries(ctx context.Context, memberID int64, kind model.CurrencyKind, filter LedgerFilter) ([]model.LedgerEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := `SELECT e.id, e.account_id, e.kind, e.amount, e.balance_after, e.source_ref, e.description, e.actor, e.created_at
	          FROM ledger_entries e
	          JOIN accounts a ON a.id = e.account_id
	          WHERE a.member_id = $1 AND a.kind = $2`
	args := []any{memberID, string(kind)}

	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(" AND e.created_at >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(" AND e.created_at < $%d", len(args))
	}

	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY e.created_at DESC, e.id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.BalanceAfter, &e.SourceRef, &e.Description, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
