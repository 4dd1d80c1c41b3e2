package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/balance-system/internal/model"
)

// GetOrCreateAccount возвращает счёт участника для указанного вида баланса,
// при отсутствии создаёт его с нулевым балансом. Гонка двух создателей
// разрешается через ON CONFLICT: выигравшая вставка и проигравшее чтение
// видят одну и ту же строку.
func (r *PostgresRepository) GetOrCreateAccount(ctx context.Context, memberID int64, kind model.CurrencyKind) (*model.Account, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (member_id, kind) VALUES ($1, $2)
		 ON CONFLICT (member_id, kind) DO NOTHING`,
		memberID, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	return r.GetAccount(ctx, memberID, kind)
}

// GetAccount возвращает счёт участника для указанного вида баланса.
func (r *PostgresRepository) GetAccount(ctx context.Context, memberID int64, kind model.CurrencyKind) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, member_id, kind, balance, version, created_at
		 FROM accounts
		 WHERE member_id = $1 AND kind = $2`,
		memberID, string(kind),
	)

	var a model.Account
	err := row.Scan(&a.ID, &a.MemberID, &a.Kind, &a.Balance, &a.Version, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// GetBalances возвращает балансы участника по всем видам счетов.
// Отсутствующий счёт читается как нулевой баланс.
func (r *PostgresRepository) GetBalances(ctx context.Context, memberID int64) (*model.Balances, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT kind, balance FROM accounts WHERE member_id = $1`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("select balances: %w", err)
	}
	defer rows.Close()

	var b model.Balances
	for rows.Next() {
		var kind string
		var balance int64
		if err := rows.Scan(&kind, &balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}

		switch model.CurrencyKind(kind) {
		case model.KindToken:
			b.Tokens = balance
		case model.KindRoadmapTicket:
			b.RoadmapTickets = balance
		case model.KindWorksheetTicket:
			b.WorksheetTickets = balance
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &b, nil
}

// CreditAccount пополняет счёт и пишет запись журнала указанного типа
// в одной транзакции. Возвращает новый баланс.
func (r *PostgresRepository) CreditAccount(ctx context.Context, accountID int64, entryKind model.EntryKind, amount int64, sourceRef *string, description, actor string) (int64, error) {
	var newBalance int64
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		newBalance, err = creditTx(ctx, tx, accountID, amount)
		if err != nil {
			return err
		}
		return appendEntryTx(ctx, tx, accountID, entryKind, amount, newBalance, sourceRef, description, actor)
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// DebitAccount списывает со счёта и пишет запись журнала указанного типа
// в одной транзакции. Возвращает новый баланс.
func (r *PostgresRepository) DebitAccount(ctx context.Context, accountID int64, entryKind model.EntryKind, amount int64, sourceRef *string, description, actor string) (int64, error) {
	var newBalance int64
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		newBalance, err = debitTx(ctx, tx, accountID, amount)
		if err != nil {
			return err
		}
		return appendEntryTx(ctx, tx, accountID, entryKind, amount, newBalance, sourceRef, description, actor)
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}
