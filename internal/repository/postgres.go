// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/balance-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountNotFound возвращается, если счёт участника не найден.
var (
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrVersionConflict возвращается, когда условное обновление проиграло гонку
	// другому писателю; вызывающая сторона повторяет операцию со свежего чтения.
	ErrVersionConflict = errors.New("optimistic version conflict")
	// ErrLockAcquisitionFailed возвращается после исчерпания бюджета повторов.
	ErrLockAcquisitionFailed = errors.New("lock acquisition failed")
	// ErrUsageNotFound возвращается, если запись о списании не найдена.
	ErrUsageNotFound = errors.New("usage not found")
	// ErrUsageAlreadyFinalized возвращается при повторной финализации записи.
	ErrUsageAlreadyFinalized = errors.New("usage already finalized")
	// ErrCouponNotFound возвращается, если у участника нет купона запрошенного типа.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrExpiredCoupon возвращается при попытке использовать просроченный купон.
	ErrExpiredCoupon = errors.New("coupon expired")
	// ErrAlreadyUsedCoupon возвращается при повторном погашении купона.
	ErrAlreadyUsedCoupon = errors.New("coupon already used")
	// ErrNoCouponAvailable возвращается, когда пул купонов данного типа исчерпан.
	ErrNoCouponAvailable = errors.New("no coupon available")
	// ErrDuplicateCoupon возвращается, если участнику уже выдан купон этого типа.
	ErrDuplicateCoupon = errors.New("duplicate coupon")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при временных ошибках БД: сериализационных сбоях,
// дедлоках и обрывах соединения. Конфликты версий и бизнес-ошибки не повторяются
// здесь — их политика повторов принадлежит вызывающему слою.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// inTx выполняет fn в одной транзакции: мутация баланса, запись журнала и
// смена статуса фиксируются вместе либо откатываются вместе.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// creditTx увеличивает баланс счёта условным обновлением по штампу версии
// и возвращает новый баланс. При проигранной гонке возвращает ErrVersionConflict.
func creditTx(ctx context.Context, tx pgx.Tx, accountID, amount int64) (int64, error) {
	_, version, err := readAccountRow(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}

	return casUpdate(ctx, tx, accountID, amount, version)
}

// debitTx уменьшает баланс счёта тем же условным обновлением.
// Недостаток средств проверяется до записи и возвращается без повтора.
func debitTx(ctx context.Context, tx pgx.Tx, accountID, amount int64) (int64, error) {
	balance, version, err := readAccountRow(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}

	if balance < amount {
		return 0, ErrInsufficientBalance
	}

	return casUpdate(ctx, tx, accountID, -amount, version)
}

func readAccountRow(ctx context.Context, tx pgx.Tx, accountID int64) (balance, version int64, err error) {
	err = tx.QueryRow(ctx,
		`SELECT balance, version FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&balance, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrAccountNotFound
		}
		return 0, 0, fmt.Errorf("read account: %w", err)
	}
	return balance, version, nil
}

func casUpdate(ctx context.Context, tx pgx.Tx, accountID, delta, version int64) (int64, error) {
	var newBalance int64
	err := tx.QueryRow(ctx,
		`UPDATE accounts
		 SET balance = balance + $2, version = version + 1
		 WHERE id = $1 AND version = $3
		 RETURNING balance`,
		accountID, delta, version,
	).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("update account balance: %w", err)
	}
	return newBalance, nil
}

// appendEntryTx добавляет запись журнала в рамках той же транзакции, что и
// мутация баланса. balanceAfter — значение, возвращённое этой мутацией,
// а не повторное чтение.
func appendEntryTx(ctx context.Context, tx pgx.Tx, accountID int64, kind model.EntryKind, amount, balanceAfter int64, sourceRef *string, description, actor string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (account_id, kind, amount, balance_after, source_ref, description, actor)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		accountID, string(kind), amount, balanceAfter, sourceRef, description, actor,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
