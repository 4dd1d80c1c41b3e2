// Package service реализует бизнес-логику биллингового ядра.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/balance-system/internal/model"
	"github.com/mmeshcher/balance-system/internal/repository"
	"github.com/mmeshcher/balance-system/internal/settlement"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetOrCreateAccount(ctx context.Context, memberID int64, kind model.CurrencyKind) (*model.Account, error)
	GetAccount(ctx context.Context, memberID int64, kind model.CurrencyKind) (*model.Account, error)
	GetBalances(ctx context.Context, memberID int64) (*model.Balances, error)
	CreditAccount(ctx context.Context, accountID int64, entryKind model.EntryKind, amount int64, sourceRef *string, description, actor string) (int64, error)
	DebitAccount(ctx context.Context, accountID int64, entryKind model.EntryKind, amount int64, sourceRef *string, description, actor string) (int64, error)
	GetLedgerEntries(ctx context.Context, memberID int64, kind model.CurrencyKind, filter repository.LedgerFilter) ([]model.LedgerEntry, error)
	CreateUsage(ctx context.Context, memberID, accountID int64, serviceRef string, cost int64) (*model.Usage, error)
	GetUsage(ctx context.Context, usageID int64) (*model.Usage, error)
	FinalizeUsageCompleted(ctx context.Context, usageID int64, actualCost *int64) error
	FinalizeUsageFailed(ctx context.Context, usageID int64) error
	GetPendingUsages(ctx context.Context, olderThan time.Time, limit int) ([]model.Usage, error)
	CreateCoupons(ctx context.Context, couponType string, granted int64, expiresAt time.Time, codes []string) (int, error)
	IssueCouponTo(ctx context.Context, memberID int64, couponType string, granted int64, expiresAt time.Time, code string) (*model.Coupon, error)
	GetUnassignedCouponIDs(ctx context.Context, couponType string, limit int) ([]int64, error)
	CountUnassignedCoupons(ctx context.Context, couponType string) (int64, error)
	ClaimCouponRow(ctx context.Context, couponID, memberID int64) (*model.Coupon, error)
	GetMemberCoupon(ctx context.Context, memberID int64, couponType string) (*model.Coupon, error)
	GetMemberCoupons(ctx context.Context, memberID int64) ([]model.Coupon, error)
	RedeemCoupon(ctx context.Context, coupon *model.Coupon, accountID int64) (int64, error)
}

// Бюджет повторов при конфликтах оптимистической блокировки.
const (
	lockRetryAttempts = 4
	lockRetryBase     = 20 * time.Millisecond
)

// Service содержит бизнес-логику биллингового ядра.
type Service struct {
	repo             Repository
	settlementClient *settlement.Client
	logger           *zap.Logger
	reconcileAge     time.Duration
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом системы исполнения.
// reconcileAge задаёт минимальный возраст записей PENDING, попадающих в сверку.
func NewService(repo Repository, settlementClient *settlement.Client, logger *zap.Logger, reconcileAge time.Duration) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reconcileAge <= 0 {
		reconcileAge = 30 * time.Second
	}

	return &Service{
		repo:             repo,
		settlementClient: settlementClient,
		logger:           logger,
		reconcileAge:     reconcileAge,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// withLockRetry повторяет fn при конфликте версий с нарастающей задержкой.
// Бизнес-ошибки возвращаются сразу: их повтор не изменит исход.
// После исчерпания бюджета конфликт превращается в ErrLockAcquisitionFailed.
func (s *Service) withLockRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(lockRetryAttempts, retry.NewFibonacci(lockRetryBase))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if errors.Is(err, repository.ErrVersionConflict) {
		return fmt.Errorf("%w: %s", repository.ErrLockAcquisitionFailed, err)
	}
	return err
}

// GetBalance возвращает балансы участника по всем видам счетов.
func (s *Service) GetBalance(ctx context.Context, memberID int64) (*model.Balances, error) {
	return s.repo.GetBalances(ctx, memberID)
}

// Charge пополняет счёт участника и пишет запись журнала CHARGE.
// sourceRef связывает пополнение с внешним платежом.
func (s *Service) Charge(ctx context.Context, memberID int64, kind model.CurrencyKind, amount int64, sourceRef *string, description string) (int64, error) {
	if !kind.IsValid() {
		return 0, errors.New("unknown currency kind")
	}
	if amount <= 0 {
		return 0, errors.New("charge amount must be positive")
	}
	if description == "" {
		description = "balance charge"
	}

	account, err := s.repo.GetOrCreateAccount(ctx, memberID, kind)
	if err != nil {
		return 0, err
	}

	var newBalance int64
	err = s.withLockRetry(ctx, func(ctx context.Context) error {
		var err error
		newBalance, err = s.repo.CreditAccount(ctx, account.ID, model.EntryCharge, amount, sourceRef, description, model.ActorSystem)
		return err
	})
	if err != nil {
		return 0, err
	}

	return newBalance, nil
}

// AdminAdjustBalance изменяет баланс участника от имени администратора.
// Положительная дельта пишется как ADMIN_CHARGE, отрицательная — как ADMIN_DEDUCT;
// списание подчиняется той же проверке достаточности, что и любое другое.
func (s *Service) AdminAdjustBalance(ctx context.Context, memberID int64, kind model.CurrencyKind, delta int64, description string) (int64, error) {
	if !kind.IsValid() {
		return 0, errors.New("unknown currency kind")
	}
	if delta == 0 {
		return 0, errors.New("adjustment delta must not be zero")
	}
	if description == "" {
		return 0, errors.New("adjustment description is required")
	}

	account, err := s.repo.GetOrCreateAccount(ctx, memberID, kind)
	if err != nil {
		return 0, err
	}

	var newBalance int64
	err = s.withLockRetry(ctx, func(ctx context.Context) error {
		var err error
		if delta > 0 {
			newBalance, err = s.repo.CreditAccount(ctx, account.ID, model.EntryAdminCharge, delta, nil, description, model.ActorAdmin)
		} else {
			newBalance, err = s.repo.DebitAccount(ctx, account.ID, model.EntryAdminDeduct, -delta, nil, description, model.ActorAdmin)
		}
		return err
	})
	if err != nil {
		return 0, err
	}

	return newBalance, nil
}

// ListTransactions возвращает страницу журнала операций участника, новые первыми.
func (s *Service) ListTransactions(ctx context.Context, memberID int64, kind model.CurrencyKind, page, perPage int, from, to *time.Time) ([]model.LedgerEntry, error) {
	if !kind.IsValid() {
		return nil, errors.New("unknown currency kind")
	}
	if page < 1 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 50
	}

	filter := repository.LedgerFilter{
		From:   from,
		To:     to,
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	}

	return s.repo.GetLedgerEntries(ctx, memberID, kind, filter)
}
