package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/balance-system/internal/model"
	"github.com/mmeshcher/balance-system/internal/repository"
	"github.com/mmeshcher/balance-system/internal/settlement"
)

const reconcileBatchSize = 100

// RequestUsage списывает фиксированную стоимость за единицу внешней работы и
// создаёт запись о списании в статусе PENDING. Списание идёт первым: стоимость
// уходит с баланса сразу, а корректность при сбое восстанавливается возвратом,
// а не снятием резерва. Билетное списание всегда стоит один билет.
func (s *Service) RequestUsage(ctx context.Context, memberID int64, kind model.CurrencyKind, serviceRef string, cost int64) (*model.Usage, error) {
	if !kind.IsValid() {
		return nil, errors.New("unknown currency kind")
	}
	if serviceRef == "" {
		return nil, errors.New("service ref must not be empty")
	}
	if kind.IsTicket() {
		cost = 1
	}
	if cost <= 0 {
		return nil, errors.New("usage cost must be positive")
	}

	account, err := s.repo.GetOrCreateAccount(ctx, memberID, kind)
	if err != nil {
		return nil, err
	}

	var usage *model.Usage
	err = s.withLockRetry(ctx, func(ctx context.Context) error {
		var err error
		usage, err = s.repo.CreateUsage(ctx, memberID, account.ID, serviceRef, cost)
		return err
	})
	if err != nil {
		return nil, err
	}

	return usage, nil
}

// GetUsage возвращает запись о списании по идентификатору.
func (s *Service) GetUsage(ctx context.Context, usageID int64) (*model.Usage, error) {
	return s.repo.GetUsage(ctx, usageID)
}

// FinalizeCompleted переводит списание в COMPLETED. Запись в терминальном
// статусе отклоняется с ErrUsageAlreadyFinalized.
func (s *Service) FinalizeCompleted(ctx context.Context, usageID int64, actualCost *int64) error {
	return s.repo.FinalizeUsageCompleted(ctx, usageID, actualCost)
}

// FinalizeFailed переводит списание в FAILED и возвращает стоимость на счёт.
// Конфликт версий при возврате повторяется в рамках бюджета; откат транзакции
// снимает и смену статуса, поэтому повтор начинается с чистого состояния.
func (s *Service) FinalizeFailed(ctx context.Context, usageID int64) error {
	return s.withLockRetry(ctx, func(ctx context.Context) error {
		return s.repo.FinalizeUsageFailed(ctx, usageID)
	})
}

// Reconcile выполняет один проход сверки: находит записи PENDING старше порога
// и доводит каждую до терминального статуса по исходу из системы исполнения.
// Проход идемпотентен: уже финализированные записи пропускаются, поэтому
// параллельный или повторный запуск не приводит к двойной обработке.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	pending, err := s.repo.GetPendingUsages(ctx, time.Now().Add(-s.reconcileAge), reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, u := range pending {
		outcome, statusCode, retryAfter, err := s.settlementClient.GetUsageOutcome(ctx, u.ID)
		if err != nil {
			s.logger.Warn("settlement request failed", zap.Int64("usageID", u.ID), zap.Error(err))
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return processed, ctx.Err()
				case <-timer.C:
				}
			}
			continue
		}

		if outcome == nil {
			continue
		}

		switch outcome.Status {
		case settlement.OutcomeRegistered, settlement.OutcomeProcessing:
			continue
		case settlement.OutcomeCompleted:
			err = s.FinalizeCompleted(ctx, u.ID, outcome.ActualCost)
		case settlement.OutcomeFailed:
			err = s.FinalizeFailed(ctx, u.ID)
		default:
			s.logger.Warn("unknown settlement status", zap.Int64("usageID", u.ID), zap.String("status", outcome.Status))
			continue
		}

		if err != nil {
			// Параллельный проход успел финализировать запись первым.
			if errors.Is(err, repository.ErrUsageAlreadyFinalized) {
				continue
			}
			s.logger.Warn("finalize usage failed", zap.Int64("usageID", u.ID), zap.Error(err))
			continue
		}

		processed++
	}

	return processed, nil
}

// StartReconciliation запускает фоновый периодический проход сверки.
func (s *Service) StartReconciliation(ctx context.Context, interval time.Duration) {
	if s.settlementClient == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				processed, err := s.Reconcile(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Warn("reconciliation sweep failed", zap.Error(err))
					continue
				}
				if processed > 0 {
					s.logger.Info("reconciliation sweep finished", zap.Int("processed", processed))
				}
			}
		}
	}()
}
