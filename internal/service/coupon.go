package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/balance-system/internal/model"
	"github.com/mmeshcher/balance-system/internal/repository"
	"github.com/mmeshcher/balance-system/internal/validation"
)

// Параметры выбора купона из пула под конкуренцией.
const (
	claimAttempts   = 5
	claimCandidates = 5
)

const maxCouponBatch = 1000

// ClaimCoupon закрепляет за участником свободный купон указанного типа.
// Проигранная гонка за конкретную строку не означает исчерпания пула:
// претендент повторяет попытку против множества ещё свободных строк,
// пока не выиграет одну из них или не исчерпает бюджет попыток.
func (s *Service) ClaimCoupon(ctx context.Context, memberID int64, couponType string) (*model.Coupon, error) {
	if couponType == "" {
		return nil, errors.New("coupon type must not be empty")
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		ids, err := s.repo.GetUnassignedCouponIDs(ctx, couponType, claimCandidates)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, repository.ErrNoCouponAvailable
		}

		for _, id := range ids {
			coupon, err := s.repo.ClaimCouponRow(ctx, id, memberID)
			if err == nil {
				return coupon, nil
			}
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return nil, err
		}

		// Все кандидаты достались другим; перечитываем пул после паузы.
		timer := time.NewTimer(lockRetryBase * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	n, err := s.repo.CountUnassignedCoupons(ctx, couponType)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, repository.ErrNoCouponAvailable
	}

	return nil, fmt.Errorf("%w: coupon pool contention", repository.ErrLockAcquisitionFailed)
}

// RedeemCoupon гасит купон участника и зачисляет номинал на токеновый счёт.
// Возвращает новый баланс токенов. Повтор после конфликта версий перечитывает
// купон заново, поэтому уже погашенный купон отклоняется, а не гасится дважды.
func (s *Service) RedeemCoupon(ctx context.Context, memberID int64, couponType string) (int64, error) {
	if couponType == "" {
		return 0, errors.New("coupon type must not be empty")
	}

	var newBalance int64
	err := s.withLockRetry(ctx, func(ctx context.Context) error {
		coupon, err := s.repo.GetMemberCoupon(ctx, memberID, couponType)
		if err != nil {
			return err
		}
		if coupon.UsedAt != nil {
			return repository.ErrAlreadyUsedCoupon
		}
		if time.Now().After(coupon.ExpiresAt) {
			return repository.ErrExpiredCoupon
		}

		account, err := s.repo.GetOrCreateAccount(ctx, memberID, model.KindToken)
		if err != nil {
			return err
		}

		newBalance, err = s.repo.RedeemCoupon(ctx, coupon, account.ID)
		return err
	})
	if err != nil {
		return 0, err
	}

	return newBalance, nil
}

// ListCoupons возвращает купоны участника.
func (s *Service) ListCoupons(ctx context.Context, memberID int64) ([]model.Coupon, error) {
	return s.repo.GetMemberCoupons(ctx, memberID)
}

// AdminIssueCoupon выдаёт участнику купон напрямую, минуя пул.
// Участник может иметь не более одного купона каждого типа.
func (s *Service) AdminIssueCoupon(ctx context.Context, memberID int64, couponType string, granted int64, expiresAt time.Time) (*model.Coupon, error) {
	if couponType == "" {
		return nil, errors.New("coupon type must not be empty")
	}
	if granted <= 0 {
		return nil, errors.New("granted balance must be positive")
	}
	if !expiresAt.After(time.Now()) {
		return nil, repository.ErrExpiredCoupon
	}

	code, err := validation.GenerateCouponCode()
	if err != nil {
		return nil, err
	}

	return s.repo.IssueCouponTo(ctx, memberID, couponType, granted, expiresAt, code)
}

// AdminCreateCouponPool создаёт партию свободных купонов для самостоятельного получения.
func (s *Service) AdminCreateCouponPool(ctx context.Context, couponType string, granted int64, expiresAt time.Time, count int) (int, error) {
	if couponType == "" {
		return 0, errors.New("coupon type must not be empty")
	}
	if granted <= 0 {
		return 0, errors.New("granted balance must be positive")
	}
	if !expiresAt.After(time.Now()) {
		return 0, repository.ErrExpiredCoupon
	}
	if count <= 0 || count > maxCouponBatch {
		return 0, fmt.Errorf("coupon count must be between 1 and %d", maxCouponBatch)
	}

	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := validation.GenerateCouponCode()
		if err != nil {
			return 0, err
		}
		codes = append(codes, code)
	}

	return s.repo.CreateCoupons(ctx, couponType, granted, expiresAt, codes)
}
