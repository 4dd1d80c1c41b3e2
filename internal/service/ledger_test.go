package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mmeshcher/balance-system/internal/model"
	"github.com/mmeshcher/balance-system/internal/repository"
)

// memRepo — потокобезопасная реализация Repository в памяти с той же
// семантикой ограничений, что и у хранилища: недостаточность средств,
// защита терминальных статусов, единственность купона на тип.
type memRepo struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*model.Account
	byOwner map[string]int64
	entries []model.LedgerEntry
	usages  map[int64]*model.Usage
	coupons map[int64]*model.Coupon
}

func newMemRepo() *memRepo {
	return &memRepo{
		byID:    make(map[int64]*model.Account),
		byOwner: make(map[string]int64),
		usages:  make(map[int64]*model.Usage),
		coupons: make(map[int64]*model.Coupon),
	}
}

func ownerKey(memberID int64, kind model.CurrencyKind) string {
	return fmt.Sprintf("%d/%s", memberID, kind)
}

func (m *memRepo) Close() error { return nil }

func (m *memRepo) getOrCreateLocked(memberID int64, kind model.CurrencyKind) *model.Account {
	if id, ok := m.byOwner[ownerKey(memberID, kind)]; ok {
		return m.byID[id]
	}
	m.nextID++
	acc := &model.Account{ID: m.nextID, MemberID: memberID, Kind: kind, CreatedAt: time.Now()}
	m.byID[acc.ID] = acc
	m.byOwner[ownerKey(memberID, kind)] = acc.ID
	return acc
}

func (m *memRepo) GetOrCreateAccount(ctx context.Context, memberID int64, kind model.CurrencyKind) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := *m.getOrCreateLocked(memberID, kind)
	return &acc, nil
}

func (m *memRepo) GetAccount(ctx context.Context, memberID int64, kind model.CurrencyKind) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOwner[ownerKey(memberID, kind)]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	acc := *m.byID[id]
	return &acc, nil
}

func (m *memRepo) GetBalances(ctx context.Context, memberID int64) (*model.Balances, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &model.Balances{}
	if id, ok := m.byOwner[ownerKey(memberID, model.KindToken)]; ok {
		b.Tokens = m.byID[id].Balance
	}
	if id, ok := m.byOwner[ownerKey(memberID, model.KindRoadmapTicket)]; ok {
		b.RoadmapTickets = m.byID[id].Balance
	}
	if id, ok := m.byOwner[ownerKey(memberID, model.KindWorksheetTicket)]; ok {
		b.WorksheetTickets = m.byID[id].Balance
	}
	return b, nil
}

func (m *memRepo) creditLocked(accountID int64, kind model.EntryKind, amount int64, sourceRef *string, description, actor string) (int64, error) {
	acc, ok := m.byID[accountID]
	if !ok {
		return 0, repository.ErrAccountNotFound
	}
	acc.Balance += amount
	acc.Version++
	m.appendEntryLocked(accountID, kind, amount, acc.Balance, sourceRef, description, actor)
	return acc.Balance, nil
}

func (m *memRepo) debitLocked(accountID int64, kind model.EntryKind, amount int64, sourceRef *string, description, actor string) (int64, error) {
	acc, ok := m.byID[accountID]
	if !ok {
		return 0, repository.ErrAccountNotFound
	}
	if acc.Balance < amount {
		return 0, repository.ErrInsufficientBalance
	}
	acc.Balance -= amount
	acc.Version++
	m.appendEntryLocked(accountID, kind, amount, acc.Balance, sourceRef, description, actor)
	return acc.Balance, nil
}

func (m *memRepo) appendEntryLocked(accountID int64, kind model.EntryKind, amount, balanceAfter int64, sourceRef *string, description, actor string) {
	m.nextID++
	m.entries = append(m.entries, model.LedgerEntry{
		ID:           m.nextID,
		AccountID:    accountID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		SourceRef:    sourceRef,
		Description:  description,
		Actor:        actor,
		CreatedAt:    time.Now(),
	})
}

func (m *memRepo) CreditAccount(ctx context.Context, accountID int64, entryKind model.EntryKind, amount int64, sourceRef *string, description, actor string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(accountID, entryKind, amount, sourceRef, description, actor)
}

func (m *memRepo) DebitAccount(ctx context.Context, accountID int64, entryKind model.EntryKind, amount int64, sourceRef *string, description, actor string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debitLocked(accountID, entryKind, amount, sourceRef, description, actor)
}

func (m *memRepo) GetLedgerEntries(ctx context.Context, memberID int64, kind model.CurrencyKind, filter repository.LedgerFilter) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOwner[ownerKey(memberID, kind)]
	if !ok {
		return nil, nil
	}
	var out []model.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].AccountID == id {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *memRepo) CreateUsage(ctx context.Context, memberID, accountID int64, serviceRef string, cost int64) (*model.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	ref := fmt.Sprintf("usage:%d", id)
	if _, err := m.debitLocked(accountID, model.EntryUsage, cost, &ref, "debit for "+serviceRef, model.ActorSystem); err != nil {
		return nil, err
	}
	u := &model.Usage{
		ID:          id,
		MemberID:    memberID,
		AccountID:   accountID,
		ServiceRef:  serviceRef,
		CostDebited: cost,
		Status:      model.UsageStatusPending,
		CreatedAt:   time.Now(),
	}
	m.usages[id] = u
	copied := *u
	return &copied, nil
}

func (m *memRepo) GetUsage(ctx context.Context, usageID int64) (*model.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usages[usageID]
	if !ok {
		return nil, repository.ErrUsageNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memRepo) FinalizeUsageCompleted(ctx context.Context, usageID int64, actualCost *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usages[usageID]
	if !ok {
		return repository.ErrUsageNotFound
	}
	if u.Status != model.UsageStatusPending {
		return repository.ErrUsageAlreadyFinalized
	}
	now := time.Now()
	u.Status = model.UsageStatusCompleted
	u.ActualCost = actualCost
	u.FinalizedAt = &now
	return nil
}

func (m *memRepo) FinalizeUsageFailed(ctx context.Context, usageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usages[usageID]
	if !ok {
		return repository.ErrUsageNotFound
	}
	if u.Status != model.UsageStatusPending {
		return repository.ErrUsageAlreadyFinalized
	}
	ref := fmt.Sprintf("usage:%d", usageID)
	if _, err := m.creditLocked(u.AccountID, model.EntryRefund, u.CostDebited, &ref, "refund for failed usage", model.ActorSystem); err != nil {
		return err
	}
	now := time.Now()
	u.Status = model.UsageStatusFailed
	u.FinalizedAt = &now
	return nil
}

func (m *memRepo) GetPendingUsages(ctx context.Context, olderThan time.Time, limit int) ([]model.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Usage
	for _, u := range m.usages {
		if u.Status == model.UsageStatusPending && u.CreatedAt.Before(olderThan) {
			out = append(out, *u)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) CreateCoupons(ctx context.Context, couponType string, granted int64, expiresAt time.Time, codes []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, code := range codes {
		m.nextID++
		m.coupons[m.nextID] = &model.Coupon{
			ID:             m.nextID,
			Code:           code,
			Type:           couponType,
			BalanceGranted: granted,
			ExpiresAt:      expiresAt,
			CreatedAt:      time.Now(),
		}
	}
	return len(codes), nil
}

func (m *memRepo) IssueCouponTo(ctx context.Context, memberID int64, couponType string, granted int64, expiresAt time.Time, code string) (*model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.coupons {
		if c.MemberID != nil && *c.MemberID == memberID && c.Type == couponType {
			return nil, repository.ErrDuplicateCoupon
		}
	}
	m.nextID++
	c := &model.Coupon{
		ID:             m.nextID,
		Code:           code,
		Type:           couponType,
		BalanceGranted: granted,
		ExpiresAt:      expiresAt,
		MemberID:       &memberID,
		CreatedAt:      time.Now(),
	}
	m.coupons[c.ID] = c
	copied := *c
	return &copied, nil
}

func (m *memRepo) GetUnassignedCouponIDs(ctx context.Context, couponType string, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, c := range m.coupons {
		if c.MemberID == nil && c.Type == couponType {
			ids = append(ids, c.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memRepo) CountUnassignedCoupons(ctx context.Context, couponType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.coupons {
		if c.MemberID == nil && c.Type == couponType {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) ClaimCouponRow(ctx context.Context, couponID, memberID int64) (*model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[couponID]
	if !ok {
		return nil, repository.ErrCouponNotFound
	}
	if c.MemberID != nil {
		return nil, repository.ErrVersionConflict
	}
	for _, other := range m.coupons {
		if other.MemberID != nil && *other.MemberID == memberID && other.Type == c.Type {
			return nil, repository.ErrDuplicateCoupon
		}
	}
	c.MemberID = &memberID
	c.Version++
	copied := *c
	return &copied, nil
}

func (m *memRepo) GetMemberCoupon(ctx context.Context, memberID int64, couponType string) (*model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.coupons {
		if c.MemberID != nil && *c.MemberID == memberID && c.Type == couponType {
			copied := *c
			return &copied, nil
		}
	}
	return nil, repository.ErrCouponNotFound
}

func (m *memRepo) GetMemberCoupons(ctx context.Context, memberID int64) ([]model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Coupon
	for _, c := range m.coupons {
		if c.MemberID != nil && *c.MemberID == memberID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memRepo) RedeemCoupon(ctx context.Context, coupon *model.Coupon, accountID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[coupon.ID]
	if !ok {
		return 0, repository.ErrCouponNotFound
	}
	if c.UsedAt != nil || c.Version != coupon.Version {
		return 0, repository.ErrVersionConflict
	}
	ref := fmt.Sprintf("coupon:%d", c.ID)
	balance, err := m.creditLocked(accountID, model.EntryCharge, c.BalanceGranted, &ref, "coupon "+c.Code+" redeemed", model.ActorSystem)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	c.UsedAt = &now
	c.Version++
	return balance, nil
}

// replayLedger проигрывает журнал участника и сверяет знаковую сумму записей
// и цепочку BalanceAfter с текущим балансом.
func replayLedger(t *testing.T, repo *memRepo, memberID int64, kind model.CurrencyKind, wantBalance int64) {
	t.Helper()

	entries, err := repo.GetLedgerEntries(context.Background(), memberID, kind, repository.LedgerFilter{Limit: 1000})
	if err != nil {
		t.Fatalf("GetLedgerEntries error: %v", err)
	}

	var sum int64
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		sum += e.Kind.Sign() * e.Amount
		if e.BalanceAfter != sum {
			t.Fatalf("entry %d: BalanceAfter = %d, replay sum = %d", e.ID, e.BalanceAfter, sum)
		}
	}
	if sum != wantBalance {
		t.Fatalf("ledger replay = %d, balance = %d", sum, wantBalance)
	}
}

func TestConcurrentUsagesNeverOverspend(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil, 0)
	ctx := context.Background()

	const memberID = 1
	if _, err := svc.Charge(ctx, memberID, model.KindToken, 50, nil, ""); err != nil {
		t.Fatalf("Charge error: %v", err)
	}

	const workers = 20
	results := make(chan error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.RequestUsage(ctx, memberID, model.KindToken, fmt.Sprintf("worksheet:%d", n), 10)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, repository.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if ok != 5 || insufficient != 15 {
		t.Fatalf("ok = %d, insufficient = %d, want 5 and 15", ok, insufficient)
	}

	balances, err := svc.GetBalance(ctx, memberID)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if balances.Tokens != 0 {
		t.Fatalf("token balance = %d, want 0", balances.Tokens)
	}

	replayLedger(t, repo, memberID, model.KindToken, 0)
}

func TestFailedUsageRefundsExactlyOnce(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil, 0)
	ctx := context.Background()

	const memberID = 1
	if _, err := svc.Charge(ctx, memberID, model.KindToken, 100, nil, ""); err != nil {
		t.Fatalf("Charge error: %v", err)
	}

	usage, err := svc.RequestUsage(ctx, memberID, model.KindToken, "worksheet:1", 30)
	if err != nil {
		t.Fatalf("RequestUsage error: %v", err)
	}

	balances, _ := svc.GetBalance(ctx, memberID)
	if balances.Tokens != 70 {
		t.Fatalf("balance after debit = %d, want 70", balances.Tokens)
	}

	if err := svc.FinalizeFailed(ctx, usage.ID); err != nil {
		t.Fatalf("FinalizeFailed error: %v", err)
	}

	balances, _ = svc.GetBalance(ctx, memberID)
	if balances.Tokens != 100 {
		t.Fatalf("balance after refund = %d, want 100", balances.Tokens)
	}

	if err := svc.FinalizeFailed(ctx, usage.ID); !errors.Is(err, repository.ErrUsageAlreadyFinalized) {
		t.Fatalf("second finalize: expected ErrUsageAlreadyFinalized, got %v", err)
	}

	balances, _ = svc.GetBalance(ctx, memberID)
	if balances.Tokens != 100 {
		t.Fatalf("balance after repeated finalize = %d, want 100", balances.Tokens)
	}

	entries, err := repo.GetLedgerEntries(ctx, memberID, model.KindToken, repository.LedgerFilter{Limit: 100})
	if err != nil {
		t.Fatalf("GetLedgerEntries error: %v", err)
	}
	var refunds int
	for _, e := range entries {
		if e.Kind == model.EntryRefund {
			refunds++
			if e.BalanceAfter != 100 {
				t.Fatalf("refund BalanceAfter = %d, want 100", e.BalanceAfter)
			}
		}
		if e.Kind == model.EntryUsage && e.BalanceAfter != 70 {
			t.Fatalf("usage BalanceAfter = %d, want 70", e.BalanceAfter)
		}
	}
	if refunds != 1 {
		t.Fatalf("refund entries = %d, want 1", refunds)
	}

	replayLedger(t, repo, memberID, model.KindToken, 100)
}

func TestFinalizeCompletedThenFailedRejected(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil, 0)
	ctx := context.Background()

	const memberID = 1
	if _, err := svc.Charge(ctx, memberID, model.KindToken, 100, nil, ""); err != nil {
		t.Fatalf("Charge error: %v", err)
	}

	usage, err := svc.RequestUsage(ctx, memberID, model.KindToken, "roadmap:1", 30)
	if err != nil {
		t.Fatalf("RequestUsage error: %v", err)
	}

	if err := svc.FinalizeCompleted(ctx, usage.ID, nil); err != nil {
		t.Fatalf("FinalizeCompleted error: %v", err)
	}
	if err := svc.FinalizeFailed(ctx, usage.ID); !errors.Is(err, repository.ErrUsageAlreadyFinalized) {
		t.Fatalf("expected ErrUsageAlreadyFinalized, got %v", err)
	}

	balances, _ := svc.GetBalance(ctx, memberID)
	if balances.Tokens != 70 {
		t.Fatalf("balance = %d, want 70 (no refund after completion)", balances.Tokens)
	}
}

func TestCouponPoolAssignsEachCouponOnce(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil, 0)
	ctx := context.Background()

	const poolSize = 10
	const claimants = 15

	created, err := svc.AdminCreateCouponPool(ctx, "WELCOME", 100, time.Now().Add(time.Hour), poolSize)
	if err != nil {
		t.Fatalf("AdminCreateCouponPool error: %v", err)
	}
	if created != poolSize {
		t.Fatalf("created = %d, want %d", created, poolSize)
	}

	type claimResult struct {
		coupon *model.Coupon
		err    error
	}
	results := make(chan claimResult, claimants)

	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(memberID int64) {
			defer wg.Done()
			c, err := svc.ClaimCoupon(ctx, memberID, "WELCOME")
			results <- claimResult{coupon: c, err: err}
		}(int64(i + 1))
	}
	wg.Wait()
	close(results)

	won := make(map[int64]bool)
	var exhausted int
	for res := range results {
		switch {
		case res.err == nil:
			if won[res.coupon.ID] {
				t.Fatalf("coupon %d assigned twice", res.coupon.ID)
			}
			won[res.coupon.ID] = true
		case errors.Is(res.err, repository.ErrNoCouponAvailable):
			exhausted++
		default:
			t.Fatalf("unexpected claim error: %v", res.err)
		}
	}

	if len(won) != poolSize {
		t.Fatalf("claimed coupons = %d, want %d", len(won), poolSize)
	}
	if exhausted != claimants-poolSize {
		t.Fatalf("exhausted claimants = %d, want %d", exhausted, claimants-poolSize)
	}
}

func TestRedeemCouponCreditsExactlyOnce(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil, 0)
	ctx := context.Background()

	const memberID = 1
	if _, err := svc.AdminIssueCoupon(ctx, memberID, "WELCOME", 100, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("AdminIssueCoupon error: %v", err)
	}

	balance, err := svc.RedeemCoupon(ctx, memberID, "WELCOME")
	if err != nil {
		t.Fatalf("RedeemCoupon error: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance after redeem = %d, want 100", balance)
	}

	if _, err := svc.RedeemCoupon(ctx, memberID, "WELCOME"); !errors.Is(err, repository.ErrAlreadyUsedCoupon) {
		t.Fatalf("second redeem: expected ErrAlreadyUsedCoupon, got %v", err)
	}

	balances, _ := svc.GetBalance(ctx, memberID)
	if balances.Tokens != 100 {
		t.Fatalf("balance after repeated redeem = %d, want 100", balances.Tokens)
	}

	replayLedger(t, repo, memberID, model.KindToken, 100)
}

func TestAdminIssueCoupon_DuplicateType(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil, 0)
	ctx := context.Background()

	if _, err := svc.AdminIssueCoupon(ctx, 1, "WELCOME", 100, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("AdminIssueCoupon error: %v", err)
	}
	if _, err := svc.AdminIssueCoupon(ctx, 1, "WELCOME", 100, time.Now().Add(time.Hour)); !errors.Is(err, repository.ErrDuplicateCoupon) {
		t.Fatalf("expected ErrDuplicateCoupon, got %v", err)
	}
	// Другой тип купона тому же участнику выдаётся свободно.
	if _, err := svc.AdminIssueCoupon(ctx, 1, "LOYALTY", 50, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("AdminIssueCoupon error: %v", err)
	}
}

func TestLedgerReplayAfterMixedOperations(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil, 0)
	ctx := context.Background()

	const memberID = 1

	if _, err := svc.Charge(ctx, memberID, model.KindToken, 200, nil, "payment"); err != nil {
		t.Fatalf("Charge error: %v", err)
	}
	usage, err := svc.RequestUsage(ctx, memberID, model.KindToken, "worksheet:1", 40)
	if err != nil {
		t.Fatalf("RequestUsage error: %v", err)
	}
	if err := svc.FinalizeFailed(ctx, usage.ID); err != nil {
		t.Fatalf("FinalizeFailed error: %v", err)
	}
	if _, err := svc.AdminAdjustBalance(ctx, memberID, model.KindToken, 30, "bonus"); err != nil {
		t.Fatalf("AdminAdjustBalance error: %v", err)
	}
	if _, err := svc.AdminAdjustBalance(ctx, memberID, model.KindToken, -80, "correction"); err != nil {
		t.Fatalf("AdminAdjustBalance error: %v", err)
	}

	// 200 - 40 + 40 + 30 - 80 = 150.
	balances, err := svc.GetBalance(ctx, memberID)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if balances.Tokens != 150 {
		t.Fatalf("balance = %d, want 150", balances.Tokens)
	}

	replayLedger(t, repo, memberID, model.KindToken, 150)
}

func TestTicketBalancesAreIndependent(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil, 0)
	ctx := context.Background()

	const memberID = 1

	if _, err := svc.Charge(ctx, memberID, model.KindRoadmapTicket, 2, nil, ""); err != nil {
		t.Fatalf("Charge error: %v", err)
	}
	if _, err := svc.Charge(ctx, memberID, model.KindWorksheetTicket, 1, nil, ""); err != nil {
		t.Fatalf("Charge error: %v", err)
	}

	if _, err := svc.RequestUsage(ctx, memberID, model.KindRoadmapTicket, "roadmap:1", 1); err != nil {
		t.Fatalf("RequestUsage error: %v", err)
	}

	balances, err := svc.GetBalance(ctx, memberID)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if balances.RoadmapTickets != 1 {
		t.Fatalf("roadmap tickets = %d, want 1", balances.RoadmapTickets)
	}
	if balances.WorksheetTickets != 1 {
		t.Fatalf("worksheet tickets = %d, want 1", balances.WorksheetTickets)
	}
	if balances.Tokens != 0 {
		t.Fatalf("tokens = %d, want 0", balances.Tokens)
	}

	// Билетного баланса не хватает на второе списание после исчерпания.
	if _, err := svc.RequestUsage(ctx, memberID, model.KindWorksheetTicket, "worksheet:2", 1); err != nil {
		t.Fatalf("RequestUsage error: %v", err)
	}
	if _, err := svc.RequestUsage(ctx, memberID, model.KindWorksheetTicket, "worksheet:3", 1); !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}
