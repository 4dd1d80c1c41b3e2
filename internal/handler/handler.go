// Package handler содержит HTTP-обработчики API биллингового сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/balance-system/internal/middleware"
	"github.com/mmeshcher/balance-system/internal/model"
	"github.com/mmeshcher/balance-system/internal/repository"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetBalance(ctx context.Context, memberID int64) (*model.Balances, error)
	RequestUsage(ctx context.Context, memberID int64, kind model.CurrencyKind, serviceRef string, cost int64) (*model.Usage, error)
	GetUsage(ctx context.Context, usageID int64) (*model.Usage, error)
	FinalizeCompleted(ctx context.Context, usageID int64, actualCost *int64) error
	FinalizeFailed(ctx context.Context, usageID int64) error
	Reconcile(ctx context.Context) (int, error)
	ClaimCoupon(ctx context.Context, memberID int64, couponType string) (*model.Coupon, error)
	RedeemCoupon(ctx context.Context, memberID int64, couponType string) (int64, error)
	ListCoupons(ctx context.Context, memberID int64) ([]model.Coupon, error)
	AdminIssueCoupon(ctx context.Context, memberID int64, couponType string, granted int64, expiresAt time.Time) (*model.Coupon, error)
	AdminCreateCouponPool(ctx context.Context, couponType string, granted int64, expiresAt time.Time, count int) (int, error)
	AdminAdjustBalance(ctx context.Context, memberID int64, kind model.CurrencyKind, delta int64, description string) (int64, error)
	Charge(ctx context.Context, memberID int64, kind model.CurrencyKind, amount int64, sourceRef *string, description string) (int64, error)
	ListTransactions(ctx context.Context, memberID int64, kind model.CurrencyKind, page, perPage int, from, to *time.Time) ([]model.LedgerEntry, error)
}

// Handler реализует HTTP-обработчики API биллингового сервиса.
type Handler struct {
	service   Service
	logger    *zap.Logger
	adminAuth *middleware.AdminAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, adminAuth *middleware.AdminAuth) *Handler {
	return &Handler{
		service:   s,
		logger:    logger,
		adminAuth: adminAuth,
	}
}

// writeServiceError переводит ошибку бизнес-логики в HTTP-статус.
// Исчерпание бюджета повторов отдаётся как 503: это временное состояние,
// в отличие от постоянных отказов бизнес-правил.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, repository.ErrUsageNotFound),
		errors.Is(err, repository.ErrCouponNotFound),
		errors.Is(err, repository.ErrNoCouponAvailable):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrUsageAlreadyFinalized),
		errors.Is(err, repository.ErrAlreadyUsedCoupon),
		errors.Is(err, repository.ErrDuplicateCoupon):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrExpiredCoupon):
		http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)
	case errors.Is(err, repository.ErrLockAcquisitionFailed):
		w.Header().Set("Retry-After", "1")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	default:
		h.logger.Error("internal error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// GetBalance возвращает балансы участника по всем видам счетов.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balances, err := h.service.GetBalance(r.Context(), memberID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, balances)
}

type usageRequest struct {
	Kind       string `json:"kind"`
	ServiceRef string `json:"service_ref"`
	Cost       int64  `json:"cost"`
}

type usageResponse struct {
	ID          int64   `json:"id"`
	ServiceRef  string  `json:"service_ref"`
	CostDebited int64   `json:"cost_debited"`
	ActualCost  *int64  `json:"actual_cost,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	FinalizedAt *string `json:"finalized_at,omitempty"`
}

func toUsageResponse(u *model.Usage) usageResponse {
	resp := usageResponse{
		ID:          u.ID,
		ServiceRef:  u.ServiceRef,
		CostDebited: u.CostDebited,
		ActualCost:  u.ActualCost,
		Status:      string(u.Status),
		CreatedAt:   u.CreatedAt.Format(time.RFC3339),
	}
	if u.FinalizedAt != nil {
		v := u.FinalizedAt.Format(time.RFC3339)
		resp.FinalizedAt = &v
	}
	return resp
}

// RequestUsage списывает стоимость единицы внешней работы с баланса участника.
func (h *Handler) RequestUsage(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	kind := model.CurrencyKind(req.Kind)
	if !kind.IsValid() || req.ServiceRef == "" {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}
	if kind == model.KindToken && req.Cost <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	usage, err := h.service.RequestUsage(r.Context(), memberID, kind, req.ServiceRef, req.Cost)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toUsageResponse(usage)); err != nil {
		h.logger.Error("encode usage response", zap.Error(err))
	}
}

type transactionResponse struct {
	Kind         string  `json:"kind"`
	Amount       int64   `json:"amount"`
	BalanceAfter int64   `json:"balance_after"`
	SourceRef    *string `json:"source_ref,omitempty"`
	Description  string  `json:"description"`
	Actor        string  `json:"actor"`
	CreatedAt    string  `json:"created_at"`
}

// GetTransactions возвращает страницу журнала операций участника.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	q := r.URL.Query()

	kind := model.KindToken
	if v := q.Get("kind"); v != "" {
		kind = model.CurrencyKind(v)
		if !kind.IsValid() {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
	}

	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	var from, to *time.Time
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		from = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		to = &t
	}

	entries, err := h.service.ListTransactions(r.Context(), memberID, kind, page, perPage, from, to)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, transactionResponse{
			Kind:         string(e.Kind),
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			SourceRef:    e.SourceRef,
			Description:  e.Description,
			Actor:        e.Actor,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

type couponResponse struct {
	ID             int64   `json:"id"`
	Code           string  `json:"code"`
	Type           string  `json:"type"`
	BalanceGranted int64   `json:"balance_granted"`
	ExpiresAt      string  `json:"expires_at"`
	UsedAt         *string `json:"used_at,omitempty"`
}

func toCouponResponse(c *model.Coupon) couponResponse {
	resp := couponResponse{
		ID:             c.ID,
		Code:           c.Code,
		Type:           c.Type,
		BalanceGranted: c.BalanceGranted,
		ExpiresAt:      c.ExpiresAt.Format(time.RFC3339),
	}
	if c.UsedAt != nil {
		v := c.UsedAt.Format(time.RFC3339)
		resp.UsedAt = &v
	}
	return resp
}

// GetCoupons возвращает купоны участника.
func (h *Handler) GetCoupons(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	coupons, err := h.service.ListCoupons(r.Context(), memberID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if len(coupons) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]couponResponse, 0, len(coupons))
	for i := range coupons {
		resp = append(resp, toCouponResponse(&coupons[i]))
	}

	writeJSON(w, resp)
}

type couponTypeRequest struct {
	Type string `json:"type"`
}

// ClaimCoupon закрепляет за участником свободный купон из пула.
func (h *Handler) ClaimCoupon(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req couponTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	coupon, err := h.service.ClaimCoupon(r.Context(), memberID, req.Type)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toCouponResponse(coupon)); err != nil {
		h.logger.Error("encode coupon response", zap.Error(err))
	}
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// RedeemCoupon гасит купон участника и зачисляет номинал на токеновый счёт.
func (h *Handler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req couponTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.RedeemCoupon(r.Context(), memberID, req.Type)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, balanceResponse{Balance: balance})
}

type adminCouponRequest struct {
	MemberID       int64  `json:"member_id"`
	Type           string `json:"type"`
	BalanceGranted int64  `json:"balance_granted"`
	ExpiresAt      string `json:"expires_at"`
}

// AdminIssueCoupon выдаёт участнику купон напрямую.
func (h *Handler) AdminIssueCoupon(w http.ResponseWriter, r *http.Request) {
	var req adminCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil || req.MemberID <= 0 || req.Type == "" || req.BalanceGranted <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	coupon, err := h.service.AdminIssueCoupon(r.Context(), req.MemberID, req.Type, req.BalanceGranted, expiresAt)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toCouponResponse(coupon)); err != nil {
		h.logger.Error("encode coupon response", zap.Error(err))
	}
}

type adminPoolRequest struct {
	Type           string `json:"type"`
	BalanceGranted int64  `json:"balance_granted"`
	ExpiresAt      string `json:"expires_at"`
	Count          int    `json:"count"`
}

type adminPoolResponse struct {
	Created int `json:"created"`
}

// AdminCreateCouponPool создаёт партию свободных купонов.
func (h *Handler) AdminCreateCouponPool(w http.ResponseWriter, r *http.Request) {
	var req adminPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil || req.Type == "" || req.BalanceGranted <= 0 || req.Count <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	created, err := h.service.AdminCreateCouponPool(r.Context(), req.Type, req.BalanceGranted, expiresAt, req.Count)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(adminPoolResponse{Created: created}); err != nil {
		h.logger.Error("encode pool response", zap.Error(err))
	}
}

type adminAdjustRequest struct {
	MemberID    int64  `json:"member_id"`
	Kind        string `json:"kind"`
	Delta       int64  `json:"delta"`
	Description string `json:"description"`
}

// AdminAdjust изменяет баланс участника от имени администратора.
func (h *Handler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	var req adminAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	kind := model.CurrencyKind(req.Kind)
	if req.MemberID <= 0 || !kind.IsValid() || req.Delta == 0 || req.Description == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.AdminAdjustBalance(r.Context(), req.MemberID, kind, req.Delta, req.Description)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, balanceResponse{Balance: balance})
}

type adminChargeRequest struct {
	MemberID    int64   `json:"member_id"`
	Kind        string  `json:"kind"`
	Amount      int64   `json:"amount"`
	SourceRef   *string `json:"source_ref,omitempty"`
	Description string  `json:"description"`
}

// AdminCharge пополняет счёт участника по внешнему платежу.
func (h *Handler) AdminCharge(w http.ResponseWriter, r *http.Request) {
	var req adminChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	kind := model.CurrencyKind(req.Kind)
	if req.MemberID <= 0 || !kind.IsValid() || req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.Charge(r.Context(), req.MemberID, kind, req.Amount, req.SourceRef, req.Description)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, balanceResponse{Balance: balance})
}

type completeUsageRequest struct {
	ActualCost *int64 `json:"actual_cost,omitempty"`
}

// CompleteUsage переводит списание в COMPLETED.
func (h *Handler) CompleteUsage(w http.ResponseWriter, r *http.Request) {
	usageID, ok := pathID(r, "usageID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req completeUsageRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	if err := h.service.FinalizeCompleted(r.Context(), usageID, req.ActualCost); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// FailUsage переводит списание в FAILED с возвратом стоимости.
func (h *Handler) FailUsage(w http.ResponseWriter, r *http.Request) {
	usageID, ok := pathID(r, "usageID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.FinalizeFailed(r.Context(), usageID); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type reconcileResponse struct {
	Processed int `json:"processed"`
}

// RunReconciliation запускает один проход сверки вручную.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	processed, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, reconcileResponse{Processed: processed})
}
