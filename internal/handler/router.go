package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/balance-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware биллингового сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/members/{memberID}", func(r chi.Router) {
		r.Get("/balance", h.GetBalance)
		r.Post("/usages", h.RequestUsage)
		r.Get("/transactions", h.GetTransactions)

		r.Get("/coupons", h.GetCoupons)
		r.Post("/coupons/claim", h.ClaimCoupon)
		r.Post("/coupons/redeem", h.RedeemCoupon)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.adminAuth.Middleware)

		r.Post("/coupons", h.AdminIssueCoupon)
		r.Post("/coupons/pool", h.AdminCreateCouponPool)
		r.Post("/adjustments", h.AdminAdjust)
		r.Post("/charges", h.AdminCharge)

		r.Post("/usages/{usageID}/complete", h.CompleteUsage)
		r.Post("/usages/{usageID}/fail", h.FailUsage)
		r.Post("/reconcile", h.RunReconciliation)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
