package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/loyalty-engine/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка скидок.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/discounts", func(r chi.Router) {
			r.Post("/", h.IssueDiscount)
			r.Post("/expire", h.ExpireDiscounts)
			r.Get("/{code}/validate", h.ValidateDiscount)
			r.Post("/{code}/redeem", h.RedeemDiscount)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/{userID}/discounts", h.GetUserDiscounts)
			r.Get("/external/{externalID}", h.GetUserByExternalID)
		})

		r.Route("/audience", func(r chi.Router) {
			r.Post("/count", h.CountAudience)
			r.Post("/resolve", h.ResolveAudience)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
