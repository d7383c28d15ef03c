package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/louise36-g/MysticOracle-sub011/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса MysticOracle.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", custommiddleware.IdempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Get("/credits/packages", h.GetPackages)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/balance", h.GetBalance)
			r.Get("/credits/history", h.GetHistory)
			r.Post("/credits/checkout", h.Checkout)
			r.Post("/credits/verify", h.VerifyPurchase)

			r.Get("/readings", h.GetReadings)
			r.Delete("/", h.DeleteAccount)

			r.Group(func(r chi.Router) {
				r.Use(h.idempotency.Middleware)

				r.Post("/readings", h.CreateReading)
				r.Post("/readings/{id}/questions", h.AskFollowUp)
			})
		})
	})

	r.Post("/api/webhooks/payment", h.PaymentWebhook)
	r.Post("/api/admin/credits/adjust", h.AdminAdjust)

	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
