package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/valet-system/internal/middleware"
)

// SetupRouter настраивает маршрутизацию HTTP-запросов.
func SetupRouter(h *Handler, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger(logger))
	r.Use(middleware.GzipMiddleware)

	r.Route("/api", func(r chi.Router) {
		// Webhook и браузерный возврат приходят от шлюза без сессии сотрудника.
		r.Post("/payments/callback", h.GatewayWebhook)
		r.Get("/payments/return", h.GatewayReturn)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/vehicles", func(r chi.Router) {
				r.Post("/", h.RegisterVehicle)
				r.Get("/", h.ListVehicles)
				r.Get("/{id}", h.GetVehicle)
				r.Patch("/{id}", h.UpdateVehicle)
				r.Delete("/{id}", h.DeleteVehicle)
			})

			r.Post("/payments/initialize", h.InitializePayment)
			r.Get("/payments/verify/{txRef}", h.VerifyPayment)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
