package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/sheetmarket-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/balance", h.GetBalance)
			r.Get("/balance/history", h.GetBalanceHistory)
			r.Post("/balance/topup", h.TopUp)
		})
	})

	r.Route("/api/orders", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/", h.CreateOrder)
		r.Get("/", h.GetOrders)
		r.Get("/{orderID}", h.GetOrder)
		r.Post("/{orderID}/cancel", h.CancelOrder)
		r.Post("/{orderID}/return", h.ClientReturn)
		r.Post("/{orderID}/items/{itemID}/download", h.RequestItemDownload)
	})

	r.Route("/api/custom-orders", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/", h.CreateCustomOrder)
		r.Get("/", h.GetCustomOrders)
		r.Get("/{customOrderID}", h.GetCustomOrder)
		r.Post("/{customOrderID}/messages", h.PostCustomMessage)
		r.Get("/{customOrderID}/messages", h.GetCustomMessages)
		r.Post("/{customOrderID}/download", h.RequestCustomDownload)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(h.authMiddleware.RequireAdmin)

		r.Post("/orders/{orderID}/confirm-deposit", h.ConfirmDeposit)
		r.Get("/orders/{orderID}/events", h.GetPaymentEvents)

		r.Post("/custom-orders/{customOrderID}/quote", h.QuoteCustomOrder)
		r.Post("/custom-orders/{customOrderID}/status", h.UpdateCustomOrderStatus)
		r.Post("/custom-orders/{customOrderID}/complete", h.CompleteCustomOrder)
	})

	// Серверные уведомления провайдеров приходят без cookie.
	r.Post("/api/webhooks/{provider}", h.Webhook)

	// Скачивание по одноразовой подписанной ссылке, без аутентификации.
	r.Get("/download/{token}", h.Download)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
