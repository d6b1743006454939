package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/statreport-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса статистической отчётности.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/reports", func(r chi.Router) {
		r.Post("/", h.CreateReport)
		r.Get("/", h.ListReports)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetReport)
			r.Put("/", h.UpdateReport)
			r.Delete("/", h.DeleteReport)
			r.Put("/document", h.AttachReportDocument)
		})
	})

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Post("/items", h.AddOrderItem)
			r.Patch("/status", h.UpdateOrderStatus)
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
