package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all optimizer routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/optimizer", func(r chi.Router) {
		r.Post("/optimize", h.HandleOptimize)
		r.Post("/backtest", h.HandleBacktest)
		r.Post("/weights/chart", h.HandleWeightsChart)

		r.Route("/frontier", func(r chi.Router) {
			r.Post("/", h.HandleFrontier)
			r.Post("/chart", h.HandleFrontierChart)
			r.Get("/stream", h.HandleFrontierStream)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.HandleListRuns)
			r.Get("/{id}", h.HandleGetRun)
		})
	})
}
