package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the ops API on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", h.Stats)
			r.Post("/invalidate", h.Invalidate)
			r.Get("/keys/{key}", h.GetKey)
			r.Put("/keys/{key}", h.PutKey)
			r.Delete("/keys/{key}", h.DeleteKey)
		})
		r.Route("/knowledge", func(r chi.Router) {
			r.Get("/search", h.Search)
			r.Post("/documents", h.Ingest)
			r.Get("/documents/{key}", h.GetDocument)
		})
	})
}
