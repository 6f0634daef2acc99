package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the generation and introspection routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(allowAnyOrigin)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"fauxweb"}`))
	})

	r.Get("/html", h.HandleHTML)
	r.Get("/image", h.HandleImage)
	r.Get("/video", h.HandleVideo)

	r.Get("/cost", h.HandleCost)
	r.Get("/cache", h.HandleCacheStats)
	r.Delete("/cache", h.HandleCacheClear)

	return r
}

// Generated pages load their assets cross-origin from the proxy.
func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}
