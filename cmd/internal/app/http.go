package app

import (
	"context"
	"net/http"
	"time"

	authapi "stayhi/cmd/internal/auth/api"
	"stayhi/cmd/internal/metrics"
	"stayhi/cmd/internal/web"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

const msgAPINotFound = "API endpoint not found"

type notFoundResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type routerDeps struct {
	log     Logger
	cfg     Config
	auth    *authapi.Handler
	site    *web.Site
	metrics *metrics.Metrics
	ready   func(ctx context.Context) error
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if d.cfg.API.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, d.log, d.metrics) })
	r.Use(middleware.Recoverer)
	r.Use(WithSecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return WithCORS(next, d.cfg, d.log) })

	fallback := fallbackHandler(d.site)
	r.NotFound(fallback)
	r.MethodNotAllowed(fallback)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.ready != nil {
			if err := d.ready(r.Context()); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	r.Method(http.MethodGet, "/metrics", d.metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.NotFound(fallback)
		api.MethodNotAllowed(fallback)
		api.Route("/auth", d.auth.Register)
	})

	r.Get("/assets/*", d.site.ServeAsset)
	r.Get("/", d.site.ServePage)
	r.Get("/auth", d.site.ServePage)

	return r
}

// fallbackHandler serves the sign-in page for unknown GET/HEAD paths and a JSON 404 otherwise.
func fallbackHandler(site *web.Site) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			site.ServePage(w, r)
			return
		}
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, notFoundResponse{Success: false, Message: msgAPINotFound})
	}
}

func storeReadiness(ping func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return ping(ctx)
	}
}
