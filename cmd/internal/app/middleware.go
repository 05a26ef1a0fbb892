package app

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stayhi/cmd/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// WithRequestLogging logs every request and records its latency.
// It must run inside the chi router so the matched route pattern is known.
func WithRequestLogging(next http.Handler, log *slog.Logger, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		route := routePattern(r)
		m.ObserveHTTP(r.Method, route, status, elapsed)

		level, result := requestLogMeta(status)
		log.LogAttrs(r.Context(), level, "http.request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("route", route),
			slog.Int("status", status),
			slog.String("status_class", statusClass(status)),
			slog.String("result", result),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("remote", r.RemoteAddr),
			slog.String("user_agent", r.UserAgent()),
		)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// requestLogMeta picks the log level and result label for a status code.
func requestLogMeta(status int) (slog.Level, string) {
	switch {
	case status >= 500:
		return slog.LevelError, "server_error"
	case status >= 400:
		return slog.LevelWarn, "client_error"
	case status >= 300:
		return slog.LevelInfo, "redirect"
	default:
		return slog.LevelInfo, "success"
	}
}

func statusClass(status int) string {
	return metrics.StatusClass(status)
}

// WithCORS answers preflight requests and sets CORS headers for allowed origins.
// Requests from other origins pass through without CORS headers; preflights from them get 403.
func WithCORS(next http.Handler, cfg Config, log *slog.Logger) http.Handler {
	origins := cfg.CORSAllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed, wildcard := originAllowed(origin, origins)

		h := w.Header()
		if allowed {
			if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if origin != "" && !allowed {
			log.Warn("http.cors.denied", slog.String("origin", origin))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		h.Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusOK)
	})
}

// originAllowed matches origin against the allow list.
// wildcard is true when "*" matched, in which case the origin is not echoed.
func originAllowed(origin string, allowList []string) (allowed, wildcard bool) {
	for _, a := range allowList {
		a = strings.TrimSpace(a)
		if a == "*" {
			return true, true
		}
		if origin == "" {
			continue
		}
		if strings.EqualFold(a, origin) {
			return true, false
		}
		if strings.HasSuffix(a, ":*") && portWildcardMatch(strings.TrimSuffix(a, ":*"), origin) {
			return true, false
		}
	}
	return false, false
}

func portWildcardMatch(base, origin string) bool {
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil || o.Port() == "" {
		return false
	}
	return strings.EqualFold(b.Scheme, o.Scheme) && strings.EqualFold(b.Hostname(), o.Hostname())
}

// WithSecurityHeaders sets conservative browser security headers on every response.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
