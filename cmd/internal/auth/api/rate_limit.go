package authapi

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	msgRateLimited = "Too many attempts. Please try again later."

	// maxLimiterKeys triggers a sweep of idle keys before the map grows further.
	maxLimiterKeys = 10_000
)

// windowLimiter is a per-key sliding-window limiter.
type windowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return &windowLimiter{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
	}
}

// allow records an event for key at now. When the key is over its limit nothing is
// recorded and retryAfter is the time until the oldest event leaves the window.
func (l *windowLimiter) allow(key string, now time.Time) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := now.Add(-l.window)
	events := pruneBefore(l.events[key], cut)
	if len(events) >= l.limit {
		l.events[key] = events
		return false, events[0].Sub(cut)
	}

	if _, known := l.events[key]; !known && len(l.events) >= maxLimiterKeys {
		l.sweep(cut)
	}
	l.events[key] = append(events, now)
	return true, 0
}

// sweep drops keys whose newest event is outside the window.
func (l *windowLimiter) sweep(cut time.Time) {
	for k, ev := range l.events {
		if len(ev) == 0 || !ev[len(ev)-1].After(cut) {
			delete(l.events, k)
		}
	}
}

func (l *windowLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func pruneBefore(events []time.Time, cut time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cut) {
		i++
	}
	return events[i:]
}

// rateLimited wraps next with the per-IP limiter. Requests without a resolvable IP share one bucket.
func (h *Handler) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := "unknown"
		if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
			key = ip.String()
		}

		ok, retryAfter := h.limiter.allow(key, h.now())
		if !ok {
			h.requestLogger(r).Warn("auth.api.rate_limited",
				slog.String("ip", key),
				slog.String("path", r.URL.Path),
				slog.Duration("retry_after", retryAfter),
			)
			h.writeRateLimited(w, r, retryAfter)
			return
		}
		next(w, r)
	}
}

func (h *Handler) writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := int64(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	h.writeStatus(w, r, http.StatusTooManyRequests, msgRateLimited)
}
