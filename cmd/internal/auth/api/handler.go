package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stayhi/cmd/identity"
	"stayhi/cmd/internal/auth/flow"
	"stayhi/cmd/internal/auth/session"
	"stayhi/cmd/internal/sl"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

const msgInvalidBody = "Invalid request body"

// Flow is the controller surface the handlers need.
type Flow interface {
	RedeemInvite(ctx context.Context, in flow.RedeemInput) (flow.Redemption, error)
	RequestSignIn(ctx context.Context, email string, meta flow.RequestMeta) (flow.SignInRequest, error)
	VerifyMagicLink(ctx context.Context, tok string, meta flow.RequestMeta) (flow.Verification, error)
	ValidateSession(tok string) (session.Claims, error)
}

// Auditor appends audit events.
type Auditor interface {
	InsertAudit(ctx context.Context, ev identity.AuditEvent) error
}

// Handler wires HTTP auth endpoints to the flow controller.
type Handler struct {
	log     *slog.Logger
	cfg     Config
	flow    Flow
	audit   Auditor
	limiter *windowLimiter
	now     func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithAuditor enables the audit log. Without it no events are recorded.
func WithAuditor(a Auditor) HandlerOption {
	return func(h *Handler) {
		if h == nil || a == nil {
			return
		}
		h.audit = a
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, f Flow, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if f == nil {
		return nil, errors.New("authapi: nil flow")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:  log.With(sl.Module("auth.api")),
		cfg:  cfg,
		flow: f,
		now:  time.Now,
	}
	if cfg.RateLimit > 0 {
		h.limiter = newWindowLimiter(cfg.RateLimit, cfg.RateLimitWindow)
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires auth routes onto r. Mount it under /api/auth.
func (h *Handler) Register(r chi.Router) {
	if h == nil || r == nil {
		return
	}
	r.Use(noStore)
	r.Post("/invite", h.rateLimited(h.handleInvite))
	r.Post("/email", h.rateLimited(h.handleEmail))
	r.Get("/verify/{token}", h.handleVerify)
	r.Get("/session", h.handleSession)
}

// ---- handlers ----

func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)

	var req inviteRequest
	if err := h.bind(w, r, &req); err != nil {
		logger.Info("auth.api.invite.bind.fail", sl.Err(err))
		h.writeStatus(w, r, http.StatusBadRequest, msgInvalidBody)
		return
	}

	meta := h.requestMeta(r)
	out, err := h.flow.RedeemInvite(r.Context(), flow.RedeemInput{
		Code:  req.Code,
		Email: req.Email,
		Meta:  meta,
	})
	if err != nil {
		h.writeFlowError(w, r, err, flow.MsgInviteServerError)
		return
	}

	h.auditInviteRedeemed(r.Context(), out, meta)

	render.JSON(w, r, inviteResponse{
		Success:        true,
		Message:        out.Message,
		UserID:         out.UserID,
		SessionToken:   out.Session.Value,
		MembershipTier: out.Tier.String(),
		TrialDays:      out.TrialDays,
	})
}

func (h *Handler) handleEmail(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)

	var req emailRequest
	if err := h.bind(w, r, &req); err != nil {
		logger.Info("auth.api.email.bind.fail", sl.Err(err))
		h.writeStatus(w, r, http.StatusBadRequest, msgInvalidBody)
		return
	}

	meta := h.requestMeta(r)
	out, err := h.flow.RequestSignIn(r.Context(), req.Email, meta)
	if err != nil {
		h.writeFlowError(w, r, err, flow.MsgSignInServerError)
		return
	}

	h.auditSignInRequested(r.Context(), out, meta)

	render.JSON(w, r, statusResponse{Success: true, Message: out.Message})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	if unescaped, err := url.PathUnescape(tok); err == nil {
		tok = unescaped
	}

	meta := h.requestMeta(r)
	out, err := h.flow.VerifyMagicLink(r.Context(), tok, meta)
	if err != nil {
		msg := flow.MessageOf(err, flow.MsgVerifyServerError)
		http.Redirect(w, r, withQuery(h.cfg.ErrorRedirect, "error", msg), http.StatusFound)
		return
	}

	h.auditVerified(r.Context(), out, meta)

	http.Redirect(w, r, withQuery(h.cfg.SuccessRedirect, "session", out.Session.Value), http.StatusFound)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	exp := claims.ExpiresAt.UTC()
	render.JSON(w, r, sessionResponse{
		Success:   true,
		UserID:    claims.UserID,
		ExpiresAt: &exp,
	})
}

// ---- helpers ----

func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request) (session.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, sessionResponse{Success: false, Message: flow.MsgInvalidSession})
		return session.Claims{}, false
	}
	claims, err := h.flow.ValidateSession(token)
	if err != nil {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, sessionResponse{Success: false, Message: flow.MessageOf(err, flow.MsgInvalidSession)})
		return session.Claims{}, false
	}
	return claims, true
}

// bind decodes the body as JSON whatever the Content-Type says, then validates it.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, v render.Binder) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return err
	}
	return v.Bind(r)
}

// statusFor maps a flow error kind to an HTTP status.
// Rejections are answered with 200 and success=false.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, flow.ErrInput):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrRejected):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeFlowError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	if !isClassified(err) {
		h.requestLogger(r).Error("auth.api.unclassified_error", sl.Err(err))
	}
	h.writeStatus(w, r, statusFor(err), flow.MessageOf(err, fallback))
}

func isClassified(err error) bool {
	var fe *flow.Error
	return errors.As(err, &fe)
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, statusResponse{Success: false, Message: msg})
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return h.log.With(slog.String("request_id", middleware.GetReqID(r.Context())))
}

func (h *Handler) requestMeta(r *http.Request) flow.RequestMeta {
	meta := flow.RequestMeta{UserAgent: strings.TrimSpace(r.UserAgent())}
	if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
		meta.IP = ip.String()
	}
	return meta
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// withQuery sets key=value on the query of base. base is validated at config time.
func withQuery(base, key, value string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return net.ParseIP(strings.TrimSpace(r.RemoteAddr))
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for _, p := range parts {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
