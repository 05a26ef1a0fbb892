package authapi

import (
	"context"
	"strings"
	"time"

	"stayhi/cmd/identity"
	"stayhi/cmd/internal/auth/flow"
	"stayhi/cmd/internal/sl"
)

const auditTimeout = 3 * time.Second

func (h *Handler) auditInviteRedeemed(ctx context.Context, out flow.Redemption, meta flow.RequestMeta) {
	h.insertAudit(ctx, "auth.invite.redeemed", &out.UserID, meta, map[string]any{
		"tier":       out.Tier.String(),
		"trial_days": out.TrialDays,
	})
}

func (h *Handler) auditSignInRequested(ctx context.Context, out flow.SignInRequest, meta flow.RequestMeta) {
	h.insertAudit(ctx, "auth.signin.requested", &out.UserID, meta, map[string]any{
		"link_expires_at": out.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) auditVerified(ctx context.Context, out flow.Verification, meta flow.RequestMeta) {
	h.insertAudit(ctx, "auth.verify.success", &out.UserID, meta, nil)
}

// insertAudit is best-effort: failures are logged and never reach the client.
func (h *Handler) insertAudit(ctx context.Context, action string, userID *string, meta flow.RequestMeta, extra map[string]any) {
	if h == nil || h.audit == nil {
		return
	}

	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	err := h.audit.InsertAudit(ctx, identity.AuditEvent{
		Action:    action,
		UserID:    userID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Meta:      extra,
		At:        h.now().UTC(),
	})
	if err != nil {
		h.log.Error("auth.audit.insert.fail", sl.Err(err), "action", action)
	}
}
