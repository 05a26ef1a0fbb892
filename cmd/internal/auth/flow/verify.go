package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"stayhi/cmd/identity"
	"stayhi/cmd/internal/auth/session"
	"stayhi/cmd/internal/metrics"
	"stayhi/cmd/internal/sl"
)

// Verification is a consumed magic link.
type Verification struct {
	UserID  string
	Session session.Token
}

// VerifyMagicLink consumes the link for tok and issues a session token in the same
// transaction. A link verifies at most once, concurrent attempts included.
func (c *Controller) VerifyMagicLink(ctx context.Context, tok string, meta RequestMeta) (out Verification, err error) {
	const op = "flow.VerifyMagicLink"
	defer func() { c.observe(metrics.FlowVerify, err) }()

	tok = strings.TrimSpace(tok)
	if tok == "" || len(tok) > maxLinkTokenLen {
		return Verification{}, rejectedErr(op, MsgInvalidLink, nil)
	}

	txCtx, cancel := c.txContext(ctx)
	defer cancel()
	now := c.clock()

	err = c.store.InTx(txCtx, func(tx identity.Tx) error {
		userID, err := tx.ConsumeMagicLink(txCtx, c.links.Hash(tok), now)
		if err != nil {
			return err
		}
		issued, err := c.codec.Issue(userID, now)
		if err != nil {
			return err
		}
		out = Verification{UserID: userID, Session: issued}
		return nil
	})
	if err != nil {
		if identity.IsRejected(err) {
			c.log.Info("auth.verify.rejected", sl.Secret("link", tok), slog.String("ip", meta.IP))
			return Verification{}, rejectedErr(op, MsgInvalidLink, err)
		}
		c.log.Error("auth.verify.fail", sl.Err(err))
		return Verification{}, persistenceErr(op, MsgVerifyServerError, err)
	}

	c.log.Info("auth.verify.ok", slog.String("user_id", out.UserID))
	return out, nil
}

// ValidateSession checks a session token. Any failure is ErrRejected.
func (c *Controller) ValidateSession(tok string) (session.Claims, error) {
	const op = "flow.ValidateSession"

	claims, err := c.codec.Validate(tok, c.clock())
	if err != nil {
		if !errors.Is(err, session.ErrInvalidToken) {
			c.log.Error("auth.session.validate.fail", sl.Err(err))
		}
		return session.Claims{}, rejectedErr(op, MsgInvalidSession, session.ErrInvalidToken)
	}
	return claims, nil
}
