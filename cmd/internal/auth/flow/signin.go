package flow

import (
	"context"
	"log/slog"
	"time"

	"stayhi/cmd/identity"
	"stayhi/cmd/internal/metrics"
	"stayhi/cmd/internal/notify"
	"stayhi/cmd/internal/sl"
	"stayhi/cmd/security/token"
)

// SignInRequest is an accepted sign-in request.
type SignInRequest struct {
	UserID    string
	ExpiresAt time.Time
	Message   string
}

// RequestSignIn emails a fresh magic link to an active member, replacing any earlier link.
//
// The link is committed before the email is sent. When sending fails the caller gets
// ErrTransport and the committed link stays usable until it expires or is replaced.
func (c *Controller) RequestSignIn(ctx context.Context, email string, meta RequestMeta) (out SignInRequest, err error) {
	const op = "flow.RequestSignIn"
	defer func() { c.observe(metrics.FlowSignIn, err) }()

	email = identity.NormalizeEmail(email)
	if email == "" {
		return SignInRequest{}, inputErr(op, MsgEmailRequired)
	}
	if !c.validEmail(email) {
		return SignInRequest{}, inputErr(op, MsgInvalidEmail)
	}

	member, err := c.store.FindActiveMemberByEmail(ctx, email)
	if err != nil {
		if identity.IsRejected(err) {
			c.log.Info("auth.signin.no_member", sl.Email(email), slog.String("ip", meta.IP))
			return SignInRequest{}, rejectedErr(op, MsgNoMembership, err)
		}
		c.log.Error("auth.signin.lookup.fail", sl.Err(err))
		return SignInRequest{}, persistenceErr(op, MsgSignInServerError, err)
	}

	tok, err := token.NewOpaque(c.cfg.LinkTokenBytes)
	if err != nil {
		c.log.Error("auth.signin.token.fail", sl.Err(err))
		return SignInRequest{}, persistenceErr(op, MsgSignInServerError, err)
	}

	now := c.clock()
	expiresAt := now.Add(c.cfg.MagicLinkTTL)

	txCtx, cancel := c.txContext(ctx)
	defer cancel()
	err = c.store.InTx(txCtx, func(tx identity.Tx) error {
		return tx.UpsertMagicLink(txCtx, identity.MagicLinkInput{
			UserID:    member.User.ID,
			TokenHash: c.links.Hash(tok),
			ExpiresAt: expiresAt,
			Now:       now,
		})
	})
	if err != nil {
		c.log.Error("auth.signin.link.fail", sl.Err(err), slog.String("user_id", member.User.ID))
		return SignInRequest{}, persistenceErr(op, MsgSignInServerError, err)
	}

	err = c.sender.SendMagicLink(ctx, notify.MagicLinkMail{
		To:        member.User.Email,
		Link:      c.verifyLink(tok),
		ExpiresIn: c.cfg.MagicLinkTTL,
	})
	c.metrics.MailSent(err)
	if err != nil {
		c.log.Error("auth.signin.mail.fail", sl.Err(err), slog.String("user_id", member.User.ID))
		return SignInRequest{}, transportErr(op, MsgSendFailed, err)
	}

	c.log.Info("auth.signin.link_sent",
		slog.String("user_id", member.User.ID),
		sl.Secret("link", tok),
	)
	return SignInRequest{UserID: member.User.ID, ExpiresAt: expiresAt, Message: MsgLinkSent}, nil
}
