package flow

import (
	"context"
	"log/slog"

	"stayhi/cmd/identity"
	"stayhi/cmd/internal/auth/session"
	"stayhi/cmd/internal/invite"
	"stayhi/cmd/internal/metrics"
	"stayhi/cmd/internal/sl"
)

type RedeemInput struct {
	Code  string
	Email string
	Meta  RequestMeta
}

// Redemption is a successful invite redemption.
type Redemption struct {
	UserID string
	Tier   invite.Tier
	// TrialDays is what the code grants; the stored membership may hold more.
	TrialDays int
	Session   session.Token
	Message   string
}

// RedeemInvite validates the code and, in one transaction, creates or reuses the user,
// upserts the membership, records the use and issues a session token.
// Nothing is written unless every step succeeds.
func (c *Controller) RedeemInvite(ctx context.Context, in RedeemInput) (out Redemption, err error) {
	const op = "flow.RedeemInvite"
	defer func() { c.observe(metrics.FlowInvite, err) }()

	code := invite.NormalizeCode(in.Code)
	email := identity.NormalizeEmail(in.Email)
	if code == "" || email == "" {
		return Redemption{}, inputErr(op, MsgCodeAndEmailRequired)
	}
	if !c.validEmail(email) {
		return Redemption{}, inputErr(op, MsgInvalidEmail)
	}

	txCtx, cancel := c.txContext(ctx)
	defer cancel()
	now := c.clock()

	err = c.store.InTx(txCtx, func(tx identity.Tx) error {
		ic, err := tx.FindActiveInvite(txCtx, code, now)
		if err != nil {
			return err
		}
		u, err := tx.UpsertUserByEmail(txCtx, email, now)
		if err != nil {
			return err
		}
		if _, err := tx.UpsertMembership(txCtx, identity.MembershipInput{
			UserID:    u.ID,
			Tier:      ic.Tier(),
			TrialDays: ic.TrialDays(),
			Now:       now,
		}); err != nil {
			return err
		}
		if _, err := tx.RecordInviteUse(txCtx, ic.Code, u.ID, now); err != nil {
			return err
		}
		tok, err := c.codec.Issue(u.ID, now)
		if err != nil {
			return err
		}

		out = Redemption{
			UserID:    u.ID,
			Tier:      ic.Tier(),
			TrialDays: ic.TrialDays(),
			Session:   tok,
			Message:   MsgWelcome,
		}
		return nil
	})
	if err != nil {
		if identity.IsRejected(err) {
			c.log.Info("auth.invite.redeem.rejected",
				slog.String("code", code),
				slog.String("ip", in.Meta.IP),
			)
			return Redemption{}, rejectedErr(op, MsgInvalidInvite, err)
		}
		c.log.Error("auth.invite.redeem.fail", sl.Err(err), slog.String("code", code))
		return Redemption{}, persistenceErr(op, MsgInviteServerError, err)
	}

	c.log.Info("auth.invite.redeem.ok",
		slog.String("user_id", out.UserID),
		slog.String("tier", out.Tier.String()),
		slog.Int("trial_days", out.TrialDays),
	)
	return out, nil
}
