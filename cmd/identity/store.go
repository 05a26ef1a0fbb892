package identity

import (
	"context"
	"strings"
	"time"

	"stayhi/cmd/internal/invite"
)

// User is the identity record. Email is stored normalized.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Status is a membership status.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Membership is the single membership row of a user.
type Membership struct {
	ID                 string
	UserID             string
	Tier               invite.Tier
	Status             Status
	TrialDaysRemaining int
	CreatedAt          time.Time
	LastUpdated        time.Time
}

// Member is a user joined with an active membership.
type Member struct {
	User       User
	Membership Membership
}

// MembershipInput describes a membership upsert.
// Tier always overwrites; TrialDays only raises the stored value.
type MembershipInput struct {
	UserID    string
	Tier      invite.Tier
	TrialDays int
	Now       time.Time
}

// MagicLinkInput replaces the magic link of a user.
// TokenHash is the storage hash of the emailed token, never the token itself.
type MagicLinkInput struct {
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Now       time.Time
}

// AuditEvent is an append-only audit_log entry.
type AuditEvent struct {
	Action    string
	UserID    *string
	IP        string
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// Tx is the set of gateway operations available inside one transaction.
type Tx interface {
	// FindActiveInvite returns the code if it is active, unexpired and under its cap at now.
	// Postgres locks the row for the rest of the transaction.
	FindActiveInvite(ctx context.Context, code string, now time.Time) (invite.Code, error)
	// UpsertUserByEmail returns the existing user or creates one.
	UpsertUserByEmail(ctx context.Context, email string, now time.Time) (User, error)
	UpsertMembership(ctx context.Context, in MembershipInput) (Membership, error)
	// RecordInviteUse increments uses_count under the same validity predicate as
	// FindActiveInvite; ErrNotActive when no row qualified.
	RecordInviteUse(ctx context.Context, code, userID string, now time.Time) (invite.Code, error)
	FindActiveMemberByEmail(ctx context.Context, email string) (Member, error)
	// UpsertMagicLink replaces any link of the user, used or not.
	UpsertMagicLink(ctx context.Context, in MagicLinkInput) error
	// ConsumeMagicLink marks the link used and returns its user id.
	// ErrNotActive when unknown, expired or already used; nothing is written in that case.
	ConsumeMagicLink(ctx context.Context, tokenHash string, now time.Time) (string, error)
}

// Store is the persistence gateway.
type Store interface {
	// InTx runs fn in one transaction: committed when fn returns nil, rolled back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	FindActiveMemberByEmail(ctx context.Context, email string) (Member, error)
	InsertAudit(ctx context.Context, ev AuditEvent) error
	Ping(ctx context.Context) error
	Close() error
}

// AdminStore is implemented by both stores for the admin CLI.
type AdminStore interface {
	Store
	invite.Store
	GetInvite(ctx context.Context, code string) (invite.Code, error)
	Migrate(ctx context.Context) error
}

var (
	_ AdminStore = (*PostgresStore)(nil)
	_ AdminStore = (*SQLiteStore)(nil)
)

func checkEmail(op, email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", invalid(op, "email is required")
	}
	return email, nil
}

func checkMembershipInput(op string, in MembershipInput) error {
	if strings.TrimSpace(in.UserID) == "" {
		return invalid(op, "user id is required")
	}
	if !in.Tier.Valid() {
		return invalid(op, "unknown tier")
	}
	if in.TrialDays < 0 {
		return invalid(op, "trial days must be >= 0")
	}
	return nil
}

func checkMagicLinkInput(op string, in MagicLinkInput) error {
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.TokenHash) == "" {
		return invalid(op, "user id and token hash are required")
	}
	if in.ExpiresAt.IsZero() {
		return invalid(op, "expiry is required")
	}
	return nil
}

func utcNow(now time.Time) time.Time {
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC()
}
