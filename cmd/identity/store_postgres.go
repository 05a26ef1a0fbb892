package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"stayhi/cmd/identity/ids"
	"stayhi/cmd/internal/invite"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "stayhi"

// PostgresStore implements the gateway over PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Schema/table identifiers are quoted with pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "stayhi").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// InTx runs fn inside a READ COMMITTED read-write transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx, schema: s.schema}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindActiveMemberByEmail runs the lookup in its own transaction.
func (s *PostgresStore) FindActiveMemberByEmail(ctx context.Context, email string) (Member, error) {
	var out Member
	err := s.InTx(ctx, func(tx Tx) error {
		m, err := tx.FindActiveMemberByEmail(ctx, email)
		out = m
		return err
	})
	return out, err
}

// InsertAudit appends an audit_log row.
func (s *PostgresStore) InsertAudit(ctx context.Context, ev AuditEvent) error {
	const op = "identity.InsertAudit"

	ev.Action = strings.TrimSpace(ev.Action)
	if ev.Action == "" {
		return invalid(op, "action is required")
	}
	at := utcNow(ev.At)
	id, err := ids.NewULID(at)
	if err != nil {
		return err
	}
	meta, err := auditMeta(ev.Meta)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "audit_log")+` (
		     id, action, user_id, ip, user_agent, meta, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		id, ev.Action, ev.UserID, trimOrNil(ev.IP), trimOrNil(ev.UserAgent), meta, at,
	)
	return err
}

// CreateInvite inserts a new invitation code. invite.ErrConflict when the code exists.
func (s *PostgresStore) CreateInvite(ctx context.Context, in invite.CreateRecord) (invite.Code, error) {
	const op = "identity.CreateInvite"

	code := invite.NormalizeCode(in.Code)
	if code == "" {
		return invite.Code{}, invalid(op, "code is required")
	}
	createdAt := utcNow(in.CreatedAt)

	var out invite.Code
	err := scanInvite(s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "invitation_codes")+` (
		     code, is_active, expires_at, max_uses, uses_count, created_at
		   ) VALUES ($1, true, $2, $3, 0, $4)
		RETURNING `+inviteColumns,
		code, in.ExpiresAt, in.MaxUses, createdAt,
	), &out)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return invite.Code{}, OpError{Op: op, Kind: invite.ErrConflict, Msg: "code"}
		}
		return invite.Code{}, err
	}
	return out, nil
}

// GetInvite returns a code regardless of its state.
func (s *PostgresStore) GetInvite(ctx context.Context, code string) (invite.Code, error) {
	const op = "identity.GetInvite"

	var out invite.Code
	err := scanInvite(s.pool.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM `+pgIdent(s.schema, "invitation_codes")+` WHERE code = $1`,
		invite.NormalizeCode(code),
	), &out)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return invite.Code{}, notFound(op, "invite")
		}
		return invite.Code{}, err
	}
	return out, nil
}

// DeactivateExpiredInvites turns off every active code whose expiry is at or before now.
func (s *PostgresStore) DeactivateExpiredInvites(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "invitation_codes")+`
		    SET is_active = false
		  WHERE is_active
		    AND expires_at IS NOT NULL
		    AND expires_at <= $1`,
		utcNow(now),
	)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// Migrate creates the schema and tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchemaSQL(s.schema))
	return err
}

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op: the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	tx     pgx.Tx
	schema string
}

const inviteColumns = `code, is_active, expires_at, max_uses, uses_count, last_used_at, last_used_by, created_at`

const inviteActivePredicate = `is_active
		    AND (expires_at IS NULL OR expires_at > $2)
		    AND (max_uses IS NULL OR uses_count < max_uses)`

func (t *pgTx) FindActiveInvite(ctx context.Context, code string, now time.Time) (invite.Code, error) {
	const op = "identity.FindActiveInvite"

	code = invite.NormalizeCode(code)
	if code == "" {
		return invite.Code{}, invalid(op, "code is required")
	}

	var out invite.Code
	err := scanInvite(t.tx.QueryRow(ctx,
		`SELECT `+inviteColumns+`
		   FROM `+pgIdent(t.schema, "invitation_codes")+`
		  WHERE code = $1
		    AND `+inviteActivePredicate+`
		    FOR UPDATE`,
		code, utcNow(now),
	), &out)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return invite.Code{}, notFound(op, "invite")
		}
		return invite.Code{}, err
	}
	return out, nil
}

func (t *pgTx) UpsertUserByEmail(ctx context.Context, email string, now time.Time) (User, error) {
	const op = "identity.UpsertUserByEmail"

	email, err := checkEmail(op, email)
	if err != nil {
		return User{}, err
	}
	users := pgIdent(t.schema, "users")

	var u User
	err = t.tx.QueryRow(ctx,
		`INSERT INTO `+users+` (id, email, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO NOTHING
		 RETURNING id, email, created_at`,
		ids.NewUserID(), email, utcNow(now),
	).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, err
	}

	// Conflict: the user exists (possibly committed by a concurrent redemption just now).
	err = t.tx.QueryRow(ctx,
		`SELECT id, email, created_at FROM `+users+` WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, notFound(op, "user")
		}
		return User{}, err
	}
	return u, nil
}

func (t *pgTx) UpsertMembership(ctx context.Context, in MembershipInput) (Membership, error) {
	const op = "identity.UpsertMembership"

	if err := checkMembershipInput(op, in); err != nil {
		return Membership{}, err
	}
	now := utcNow(in.Now)
	id, err := ids.NewULID(now)
	if err != nil {
		return Membership{}, err
	}

	var m Membership
	var tier, status string
	err = t.tx.QueryRow(ctx,
		`INSERT INTO `+pgIdent(t.schema, "user_memberships")+` AS m (
		     id, user_id, membership_tier, status, trial_days_remaining, created_at, last_updated
		   ) VALUES ($1, $2, $3, 'active', $4, $5, $5)
		 ON CONFLICT (user_id) DO UPDATE
		    SET membership_tier = EXCLUDED.membership_tier,
		        status = 'active',
		        trial_days_remaining = GREATEST(m.trial_days_remaining, EXCLUDED.trial_days_remaining),
		        last_updated = EXCLUDED.last_updated
		 RETURNING m.id, m.user_id, m.membership_tier, m.status, m.trial_days_remaining, m.created_at, m.last_updated`,
		id, in.UserID, string(in.Tier), in.TrialDays, now,
	).Scan(&m.ID, &m.UserID, &tier, &status, &m.TrialDaysRemaining, &m.CreatedAt, &m.LastUpdated)
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return Membership{}, notFound(op, "user")
		}
		return Membership{}, err
	}
	m.Tier = invite.Tier(tier)
	m.Status = Status(status)
	return m, nil
}

func (t *pgTx) RecordInviteUse(ctx context.Context, code, userID string, now time.Time) (invite.Code, error) {
	const op = "identity.RecordInviteUse"

	code = invite.NormalizeCode(code)
	if code == "" || strings.TrimSpace(userID) == "" {
		return invite.Code{}, invalid(op, "code and user id are required")
	}

	var out invite.Code
	err := scanInvite(t.tx.QueryRow(ctx,
		`UPDATE `+pgIdent(t.schema, "invitation_codes")+`
		    SET uses_count = uses_count + 1,
		        last_used_at = $2,
		        last_used_by = $3
		  WHERE code = $1
		    AND `+inviteActivePredicate+`
		RETURNING `+inviteColumns,
		code, utcNow(now), userID,
	), &out)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return invite.Code{}, notActive(op, "invite")
		}
		return invite.Code{}, err
	}
	return out, nil
}

func (t *pgTx) FindActiveMemberByEmail(ctx context.Context, email string) (Member, error) {
	const op = "identity.FindActiveMemberByEmail"

	email, err := checkEmail(op, email)
	if err != nil {
		return Member{}, err
	}

	var m Member
	var tier, status string
	err = t.tx.QueryRow(ctx,
		`SELECT u.id, u.email, u.created_at,
		        m.id, m.user_id, m.membership_tier, m.status, m.trial_days_remaining, m.created_at, m.last_updated
		   FROM `+pgIdent(t.schema, "users")+` u
		   JOIN `+pgIdent(t.schema, "user_memberships")+` m ON m.user_id = u.id
		  WHERE u.email = $1
		    AND m.status = 'active'`,
		email,
	).Scan(
		&m.User.ID, &m.User.Email, &m.User.CreatedAt,
		&m.Membership.ID, &m.Membership.UserID, &tier, &status,
		&m.Membership.TrialDaysRemaining, &m.Membership.CreatedAt, &m.Membership.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, notFound(op, "member")
		}
		return Member{}, err
	}
	m.Membership.Tier = invite.Tier(tier)
	m.Membership.Status = Status(status)
	return m, nil
}

func (t *pgTx) UpsertMagicLink(ctx context.Context, in MagicLinkInput) error {
	const op = "identity.UpsertMagicLink"

	if err := checkMagicLinkInput(op, in); err != nil {
		return err
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+pgIdent(t.schema, "magic_links")+` (
		     token_hash, user_id, expires_at, created_at, used_at
		   ) VALUES ($1, $2, $3, $4, NULL)
		 ON CONFLICT (user_id) DO UPDATE
		    SET token_hash = EXCLUDED.token_hash,
		        expires_at = EXCLUDED.expires_at,
		        created_at = EXCLUDED.created_at,
		        used_at = NULL`,
		in.TokenHash, in.UserID, in.ExpiresAt.UTC(), utcNow(in.Now),
	)
	if err != nil && pgIsForeignKeyViolation(err) {
		return notFound(op, "user")
	}
	return err
}

func (t *pgTx) ConsumeMagicLink(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	const op = "identity.ConsumeMagicLink"

	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return "", invalid(op, "token hash is required")
	}

	var userID string
	err := t.tx.QueryRow(ctx,
		`UPDATE `+pgIdent(t.schema, "magic_links")+`
		    SET used_at = $2
		  WHERE token_hash = $1
		    AND used_at IS NULL
		    AND expires_at > $2
		RETURNING user_id`,
		tokenHash, utcNow(now),
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", notActive(op, "magic link")
		}
		return "", err
	}
	return userID, nil
}

func scanInvite(row pgx.Row, out *invite.Code) error {
	return row.Scan(
		&out.Code,
		&out.IsActive,
		&out.ExpiresAt,
		&out.MaxUses,
		&out.UsesCount,
		&out.LastUsedAt,
		&out.LastUsedBy,
		&out.CreatedAt,
	)
}

func auditMeta(meta map[string]any) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func trimOrNil(s string) *string {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return &v
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
