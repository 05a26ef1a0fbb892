package identity

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"stayhi/cmd/identity/ids"
	"stayhi/cmd/internal/invite"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLiteStore implements the gateway over an embedded SQLite database through gorm.
//
// The database handle is limited to one open connection, so transactions are serialized
// in-process. The conditional UPDATEs below are still written exactly like the Postgres ones.
type SQLiteStore struct {
	db  *gorm.DB
	sql *sql.DB
}

type userRow struct {
	ID        string    `gorm:"type:varchar(36);primaryKey"`
	Email     string    `gorm:"type:varchar(320);uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (userRow) TableName() string { return "users" }

type membershipRow struct {
	ID                 string    `gorm:"type:varchar(26);primaryKey"`
	UserID             string    `gorm:"type:varchar(36);uniqueIndex;not null"`
	MembershipTier     string    `gorm:"type:varchar(16);not null"`
	Status             string    `gorm:"type:varchar(16);not null"`
	TrialDaysRemaining int       `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
	LastUpdated        time.Time `gorm:"not null"`
}

func (membershipRow) TableName() string { return "user_memberships" }

type inviteRow struct {
	Code       string `gorm:"type:varchar(128);primaryKey"`
	IsActive   bool   `gorm:"not null"`
	ExpiresAt  *time.Time
	MaxUses    *int
	UsesCount  int `gorm:"not null"`
	LastUsedAt *time.Time
	LastUsedBy *string   `gorm:"type:varchar(36)"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (inviteRow) TableName() string { return "invitation_codes" }

type magicLinkRow struct {
	UserID    string    `gorm:"type:varchar(36);primaryKey"`
	TokenHash string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UsedAt    *time.Time
}

func (magicLinkRow) TableName() string { return "magic_links" }

type auditRow struct {
	ID        string `gorm:"type:varchar(26);primaryKey"`
	Action    string `gorm:"not null"`
	UserID    *string
	IP        *string
	UserAgent *string
	Meta      *string
	CreatedAt time.Time `gorm:"not null;index"`
}

func (auditRow) TableName() string { return "audit_log" }

// NewSQLiteStore opens (creating if needed) the database at path and migrates it.
// path is a file name or a "file:" URI; connection pragmas are appended.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, invalid("identity.NewSQLiteStore", "path is required")
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	st := &SQLiteStore{db: db, sql: sqlDB}
	if err := st.Migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return st, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
}

// Migrate creates or updates the tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&userRow{},
		&membershipRow{},
		&inviteRow{},
		&magicLinkRow{},
		&auditRow{},
	)
}

// InTx runs fn inside a gorm transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

// FindActiveMemberByEmail runs the lookup in its own transaction.
func (s *SQLiteStore) FindActiveMemberByEmail(ctx context.Context, email string) (Member, error) {
	var out Member
	err := s.InTx(ctx, func(tx Tx) error {
		m, err := tx.FindActiveMemberByEmail(ctx, email)
		out = m
		return err
	})
	return out, err
}

// InsertAudit appends an audit_log row.
func (s *SQLiteStore) InsertAudit(ctx context.Context, ev AuditEvent) error {
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

	return s.db.WithContext(ctx).Create(&auditRow{
		ID:        id,
		Action:    ev.Action,
		UserID:    ev.UserID,
		IP:        trimOrNil(ev.IP),
		UserAgent: trimOrNil(ev.UserAgent),
		Meta:      meta,
		CreatedAt: at,
	}).Error
}

// CreateInvite inserts a new invitation code. invite.ErrConflict when the code exists.
func (s *SQLiteStore) CreateInvite(ctx context.Context, in invite.CreateRecord) (invite.Code, error) {
	const op = "identity.CreateInvite"

	code := invite.NormalizeCode(in.Code)
	if code == "" {
		return invite.Code{}, invalid(op, "code is required")
	}
	row := inviteRow{
		Code:      code,
		IsActive:  true,
		ExpiresAt: utcPtr(in.ExpiresAt),
		MaxUses:   in.MaxUses,
		CreatedAt: utcNow(in.CreatedAt),
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return invite.Code{}, res.Error
	}
	if res.RowsAffected == 0 {
		return invite.Code{}, OpError{Op: op, Kind: invite.ErrConflict, Msg: "code"}
	}
	return row.toCode(), nil
}

// GetInvite returns a code regardless of its state.
func (s *SQLiteStore) GetInvite(ctx context.Context, code string) (invite.Code, error) {
	var row inviteRow
	err := s.db.WithContext(ctx).Where("code = ?", invite.NormalizeCode(code)).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invite.Code{}, notFound("identity.GetInvite", "invite")
		}
		return invite.Code{}, err
	}
	return row.toCode(), nil
}

// DeactivateExpiredInvites turns off every active code whose expiry is at or before now.
func (s *SQLiteStore) DeactivateExpiredInvites(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&inviteRow{}).
		Where("is_active = ? AND expires_at IS NOT NULL AND expires_at <= ?", true, utcNow(now)).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.sql.PingContext(ctx)
}

// Close closes the database; the store owns it.
func (s *SQLiteStore) Close() error {
	return s.sql.Close()
}

// gormTx implements Tx over a gorm transaction handle.
type gormTx struct {
	db *gorm.DB
}

const sqliteInviteActive = "is_active = ? AND (expires_at IS NULL OR expires_at > ?) AND (max_uses IS NULL OR uses_count < max_uses)"

func (t *gormTx) FindActiveInvite(ctx context.Context, code string, now time.Time) (invite.Code, error) {
	const op = "identity.FindActiveInvite"

	code = invite.NormalizeCode(code)
	if code == "" {
		return invite.Code{}, invalid(op, "code is required")
	}

	var row inviteRow
	err := t.db.WithContext(ctx).
		Where("code = ?", code).
		Where(sqliteInviteActive, true, utcNow(now)).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invite.Code{}, notFound(op, "invite")
		}
		return invite.Code{}, err
	}
	return row.toCode(), nil
}

func (t *gormTx) UpsertUserByEmail(ctx context.Context, email string, now time.Time) (User, error) {
	const op = "identity.UpsertUserByEmail"

	email, err := checkEmail(op, email)
	if err != nil {
		return User{}, err
	}

	row := userRow{ID: ids.NewUserID(), Email: email, CreatedAt: utcNow(now)}
	err = t.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return User{}, err
	}

	var out userRow
	if err := t.db.WithContext(ctx).Where("email = ?", email).Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, notFound(op, "user")
		}
		return User{}, err
	}
	return User{ID: out.ID, Email: out.Email, CreatedAt: out.CreatedAt.UTC()}, nil
}

func (t *gormTx) UpsertMembership(ctx context.Context, in MembershipInput) (Membership, error) {
	const op = "identity.UpsertMembership"

	if err := checkMembershipInput(op, in); err != nil {
		return Membership{}, err
	}
	now := utcNow(in.Now)
	id, err := ids.NewULID(now)
	if err != nil {
		return Membership{}, err
	}

	row := membershipRow{
		ID:                 id,
		UserID:             in.UserID,
		MembershipTier:     string(in.Tier),
		Status:             string(StatusActive),
		TrialDaysRemaining: in.TrialDays,
		CreatedAt:          now,
		LastUpdated:        now,
	}
	err = t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "membership_tier"}, Value: string(in.Tier)},
				{Column: clause.Column{Name: "status"}, Value: string(StatusActive)},
				{Column: clause.Column{Name: "trial_days_remaining"}, Value: gorm.Expr("MAX(trial_days_remaining, excluded.trial_days_remaining)")},
				{Column: clause.Column{Name: "last_updated"}, Value: now},
			},
		}).
		Create(&row).Error
	if err != nil {
		return Membership{}, err
	}

	var out membershipRow
	if err := t.db.WithContext(ctx).Where("user_id = ?", in.UserID).Take(&out).Error; err != nil {
		return Membership{}, err
	}
	return out.toMembership(), nil
}

func (t *gormTx) RecordInviteUse(ctx context.Context, code, userID string, now time.Time) (invite.Code, error) {
	const op = "identity.RecordInviteUse"

	code = invite.NormalizeCode(code)
	if code == "" || strings.TrimSpace(userID) == "" {
		return invite.Code{}, invalid(op, "code and user id are required")
	}
	now = utcNow(now)

	res := t.db.WithContext(ctx).
		Model(&inviteRow{}).
		Where("code = ?", code).
		Where(sqliteInviteActive, true, now).
		Updates(map[string]any{
			"uses_count":   gorm.Expr("uses_count + 1"),
			"last_used_at": now,
			"last_used_by": userID,
		})
	if res.Error != nil {
		return invite.Code{}, res.Error
	}
	if res.RowsAffected != 1 {
		return invite.Code{}, notActive(op, "invite")
	}

	var row inviteRow
	if err := t.db.WithContext(ctx).Where("code = ?", code).Take(&row).Error; err != nil {
		return invite.Code{}, err
	}
	return row.toCode(), nil
}

func (t *gormTx) FindActiveMemberByEmail(ctx context.Context, email string) (Member, error) {
	const op = "identity.FindActiveMemberByEmail"

	email, err := checkEmail(op, email)
	if err != nil {
		return Member{}, err
	}

	var u userRow
	if err := t.db.WithContext(ctx).Where("email = ?", email).Take(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Member{}, notFound(op, "member")
		}
		return Member{}, err
	}
	var m membershipRow
	err = t.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", u.ID, string(StatusActive)).
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Member{}, notFound(op, "member")
		}
		return Member{}, err
	}
	return Member{
		User:       User{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt.UTC()},
		Membership: m.toMembership(),
	}, nil
}

func (t *gormTx) UpsertMagicLink(ctx context.Context, in MagicLinkInput) error {
	const op = "identity.UpsertMagicLink"

	if err := checkMagicLinkInput(op, in); err != nil {
		return err
	}

	row := magicLinkRow{
		UserID:    in.UserID,
		TokenHash: in.TokenHash,
		ExpiresAt: in.ExpiresAt.UTC(),
		CreatedAt: utcNow(in.Now),
	}
	return t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token_hash", "expires_at", "created_at", "used_at"}),
		}).
		Create(&row).Error
}

func (t *gormTx) ConsumeMagicLink(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	const op = "identity.ConsumeMagicLink"

	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return "", invalid(op, "token hash is required")
	}
	now = utcNow(now)

	var row magicLinkRow
	err := t.db.WithContext(ctx).
		Where("token_hash = ? AND used_at IS NULL AND expires_at > ?", tokenHash, now).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", notActive(op, "magic link")
		}
		return "", err
	}

	res := t.db.WithContext(ctx).
		Model(&magicLinkRow{}).
		Where("user_id = ? AND token_hash = ? AND used_at IS NULL", row.UserID, tokenHash).
		Update("used_at", now)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected != 1 {
		return "", notActive(op, "magic link")
	}
	return row.UserID, nil
}

func (r inviteRow) toCode() invite.Code {
	return invite.Code{
		Code:       r.Code,
		IsActive:   r.IsActive,
		ExpiresAt:  utcPtr(r.ExpiresAt),
		MaxUses:    r.MaxUses,
		UsesCount:  r.UsesCount,
		LastUsedAt: utcPtr(r.LastUsedAt),
		LastUsedBy: r.LastUsedBy,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

func (r membershipRow) toMembership() Membership {
	return Membership{
		ID:                 r.ID,
		UserID:             r.UserID,
		Tier:               invite.Tier(r.MembershipTier),
		Status:             Status(r.Status),
		TrialDaysRemaining: r.TrialDaysRemaining,
		CreatedAt:          r.CreatedAt.UTC(),
		LastUpdated:        r.LastUpdated.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
