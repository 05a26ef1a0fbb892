package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stayhi/cmd/identity"
	"stayhi/cmd/internal/invite"
	"stayhi/cmd/internal/notify"
)

// memStore is an in-memory identity.Store. Transactions are serialized and work on a copy
// that replaces the committed state only when fn succeeds.
type memStore struct {
	mu    sync.Mutex
	state memState
	seq   int

	// failOn makes the named Tx operation fail with errBoom.
	failOn string
	audits []identity.AuditEvent
}

type memLink struct {
	hash      string
	expiresAt time.Time
	usedAt    *time.Time
}

type memState struct {
	users       map[string]identity.User // by email
	memberships map[string]identity.Membership
	invites     map[string]invite.Code
	links       map[string]memLink // by user id
}

var errBoom = errors.New("boom")

func newMemStore() *memStore {
	return &memStore{state: memState{
		users:       map[string]identity.User{},
		memberships: map[string]identity.Membership{},
		invites:     map[string]invite.Code{},
		links:       map[string]memLink{},
	}}
}

func (s memState) clone() memState {
	out := memState{
		users:       make(map[string]identity.User, len(s.users)),
		memberships: make(map[string]identity.Membership, len(s.memberships)),
		invites:     make(map[string]invite.Code, len(s.invites)),
		links:       make(map[string]memLink, len(s.links)),
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.memberships {
		out.memberships[k] = v
	}
	for k, v := range s.invites {
		out.invites[k] = v
	}
	for k, v := range s.links {
		out.links[k] = v
	}
	return out
}

func (s *memStore) addInvite(code string, maxUses *int, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code = invite.NormalizeCode(code)
	s.state.invites[code] = invite.Code{Code: code, IsActive: true, MaxUses: maxUses, ExpiresAt: expiresAt}
}

func (s *memStore) invite(code string) invite.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.invites[invite.NormalizeCode(code)]
}

func (s *memStore) userCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.users)
}

func (s *memStore) membership(email string) (identity.Membership, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.users[identity.NormalizeEmail(email)]
	if !ok {
		return identity.Membership{}, false
	}
	m, ok := s.state.memberships[u.ID]
	return m, ok
}

func (s *memStore) linkHash(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.links[userID].hash
}

func (s *memStore) InTx(ctx context.Context, fn func(tx identity.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *memStore) FindActiveMemberByEmail(ctx context.Context, email string) (identity.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s, state: s.state}
	return tx.FindActiveMemberByEmail(ctx, email)
}

func (s *memStore) InsertAudit(_ context.Context, ev identity.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, ev)
	return nil
}

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

type memTx struct {
	store *memStore
	state memState
}

func (t *memTx) fail(op string) error {
	if t.store.failOn == op {
		return errBoom
	}
	return nil
}

func (t *memTx) FindActiveInvite(_ context.Context, code string, now time.Time) (invite.Code, error) {
	if err := t.fail("FindActiveInvite"); err != nil {
		return invite.Code{}, err
	}
	c, ok := t.state.invites[invite.NormalizeCode(code)]
	if !ok || !c.ActiveAt(now) {
		return invite.Code{}, identity.OpError{Op: "mem.FindActiveInvite", Kind: identity.ErrNotFound}
	}
	return c, nil
}

func (t *memTx) UpsertUserByEmail(_ context.Context, email string, now time.Time) (identity.User, error) {
	if err := t.fail("UpsertUserByEmail"); err != nil {
		return identity.User{}, err
	}
	email = identity.NormalizeEmail(email)
	if u, ok := t.state.users[email]; ok {
		return u, nil
	}
	t.store.seq++
	u := identity.User{ID: fmt.Sprintf("user-%d", t.store.seq), Email: email, CreatedAt: now}
	t.state.users[email] = u
	return u, nil
}

func (t *memTx) UpsertMembership(_ context.Context, in identity.MembershipInput) (identity.Membership, error) {
	if err := t.fail("UpsertMembership"); err != nil {
		return identity.Membership{}, err
	}
	m, ok := t.state.memberships[in.UserID]
	if !ok {
		m = identity.Membership{ID: "m-" + in.UserID, UserID: in.UserID, CreatedAt: in.Now}
	}
	m.Tier = in.Tier
	m.Status = identity.StatusActive
	if in.TrialDays > m.TrialDaysRemaining {
		m.TrialDaysRemaining = in.TrialDays
	}
	m.LastUpdated = in.Now
	t.state.memberships[in.UserID] = m
	return m, nil
}

func (t *memTx) RecordInviteUse(_ context.Context, code, userID string, now time.Time) (invite.Code, error) {
	if err := t.fail("RecordInviteUse"); err != nil {
		return invite.Code{}, err
	}
	code = invite.NormalizeCode(code)
	c, ok := t.state.invites[code]
	if !ok || !c.ActiveAt(now) {
		return invite.Code{}, identity.OpError{Op: "mem.RecordInviteUse", Kind: identity.ErrNotActive}
	}
	c.UsesCount++
	c.LastUsedAt = &now
	c.LastUsedBy = &userID
	t.state.invites[code] = c
	return c, nil
}

func (t *memTx) FindActiveMemberByEmail(_ context.Context, email string) (identity.Member, error) {
	u, ok := t.state.users[identity.NormalizeEmail(email)]
	if !ok {
		return identity.Member{}, identity.OpError{Op: "mem.FindActiveMemberByEmail", Kind: identity.ErrNotFound}
	}
	m, ok := t.state.memberships[u.ID]
	if !ok || m.Status != identity.StatusActive {
		return identity.Member{}, identity.OpError{Op: "mem.FindActiveMemberByEmail", Kind: identity.ErrNotFound}
	}
	return identity.Member{User: u, Membership: m}, nil
}

func (t *memTx) UpsertMagicLink(_ context.Context, in identity.MagicLinkInput) error {
	if err := t.fail("UpsertMagicLink"); err != nil {
		return err
	}
	t.state.links[in.UserID] = memLink{hash: in.TokenHash, expiresAt: in.ExpiresAt}
	return nil
}

func (t *memTx) ConsumeMagicLink(_ context.Context, tokenHash string, now time.Time) (string, error) {
	if err := t.fail("ConsumeMagicLink"); err != nil {
		return "", err
	}
	for userID, l := range t.state.links {
		if l.hash != tokenHash {
			continue
		}
		if l.usedAt != nil || !now.Before(l.expiresAt) {
			break
		}
		l.usedAt = &now
		t.state.links[userID] = l
		return userID, nil
	}
	return "", identity.OpError{Op: "mem.ConsumeMagicLink", Kind: identity.ErrNotActive}
}

// senderStub records every mail.
type senderStub struct {
	mu    sync.Mutex
	mails []string
	err   error
}

func (s *senderStub) SendMagicLink(_ context.Context, m notify.MagicLinkMail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.mails = append(s.mails, m.To+" "+m.Link)
	return nil
}

func (s *senderStub) last() (to, link string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mails) == 0 {
		return "", ""
	}
	to, link, _ = strings.Cut(s.mails[len(s.mails)-1], " ")
	return to, link
}
