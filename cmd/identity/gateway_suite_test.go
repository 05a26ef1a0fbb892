package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stayhi/cmd/internal/invite"
)

// The checks below run against every AdminStore implementation.

var suiteNow = time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func mustCreateInvite(t *testing.T, st AdminStore, code string, maxUses *int, expiresAt *time.Time) invite.Code {
	t.Helper()
	c, err := st.CreateInvite(context.Background(), invite.CreateRecord{
		Code:      code,
		MaxUses:   maxUses,
		ExpiresAt: expiresAt,
		CreatedAt: suiteNow.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create invite %q: %v", code, err)
	}
	return c
}

// redeem runs the full redemption sequence in one transaction.
func redeem(ctx context.Context, st Store, code, email string, now time.Time) (User, Membership, error) {
	var u User
	var m Membership
	err := st.InTx(ctx, func(tx Tx) error {
		c, err := tx.FindActiveInvite(ctx, code, now)
		if err != nil {
			return err
		}
		u, err = tx.UpsertUserByEmail(ctx, email, now)
		if err != nil {
			return err
		}
		m, err = tx.UpsertMembership(ctx, MembershipInput{
			UserID:    u.ID,
			Tier:      c.Tier(),
			TrialDays: c.TrialDays(),
			Now:       now,
		})
		if err != nil {
			return err
		}
		_, err = tx.RecordInviteUse(ctx, c.Code, u.ID, now)
		return err
	})
	return u, m, err
}

func exerciseRedeem(t *testing.T, st AdminStore) {
	t.Helper()
	ctx := context.Background()

	two := 2
	mustCreateInvite(t, st, "STAYHI-VIP-45D-AAAA", &two, nil)

	u, m, err := redeem(ctx, st, "stayhi-vip-45d-aaaa", " New@Example.com ", suiteNow)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if u.Email != "new@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	if m.Tier != invite.TierVIP || m.TrialDaysRemaining != 45 || m.Status != StatusActive || m.UserID != u.ID {
		t.Fatalf("unexpected membership: %+v", m)
	}

	c, err := st.GetInvite(ctx, "STAYHI-VIP-45D-AAAA")
	if err != nil {
		t.Fatalf("get invite: %v", err)
	}
	if c.UsesCount != 1 || c.LastUsedBy == nil || *c.LastUsedBy != u.ID || c.LastUsedAt == nil {
		t.Fatalf("use not recorded: %+v", c)
	}

	// Second redemption by the same email reuses the user.
	u2, _, err := redeem(ctx, st, "STAYHI-VIP-45D-AAAA", "new@example.com", suiteNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if u2.ID != u.ID {
		t.Fatalf("expected same user id, got %s vs %s", u2.ID, u.ID)
	}

	// Cap reached.
	_, _, err = redeem(ctx, st, "STAYHI-VIP-45D-AAAA", "third@example.com", suiteNow.Add(2*time.Minute))
	if !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound on exhausted code, got %v", err)
	}
	c, err = st.GetInvite(ctx, "STAYHI-VIP-45D-AAAA")
	if err != nil {
		t.Fatalf("get invite: %v", err)
	}
	if c.UsesCount != 2 {
		t.Fatalf("uses_count=%d want 2", c.UsesCount)
	}

	member, err := st.FindActiveMemberByEmail(ctx, "NEW@example.com")
	if err != nil {
		t.Fatalf("find member: %v", err)
	}
	if member.User.ID != u.ID || member.Membership.Tier != invite.TierVIP {
		t.Fatalf("unexpected member: %+v", member)
	}
	if _, err := st.FindActiveMemberByEmail(ctx, "third@example.com"); !IsNotFound(err) {
		t.Fatalf("rolled back user must not exist, got %v", err)
	}
}

func exerciseInviteValidity(t *testing.T, st AdminStore) {
	t.Helper()
	ctx := context.Background()

	past := suiteNow.Add(-time.Minute)
	future := suiteNow.Add(time.Hour)
	mustCreateInvite(t, st, "STAYHI-BETA-30D-EXPIRED", nil, &past)
	mustCreateInvite(t, st, "STAYHI-BETA-30D-LATER", nil, &future)
	mustCreateInvite(t, st, "STAYHI-BETA-30D-OFF", nil, nil)
	if _, err := st.DeactivateExpiredInvites(ctx, suiteNow); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	cases := []struct {
		code   string
		wantOK bool
	}{
		{code: "STAYHI-BETA-30D-EXPIRED", wantOK: false},
		{code: "STAYHI-BETA-30D-LATER", wantOK: true},
		{code: "STAYHI-BETA-30D-OFF", wantOK: true},
		{code: "STAYHI-BETA-30D-MISSING", wantOK: false},
	}
	for _, tc := range cases {
		err := st.InTx(ctx, func(tx Tx) error {
			_, err := tx.FindActiveInvite(ctx, tc.code, suiteNow)
			return err
		})
		if tc.wantOK && err != nil {
			t.Fatalf("%s: expected active, got %v", tc.code, err)
		}
		if !tc.wantOK && !IsNotFound(err) {
			t.Fatalf("%s: expected ErrNotFound, got %v", tc.code, err)
		}
	}

	expired, err := st.GetInvite(ctx, "STAYHI-BETA-30D-EXPIRED")
	if err != nil {
		t.Fatalf("get expired: %v", err)
	}
	if expired.IsActive {
		t.Fatalf("expired code should have been deactivated")
	}
	later, err := st.GetInvite(ctx, "STAYHI-BETA-30D-LATER")
	if err != nil {
		t.Fatalf("get later: %v", err)
	}
	if !later.IsActive {
		t.Fatalf("unexpired code must stay active")
	}

	if _, err := st.CreateInvite(ctx, invite.CreateRecord{Code: "stayhi-beta-30d-later"}); !errors.Is(err, invite.ErrConflict) {
		t.Fatalf("expected invite.ErrConflict, got %v", err)
	}
}

func exerciseConcurrentSingleUse(t *testing.T, st AdminStore) {
	t.Helper()
	ctx := context.Background()

	one := 1
	const code = "STAYHI-FRIEND-14D-RACE"
	mustCreateInvite(t, st, code, &one, nil)

	const racers = 8
	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := redeem(ctx, st, code, fmt.Sprintf("racer%d@example.com", i), suiteNow)
			switch {
			case err == nil:
				ok.Add(1)
			case IsRejected(err):
				rejected.Add(1)
			default:
				t.Errorf("racer %d: unexpected error: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if ok.Load() != 1 || rejected.Load() != racers-1 {
		t.Fatalf("ok=%d rejected=%d; want exactly one success", ok.Load(), rejected.Load())
	}
	c, err := st.GetInvite(ctx, code)
	if err != nil {
		t.Fatalf("get invite: %v", err)
	}
	if c.UsesCount != 1 {
		t.Fatalf("uses_count=%d want 1", c.UsesCount)
	}

	members := 0
	for i := 0; i < racers; i++ {
		if _, err := st.FindActiveMemberByEmail(ctx, fmt.Sprintf("racer%d@example.com", i)); err == nil {
			members++
		}
	}
	if members != 1 {
		t.Fatalf("expected exactly one persisted member, got %d", members)
	}
}

func exerciseMonotonicTrialDays(t *testing.T, st AdminStore) {
	t.Helper()
	ctx := context.Background()

	mustCreateInvite(t, st, "STAYHI-VIP-60D-LONG", nil, nil)
	mustCreateInvite(t, st, "STAYHI-FRIEND-7D-SHORT", nil, nil)

	if _, _, err := redeem(ctx, st, "STAYHI-VIP-60D-LONG", "mono@example.com", suiteNow); err != nil {
		t.Fatalf("redeem long: %v", err)
	}
	_, m, err := redeem(ctx, st, "STAYHI-FRIEND-7D-SHORT", "mono@example.com", suiteNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("redeem short: %v", err)
	}
	if m.TrialDaysRemaining != 60 {
		t.Fatalf("trial days decreased to %d", m.TrialDaysRemaining)
	}
	if m.Tier != invite.TierFriend {
		t.Fatalf("tier should follow the latest redemption, got %s", m.Tier)
	}
}

func exerciseRollback(t *testing.T, st AdminStore) {
	t.Helper()
	ctx := context.Background()

	mustCreateInvite(t, st, "STAYHI-BETA-30D-ROLLBACK", nil, nil)
	boom := errors.New("boom")

	err := st.InTx(ctx, func(tx Tx) error {
		u, err := tx.UpsertUserByEmail(ctx, "rollback@example.com", suiteNow)
		if err != nil {
			return err
		}
		if _, err := tx.UpsertMembership(ctx, MembershipInput{UserID: u.ID, Tier: invite.TierBeta, TrialDays: 30, Now: suiteNow}); err != nil {
			return err
		}
		if _, err := tx.RecordInviteUse(ctx, "STAYHI-BETA-30D-ROLLBACK", u.ID, suiteNow); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := st.FindActiveMemberByEmail(ctx, "rollback@example.com"); !IsNotFound(err) {
		t.Fatalf("user must not survive rollback, got %v", err)
	}
	c, err := st.GetInvite(ctx, "STAYHI-BETA-30D-ROLLBACK")
	if err != nil {
		t.Fatalf("get invite: %v", err)
	}
	if c.UsesCount != 0 {
		t.Fatalf("uses_count=%d after rollback", c.UsesCount)
	}
}

func mustMember(t *testing.T, st AdminStore, email string) Member {
	t.Helper()
	code := "STAYHI-BETA-30D-" + strings.ToUpper(strings.NewReplacer("@", "", ".", "").Replace(email))
	mustCreateInvite(t, st, code, nil, nil)
	if _, _, err := redeem(context.Background(), st, code, email, suiteNow); err != nil {
		t.Fatalf("redeem for %s: %v", email, err)
	}
	m, err := st.FindActiveMemberByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("find member %s: %v", email, err)
	}
	return m
}

func upsertLink(t *testing.T, st Store, userID, hash string, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()
	err := st.InTx(ctx, func(tx Tx) error {
		return tx.UpsertMagicLink(ctx, MagicLinkInput{UserID: userID, TokenHash: hash, ExpiresAt: expiresAt, Now: suiteNow})
	})
	if err != nil {
		t.Fatalf("upsert link: %v", err)
	}
}

func consume(st Store, hash string, now time.Time) (string, error) {
	ctx := context.Background()
	var userID string
	err := st.InTx(ctx, func(tx Tx) error {
		id, err := tx.ConsumeMagicLink(ctx, hash, now)
		userID = id
		return err
	})
	return userID, err
}

func exerciseMagicLinks(t *testing.T, st AdminStore) {
	t.Helper()

	m := mustMember(t, st, "link@example.com")
	exp := suiteNow.Add(15 * time.Minute)

	upsertLink(t, st, m.User.ID, hashOf("first"), exp)
	// Replacement invalidates the first token immediately.
	upsertLink(t, st, m.User.ID, hashOf("second"), exp)

	if _, err := consume(st, hashOf("first"), suiteNow); !IsNotActive(err) {
		t.Fatalf("replaced token must be invalid, got %v", err)
	}
	got, err := consume(st, hashOf("second"), suiteNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got != m.User.ID {
		t.Fatalf("consume returned %q want %q", got, m.User.ID)
	}
	if _, err := consume(st, hashOf("second"), suiteNow.Add(2*time.Minute)); !IsNotActive(err) {
		t.Fatalf("second consume must fail, got %v", err)
	}

	// A new request after a used link yields a usable link again.
	upsertLink(t, st, m.User.ID, hashOf("third"), exp)
	if _, err := consume(st, hashOf("third"), suiteNow.Add(3*time.Minute)); err != nil {
		t.Fatalf("consume after re-request: %v", err)
	}

	// Expired.
	upsertLink(t, st, m.User.ID, hashOf("fourth"), exp)
	if _, err := consume(st, hashOf("fourth"), exp); !IsNotActive(err) {
		t.Fatalf("expired link must be invalid, got %v", err)
	}
	if _, err := consume(st, hashOf("unknown"), suiteNow); !IsNotActive(err) {
		t.Fatalf("unknown link must be invalid, got %v", err)
	}
}

func exerciseConcurrentConsume(t *testing.T, st AdminStore) {
	t.Helper()

	m := mustMember(t, st, "race-link@example.com")
	upsertLink(t, st, m.User.ID, hashOf("race"), suiteNow.Add(15*time.Minute))

	const racers = 8
	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := consume(st, hashOf("race"), suiteNow.Add(time.Second))
			switch {
			case err == nil:
				ok.Add(1)
			case IsNotActive(err):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || rejected.Load() != racers-1 {
		t.Fatalf("ok=%d rejected=%d; want exactly one success", ok.Load(), rejected.Load())
	}
}

func exerciseInputValidation(t *testing.T, st AdminStore) {
	t.Helper()
	ctx := context.Background()

	err := st.InTx(ctx, func(tx Tx) error {
		_, err := tx.UpsertUserByEmail(ctx, "   ", suiteNow)
		return err
	})
	if !IsInvalidInput(err) {
		t.Fatalf("expected ErrInvalidInput for blank email, got %v", err)
	}

	err = st.InTx(ctx, func(tx Tx) error {
		_, err := tx.UpsertMembership(ctx, MembershipInput{UserID: "x", Tier: "GOLD"})
		return err
	})
	if !IsInvalidInput(err) {
		t.Fatalf("expected ErrInvalidInput for unknown tier, got %v", err)
	}

	if err := st.InsertAudit(ctx, AuditEvent{Action: " "}); !IsInvalidInput(err) {
		t.Fatalf("expected ErrInvalidInput for blank action, got %v", err)
	}
	uid := "u-1"
	if err := st.InsertAudit(ctx, AuditEvent{
		Action:    "auth.test",
		UserID:    &uid,
		IP:        "127.0.0.1",
		UserAgent: "go-test",
		Meta:      map[string]any{"k": "v"},
		At:        suiteNow,
	}); err != nil {
		t.Fatalf("insert audit: %v", err)
	}
}

func runGatewaySuite(t *testing.T, open func(t *testing.T) AdminStore) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(*testing.T, AdminStore)
	}{
		{name: "redeem", fn: exerciseRedeem},
		{name: "invite_validity", fn: exerciseInviteValidity},
		{name: "concurrent_single_use", fn: exerciseConcurrentSingleUse},
		{name: "monotonic_trial_days", fn: exerciseMonotonicTrialDays},
		{name: "rollback", fn: exerciseRollback},
		{name: "magic_links", fn: exerciseMagicLinks},
		{name: "concurrent_consume", fn: exerciseConcurrentConsume},
		{name: "input_validation", fn: exerciseInputValidation},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			st := open(t)
			tc.fn(t, st)
		})
	}
}
