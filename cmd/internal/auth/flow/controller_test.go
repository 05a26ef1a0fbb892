package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stayhi/cmd/identity"
	"stayhi/cmd/internal/auth/session"
	"stayhi/cmd/internal/invite"
	"stayhi/cmd/internal/metrics"
	"stayhi/cmd/security/token"
)

const testSecret = "flow-test-secret-0123456789abcdef0123"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ctrl    *Controller
	store   *memStore
	sender  *senderStub
	codec   session.Codec
	hasher  *token.Hasher
	clock   *fakeClock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := session.DefaultConfig()
	cfg.Secret = testSecret
	codec, err := session.NewCodec(cfg)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	hasher, err := token.NewHasher([]byte(testSecret), token.PurposeMagicLink)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}

	f := &fixture{
		store:   newMemStore(),
		sender:  &senderStub{},
		codec:   codec,
		hasher:  hasher,
		clock:   &fakeClock{now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)},
		metrics: metrics.New(),
	}
	f.ctrl, err = New(f.store, codec, f.sender, hasher, Config{PublicBaseURL: "https://stayhi.test/"},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(f.metrics),
		WithClock(f.clock.Now),
	)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return f
}

func intPtr(n int) *int { return &n }

// metricsCounter reads stayhi_auth_flow_total{flow,outcome} from the registry.
func metricsCounter(t *testing.T, f *fixture, flow, outcome string) float64 {
	t.Helper()
	mfs, err := f.metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "stayhi_auth_flow_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["flow"] == flow && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func assertKind(t *testing.T, err, kind error, msg string) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected kind %v, got %v", kind, err)
	}
	if got := MessageOf(err, ""); got != msg {
		t.Fatalf("message=%q want %q", got, msg)
	}
}

func TestRedeemInvite_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.store.addInvite("STAYHI-VIP-45D-AAAA", nil, nil)

	out, err := f.ctrl.RedeemInvite(context.Background(), RedeemInput{Code: "STAYHI-VIP-45D-AAAA", Email: "new@example.com"})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if out.Tier != invite.TierVIP || out.TrialDays != 45 || out.Message != MsgWelcome {
		t.Fatalf("unexpected redemption: %+v", out)
	}

	claims, err := f.codec.Validate(out.Session.Value, f.clock.Now())
	if err != nil {
		t.Fatalf("validate session: %v", err)
	}
	if claims.UserID != out.UserID {
		t.Fatalf("session user %q != %q", claims.UserID, out.UserID)
	}
	if got := f.store.invite("STAYHI-VIP-45D-AAAA").UsesCount; got != 1 {
		t.Fatalf("uses_count=%d", got)
	}
	if got := metricsCounter(t, f, metrics.FlowInvite, metrics.OutcomeSuccess); got != 1 {
		t.Fatalf("success metric=%v want 1", got)
	}
}

func TestRedeemInvite_NormalizesInput(t *testing.T) {
	f := newFixture(t)
	f.store.addInvite("STAYHI-FRIEND-14D-BBBB", nil, nil)

	out, err := f.ctrl.RedeemInvite(context.Background(), RedeemInput{Code: "  stayhi-friend-14d-bbbb ", Email: " Mixed@Example.COM "})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if out.Tier != invite.TierFriend || out.TrialDays != 14 {
		t.Fatalf("unexpected redemption: %+v", out)
	}
	if _, ok := f.store.membership("mixed@example.com"); !ok {
		t.Fatalf("membership must be keyed by normalized email")
	}
}

func TestRedeemInvite_InputErrors(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		in   RedeemInput
		msg  string
	}{
		{name: "missing_code", in: RedeemInput{Email: "a@example.com"}, msg: MsgCodeAndEmailRequired},
		{name: "missing_email", in: RedeemInput{Code: "STAYHI-BETA-1"}, msg: MsgCodeAndEmailRequired},
		{name: "blank", in: RedeemInput{Code: "  ", Email: "  "}, msg: MsgCodeAndEmailRequired},
		{name: "bad_email", in: RedeemInput{Code: "STAYHI-BETA-1", Email: "not-an-email"}, msg: MsgInvalidEmail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ctrl.RedeemInvite(context.Background(), tc.in)
			assertKind(t, err, ErrInput, tc.msg)
		})
	}
	if f.store.userCount() != 0 {
		t.Fatalf("input errors must not write")
	}
}

func TestRedeemInvite_Rejected(t *testing.T) {
	f := newFixture(t)
	past := f.clock.Now().Add(-time.Minute)
	f.store.addInvite("STAYHI-BETA-30D-OLD", nil, &past)
	f.store.addInvite("STAYHI-BETA-30D-ONCE", intPtr(1), nil)

	if _, err := f.ctrl.RedeemInvite(context.Background(), RedeemInput{Code: "STAYHI-BETA-30D-ONCE", Email: "first@example.com"}); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	for _, code := range []string{"STAYHI-NOPE", "STAYHI-BETA-30D-OLD", "STAYHI-BETA-30D-ONCE"} {
		_, err := f.ctrl.RedeemInvite(context.Background(), RedeemInput{Code: code, Email: "second@example.com"})
		assertKind(t, err, ErrRejected, MsgInvalidInvite)
	}
	if _, ok := f.store.membership("second@example.com"); ok {
		t.Fatalf("rejected redemption must not create a membership")
	}
	if got := metricsCounter(t, f, metrics.FlowInvite, metrics.OutcomeRejected); got != 3 {
		t.Fatalf("rejected metric=%v want 3", got)
	}
}

func TestRedeemInvite_PersistenceFailureRollsBack(t *testing.T) {
	for _, op := range []string{"UpsertUserByEmail", "UpsertMembership", "RecordInviteUse"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t)
			f.store.addInvite("STAYHI-VIP-45D-FAIL", nil, nil)
			f.store.failOn = op

			_, err := f.ctrl.RedeemInvite(context.Background(), RedeemInput{Code: "STAYHI-VIP-45D-FAIL", Email: "x@example.com"})
			assertKind(t, err, ErrPersistence, MsgInviteServerError)
			if !errors.Is(err, errBoom) {
				t.Fatalf("cause must be preserved: %v", err)
			}
			if f.store.userCount() != 0 || f.store.invite("STAYHI-VIP-45D-FAIL").UsesCount != 0 {
				t.Fatalf("partial state visible after failure")
			}
		})
	}
}

func TestRedeemInvite_ConcurrentSingleUse(t *testing.T) {
	f := newFixture(t)
	f.store.addInvite("STAYHI-BETA-30D-RACE", intPtr(1), nil)

	const racers = 16
	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ctrl.RedeemInvite(context.Background(), RedeemInput{
				Code:  "STAYHI-BETA-30D-RACE",
				Email: "racer" + string(rune('a'+i)) + "@example.com",
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrRejected):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok.Load() != 1 || rejected.Load() != racers-1 {
		t.Fatalf("ok=%d rejected=%d", ok.Load(), rejected.Load())
	}
	if got := f.store.invite("STAYHI-BETA-30D-RACE").UsesCount; got != 1 {
		t.Fatalf("uses_count=%d want 1", got)
	}
	if f.store.userCount() != 1 {
		t.Fatalf("losers must not leave users behind, got %d", f.store.userCount())
	}
}

func TestRedeemInvite_TrialDaysNeverDecrease(t *testing.T) {
	f := newFixture(t)
	f.store.addInvite("STAYHI-VIP-60D-A", nil, nil)
	f.store.addInvite("STAYHI-BETA-7D-B", nil, nil)

	ctx := context.Background()
	if _, err := f.ctrl.RedeemInvite(ctx, RedeemInput{Code: "STAYHI-VIP-60D-A", Email: "m@example.com"}); err != nil {
		t.Fatalf("redeem 60: %v", err)
	}
	out, err := f.ctrl.RedeemInvite(ctx, RedeemInput{Code: "STAYHI-BETA-7D-B", Email: "m@example.com"})
	if err != nil {
		t.Fatalf("redeem 7: %v", err)
	}
	if out.TrialDays != 7 {
		t.Fatalf("response reports the code's days, got %d", out.TrialDays)
	}
	m, _ := f.store.membership("m@example.com")
	if m.TrialDaysRemaining != 60 || m.Tier != invite.TierBeta {
		t.Fatalf("unexpected membership: %+v", m)
	}
}

func TestRedeemInvite_CompletesAfterClientCancel(t *testing.T) {
	f := newFixture(t)
	f.store.addInvite("STAYHI-BETA-30D-GONE", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.ctrl.RedeemInvite(ctx, RedeemInput{Code: "STAYHI-BETA-30D-GONE", Email: "gone@example.com"}); err != nil {
		t.Fatalf("redeem with cancelled request context: %v", err)
	}
	if f.store.invite("STAYHI-BETA-30D-GONE").UsesCount != 1 {
		t.Fatalf("transaction did not complete")
	}
}

// member redeems a code so email has an active membership.
func (f *fixture) member(t *testing.T, email string) string {
	t.Helper()
	code := "STAYHI-BETA-30D-" + strings.ToUpper(strings.NewReplacer("@", "", ".", "").Replace(email))
	f.store.addInvite(code, nil, nil)
	out, err := f.ctrl.RedeemInvite(context.Background(), RedeemInput{Code: code, Email: email})
	if err != nil {
		t.Fatalf("redeem for %s: %v", email, err)
	}
	return out.UserID
}

func linkToken(t *testing.T, link string) string {
	t.Helper()
	tok, ok := strings.CutPrefix(link, "https://stayhi.test"+VerifyPathPrefix)
	if !ok || tok == "" {
		t.Fatalf("unexpected link %q", link)
	}
	return tok
}

func TestRequestSignIn_AndVerify(t *testing.T) {
	f := newFixture(t)
	userID := f.member(t, "member@example.com")
	ctx := context.Background()

	out, err := f.ctrl.RequestSignIn(ctx, " MEMBER@example.com", RequestMeta{})
	if err != nil {
		t.Fatalf("request sign-in: %v", err)
	}
	if out.Message != MsgLinkSent || out.UserID != userID {
		t.Fatalf("unexpected result: %+v", out)
	}
	if want := f.clock.Now().Add(15 * time.Minute); !out.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at=%v want %v", out.ExpiresAt, want)
	}

	to, link := f.sender.last()
	if to != "member@example.com" {
		t.Fatalf("mail sent to %q", to)
	}
	tok := linkToken(t, link)
	if len(tok) < 43 {
		t.Fatalf("token too short: %d chars", len(tok))
	}
	if stored := f.store.linkHash(userID); stored == tok || stored != f.hasher.Hash(tok) {
		t.Fatalf("store must hold the hash of the token")
	}

	v, err := f.ctrl.VerifyMagicLink(ctx, tok, RequestMeta{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.UserID != userID {
		t.Fatalf("verified user %q want %q", v.UserID, userID)
	}
	claims, err := f.ctrl.ValidateSession(v.Session.Value)
	if err != nil || claims.UserID != userID {
		t.Fatalf("session: %+v %v", claims, err)
	}

	_, err = f.ctrl.VerifyMagicLink(ctx, tok, RequestMeta{})
	assertKind(t, err, ErrRejected, MsgInvalidLink)
}

func TestRequestSignIn_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.RequestSignIn(context.Background(), "  ", RequestMeta{})
	assertKind(t, err, ErrInput, MsgEmailRequired)

	_, err = f.ctrl.RequestSignIn(context.Background(), "nope", RequestMeta{})
	assertKind(t, err, ErrInput, MsgInvalidEmail)

	_, err = f.ctrl.RequestSignIn(context.Background(), "stranger@example.com", RequestMeta{})
	assertKind(t, err, ErrRejected, MsgNoMembership)

	f.member(t, "m@example.com")
	f.store.failOn = "UpsertMagicLink"
	_, err = f.ctrl.RequestSignIn(context.Background(), "m@example.com", RequestMeta{})
	assertKind(t, err, ErrPersistence, MsgSignInServerError)
	if to, _ := f.sender.last(); to != "" {
		t.Fatalf("no mail may be sent when the link was not stored")
	}
}

func TestRequestSignIn_ReplacesPreviousLink(t *testing.T) {
	f := newFixture(t)
	f.member(t, "twice@example.com")
	ctx := context.Background()

	if _, err := f.ctrl.RequestSignIn(ctx, "twice@example.com", RequestMeta{}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, first := f.sender.last()
	if _, err := f.ctrl.RequestSignIn(ctx, "twice@example.com", RequestMeta{}); err != nil {
		t.Fatalf("second request: %v", err)
	}
	_, second := f.sender.last()
	if first == second {
		t.Fatalf("each request must mint a new token")
	}

	_, err := f.ctrl.VerifyMagicLink(ctx, linkToken(t, first), RequestMeta{})
	assertKind(t, err, ErrRejected, MsgInvalidLink)
	if _, err := f.ctrl.VerifyMagicLink(ctx, linkToken(t, second), RequestMeta{}); err != nil {
		t.Fatalf("latest link must verify: %v", err)
	}
}

func TestRequestSignIn_SendFailureKeepsLink(t *testing.T) {
	f := newFixture(t)
	userID := f.member(t, "orphan@example.com")
	f.sender.err = errors.New("smtp down")

	_, err := f.ctrl.RequestSignIn(context.Background(), "orphan@example.com", RequestMeta{})
	assertKind(t, err, ErrTransport, MsgSendFailed)

	if f.store.linkHash(userID) == "" {
		t.Fatalf("link committed before sending must remain")
	}
	if got := metricsCounter(t, f, metrics.FlowSignIn, metrics.OutcomeError); got != 1 {
		t.Fatalf("error metric=%v want 1", got)
	}
}

func TestVerifyMagicLink_Expired(t *testing.T) {
	f := newFixture(t)
	f.member(t, "late@example.com")

	if _, err := f.ctrl.RequestSignIn(context.Background(), "late@example.com", RequestMeta{}); err != nil {
		t.Fatalf("request: %v", err)
	}
	_, link := f.sender.last()

	f.clock.Advance(15 * time.Minute)
	_, err := f.ctrl.VerifyMagicLink(context.Background(), linkToken(t, link), RequestMeta{})
	assertKind(t, err, ErrRejected, MsgInvalidLink)
}

func TestVerifyMagicLink_Garbage(t *testing.T) {
	f := newFixture(t)
	for _, tok := range []string{"", "   ", "unknown-token", strings.Repeat("a", 600)} {
		_, err := f.ctrl.VerifyMagicLink(context.Background(), tok, RequestMeta{})
		assertKind(t, err, ErrRejected, MsgInvalidLink)
	}
}

func TestVerifyMagicLink_PersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failOn = "ConsumeMagicLink"
	_, err := f.ctrl.VerifyMagicLink(context.Background(), "whatever", RequestMeta{})
	assertKind(t, err, ErrPersistence, MsgVerifyServerError)
}

func TestVerifyMagicLink_ConcurrentExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.member(t, "race@example.com")
	if _, err := f.ctrl.RequestSignIn(context.Background(), "race@example.com", RequestMeta{}); err != nil {
		t.Fatalf("request: %v", err)
	}
	_, link := f.sender.last()
	tok := linkToken(t, link)

	const racers = 16
	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ctrl.VerifyMagicLink(context.Background(), tok, RequestMeta{})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrRejected):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || rejected.Load() != racers-1 {
		t.Fatalf("ok=%d rejected=%d", ok.Load(), rejected.Load())
	}
}

func TestValidateSession(t *testing.T) {
	f := newFixture(t)
	tok, err := f.codec.Issue("user-x", f.clock.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := f.ctrl.ValidateSession(tok.Value)
	if err != nil || claims.UserID != "user-x" {
		t.Fatalf("validate: %+v %v", claims, err)
	}

	f.clock.Advance(31 * 24 * time.Hour)
	_, err = f.ctrl.ValidateSession(tok.Value)
	assertKind(t, err, ErrRejected, MsgInvalidSession)
	if !errors.Is(err, session.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken in chain, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)

	if _, err := New(nil, f.codec, f.sender, f.hasher, Config{}); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := New(f.store, f.codec, f.sender, f.hasher, Config{PublicBaseURL: "ftp://x"}); err == nil {
		t.Fatalf("expected error for non-http base url")
	}
	c, err := New(f.store, f.codec, f.sender, f.hasher, Config{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if c.cfg.MagicLinkTTL != DefaultMagicLinkTTL || c.cfg.LinkTokenBytes != DefaultLinkTokenBytes || c.cfg.PublicBaseURL != DefaultPublicBaseURL {
		t.Fatalf("defaults not applied: %+v", c.cfg)
	}
	if got := c.verifyLink("abc"); got != "http://localhost:8082/api/auth/verify/abc" {
		t.Fatalf("link=%q", got)
	}
}

func TestError_Unwrap(t *testing.T) {
	err := persistenceErr("op", "msg", identity.OpError{Op: "x", Kind: identity.ErrConflict})
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("both kind and cause must be reachable: %v", err)
	}
	if MessageOf(errors.New("plain"), "fallback") != "fallback" {
		t.Fatalf("fallback not used")
	}
	if !strings.Contains(err.Error(), "op") {
		t.Fatalf("error text: %q", err.Error())
	}
}
