package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quizdeck/sessiond/internal/directory"
	"github.com/quizdeck/sessiond/internal/kvstore"
	"github.com/quizdeck/sessiond/internal/token"
)

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	machine *Machine
	store   *kvstore.Memory
	dir     *directory.Memory
	issuer  *token.Issuer
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := kvstore.NewMemory(kvstore.WithClock(clock.Now), kvstore.WithSweepInterval(time.Hour))
	t.Cleanup(store.Close)

	dir := directory.NewMemory()
	dir.SetClock(clock.Now)

	issuer, err := token.NewIssuer(token.Config{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		Issuer:        "sessiond-test",
	})
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}

	machine := NewMachine(store, dir, issuer, Config{}, nil, WithClock(clock.Now))
	return &fixture{machine: machine, store: store, dir: dir, issuer: issuer, clock: clock}
}

func (f *fixture) rawSession(t *testing.T, sessionToken string) *SessionRecord {
	t.Helper()
	data, err := f.store.Get(context.Background(), sessionKey(sessionToken))
	if err != nil {
		t.Fatalf("raw session read failed: %v", err)
	}
	rec, err := decodeSession(data)
	if err != nil {
		t.Fatalf("raw session decode failed: %v", err)
	}
	return rec
}

func testIdentity() token.Identity {
	return token.Identity{ID: 1, Email: "mira@example.com", Username: "mira"}
}

func TestResolveUnknownForMissingToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if v := f.machine.Resolve(ctx, ""); v.Status != StatusUnknown {
		t.Fatalf("Resolve(empty) = %s, want unknown", v.Status)
	}
	if v := f.machine.Resolve(ctx, "no-such-token"); v.Status != StatusUnknown {
		t.Fatalf("Resolve(absent) = %s, want unknown", v.Status)
	}
}

func TestBeginAnonymousLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon, err := f.machine.BeginAnonymous(ctx, "google")
	if err != nil {
		t.Fatalf("BeginAnonymous failed: %v", err)
	}
	if anon.SessionToken == "" || anon.LoginToken == "" || anon.SessionToken == anon.LoginToken {
		t.Fatalf("tokens = %+v, want two distinct non-empty tokens", anon)
	}

	v := f.machine.Resolve(ctx, anon.SessionToken)
	if v.Status != StatusAnonymous {
		t.Fatalf("Resolve = %s, want anonymous", v.Status)
	}
	if v.User != nil {
		t.Fatal("anonymous view must not carry user data")
	}

	rec := f.rawSession(t, anon.SessionToken)
	if rec.LoginToken != anon.LoginToken {
		t.Fatalf("record login token = %q, want %q", rec.LoginToken, anon.LoginToken)
	}
	if rec.User != nil || rec.AccessToken != "" || rec.RefreshToken != "" {
		t.Fatal("anonymous record must not carry user data or credentials")
	}
}

func TestAnonymousSessionExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon, err := f.machine.BeginAnonymous(ctx, "google")
	if err != nil {
		t.Fatalf("BeginAnonymous failed: %v", err)
	}

	f.clock.Advance(11 * time.Minute)

	if v := f.machine.Resolve(ctx, anon.SessionToken); v.Status != StatusUnknown {
		t.Fatalf("Resolve after expiry = %s, want unknown", v.Status)
	}
	res, err := f.machine.ResolveHandshake(ctx, anon.LoginToken, true, testIdentity())
	if err != nil {
		t.Fatalf("ResolveHandshake failed: %v", err)
	}
	if res.Outcome != OutcomeTokenNotFound {
		t.Fatalf("handshake after expiry = %s, want token_not_found", res.Outcome)
	}
}

func TestHandshakeGrantedUpgradesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon, err := f.machine.BeginAnonymous(ctx, "google")
	if err != nil {
		t.Fatalf("BeginAnonymous failed: %v", err)
	}

	res, err := f.machine.ResolveHandshake(ctx, anon.LoginToken, true, testIdentity())
	if err != nil {
		t.Fatalf("ResolveHandshake failed: %v", err)
	}
	if res.Outcome != OutcomeAuthorized {
		t.Fatalf("outcome = %s, want authorized", res.Outcome)
	}
	grant := res.Grant
	if grant == nil || grant.SessionToken != anon.SessionToken {
		t.Fatalf("grant = %+v, want grant on the original session token", grant)
	}
	if _, err := f.issuer.ParseAccess(grant.AccessToken); err != nil {
		t.Fatalf("issued access token does not verify: %v", err)
	}
	if _, err := f.issuer.ParseRefresh(grant.RefreshToken); err != nil {
		t.Fatalf("issued refresh token does not verify: %v", err)
	}

	v := f.machine.Resolve(ctx, anon.SessionToken)
	if v.Status != StatusAuthorized {
		t.Fatalf("Resolve = %s, want authorized", v.Status)
	}
	if v.User == nil || v.User.Email != "mira@example.com" {
		t.Fatalf("view user = %+v, want mira@example.com", v.User)
	}

	// Handshake and credential state never coexist on the record.
	rec := f.rawSession(t, anon.SessionToken)
	if rec.LoginToken != "" {
		t.Fatalf("authorized record still carries login token %q", rec.LoginToken)
	}
	if rec.User == nil || rec.AccessToken == "" || rec.RefreshToken == "" {
		t.Fatal("authorized record is missing user data or credentials")
	}
}

func TestHandshakeTokenIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon, err := f.machine.BeginAnonymous(ctx, "google")
	if err != nil {
		t.Fatalf("BeginAnonymous failed: %v", err)
	}
	if _, err := f.machine.ResolveHandshake(ctx, anon.LoginToken, true, testIdentity()); err != nil {
		t.Fatalf("first ResolveHandshake failed: %v", err)
	}

	res, err := f.machine.ResolveHandshake(ctx, anon.LoginToken, true, testIdentity())
	if err != nil {
		t.Fatalf("second ResolveHandshake failed: %v", err)
	}
	if res.Outcome != OutcomeTokenNotFound {
		t.Fatalf("second resolution = %s, want token_not_found", res.Outcome)
	}

	// The replay must not disturb the authorized session.
	if v := f.machine.Resolve(ctx, anon.SessionToken); v.Status != StatusAuthorized {
		t.Fatalf("Resolve after replay = %s, want authorized", v.Status)
	}
}

func TestHandshakeDeniedDropsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon, err := f.machine.BeginAnonymous(ctx, "google")
	if err != nil {
		t.Fatalf("BeginAnonymous failed: %v", err)
	}

	res, err := f.machine.ResolveHandshake(ctx, anon.LoginToken, false, token.Identity{})
	if err != nil {
		t.Fatalf("ResolveHandshake failed: %v", err)
	}
	if res.Outcome != OutcomeDenied {
		t.Fatalf("outcome = %s, want denied", res.Outcome)
	}
	if v := f.machine.Resolve(ctx, anon.SessionToken); v.Status != StatusUnknown {
		t.Fatalf("Resolve after denial = %s, want unknown", v.Status)
	}
}

func TestHandshakeConcurrentSingleAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon, err := f.machine.BeginAnonymous(ctx, "google")
	if err != nil {
		t.Fatalf("BeginAnonymous failed: %v", err)
	}

	const workers = 16
	outcomes := make(chan Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.machine.ResolveHandshake(ctx, anon.LoginToken, true, testIdentity())
			if err != nil {
				t.Errorf("ResolveHandshake failed: %v", err)
				return
			}
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	var authorized, notFound int
	for o := range outcomes {
		switch o {
		case OutcomeAuthorized:
			authorized++
		case OutcomeTokenNotFound:
			notFound++
		default:
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	if authorized != 1 {
		t.Fatalf("authorized outcomes = %d, want exactly 1", authorized)
	}
	if notFound != workers-1 {
		t.Fatalf("token_not_found outcomes = %d, want %d", notFound, workers-1)
	}
}

func TestRefreshHandshakeRotatesLoginToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon, err := f.machine.BeginAnonymous(ctx, "google")
	if err != nil {
		t.Fatalf("BeginAnonymous failed: %v", err)
	}

	f.clock.Advance(9 * time.Minute)

	fresh, err := f.machine.RefreshHandshake(ctx, anon.SessionToken)
	if err != nil {
		t.Fatalf("RefreshHandshake failed: %v", err)
	}
	if fresh == anon.LoginToken {
		t.Fatal("RefreshHandshake returned the old login token")
	}

	// The old token is dead, the session window restarted.
	res, err := f.machine.ResolveHandshake(ctx, anon.LoginToken, true, testIdentity())
	if err != nil {
		t.Fatalf("ResolveHandshake failed: %v", err)
	}
	if res.Outcome != OutcomeTokenNotFound {
		t.Fatalf("old token resolution = %s, want token_not_found", res.Outcome)
	}

	f.clock.Advance(9 * time.Minute)
	if v := f.machine.Resolve(ctx, anon.SessionToken); v.Status != StatusAnonymous {
		t.Fatalf("Resolve 18m after start = %s, want anonymous (window restarted)", v.Status)
	}

	res, err = f.machine.ResolveHandshake(ctx, fresh, true, testIdentity())
	if err != nil {
		t.Fatalf("ResolveHandshake failed: %v", err)
	}
	if res.Outcome != OutcomeAuthorized {
		t.Fatalf("fresh token resolution = %s, want authorized", res.Outcome)
	}
}

func TestRefreshHandshakeRequiresAnonymousSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.machine.RefreshHandshake(ctx, "no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("RefreshHandshake absent = %v, want ErrSessionNotFound", err)
	}

	grant, err := f.machine.Authorize(ctx, "", testIdentity())
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if _, err := f.machine.RefreshHandshake(ctx, grant.SessionToken); !errors.Is(err, ErrNoHandshake) {
		t.Fatalf("RefreshHandshake on authorized = %v, want ErrNoHandshake", err)
	}
}

func TestAuthorizeReusesLiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon, err := f.machine.BeginAnonymous(ctx, "google")
	if err != nil {
		t.Fatalf("BeginAnonymous failed: %v", err)
	}

	grant, err := f.machine.Authorize(ctx, anon.SessionToken, testIdentity())
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if grant.SessionToken != anon.SessionToken {
		t.Fatalf("Authorize minted %q, want reuse of %q", grant.SessionToken, anon.SessionToken)
	}

	// The in-flight handshake was cancelled by the direct login.
	res, err := f.machine.ResolveHandshake(ctx, anon.LoginToken, true, testIdentity())
	if err != nil {
		t.Fatalf("ResolveHandshake failed: %v", err)
	}
	if res.Outcome != OutcomeTokenNotFound {
		t.Fatalf("cancelled handshake = %s, want token_not_found", res.Outcome)
	}
}

func TestAuthorizeMintsFreshSessionWithoutCookie(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.machine.Authorize(ctx, "", testIdentity())
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if grant.SessionToken == "" {
		t.Fatal("Authorize returned empty session token")
	}
	if v := f.machine.Resolve(ctx, grant.SessionToken); v.Status != StatusAuthorized {
		t.Fatalf("Resolve = %s, want authorized", v.Status)
	}
}

func TestAuthorizedTTLFollowsRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	member, err := f.machine.Authorize(ctx, "", testIdentity())
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if member.SessionTTL != 7*24*time.Hour {
		t.Fatalf("member session TTL = %v, want 168h", member.SessionTTL)
	}

	admin, err := f.machine.Authorize(ctx, "", token.Identity{ID: 2, Email: "root@example.com", IsAdmin: true})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if admin.SessionTTL != 30*24*time.Hour {
		t.Fatalf("admin session TTL = %v, want 720h", admin.SessionTTL)
	}
}

func TestAuthorizedTTLCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	capped := NewMachine(f.store, f.dir, f.issuer, Config{MaxAuthorizedTTL: 24 * time.Hour}, nil, WithClock(f.clock.Now))
	grant, err := capped.Authorize(ctx, "", testIdentity())
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if grant.SessionTTL != 24*time.Hour {
		t.Fatalf("capped session TTL = %v, want 24h", grant.SessionTTL)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.machine.Authorize(ctx, "", testIdentity())
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	if err := f.machine.Logout(ctx, grant.SessionToken, false); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if v := f.machine.Resolve(ctx, grant.SessionToken); v.Status != StatusUnknown {
		t.Fatalf("Resolve after logout = %s, want unknown", v.Status)
	}
	if err := f.machine.Logout(ctx, grant.SessionToken, false); err != nil {
		t.Fatalf("second Logout = %v, want nil", err)
	}
	if err := f.machine.Logout(ctx, "", false); err != nil {
		t.Fatalf("Logout without cookie = %v, want nil", err)
	}
}

func TestLogoutAllDevicesRevokesBindings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.machine.Authorize(ctx, "", testIdentity())
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if n := f.dir.BindingCount(1); n != 1 {
		t.Fatalf("bindings after login = %d, want 1", n)
	}

	if err := f.machine.Logout(ctx, grant.SessionToken, true); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if n := f.dir.BindingCount(1); n != 0 {
		t.Fatalf("bindings after all-device logout = %d, want 0", n)
	}
	if _, err := f.machine.RefreshCredentials(ctx, grant.RefreshToken); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("refresh after all-device logout = %v, want ErrRefreshRejected", err)
	}
}

func TestRefreshCredentialsRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dir.Seed("mira@example.com", "mira", "", false)

	grant, err := f.machine.Authorize(ctx, "", testIdentity())
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	pair, err := f.machine.RefreshCredentials(ctx, grant.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshCredentials failed: %v", err)
	}
	if pair.RefreshToken == grant.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}
	if _, err := f.issuer.ParseAccess(pair.AccessToken); err != nil {
		t.Fatalf("rotated access token does not verify: %v", err)
	}

	// The new token works; binding count stays at one live binding.
	if _, err := f.machine.RefreshCredentials(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second rotation failed: %v", err)
	}
	if n := f.dir.BindingCount(1); n != 1 {
		t.Fatalf("bindings after rotations = %d, want 1", n)
	}
}

func TestRefreshReplayRevokesAllBindings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dir.Seed("mira@example.com", "mira", "", false)

	grant, err := f.machine.Authorize(ctx, "", testIdentity())
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	pair, err := f.machine.RefreshCredentials(ctx, grant.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshCredentials failed: %v", err)
	}

	// Replaying the rotated-out token is treated as theft: reject it and
	// revoke everything the user still has.
	if _, err := f.machine.RefreshCredentials(ctx, grant.RefreshToken); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("replay = %v, want ErrRefreshRejected", err)
	}
	if n := f.dir.BindingCount(1); n != 0 {
		t.Fatalf("bindings after replay = %d, want 0", n)
	}
	if _, err := f.machine.RefreshCredentials(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("successor token after replay = %v, want ErrRefreshRejected", err)
	}
}

func TestRefreshCredentialsRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.machine.RefreshCredentials(ctx, "not-a-jwt"); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("garbage refresh = %v, want ErrRefreshRejected", err)
	}
}
