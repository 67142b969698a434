package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quizdeck/sessiond/internal/directory"
	"github.com/quizdeck/sessiond/internal/kvstore"
	"github.com/quizdeck/sessiond/internal/token"
)

const (
	sessionKeyPrefix = "session:"
	loginKeyPrefix   = "login_token:"

	defaultAnonymousTTL = 10 * time.Minute
)

var (
	// ErrSessionNotFound rejects operations that need a live session.
	ErrSessionNotFound = errors.New("sessions: session not found")
	// ErrNoHandshake rejects RefreshHandshake outside an in-flight
	// anonymous handshake.
	ErrNoHandshake = errors.New("sessions: no handshake in flight")
	// ErrRefreshRejected covers every refresh failure mode: forged or
	// expired token, unknown user, revoked or already-rotated binding.
	ErrRefreshRejected = errors.New("sessions: refresh token rejected")
)

// Outcome classifies a handshake resolution.
type Outcome string

const (
	OutcomeAuthorized    Outcome = "authorized"
	OutcomeDenied        Outcome = "denied"
	OutcomeTokenNotFound Outcome = "token_not_found"
)

// Grant is the result of a successful authorization: the session cookie
// value, the bearer credentials, and the public view.
type Grant struct {
	SessionToken string
	AccessToken  string
	RefreshToken string
	View         View
	SessionTTL   time.Duration
}

// HandshakeResult is the outcome of ResolveHandshake; Grant is set only
// for OutcomeAuthorized.
type HandshakeResult struct {
	Outcome Outcome
	Grant   *Grant
}

// Anonymous is the pair returned by BeginAnonymous.
type Anonymous struct {
	SessionToken string
	LoginToken   string
}

// TokenPair is a rotated credential pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Config tunes the machine's lifetimes.
type Config struct {
	// AnonymousTTL bounds an in-flight handshake (default 10 minutes).
	AnonymousTTL time.Duration
	// MaxAuthorizedTTL, when positive, caps the authorized session
	// lifetime below the refresh-token lifetime.
	MaxAuthorizedTTL time.Duration
}

// Machine is the authoritative writer of session state. The gateway and
// provider integrations go through it and never touch the store directly.
type Machine struct {
	store  kvstore.Store
	dir    directory.Directory
	issuer *token.Issuer
	cfg    Config
	log    *slog.Logger
	locks  keyedMutex
	now    func() time.Time
}

// Option adjusts machine construction.
type Option func(*Machine)

// WithClock substitutes the time source; tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine wires the machine to its store, directory, and issuer.
func NewMachine(store kvstore.Store, dir directory.Directory, issuer *token.Issuer, cfg Config, log *slog.Logger, opts ...Option) *Machine {
	if cfg.AnonymousTTL <= 0 {
		cfg.AnonymousTTL = defaultAnonymousTTL
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		store:  store,
		dir:    dir,
		issuer: issuer,
		cfg:    cfg,
		log:    log.With("component", "sessions"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AnonymousTTL reports the configured handshake window, for cookie
// lifetimes at the gateway.
func (m *Machine) AnonymousTTL() time.Duration { return m.cfg.AnonymousTTL }

func sessionKey(tok string) string { return sessionKeyPrefix + tok }
func loginKey(tok string) string   { return loginKeyPrefix + tok }

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Resolve maps a session token to its public view. Absent, expired, or
// corrupt records resolve to Unknown; so does a store outage (fail closed,
// logged, never an error to the caller).
func (m *Machine) Resolve(ctx context.Context, sessionToken string) View {
	unknown := View{Status: StatusUnknown}
	if sessionToken == "" {
		return unknown
	}

	data, err := m.store.Get(ctx, sessionKey(sessionToken))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			m.log.Warn("session store unavailable during resolve", "error", err)
		}
		return unknown
	}

	rec, err := decodeSession(data)
	if err != nil {
		m.log.Warn("corrupt session record dropped", "error", err)
		m.deleteSession(ctx, sessionToken, "")
		return unknown
	}
	if rec.expired(m.now()) {
		m.deleteSession(ctx, sessionToken, rec.LoginToken)
		return unknown
	}
	return rec.view()
}

// BeginAnonymous starts a handshake for an unknown visitor: a fresh
// anonymous session bound to a fresh pending login token, both expiring
// in AnonymousTTL.
func (m *Machine) BeginAnonymous(ctx context.Context, provider string) (*Anonymous, error) {
	sessionToken, err := token.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	loginToken, err := token.NewOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := m.now()
	expires := now.Add(m.cfg.AnonymousTTL)

	unlock := m.locks.lock(sessionToken)
	defer unlock()

	sess := &SessionRecord{
		SessionToken: sessionToken,
		Status:       StatusAnonymous,
		Provider:     provider,
		LoginToken:   loginToken,
		CreatedAt:    now,
		ExpiresAt:    expires,
	}
	if err := m.putSession(ctx, sess, m.cfg.AnonymousTTL); err != nil {
		return nil, err
	}
	if err := m.putLogin(ctx, &LoginTokenRecord{
		ID:           uuid.NewString(),
		LoginToken:   loginToken,
		SessionToken: sessionToken,
		Status:       HandshakePending,
		Provider:     provider,
		CreatedAt:    now,
		ExpiresAt:    expires,
	}, m.cfg.AnonymousTTL); err != nil {
		// Do not leave a session whose handshake never existed.
		m.deleteSession(ctx, sessionToken, "")
		return nil, err
	}

	return &Anonymous{SessionToken: sessionToken, LoginToken: loginToken}, nil
}

// RefreshHandshake replaces an anonymous session's login token with a
// fresh one (a retried external login attempt) and extends the session's
// TTL by another AnonymousTTL window.
func (m *Machine) RefreshHandshake(ctx context.Context, sessionToken string) (string, error) {
	if sessionToken == "" {
		return "", ErrSessionNotFound
	}

	unlock := m.locks.lock(sessionToken)
	defer unlock()

	rec, err := m.getSession(ctx, sessionToken)
	if err != nil {
		return "", err
	}
	if rec.Status != StatusAnonymous || rec.LoginToken == "" {
		return "", ErrNoHandshake
	}

	newToken, err := token.NewOpaqueToken()
	if err != nil {
		return "", err
	}
	if err := m.store.Delete(ctx, loginKey(rec.LoginToken)); err != nil {
		return "", err
	}

	now := m.now()
	expires := now.Add(m.cfg.AnonymousTTL)
	rec.LoginToken = newToken
	rec.ExpiresAt = expires
	if err := m.putSession(ctx, rec, m.cfg.AnonymousTTL); err != nil {
		return "", err
	}
	if err := m.putLogin(ctx, &LoginTokenRecord{
		ID:           uuid.NewString(),
		LoginToken:   newToken,
		SessionToken: sessionToken,
		Status:       HandshakePending,
		Provider:     rec.Provider,
		CreatedAt:    now,
		ExpiresAt:    expires,
	}, m.cfg.AnonymousTTL); err != nil {
		return "", err
	}
	return newToken, nil
}

// ResolveHandshake consumes a login token exactly once and applies the
// external grant decision. The consume is the store's atomic GetDel, so of
// two concurrent resolutions one wins and the other observes
// OutcomeTokenNotFound — never a double authorization.
func (m *Machine) ResolveHandshake(ctx context.Context, loginToken string, granted bool, identity token.Identity) (*HandshakeResult, error) {
	notFound := &HandshakeResult{Outcome: OutcomeTokenNotFound}
	if loginToken == "" {
		return notFound, nil
	}

	data, err := m.store.GetDel(ctx, loginKey(loginToken))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return notFound, nil
		}
		return nil, err
	}

	lrec, err := decodeLogin(data)
	if err != nil {
		m.log.Warn("corrupt login token record dropped", "error", err)
		return notFound, nil
	}
	if lrec.expired(m.now()) {
		// Fail closed: an anonymous session with a dead handshake is
		// useless, drop it too.
		m.deleteSession(ctx, lrec.SessionToken, "")
		return notFound, nil
	}

	if !granted {
		m.deleteSession(ctx, lrec.SessionToken, "")
		return &HandshakeResult{Outcome: OutcomeDenied}, nil
	}

	unlock := m.locks.lock(lrec.SessionToken)
	defer unlock()

	rec, err := m.getSession(ctx, lrec.SessionToken)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return notFound, nil
		}
		return nil, err
	}

	grant, err := m.upgrade(ctx, rec, identity)
	if err != nil {
		return nil, err
	}
	return &HandshakeResult{Outcome: OutcomeAuthorized, Grant: grant}, nil
}

// Authorize is the direct-credential upgrade used by password login and
// code verification: no handshake involved. The caller's existing session
// token is reused when it still resolves (its in-flight handshake, if any,
// is cancelled); otherwise a fresh session is created.
func (m *Machine) Authorize(ctx context.Context, sessionToken string, identity token.Identity) (*Grant, error) {
	if sessionToken == "" {
		fresh, err := token.NewOpaqueToken()
		if err != nil {
			return nil, err
		}
		sessionToken = fresh
	}

	unlock := m.locks.lock(sessionToken)
	defer unlock()

	now := m.now()
	rec, err := m.getSession(ctx, sessionToken)
	switch {
	case err == nil:
		if rec.LoginToken != "" {
			if derr := m.store.Delete(ctx, loginKey(rec.LoginToken)); derr != nil {
				return nil, derr
			}
		}
	case errors.Is(err, ErrSessionNotFound):
		rec = &SessionRecord{SessionToken: sessionToken, CreatedAt: now}
	default:
		return nil, err
	}

	return m.upgrade(ctx, rec, identity)
}

// upgrade rewrites a session record to authorized in one store write:
// handshake state cleared, user data and credentials set, TTL extended to
// the refresh lifetime. Callers hold the session's key lock.
func (m *Machine) upgrade(ctx context.Context, rec *SessionRecord, identity token.Identity) (*Grant, error) {
	access, err := m.issuer.IssueAccess(identity)
	if err != nil {
		return nil, err
	}
	refresh, err := m.issuer.IssueRefresh(identity)
	if err != nil {
		return nil, err
	}

	ttl := m.issuer.RefreshTTL(identity)
	if m.cfg.MaxAuthorizedTTL > 0 && ttl > m.cfg.MaxAuthorizedTTL {
		ttl = m.cfg.MaxAuthorizedTTL
	}
	now := m.now()

	if err := m.dir.SaveRefreshBinding(ctx, identity.ID, hashToken(refresh), now.Add(m.issuer.RefreshTTL(identity))); err != nil {
		return nil, fmt.Errorf("sessions: persist refresh binding: %w", err)
	}

	user := identity
	rec.Status = StatusAuthorized
	rec.LoginToken = ""
	rec.User = &user
	rec.AccessToken = access
	rec.RefreshToken = refresh
	rec.ExpiresAt = now.Add(ttl)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if err := m.putSession(ctx, rec, ttl); err != nil {
		return nil, err
	}

	return &Grant{
		SessionToken: rec.SessionToken,
		AccessToken:  access,
		RefreshToken: refresh,
		View:         rec.view(),
		SessionTTL:   ttl,
	}, nil
}

// Logout deletes the session and its handshake unconditionally. Valid
// from any state and idempotent: a second call is a no-op. With
// allDevices, the directory additionally revokes every refresh binding
// for the user.
func (m *Machine) Logout(ctx context.Context, sessionToken string, allDevices bool) error {
	if sessionToken == "" {
		return nil
	}

	unlock := m.locks.lock(sessionToken)
	defer unlock()

	data, err := m.store.GetDel(ctx, sessionKey(sessionToken))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil
		}
		return err
	}

	rec, err := decodeSession(data)
	if err != nil {
		return nil
	}
	if rec.LoginToken != "" {
		if err := m.store.Delete(ctx, loginKey(rec.LoginToken)); err != nil {
			return err
		}
	}
	if allDevices && rec.User != nil {
		if err := m.dir.RevokeRefreshBindings(ctx, rec.User.ID); err != nil {
			return fmt.Errorf("sessions: revoke refresh bindings: %w", err)
		}
	}
	return nil
}

// RefreshCredentials rotates a refresh token: verify the signature and
// expiry, confirm the durable binding still exists, and swap it for a new
// pair in one conditional update. A token that was already rotated is a
// replay; remaining bindings for the user are revoked in response.
func (m *Machine) RefreshCredentials(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := m.issuer.ParseRefresh(refreshToken)
	if err != nil {
		return nil, ErrRefreshRejected
	}

	user, err := m.dir.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, ErrRefreshRejected
		}
		return nil, fmt.Errorf("sessions: resolve refresh subject: %w", err)
	}
	identity := user.Identity()

	access, err := m.issuer.IssueAccess(identity)
	if err != nil {
		return nil, err
	}
	newRefresh, err := m.issuer.IssueRefresh(identity)
	if err != nil {
		return nil, err
	}

	expires := m.now().Add(m.issuer.RefreshTTL(identity))
	err = m.dir.RotateRefreshBinding(ctx, identity.ID, hashToken(refreshToken), hashToken(newRefresh), expires)
	if err != nil {
		if errors.Is(err, directory.ErrBindingNotFound) {
			m.log.Warn("refresh token replay detected, revoking user bindings", "user_id", identity.ID)
			if rerr := m.dir.RevokeRefreshBindings(ctx, identity.ID); rerr != nil {
				m.log.Warn("revoking bindings after replay failed", "error", rerr)
			}
			return nil, ErrRefreshRejected
		}
		return nil, fmt.Errorf("sessions: rotate refresh binding: %w", err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: newRefresh}, nil
}

func (m *Machine) getSession(ctx context.Context, sessionToken string) (*SessionRecord, error) {
	data, err := m.store.Get(ctx, sessionKey(sessionToken))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	rec, err := decodeSession(data)
	if err != nil {
		m.deleteSession(ctx, sessionToken, "")
		return nil, ErrSessionNotFound
	}
	if rec.expired(m.now()) {
		m.deleteSession(ctx, sessionToken, rec.LoginToken)
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

func (m *Machine) putSession(ctx context.Context, rec *SessionRecord, ttl time.Duration) error {
	data, err := encodeSession(rec)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, sessionKey(rec.SessionToken), data, ttl)
}

func (m *Machine) putLogin(ctx context.Context, rec *LoginTokenRecord, ttl time.Duration) error {
	data, err := encodeLogin(rec)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, loginKey(rec.LoginToken), data, ttl)
}

// deleteSession is best-effort cleanup used on lazy expiration paths.
func (m *Machine) deleteSession(ctx context.Context, sessionToken, loginToken string) {
	if err := m.store.Delete(ctx, sessionKey(sessionToken)); err != nil {
		m.log.Warn("stale session cleanup failed", "error", err)
	}
	if loginToken != "" {
		if err := m.store.Delete(ctx, loginKey(loginToken)); err != nil {
			m.log.Warn("stale login token cleanup failed", "error", err)
		}
	}
}
