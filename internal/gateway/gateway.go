// Package gateway is the request-facing façade of the session core: it
// translates cookies and JSON bodies into state machine calls and back
// into HTTP responses. It never touches the session store directly.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/quizdeck/sessiond/internal/directory"
	"github.com/quizdeck/sessiond/internal/kvstore"
	"github.com/quizdeck/sessiond/internal/notify"
	"github.com/quizdeck/sessiond/internal/password"
	"github.com/quizdeck/sessiond/internal/provider"
	"github.com/quizdeck/sessiond/internal/sessions"
	"github.com/quizdeck/sessiond/internal/token"
)

const defaultCodeTTL = 15 * time.Minute

// Config tunes the gateway.
type Config struct {
	// CodeTTL bounds verification codes (default 15 minutes).
	CodeTTL time.Duration
	// SecureCookies marks session cookies Secure; enable behind TLS.
	SecureCookies bool
}

// Gateway holds the collaborators behind the HTTP surface.
type Gateway struct {
	machine   *sessions.Machine
	dir       directory.Directory
	issuer    *token.Issuer
	hasher    *password.Hasher
	sink      notify.Sink
	providers *provider.Registry
	catalog   http.Handler
	validate  *validator.Validate
	cfg       Config
	log       *slog.Logger
}

// New wires the gateway. providers and catalog may be nil: OAuth routes
// then 404 and the quiz catalog is not mounted.
func New(
	machine *sessions.Machine,
	dir directory.Directory,
	issuer *token.Issuer,
	hasher *password.Hasher,
	sink notify.Sink,
	providers *provider.Registry,
	catalog http.Handler,
	cfg Config,
	log *slog.Logger,
) *Gateway {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = defaultCodeTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		machine:   machine,
		dir:       dir,
		issuer:    issuer,
		hasher:    hasher,
		sink:      sink,
		providers: providers,
		catalog:   catalog,
		validate:  validator.New(),
		cfg:       cfg,
		log:       log.With("component", "gateway"),
	}
}

// Router builds the route table.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(g.requestLogger)

	r.Get("/api/session/check", g.handleSessionCheck)
	r.Post("/api/session/anonymous", g.handleSessionAnonymous)
	r.Post("/api/session/handshake/refresh", g.handleHandshakeRefresh)

	r.Post("/api/auth/handshake/resolve", g.handleHandshakeResolve)
	r.Post("/api/auth/login", g.handleLogin)
	r.Post("/api/auth/verify-code", g.handleVerifyCode)
	r.Post("/api/auth/refresh", g.handleRefresh)
	r.Post("/api/auth/logout", g.handleLogout)

	if g.providers != nil {
		r.Get("/auth/{provider}/start", g.handleOAuthStart)
		r.Get("/auth/{provider}/callback", g.handleOAuthCallback)
	}
	if g.catalog != nil {
		r.Mount("/api/tests", g.RequireAccess(g.catalog))
	}
	return r
}

// ---------------------------------------------------------------------------
// Session routes
// ---------------------------------------------------------------------------

func (g *Gateway) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	view := g.machine.Resolve(r.Context(), sessionTokenFromRequest(r))
	if view.Status != sessions.StatusUnknown {
		// Re-issue the cookie so its window tracks the session's:
		// an authorized session outlives the 10-minute anonymous one.
		if ttl := time.Until(view.ExpiresAt); ttl > 0 {
			g.setSessionCookie(w, sessionTokenFromRequest(r), ttl)
		}
	}
	g.writeJSON(w, http.StatusOK, view)
}

type anonymousRequest struct {
	Provider string `json:"provider" validate:"required,max=64"`
}

type anonymousResponse struct {
	SessionToken string `json:"sessionToken"`
	LoginToken   string `json:"loginToken"`
	RedirectURL  string `json:"redirectUrl,omitempty"`
}

func (g *Gateway) handleSessionAnonymous(w http.ResponseWriter, r *http.Request) {
	var req anonymousRequest
	if !g.decode(w, r, &req) {
		return
	}

	anon, err := g.machine.BeginAnonymous(r.Context(), req.Provider)
	if err != nil {
		g.storeFailure(w, "begin anonymous session", err)
		return
	}

	resp := anonymousResponse{
		SessionToken: anon.SessionToken,
		LoginToken:   anon.LoginToken,
	}
	if g.providers != nil {
		if p, perr := g.providers.Get(req.Provider); perr == nil {
			resp.RedirectURL = p.AuthCodeURL(anon.LoginToken)
		}
	}

	g.setSessionCookie(w, anon.SessionToken, g.machine.AnonymousTTL())
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleHandshakeRefresh(w http.ResponseWriter, r *http.Request) {
	sessionToken := sessionTokenFromRequest(r)
	loginToken, err := g.machine.RefreshHandshake(r.Context(), sessionToken)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, sessions.ErrNoHandshake):
			g.writeError(w, http.StatusBadRequest, "no_handshake", "no login attempt in flight for this session")
		default:
			g.storeFailure(w, "refresh handshake", err)
		}
		return
	}
	g.setSessionCookie(w, sessionToken, g.machine.AnonymousTTL())
	g.writeJSON(w, http.StatusOK, map[string]string{"loginToken": loginToken})
}

// ---------------------------------------------------------------------------
// Handshake resolution
// ---------------------------------------------------------------------------

type handshakeIdentity struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"externalId"`
	Email      string `json:"email" validate:"omitempty,email"`
	Username   string `json:"username"`
}

type handshakeResolveRequest struct {
	LoginToken string            `json:"loginToken" validate:"required"`
	Granted    bool              `json:"granted"`
	Identity   handshakeIdentity `json:"identity"`
}

func (g *Gateway) handleHandshakeResolve(w http.ResponseWriter, r *http.Request) {
	var req handshakeResolveRequest
	if !g.decode(w, r, &req) {
		return
	}

	var identity token.Identity
	if req.Granted {
		if req.Identity.Email == "" {
			g.writeError(w, http.StatusBadRequest, "invalid_request", "granted handshake requires an identity email")
			return
		}
		subject := req.Identity.ExternalID
		if subject == "" && req.Identity.ID != 0 {
			subject = fmt.Sprintf("%d", req.Identity.ID)
		}
		user, err := g.dir.ResolveExternal(r.Context(), "handshake", subject, req.Identity.Email, req.Identity.Username)
		if err != nil {
			g.storeFailure(w, "resolve external identity", err)
			return
		}
		identity = user.Identity()
	}

	result, err := g.machine.ResolveHandshake(r.Context(), req.LoginToken, req.Granted, identity)
	if err != nil {
		g.storeFailure(w, "resolve handshake", err)
		return
	}
	g.respondHandshake(w, result)
}

func (g *Gateway) respondHandshake(w http.ResponseWriter, result *sessions.HandshakeResult) {
	switch result.Outcome {
	case sessions.OutcomeAuthorized:
		grant := result.Grant
		g.writeJSON(w, http.StatusOK, map[string]any{
			"status":       sessions.StatusAuthorized,
			"user":         grant.View.User,
			"accessToken":  grant.AccessToken,
			"refreshToken": grant.RefreshToken,
		})
	case sessions.OutcomeDenied:
		g.writeError(w, http.StatusUnauthorized, "denied", "login attempt was denied")
	default:
		g.writeError(w, http.StatusBadRequest, "token_not_found", "login token unknown or expired, start again")
	}
}

// ---------------------------------------------------------------------------
// OAuth provider routes
// ---------------------------------------------------------------------------

func (g *Gateway) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	p, err := g.providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		g.writeError(w, http.StatusNotFound, "unknown_provider", "identity provider not configured")
		return
	}
	loginToken := r.URL.Query().Get("token")
	if loginToken == "" {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "login token query parameter required")
		return
	}
	http.Redirect(w, r, p.AuthCodeURL(loginToken), http.StatusFound)
}

func (g *Gateway) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	p, err := g.providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		g.writeError(w, http.StatusNotFound, "unknown_provider", "identity provider not configured")
		return
	}

	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")

	if q.Get("error") != "" || code == "" {
		if _, derr := g.machine.ResolveHandshake(r.Context(), state, false, token.Identity{}); derr != nil {
			g.log.Warn("denied handshake cleanup failed", "error", derr)
		}
		http.Redirect(w, r, "/?login=denied", http.StatusFound)
		return
	}

	ext, err := p.Exchange(r.Context(), code)
	if err != nil {
		g.log.Warn("oauth code exchange failed", "provider", p.Name(), "error", err)
		if _, derr := g.machine.ResolveHandshake(r.Context(), state, false, token.Identity{}); derr != nil {
			g.log.Warn("denied handshake cleanup failed", "error", derr)
		}
		http.Redirect(w, r, "/?login=denied", http.StatusFound)
		return
	}

	user, err := g.dir.ResolveExternal(r.Context(), ext.Provider, ext.Subject, ext.Email, ext.Username)
	if err != nil {
		g.storeFailure(w, "resolve external identity", err)
		return
	}
	result, err := g.machine.ResolveHandshake(r.Context(), state, true, user.Identity())
	if err != nil {
		g.storeFailure(w, "resolve handshake", err)
		return
	}
	if result.Outcome == sessions.OutcomeAuthorized {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/?login=expired", http.StatusFound)
}

// ---------------------------------------------------------------------------
// Credential routes
// ---------------------------------------------------------------------------

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !g.decode(w, r, &req) {
		return
	}

	user, err := g.dir.FindByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			// No account yet: start verification instead of leaking
			// whether the address is registered.
			g.dispatchVerification(w, r, req.Email)
			return
		}
		g.storeFailure(w, "find user", err)
		return
	}

	if user.PasswordHash == "" {
		// Pending account from an earlier needs_verification round.
		g.dispatchVerification(w, r, req.Email)
		return
	}

	ok, err := g.hasher.Verify(req.Password, user.PasswordHash)
	if err != nil || !ok {
		g.writeError(w, http.StatusUnauthorized, "invalid_credentials", "email or password is incorrect")
		return
	}

	if !user.Verified {
		g.dispatchVerification(w, r, req.Email)
		return
	}

	if upgrade, uerr := g.hasher.NeedsUpgrade(user.PasswordHash); uerr == nil && upgrade {
		if newHash, herr := g.hasher.Hash(req.Password); herr == nil {
			if perr := g.dir.UpdatePasswordHash(r.Context(), user.ID, newHash); perr != nil {
				g.log.Warn("password hash upgrade failed", "user_id", user.ID, "error", perr)
			}
		}
	}

	g.authorize(w, r, user)
}

type verifyCodeRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Code     string `json:"code" validate:"required,len=6,numeric"`
	Password string `json:"password" validate:"omitempty,min=6"`
}

func (g *Gateway) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if !g.decode(w, r, &req) {
		return
	}

	user, err := g.dir.ConsumeVerificationCode(r.Context(), req.Email, req.Code)
	if err != nil {
		if errors.Is(err, directory.ErrCodeInvalid) {
			g.writeError(w, http.StatusBadRequest, "code_invalid", "code is wrong or expired, request a new one")
			return
		}
		g.storeFailure(w, "consume verification code", err)
		return
	}

	var hash string
	if req.Password != "" {
		hash, err = g.hasher.Hash(req.Password)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "weak_password", err.Error())
			return
		}
	}
	if err := g.dir.CompleteVerification(r.Context(), user.ID, hash); err != nil {
		g.storeFailure(w, "complete verification", err)
		return
	}
	user.Verified = true

	g.authorize(w, r, user)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !g.decode(w, r, &req) {
		return
	}

	pair, err := g.machine.RefreshCredentials(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, sessions.ErrRefreshRejected) {
			g.writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token rejected, log in again")
			return
		}
		g.storeFailure(w, "refresh credentials", err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

type logoutRequest struct {
	AllDevices bool `json:"allDevices"`
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.Body != nil && r.ContentLength != 0 {
		// Logout succeeds regardless of body quality.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := g.machine.Logout(r.Context(), sessionTokenFromRequest(r), req.AllDevices); err != nil {
		g.log.Warn("logout cleanup failed", "error", err)
	}
	g.clearSessionCookie(w)
	g.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// authorize performs the direct-credential upgrade shared by login and
// verify-code and writes the success payload.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request, user *directory.User) {
	grant, err := g.machine.Authorize(r.Context(), sessionTokenFromRequest(r), user.Identity())
	if err != nil {
		g.storeFailure(w, "authorize session", err)
		return
	}
	g.setSessionCookie(w, grant.SessionToken, grant.SessionTTL)
	g.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"user":         grant.View.User,
		"accessToken":  grant.AccessToken,
		"refreshToken": grant.RefreshToken,
	})
}

// dispatchVerification stores a fresh code and hands it to the sink, then
// answers needs_verification.
func (g *Gateway) dispatchVerification(w http.ResponseWriter, r *http.Request, email string) {
	code, err := token.NewVerificationCode()
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, "internal_error", "could not generate verification code")
		return
	}
	if err := g.dir.UpsertVerificationCode(r.Context(), email, code, time.Now().Add(g.cfg.CodeTTL)); err != nil {
		g.storeFailure(w, "store verification code", err)
		return
	}
	if err := g.sink.SendVerificationCode(r.Context(), email, code); err != nil {
		g.log.Error("verification code dispatch failed", "email", email, "error", err)
		g.writeError(w, http.StatusBadGateway, "code_dispatch_failed", "could not send the verification code, try again")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "needs_verification",
		"email":  email,
	})
}

// decode parses and validates a JSON body; on failure it writes the 400
// and reports false.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return false
	}
	if err := g.validate.Struct(dst); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

// storeFailure distinguishes infrastructure outages (503, client should
// retry) from other internal failures (500).
func (g *Gateway) storeFailure(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, kvstore.ErrUnavailable) {
		g.log.Error(op+" failed: session store unavailable", "error", err)
		g.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session store unavailable, try again")
		return
	}
	g.log.Error(op+" failed", "error", err)
	g.writeError(w, http.StatusInternalServerError, "internal_error", "unexpected failure")
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.log.Warn("response encoding failed", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, code, message string) {
	g.writeJSON(w, status, map[string]string{"error": code, "message": message})
}
