// Package token issues the three credential kinds the session machine
// deals in: opaque session/login tokens, signed access/refresh JWTs, and
// short numeric verification codes.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	opaqueTokenBytes    = 32
	verificationDigits  = 6
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 7 * 24 * time.Hour
	defaultAdminRefresh = 30 * 24 * time.Hour
)

// ErrTokenInvalid is returned for any signature, algorithm, issuer, or
// expiry mismatch. Verification fails closed: callers never learn which
// check rejected.
var ErrTokenInvalid = errors.New("token: invalid token")

// Identity is the user attributes bound into issued credentials. It is
// produced by the user directory; the issuer treats admins uniformly apart
// from the longer refresh lifetime.
type Identity struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// AccessClaims is the access-token payload: enough to authorize API calls
// without a directory round trip.
type AccessClaims struct {
	UserID  int64  `json:"userId"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

// RefreshClaims carries only the subject; everything else is re-resolved
// at rotation time.
type RefreshClaims struct {
	UserID int64 `json:"userId"`
	jwt.RegisteredClaims
}

// Config for an Issuer. Separate secrets for access and refresh tokens so
// a leaked access secret cannot mint refresh tokens.
type Config struct {
	AccessSecret    []byte
	RefreshSecret   []byte
	Issuer          string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	AdminRefreshTTL time.Duration
	Leeway          time.Duration
}

// Issuer mints and verifies credentials. Safe for concurrent use.
type Issuer struct {
	cfg Config
	now func() time.Time
}

// NewIssuer validates the config and applies lifetime defaults
// (15m access, 7d refresh, 30d admin refresh).
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token: access and refresh secrets are required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if cfg.AdminRefreshTTL <= 0 {
		cfg.AdminRefreshTTL = defaultAdminRefresh
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("token: invalid leeway")
	}
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

// NewOpaqueToken returns a 32-byte (256-bit) hex token from crypto/rand.
// Used for session and login tokens; never derived from time or counters.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: opaque token generation: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewVerificationCode returns a 6-digit decimal code from crypto/rand.
func NewVerificationCode() (string, error) {
	var b strings.Builder
	b.Grow(verificationDigits)
	ten := big.NewInt(10)
	for i := 0; i < verificationDigits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("token: verification code generation: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// RefreshTTL reports the refresh lifetime the identity is entitled to.
// Administrator sessions carry the 30-day lifetime.
func (i *Issuer) RefreshTTL(identity Identity) time.Duration {
	if identity.IsAdmin {
		return i.cfg.AdminRefreshTTL
	}
	return i.cfg.RefreshTTL
}

// IssueAccess signs a short-lived access token for the identity.
func (i *Issuer) IssueAccess(identity Identity) (string, error) {
	now := i.now()
	claims := AccessClaims{
		UserID:  identity.ID,
		Email:   identity.Email,
		IsAdmin: identity.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   fmt.Sprintf("%d", identity.ID),
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.AccessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.AccessSecret)
}

// IssueRefresh signs a long-lived refresh token for the identity.
func (i *Issuer) IssueRefresh(identity Identity) (string, error) {
	now := i.now()
	claims := RefreshClaims{
		UserID: identity.ID,
		// The jti makes every refresh token unique even within one
		// second, so rotation always changes the stored binding hash.
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   fmt.Sprintf("%d", identity.ID),
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.RefreshTTL(identity))),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.RefreshSecret)
}

// ParseAccess verifies an access token and returns its claims.
func (i *Issuer) ParseAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := i.parse(raw, claims, i.cfg.AccessSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token and returns its claims.
func (i *Issuer) ParseRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := i.parse(raw, claims, i.cfg.RefreshSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

func (i *Issuer) parse(raw string, claims jwt.Claims, secret []byte) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if i.cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(i.cfg.Leeway))
	}
	if i.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(i.cfg.Issuer))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil || !tok.Valid {
		return ErrTokenInvalid
	}
	return nil
}
