// Package directory is the session core's view of the User Directory: the
// durable system of record for user identity, email verification codes, and
// refresh-token bindings. Password hashes never leave this package's
// implementations except as opaque PHC strings for verification.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/quizdeck/sessiond/internal/token"
)

var (
	// ErrNotFound means no user matches the lookup.
	ErrNotFound = errors.New("directory: user not found")
	// ErrCodeInvalid covers both a wrong verification code and an
	// expired one; callers surface a single actionable message.
	ErrCodeInvalid = errors.New("directory: verification code invalid or expired")
	// ErrBindingNotFound means the refresh binding to rotate is absent:
	// the token was revoked or already rotated (replay).
	ErrBindingNotFound = errors.New("directory: refresh binding not found")
)

// User is a directory record. PasswordHash is empty for accounts still
// pending verification.
type User struct {
	ID           int64  `db:"id"`
	Email        string `db:"email"`
	Username     string `db:"username"`
	PasswordHash string `db:"password_hash"`
	IsAdmin      bool   `db:"is_admin"`
	Verified     bool   `db:"email_verified"`
}

// Identity projects the record into the attribute set bound into sessions
// and signed tokens.
func (u *User) Identity() token.Identity {
	return token.Identity{
		ID:       u.ID,
		Email:    u.Email,
		Username: u.Username,
		IsAdmin:  u.IsAdmin,
	}
}

// Directory is the collaborator interface the session core calls into.
// Implementations must be safe for concurrent use.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id int64) (*User, error)

	// UpsertVerificationCode stores a fresh code for the address,
	// creating a pending (unverified, passwordless) record when none
	// exists. The code expires at expiresAt, mirroring the session
	// store's TTL semantics in the durable tier.
	UpsertVerificationCode(ctx context.Context, email, code string, expiresAt time.Time) error

	// ConsumeVerificationCode validates and clears the code in one
	// step. Wrong or expired codes yield ErrCodeInvalid.
	ConsumeVerificationCode(ctx context.Context, email, code string) (*User, error)

	// CompleteVerification marks the user verified and, when
	// passwordHash is non-empty, installs it.
	CompleteVerification(ctx context.Context, userID int64, passwordHash string) error

	UpdatePasswordHash(ctx context.Context, userID int64, passwordHash string) error

	// ResolveExternal finds or creates the verified account behind an
	// external identity (provider + subject), used by the OAuth
	// handshake path.
	ResolveExternal(ctx context.Context, provider, subject, email, username string) (*User, error)

	// Refresh-token bindings mirror issued refresh tokens (as hashes)
	// for revocation and rotation. RotateRefreshBinding is conditional:
	// the old hash must still be present, otherwise ErrBindingNotFound.
	SaveRefreshBinding(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	RotateRefreshBinding(ctx context.Context, userID int64, oldHash, newHash string, expiresAt time.Time) error
	RevokeRefreshBindings(ctx context.Context, userID int64) error
}
