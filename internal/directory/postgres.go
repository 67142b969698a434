package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Postgres is the production Directory backed by the platform's user
// database.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an open sqlx handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id                   BIGSERIAL PRIMARY KEY,
    email                TEXT NOT NULL UNIQUE,
    username             TEXT NOT NULL DEFAULT '',
    password_hash        TEXT NOT NULL DEFAULT '',
    is_admin             BOOLEAN NOT NULL DEFAULT FALSE,
    email_verified       BOOLEAN NOT NULL DEFAULT FALSE,
    verification_code    TEXT,
    verification_expires TIMESTAMPTZ,
    oauth_provider       TEXT,
    oauth_subject        TEXT,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (oauth_provider, oauth_subject)
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
    id         BIGSERIAL PRIMARY KEY,
    user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    token_hash TEXT NOT NULL UNIQUE,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id);
`

// Migrate creates the directory tables when they do not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("directory: migrate: %w", err)
	}
	return nil
}

const userColumns = "id, email, username, password_hash, is_admin, email_verified"

func (p *Postgres) FindByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := p.db.GetContext(ctx, &u,
		"SELECT "+userColumns+" FROM users WHERE email = $1", email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("directory: find by email: %w", err)
	}
	return &u, nil
}

func (p *Postgres) FindByID(ctx context.Context, id int64) (*User, error) {
	var u User
	err := p.db.GetContext(ctx, &u,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("directory: find by id: %w", err)
	}
	return &u, nil
}

func (p *Postgres) UpsertVerificationCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	username := usernameFromEmail(email)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (email, username, verification_code, verification_expires)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email)
		DO UPDATE SET verification_code = $3, verification_expires = $4`,
		email, username, code, expiresAt)
	if err != nil {
		return fmt.Errorf("directory: upsert verification code: %w", err)
	}
	return nil
}

func (p *Postgres) ConsumeVerificationCode(ctx context.Context, email, code string) (*User, error) {
	var u User
	err := p.db.GetContext(ctx, &u, `
		UPDATE users
		SET verification_code = NULL, verification_expires = NULL
		WHERE email = $1 AND verification_code = $2 AND verification_expires > NOW()
		RETURNING `+userColumns,
		email, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("directory: consume verification code: %w", err)
	}
	return &u, nil
}

func (p *Postgres) CompleteVerification(ctx context.Context, userID int64, passwordHash string) error {
	var err error
	if passwordHash != "" {
		_, err = p.db.ExecContext(ctx,
			"UPDATE users SET email_verified = TRUE, password_hash = $1 WHERE id = $2",
			passwordHash, userID)
	} else {
		_, err = p.db.ExecContext(ctx,
			"UPDATE users SET email_verified = TRUE WHERE id = $1", userID)
	}
	if err != nil {
		return fmt.Errorf("directory: complete verification: %w", err)
	}
	return nil
}

func (p *Postgres) UpdatePasswordHash(ctx context.Context, userID int64, passwordHash string) error {
	if _, err := p.db.ExecContext(ctx,
		"UPDATE users SET password_hash = $1 WHERE id = $2", passwordHash, userID); err != nil {
		return fmt.Errorf("directory: update password hash: %w", err)
	}
	return nil
}

func (p *Postgres) ResolveExternal(ctx context.Context, provider, subject, email, username string) (*User, error) {
	if username == "" {
		username = usernameFromEmail(email)
	}
	var u User
	err := p.db.GetContext(ctx, &u, `
		INSERT INTO users (email, username, email_verified, oauth_provider, oauth_subject)
		VALUES ($1, $2, TRUE, $3, $4)
		ON CONFLICT (email)
		DO UPDATE SET email_verified = TRUE, oauth_provider = $3, oauth_subject = $4
		RETURNING `+userColumns,
		email, username, provider, subject)
	if err != nil {
		return nil, fmt.Errorf("directory: resolve external identity: %w", err)
	}
	return &u, nil
}

func (p *Postgres) SaveRefreshBinding(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	if _, err := p.db.ExecContext(ctx,
		"INSERT INTO refresh_tokens (user_id, token_hash, expires_at) VALUES ($1, $2, $3)",
		userID, tokenHash, expiresAt); err != nil {
		return fmt.Errorf("directory: save refresh binding: %w", err)
	}
	return nil
}

func (p *Postgres) RotateRefreshBinding(ctx context.Context, userID int64, oldHash, newHash string, expiresAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET token_hash = $1, expires_at = $2, created_at = NOW()
		WHERE user_id = $3 AND token_hash = $4 AND expires_at > NOW()`,
		newHash, expiresAt, userID, oldHash)
	if err != nil {
		return fmt.Errorf("directory: rotate refresh binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("directory: rotate refresh binding: %w", err)
	}
	if n == 0 {
		return ErrBindingNotFound
	}
	return nil
}

func (p *Postgres) RevokeRefreshBindings(ctx context.Context, userID int64) error {
	if _, err := p.db.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("directory: revoke refresh bindings: %w", err)
	}
	return nil
}

func usernameFromEmail(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}
