// Package sessions implements the session lifecycle state machine: the
// unknown → anonymous → authorized transitions, the login-token handshake,
// and refresh-credential rotation, on top of a TTL key-value store.
package sessions

import (
	"encoding/json"
	"time"

	"github.com/quizdeck/sessiond/internal/token"
)

// Status is a session's position in the lifecycle. Unknown is never
// persisted; it is the absence of a live record.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusAnonymous  Status = "anonymous"
	StatusAuthorized Status = "authorized"
)

// HandshakeStatus tracks one pending external-login attempt.
type HandshakeStatus string

const (
	HandshakePending HandshakeStatus = "pending"
	HandshakeGranted HandshakeStatus = "granted"
	HandshakeDenied  HandshakeStatus = "denied"
)

// SessionRecord is one browser session, keyed by its opaque session token.
//
// Invariant: LoginToken is set only while Status is anonymous; User,
// AccessToken, and RefreshToken only while authorized. The upgrade in
// ResolveHandshake/Authorize swaps the two field sets in a single store
// write, so no reader ever observes both.
type SessionRecord struct {
	SessionToken string          `json:"sessionToken"`
	Status       Status          `json:"status"`
	Provider     string          `json:"provider,omitempty"`
	LoginToken   string          `json:"loginToken,omitempty"`
	User         *token.Identity `json:"user,omitempty"`
	AccessToken  string          `json:"accessToken,omitempty"`
	RefreshToken string          `json:"refreshToken,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

// LoginTokenRecord is one pending handshake, keyed by its login token and
// holding a back-reference to the owning session. Consumed exactly once.
type LoginTokenRecord struct {
	ID           string          `json:"id"`
	LoginToken   string          `json:"loginToken"`
	SessionToken string          `json:"sessionToken"`
	Status       HandshakeStatus `json:"status"`
	Provider     string          `json:"provider,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

// View is the public projection of a session: status plus user data,
// never credentials or handshake state. ExpiresAt is for cookie-window
// bookkeeping and stays out of response bodies.
type View struct {
	Status    Status          `json:"status"`
	User      *token.Identity `json:"userData,omitempty"`
	ExpiresAt time.Time       `json:"-"`
}

func (r *SessionRecord) view() View {
	return View{Status: r.Status, User: r.User, ExpiresAt: r.ExpiresAt}
}

func (r *SessionRecord) expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

func (r *LoginTokenRecord) expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

func encodeSession(r *SessionRecord) ([]byte, error) { return json.Marshal(r) }

func decodeSession(data []byte) (*SessionRecord, error) {
	r := &SessionRecord{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

func encodeLogin(r *LoginTokenRecord) ([]byte, error) { return json.Marshal(r) }

func decodeLogin(data []byte) (*LoginTokenRecord, error) {
	r := &LoginTokenRecord{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}
