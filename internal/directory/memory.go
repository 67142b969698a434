package directory

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Directory used by tests and the embedded demo
// mode (no Postgres configured).
type Memory struct {
	mu       sync.Mutex
	nextID   int64
	users    map[int64]*memUser
	byEmail  map[string]int64
	bindings map[int64]map[string]time.Time

	now func() time.Time
}

type memUser struct {
	User
	verificationCode    string
	verificationExpires time.Time
	oauthProvider       string
	oauthSubject        string
}

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{
		nextID:   1,
		users:    make(map[int64]*memUser),
		byEmail:  make(map[string]int64),
		bindings: make(map[int64]map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock substitutes the time source; tests only.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

// Seed inserts a verified user with the given password hash and returns it.
func (m *Memory) Seed(email, username, passwordHash string, isAdmin bool) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.createLocked(email, username)
	u.PasswordHash = passwordHash
	u.Verified = true
	u.IsAdmin = isAdmin
	out := u.User
	return &out
}

func (m *Memory) createLocked(email, username string) *memUser {
	if username == "" {
		if at := strings.IndexByte(email, '@'); at > 0 {
			username = email[:at]
		} else {
			username = email
		}
	}
	u := &memUser{User: User{ID: m.nextID, Email: email, Username: username}}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	m.nextID++
	return u
}

func (m *Memory) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	out := m.users[id].User
	return &out, nil
}

func (m *Memory) FindByID(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := u.User
	return &out, nil
}

func (m *Memory) UpsertVerificationCode(_ context.Context, email, code string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	var u *memUser
	if ok {
		u = m.users[id]
	} else {
		u = m.createLocked(email, "")
	}
	u.verificationCode = code
	u.verificationExpires = expiresAt
	return nil
}

func (m *Memory) ConsumeVerificationCode(_ context.Context, email, code string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrCodeInvalid
	}
	u := m.users[id]
	if u.verificationCode == "" || u.verificationCode != code || !u.verificationExpires.After(m.now()) {
		return nil, ErrCodeInvalid
	}
	u.verificationCode = ""
	u.verificationExpires = time.Time{}
	out := u.User
	return &out, nil
}

func (m *Memory) CompleteVerification(_ context.Context, userID int64, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Verified = true
	if passwordHash != "" {
		u.PasswordHash = passwordHash
	}
	return nil
}

func (m *Memory) UpdatePasswordHash(_ context.Context, userID int64, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *Memory) ResolveExternal(_ context.Context, provider, subject, email, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var u *memUser
	if id, ok := m.byEmail[email]; ok {
		u = m.users[id]
	} else {
		u = m.createLocked(email, username)
	}
	u.Verified = true
	u.oauthProvider = provider
	u.oauthSubject = subject
	out := u.User
	return &out, nil
}

func (m *Memory) SaveRefreshBinding(_ context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindings[userID] == nil {
		m.bindings[userID] = make(map[string]time.Time)
	}
	m.bindings[userID][tokenHash] = expiresAt
	return nil
}

func (m *Memory) RotateRefreshBinding(_ context.Context, userID int64, oldHash, newHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.bindings[userID]
	exp, ok := set[oldHash]
	if !ok || !exp.After(m.now()) {
		return ErrBindingNotFound
	}
	delete(set, oldHash)
	set[newHash] = expiresAt
	return nil
}

func (m *Memory) RevokeRefreshBindings(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, userID)
	return nil
}

// BindingCount reports live refresh bindings for a user; tests only.
func (m *Memory) BindingCount(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bindings[userID])
}
