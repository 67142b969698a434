package directory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestVerificationCodeLifecycle(t *testing.T) {
	m := NewMemory()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := m.UpsertVerificationCode(ctx, "new@example.com", "123456", now.Add(15*time.Minute)); err != nil {
		t.Fatalf("UpsertVerificationCode failed: %v", err)
	}

	// A pending account exists but is unverified and passwordless.
	u, err := m.FindByEmail(ctx, "new@example.com")
	if err != nil {
		t.Fatalf("FindByEmail failed: %v", err)
	}
	if u.Verified || u.PasswordHash != "" {
		t.Fatalf("pending account = %+v, want unverified without password", u)
	}

	if _, err := m.ConsumeVerificationCode(ctx, "new@example.com", "654321"); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("wrong code = %v, want ErrCodeInvalid", err)
	}

	u, err = m.ConsumeVerificationCode(ctx, "new@example.com", "123456")
	if err != nil {
		t.Fatalf("ConsumeVerificationCode failed: %v", err)
	}
	if _, err := m.ConsumeVerificationCode(ctx, "new@example.com", "123456"); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("reused code = %v, want ErrCodeInvalid", err)
	}

	if err := m.CompleteVerification(ctx, u.ID, "hash"); err != nil {
		t.Fatalf("CompleteVerification failed: %v", err)
	}
	u, err = m.FindByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if !u.Verified || u.PasswordHash != "hash" {
		t.Fatalf("completed account = %+v, want verified with password", u)
	}
}

func TestVerificationCodeExpires(t *testing.T) {
	m := NewMemory()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := m.UpsertVerificationCode(ctx, "new@example.com", "123456", now.Add(15*time.Minute)); err != nil {
		t.Fatalf("UpsertVerificationCode failed: %v", err)
	}

	now = now.Add(16 * time.Minute)
	if _, err := m.ConsumeVerificationCode(ctx, "new@example.com", "123456"); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expired code = %v, want ErrCodeInvalid", err)
	}
}

func TestResolveExternalIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.ResolveExternal(ctx, "google", "sub-1", "pat@example.com", "Pat")
	if err != nil {
		t.Fatalf("ResolveExternal failed: %v", err)
	}
	if first.ID != 1 || !first.Verified {
		t.Fatalf("first login = %+v, want verified user with id 1", first)
	}

	again, err := m.ResolveExternal(ctx, "google", "sub-1", "pat@example.com", "Pat")
	if err != nil {
		t.Fatalf("ResolveExternal failed: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("second login id = %d, want %d", again.ID, first.ID)
	}
}

func TestRotateRefreshBinding(t *testing.T) {
	m := NewMemory()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := m.SaveRefreshBinding(ctx, 1, "hash-a", now.Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshBinding failed: %v", err)
	}
	if err := m.RotateRefreshBinding(ctx, 1, "hash-a", "hash-b", now.Add(time.Hour)); err != nil {
		t.Fatalf("RotateRefreshBinding failed: %v", err)
	}
	if err := m.RotateRefreshBinding(ctx, 1, "hash-a", "hash-c", now.Add(time.Hour)); !errors.Is(err, ErrBindingNotFound) {
		t.Fatalf("rotate of rotated hash = %v, want ErrBindingNotFound", err)
	}
	if err := m.RevokeRefreshBindings(ctx, 1); err != nil {
		t.Fatalf("RevokeRefreshBindings failed: %v", err)
	}
	if err := m.RotateRefreshBinding(ctx, 1, "hash-b", "hash-d", now.Add(time.Hour)); !errors.Is(err, ErrBindingNotFound) {
		t.Fatalf("rotate after revoke = %v, want ErrBindingNotFound", err)
	}
}
