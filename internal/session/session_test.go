package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"navidai/pkg/auth"
	"navidai/pkg/domain"
	"navidai/pkg/storage"
	"navidai/pkg/store"
)

func seedUser(t *testing.T, st *store.MemoryStore, email, password string) domain.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	now := time.Now().UTC()
	u := domain.User{ID: "u-" + email, Email: email, PasswordHash: hash, FullName: "Jane Doe", CreatedAt: now, UpdatedAt: now}
	if err := st.SaveUser(context.Background(), u); err != nil {
		t.Fatalf("save user: %v", err)
	}
	return u
}

func TestLoginAndCurrentUser(t *testing.T) {
	st := store.NewMemoryStore()
	svc := New(st, store.NewMemorySessionStore(time.Hour), nil)
	seeded := seedUser(t, st, "a@b.com", "P@ssw0rd1")
	ctx := context.Background()

	user, token, err := svc.Login(ctx, " A@B.COM ", "P@ssw0rd1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID != seeded.ID || token == "" {
		t.Fatalf("unexpected login result %+v %q", user, token)
	}
	got, ok, err := svc.CurrentUser(ctx, token)
	if err != nil || !ok || got.ID != seeded.ID {
		t.Fatalf("current user: %+v ok=%v err=%v", got, ok, err)
	}

	if err := svc.Logout(token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := svc.Logout(token); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if err := svc.Logout(""); err != nil {
		t.Fatalf("logout without session: %v", err)
	}
	if _, ok, err := svc.CurrentUser(ctx, token); ok || err != nil {
		t.Fatalf("expected no user after logout, ok=%v err=%v", ok, err)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	st := store.NewMemoryStore()
	svc := New(st, store.NewMemorySessionStore(time.Hour), nil)
	seedUser(t, st, "a@b.com", "P@ssw0rd1")

	cases := []struct{ email, password string }{
		{"a@b.com", "wrong-password"},
		{"nobody@b.com", "P@ssw0rd1"},
	}
	for _, tc := range cases {
		_, _, err := svc.Login(context.Background(), tc.email, tc.password)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("login(%q): expected ErrInvalidCredentials, got %v", tc.email, err)
		}
	}
}

func TestCurrentUserWithoutSession(t *testing.T) {
	svc := New(store.NewMemoryStore(), store.NewMemorySessionStore(time.Hour), nil)
	for _, token := range []string{"", "unknown"} {
		if _, ok, err := svc.CurrentUser(context.Background(), token); ok || err != nil {
			t.Fatalf("token %q: ok=%v err=%v", token, ok, err)
		}
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	st := store.NewMemoryStore()
	exports := storage.NewMemoryStore()
	svc := New(st, store.NewMemorySessionStore(time.Hour), exports)
	u := seedUser(t, st, "gone@b.com", "P@ssw0rd1")
	ctx := context.Background()

	now := time.Now().UTC()
	conv := domain.Conversation{ID: "c1", UserID: u.ID, Title: domain.DefaultConversationTitle, CreatedAt: now, UpdatedAt: now}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := st.AppendMessage(ctx, domain.Message{ID: "m1", ConversationID: "c1", Role: domain.RoleUser, Content: "hi", CreatedAt: now}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.SaveOnboardingProgress(ctx, domain.OnboardingProgress{UserID: u.ID, Intent: "learn"}); err != nil {
		t.Fatalf("onboarding: %v", err)
	}
	key := storage.ExportPrefix(u.ID, "c1") + "t.json"
	if err := exports.PutBytes(ctx, key, []byte("{}"), "application/json"); err != nil {
		t.Fatalf("put export: %v", err)
	}
	_, token, err := svc.Login(ctx, "gone@b.com", "P@ssw0rd1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := svc.DeleteAccount(ctx, u, token); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, ok, _ := st.GetUserByID(ctx, u.ID); ok {
		t.Fatalf("user still present")
	}
	if _, ok, _ := st.GetConversation(ctx, "c1"); ok {
		t.Fatalf("conversation still present")
	}
	if _, ok, _ := st.GetOnboardingProgress(ctx, u.ID); ok {
		t.Fatalf("onboarding still present")
	}
	if _, _, err := exports.Get(key); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("export still present: %v", err)
	}
	if _, ok, _ := svc.CurrentUser(ctx, token); ok {
		t.Fatalf("session survived account deletion")
	}
}
