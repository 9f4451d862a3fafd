package signup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"navidai/pkg/auth"
	"navidai/pkg/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type sequenceCodes struct {
	mu    sync.Mutex
	codes []string
}

func (s *sequenceCodes) NewCode() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.codes[0]
	s.codes = s.codes[1:]
	return c, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) SendCode(_ context.Context, _ string, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, code)
	return nil
}

func newTestService(t *testing.T, codes CodeGenerator) (*Service, *store.MemoryStore, *fakeClock) {
	t.Helper()
	st := store.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	svc, err := New(Config{Store: st, Codes: codes, Now: clock.Now})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, st, clock
}

func TestSignupEndToEnd(t *testing.T) {
	svc, st, clock := newTestService(t, nil)
	ctx := context.Background()

	attempt, v, err := svc.Start(ctx, " A@B.com ", "P@ssw0rd1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if attempt.Email != "a@b.com" || len(attempt.Token) < 10 || attempt.Token[:3] != "st_" {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
	if !v.ExpiresAt.Equal(clock.t.Add(15*time.Minute)) || !v.ResendAvailableAt.Equal(clock.t.Add(time.Minute)) {
		t.Fatalf("unexpected verification %+v", v)
	}
	if v.Channel != "email" || v.CodeLength != 6 {
		t.Fatalf("unexpected verification metadata %+v", v)
	}
	if attempt.CodeHash == FixedCode {
		t.Fatalf("code stored in plaintext")
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.VerifyCode(ctx, attempt.Token, FixedCode); err != nil {
			t.Fatalf("verify #%d: %v", i+1, err)
		}
	}

	user, err := svc.Complete(ctx, attempt.Token, "Jane Doe", time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if user.OnboardingComplete || user.FullName != "Jane Doe" || user.Email != "a@b.com" {
		t.Fatalf("unexpected user %+v", user)
	}
	if !auth.CheckPassword("P@ssw0rd1", user.PasswordHash) {
		t.Fatalf("password hash from start not carried over")
	}
	if _, ok, _ := st.GetSignupAttempt(ctx, attempt.Token); ok {
		t.Fatalf("attempt not deleted after complete")
	}
	if _, err := svc.Complete(ctx, attempt.Token, "Jane Doe", time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)); !errors.Is(err, ErrSignupTokenExpired) {
		t.Fatalf("second complete: expected ErrSignupTokenExpired, got %v", err)
	}
	if _, _, err := svc.Start(ctx, "a@b.com", "An0ther!pass"); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("expected ErrEmailAlreadyExists, got %v", err)
	}
}

func TestStartTwiceSupersedesFirstToken(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	first, _, err := svc.Start(ctx, "dup@example.com", "P@ssw0rd1")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, _, err := svc.Start(ctx, "dup@example.com", "P@ssw0rd1")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first.Token == second.Token {
		t.Fatalf("tokens should differ")
	}
	if _, err := svc.VerifyCode(ctx, first.Token, FixedCode); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old token verify: expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.Complete(ctx, first.Token, "X", time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)); !errors.Is(err, ErrSignupTokenExpired) {
		t.Fatalf("old token complete: expected ErrSignupTokenExpired, got %v", err)
	}
	if _, err := svc.VerifyCode(ctx, second.Token, FixedCode); err != nil {
		t.Fatalf("new token verify: %v", err)
	}
}

func TestStartRejectsWeakPassword(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, _, err := svc.Start(context.Background(), "weak@example.com", "12345678")
	if len(auth.ProblemsOf(err)) == 0 {
		t.Fatalf("expected password policy error, got %v", err)
	}
}

func TestVerifyCodeErrors(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	ctx := context.Background()
	attempt, _, err := svc.Start(ctx, "v@example.com", "P@ssw0rd1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.VerifyCode(ctx, "st_unknown", FixedCode); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown token: got %v", err)
	}
	if _, err := svc.VerifyCode(ctx, attempt.Token, "000000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("wrong code: got %v", err)
	}
	clock.Advance(15*time.Minute + time.Second)
	if _, err := svc.VerifyCode(ctx, attempt.Token, FixedCode); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expired: got %v", err)
	}
}

func TestResendCodeRotatesCodeAndThrottles(t *testing.T) {
	codes := &sequenceCodes{codes: []string{"111111", "222222"}}
	sender := &recordingSender{}
	st := store.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	svc, err := New(Config{Store: st, Codes: codes, Sender: sender, Now: clock.Now})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	attempt, _, err := svc.Start(ctx, "r@example.com", "P@ssw0rd1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.ResendCode(ctx, attempt.Token); !errors.Is(err, ErrResendTooSoon) {
		t.Fatalf("expected ErrResendTooSoon, got %v", err)
	}
	clock.Advance(61 * time.Second)
	v, err := svc.ResendCode(ctx, attempt.Token)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if !v.ExpiresAt.Equal(clock.t.Add(15 * time.Minute)) {
		t.Fatalf("expiry not refreshed: %v", v.ExpiresAt)
	}
	if _, err := svc.VerifyCode(ctx, attempt.Token, "111111"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("old code should be rejected, got %v", err)
	}
	if _, err := svc.VerifyCode(ctx, attempt.Token, "222222"); err != nil {
		t.Fatalf("new code: %v", err)
	}
	if len(sender.sent) != 2 || sender.sent[1] != "222222" {
		t.Fatalf("unexpected sends %v", sender.sent)
	}
	if _, err := svc.ResendCode(ctx, "st_missing"); !errors.Is(err, ErrSignupTokenExpired) {
		t.Fatalf("unknown token: got %v", err)
	}
}

func TestCompleteExpiredAttemptIsPurged(t *testing.T) {
	svc, st, clock := newTestService(t, nil)
	ctx := context.Background()
	attempt, _, err := svc.Start(ctx, "late@example.com", "P@ssw0rd1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(16 * time.Minute)
	if _, err := svc.Complete(ctx, attempt.Token, "Late", time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)); !errors.Is(err, ErrSignupTokenExpired) {
		t.Fatalf("expected ErrSignupTokenExpired, got %v", err)
	}
	if _, ok, _ := st.GetSignupAttempt(ctx, attempt.Token); ok {
		t.Fatalf("expired attempt not purged")
	}
}

func TestCompleteAgeBoundary(t *testing.T) {
	cases := []struct {
		name  string
		birth time.Time
		want  error
	}{
		{"exactly eighteen", time.Date(2006, 6, 15, 0, 0, 0, 0, time.UTC), nil},
		{"one day short", time.Date(2006, 6, 16, 0, 0, 0, 0, time.UTC), ErrUnderage},
		{"well over", time.Date(1970, 12, 31, 0, 0, 0, 0, time.UTC), nil},
		{"tomorrow by the service clock", time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC), ErrBirthDateInFuture},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newTestService(t, nil)
			ctx := context.Background()
			attempt, _, err := svc.Start(ctx, "age@example.com", "P@ssw0rd1")
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			_, err = svc.Complete(ctx, attempt.Token, "Someone", tc.birth)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCompleteUsesConfiguredMinAge(t *testing.T) {
	st := store.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	svc, err := New(Config{Store: st, MinAge: 21, Now: clock.Now})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.MinAge() != 21 {
		t.Fatalf("min age = %d", svc.MinAge())
	}
	ctx := context.Background()
	attempt, _, err := svc.Start(ctx, "twenty@example.com", "P@ssw0rd1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = svc.Complete(ctx, attempt.Token, "Twenty", time.Date(2004, 1, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrUnderage) {
		t.Fatalf("expected ErrUnderage at twenty, got %v", err)
	}
}

func TestAge(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		birth time.Time
		want  int
	}{
		{time.Date(2000, 3, 1, 0, 0, 0, 0, time.UTC), 24},
		{time.Date(2000, 3, 2, 0, 0, 0, 0, time.UTC), 23},
		{time.Date(2000, 2, 29, 0, 0, 0, 0, time.UTC), 24},
		{time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 0},
	}
	for _, tc := range cases {
		if got := Age(tc.birth, now); got != tc.want {
			t.Fatalf("Age(%s) = %d, want %d", tc.birth.Format(time.DateOnly), got, tc.want)
		}
	}
}

func TestRandomCodeGenerator(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := RandomCodeGenerator{}.NewCode()
		if err != nil {
			t.Fatalf("new code: %v", err)
		}
		if len(code) != CodeLength {
			t.Fatalf("code %q has wrong length", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("code %q is not numeric", code)
			}
		}
	}
	if _, err := NewCodeGenerator("sms"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
