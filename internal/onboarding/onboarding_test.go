package onboarding

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"navidai/pkg/domain"
	"navidai/pkg/store"
)

func setup(t *testing.T) (*Service, *store.MemoryStore, domain.User) {
	t.Helper()
	st := store.NewMemoryStore()
	u := domain.User{ID: "u1", Email: "a@b.com", CreatedAt: time.Now().UTC()}
	if err := st.SaveUser(context.Background(), u); err != nil {
		t.Fatalf("save user: %v", err)
	}
	return New(st), st, u
}

func ptr[T any](v T) *T { return &v }

func TestPatchProgressPartialUpdates(t *testing.T) {
	svc, st, u := setup(t)
	ctx := context.Background()

	p, err := svc.PatchProgress(ctx, u, Fields{Intent: ptr("study")})
	if err != nil {
		t.Fatalf("patch intent: %v", err)
	}
	if p.Intent != "study" || len(p.Goals) != 0 {
		t.Fatalf("unexpected progress %+v", p)
	}
	p, err = svc.PatchProgress(ctx, u, Fields{Goals: ptr([]string{"math", " ", "history"})})
	if err != nil {
		t.Fatalf("patch goals: %v", err)
	}
	if p.Intent != "study" || !slices.Equal(p.Goals, []string{"math", "history"}) {
		t.Fatalf("intent lost or goals wrong: %+v", p)
	}
	got, _, _ := st.GetUserByID(ctx, u.ID)
	if got.OnboardingComplete {
		t.Fatalf("patch must not complete onboarding")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	svc, _, u := setup(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		updated, err := svc.Complete(ctx, u, Fields{Intent: ptr("work"), Goals: ptr([]string{"write"})})
		if err != nil {
			t.Fatalf("complete #%d: %v", i+1, err)
		}
		if !updated.OnboardingComplete {
			t.Fatalf("complete #%d did not set flag", i+1)
		}
	}
	p, err := svc.Progress(ctx, u)
	if err != nil || p.Intent != "work" || !slices.Equal(p.Goals, []string{"write"}) {
		t.Fatalf("unexpected progress %+v err=%v", p, err)
	}
}

func TestCompleteMissingUser(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.Complete(context.Background(), domain.User{ID: "ghost"}, Fields{})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
