package onboarding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"navidai/pkg/domain"
	"navidai/pkg/store"
)

// ErrUserNotFound is returned when the caller's user row is gone.
var ErrUserNotFound = errors.New("user not found")

// Fields is a partial update. Nil fields keep their stored value.
type Fields struct {
	Intent *string
	Goals  *[]string
}

// Service tracks post-signup profile answers.
type Service struct {
	store store.Store
	now   func() time.Time
}

func New(st store.Store) *Service {
	return &Service{store: st, now: time.Now}
}

// Progress returns the stored answers, or an empty record when none exist.
func (s *Service) Progress(ctx context.Context, user domain.User) (domain.OnboardingProgress, error) {
	p, ok, err := s.store.GetOnboardingProgress(ctx, user.ID)
	if err != nil {
		return domain.OnboardingProgress{}, fmt.Errorf("fetch onboarding: %w", err)
	}
	if !ok {
		return domain.OnboardingProgress{UserID: user.ID, Goals: []string{}}, nil
	}
	return p, nil
}

// PatchProgress upserts the provided fields. It never touches the user's
// onboarding flag.
func (s *Service) PatchProgress(ctx context.Context, user domain.User, f Fields) (domain.OnboardingProgress, error) {
	p, err := s.merged(ctx, user, f)
	if err != nil {
		return domain.OnboardingProgress{}, err
	}
	if err := s.store.SaveOnboardingProgress(ctx, p); err != nil {
		return domain.OnboardingProgress{}, fmt.Errorf("save onboarding: %w", err)
	}
	return p, nil
}

// Complete applies f like PatchProgress and marks onboarding complete.
// Repeating it is harmless.
func (s *Service) Complete(ctx context.Context, user domain.User, f Fields) (domain.User, error) {
	p, err := s.merged(ctx, user, f)
	if err != nil {
		return domain.User{}, err
	}
	updated, err := s.store.CompleteOnboarding(ctx, p)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, fmt.Errorf("complete onboarding: %w", err)
	}
	return updated, nil
}

func (s *Service) merged(ctx context.Context, user domain.User, f Fields) (domain.OnboardingProgress, error) {
	p, err := s.Progress(ctx, user)
	if err != nil {
		return domain.OnboardingProgress{}, err
	}
	if f.Intent != nil {
		p.Intent = strings.TrimSpace(*f.Intent)
	}
	if f.Goals != nil {
		goals := make([]string, 0, len(*f.Goals))
		for _, g := range *f.Goals {
			if g = strings.TrimSpace(g); g != "" {
				goals = append(goals, g)
			}
		}
		p.Goals = goals
	}
	p.UserID = user.ID
	p.UpdatedAt = s.now().UTC()
	return p, nil
}
