package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"navidai/internal/util"
	"navidai/pkg/auth"
	"navidai/pkg/domain"
	"navidai/pkg/storage"
	"navidai/pkg/store"
)

// ErrInvalidCredentials is shown to end users for unknown emails and wrong
// passwords alike.
var ErrInvalidCredentials = errors.New("Incorrect email address or password")

// dummyHash keeps login timing similar whether or not the email exists.
var dummyHash = sync.OnceValue(func() string {
	h, _ := auth.HashPassword("navid-timing-equalizer")
	return h
})

// Service binds users to session tokens.
type Service struct {
	store    store.Store
	sessions store.SessionStore
	exports  storage.ObjectStore
}

// New builds the service. exports may be nil when conversation export is
// disabled.
func New(st store.Store, sessions store.SessionStore, exports storage.ObjectStore) *Service {
	return &Service{store: st, sessions: sessions, exports: exports}
}

// Login verifies credentials and opens a session.
func (s *Service) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, ok, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		auth.CheckPassword(password, dummyHash())
		return domain.User{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := s.Open(user.ID)
	if err != nil {
		return domain.User{}, "", err
	}
	return user, token, nil
}

// Open creates a session for an already authenticated user, as after signup.
func (s *Service) Open(userID string) (string, error) {
	token, err := s.sessions.NewSession(userID)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

// Logout destroys the session. An empty or unknown token is not an error.
func (s *Service) Logout(token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if err := s.sessions.DeleteSession(token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CurrentUser resolves a token to its user. ok is false without error for
// missing, expired and orphaned sessions.
func (s *Service) CurrentUser(ctx context.Context, token string) (domain.User, bool, error) {
	if strings.TrimSpace(token) == "" {
		return domain.User{}, false, nil
	}
	userID, ok, err := s.sessions.GetUserIDByToken(token)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("resolve session: %w", err)
	}
	if !ok {
		return domain.User{}, false, nil
	}
	user, ok, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("fetch user: %w", err)
	}
	return user, ok, nil
}

// DeleteAccount removes the user with everything it owns and ends the
// session that asked for it.
func (s *Service) DeleteAccount(ctx context.Context, user domain.User, token string) error {
	if err := s.store.DeleteUser(ctx, user.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete user: %w", err)
	}
	if s.exports != nil {
		if err := s.exports.DeletePrefix(ctx, storage.ExportPrefix(user.ID, "")); err != nil {
			util.LoggerFromContext(ctx).Warn("delete user exports failed", "user_id", user.ID, "err", err)
		}
	}
	return s.Logout(token)
}
