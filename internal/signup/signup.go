package signup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"navidai/internal/util"
	"navidai/pkg/auth"
	"navidai/pkg/domain"
	"navidai/pkg/store"
)

// Config holds the signup flow's collaborators and limits.
type Config struct {
	Store          store.Store
	Codes          CodeGenerator
	Sender         CodeSender
	TTL            time.Duration
	ResendInterval time.Duration
	MinAge         int
	Now            func() time.Time
}

// Verification is what the client is told about the code it was sent.
type Verification struct {
	Channel           string    `json:"channel"`
	CodeLength        int       `json:"codeLength"`
	ExpiresAt         time.Time `json:"expiresAt"`
	ResendAvailableAt time.Time `json:"resendAvailableAt"`
}

// Service runs pending signups through start, verify and complete.
type Service struct {
	store          store.Store
	codes          CodeGenerator
	sender         CodeSender
	ttl            time.Duration
	resendInterval time.Duration
	minAge         int
	now            func() time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("signup: store required")
	}
	s := &Service{
		store:          cfg.Store,
		codes:          cfg.Codes,
		sender:         cfg.Sender,
		ttl:            cfg.TTL,
		resendInterval: cfg.ResendInterval,
		minAge:         cfg.MinAge,
		now:            cfg.Now,
	}
	if s.codes == nil {
		s.codes = FixedCodeGenerator{}
	}
	if s.sender == nil {
		s.sender = LogCodeSender{}
	}
	if s.ttl <= 0 {
		s.ttl = 15 * time.Minute
	}
	if s.resendInterval <= 0 {
		s.resendInterval = time.Minute
	}
	if s.minAge <= 0 {
		s.minAge = 18
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Start opens a signup attempt for email, replacing any pending attempt for
// the same address.
func (s *Service) Start(ctx context.Context, email, password string) (domain.SignupAttempt, Verification, error) {
	email = NormalizeEmail(email)
	if err := auth.ValidatePassword(password, email); err != nil {
		return domain.SignupAttempt{}, Verification{}, err
	}
	exists, err := s.store.HasUserEmail(ctx, email)
	if err != nil {
		return domain.SignupAttempt{}, Verification{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.SignupAttempt{}, Verification{}, ErrEmailAlreadyExists
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.SignupAttempt{}, Verification{}, fmt.Errorf("hash password: %w", err)
	}
	token, err := NewSignupToken()
	if err != nil {
		return domain.SignupAttempt{}, Verification{}, err
	}
	code, codeHash, err := s.issueCode()
	if err != nil {
		return domain.SignupAttempt{}, Verification{}, err
	}
	now := s.now().UTC()
	attempt := domain.SignupAttempt{
		Token:        token,
		Email:        email,
		PasswordHash: passwordHash,
		CodeHash:     codeHash,
		ExpiresAt:    now.Add(s.ttl),
		CodeSentAt:   now,
		CreatedAt:    now,
	}
	if err := s.store.ReplaceSignupAttempt(ctx, attempt); err != nil {
		return domain.SignupAttempt{}, Verification{}, fmt.Errorf("save signup attempt: %w", err)
	}
	if err := s.sender.SendCode(ctx, email, code); err != nil {
		return domain.SignupAttempt{}, Verification{}, fmt.Errorf("send verification code: %w", err)
	}
	return attempt, s.verification(attempt), nil
}

// ResendCode issues a fresh code and expiry for a live attempt.
func (s *Service) ResendCode(ctx context.Context, token string) (Verification, error) {
	attempt, err := s.liveAttempt(ctx, token)
	if err != nil {
		return Verification{}, err
	}
	now := s.now().UTC()
	if now.Before(attempt.CodeSentAt.Add(s.resendInterval)) {
		return Verification{}, ErrResendTooSoon
	}
	code, codeHash, err := s.issueCode()
	if err != nil {
		return Verification{}, err
	}
	attempt.CodeHash = codeHash
	attempt.CodeSentAt = now
	attempt.ExpiresAt = now.Add(s.ttl)
	if err := s.store.UpdateSignupAttempt(ctx, attempt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Verification{}, ErrSignupTokenExpired
		}
		return Verification{}, fmt.Errorf("update signup attempt: %w", err)
	}
	if err := s.sender.SendCode(ctx, attempt.Email, code); err != nil {
		return Verification{}, fmt.Errorf("send verification code: %w", err)
	}
	return s.verification(attempt), nil
}

// VerifyCode checks code against the attempt without consuming it, so it
// may be repeated.
func (s *Service) VerifyCode(ctx context.Context, token, code string) (domain.SignupAttempt, error) {
	attempt, ok, err := s.store.GetSignupAttempt(ctx, strings.TrimSpace(token))
	if err != nil {
		return domain.SignupAttempt{}, fmt.Errorf("fetch signup attempt: %w", err)
	}
	if !ok {
		return domain.SignupAttempt{}, ErrInvalidToken
	}
	if attempt.Expired(s.now()) {
		return domain.SignupAttempt{}, ErrCodeExpired
	}
	if !codeMatches(strings.TrimSpace(code), attempt.CodeHash) {
		return domain.SignupAttempt{}, ErrInvalidCode
	}
	return attempt, nil
}

// Complete turns the attempt into a user carrying the password hash captured
// at Start. User creation and attempt deletion happen in one transaction.
func (s *Service) Complete(ctx context.Context, token, fullName string, birthDate time.Time) (domain.User, error) {
	attempt, err := s.liveAttempt(ctx, token)
	if err != nil {
		return domain.User{}, err
	}
	now := s.now().UTC()
	bd := time.Date(birthDate.Year(), birthDate.Month(), birthDate.Day(), 0, 0, 0, 0, time.UTC)
	if bd.After(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)) {
		return domain.User{}, ErrBirthDateInFuture
	}
	if Age(birthDate, now) < s.minAge {
		return domain.User{}, ErrUnderage
	}
	user := domain.User{
		ID:           util.NewUUID(),
		Email:        attempt.Email,
		PasswordHash: attempt.PasswordHash,
		FullName:     strings.TrimSpace(fullName),
		BirthDate:    &bd,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CompleteSignup(ctx, attempt.Token, user); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return domain.User{}, ErrSignupTokenExpired
		case errors.Is(err, store.ErrConflict):
			return domain.User{}, ErrEmailAlreadyExists
		}
		return domain.User{}, fmt.Errorf("complete signup: %w", err)
	}
	return user, nil
}

// MinAge is the youngest age allowed to complete signup.
func (s *Service) MinAge() int {
	return s.minAge
}

// liveAttempt loads an attempt for resend and complete. Expired attempts are
// deleted on the way out.
func (s *Service) liveAttempt(ctx context.Context, token string) (domain.SignupAttempt, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.SignupAttempt{}, ErrSignupTokenExpired
	}
	attempt, ok, err := s.store.GetSignupAttempt(ctx, token)
	if err != nil {
		return domain.SignupAttempt{}, fmt.Errorf("fetch signup attempt: %w", err)
	}
	if !ok {
		return domain.SignupAttempt{}, ErrSignupTokenExpired
	}
	if attempt.Expired(s.now()) {
		if err := s.store.DeleteSignupAttempt(ctx, token); err != nil {
			util.LoggerFromContext(ctx).Warn("purge expired signup attempt failed", "err", err)
		}
		return domain.SignupAttempt{}, ErrSignupTokenExpired
	}
	return attempt, nil
}

func (s *Service) issueCode() (code, hash string, err error) {
	code, err = s.codes.NewCode()
	if err != nil {
		return "", "", fmt.Errorf("generate verification code: %w", err)
	}
	hash, err = hashCode(code)
	if err != nil {
		return "", "", err
	}
	return code, hash, nil
}

func (s *Service) verification(a domain.SignupAttempt) Verification {
	return Verification{
		Channel:           "email",
		CodeLength:        CodeLength,
		ExpiresAt:         a.ExpiresAt,
		ResendAvailableAt: a.CodeSentAt.Add(s.resendInterval),
	}
}

// Age is the number of whole years between birth and now. The current year
// counts only once the birthday's (month, day) has been reached.
func Age(birth, now time.Time) int {
	birth = birth.UTC()
	now = now.UTC()
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	return years
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
