package store

import (
	"context"
	"errors"

	"navidai/pkg/domain"
)

var (
	// ErrNotFound means the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a uniqueness constraint rejected the write.
	ErrConflict = errors.New("conflict")
)

// AppendResult describes a message insert.
type AppendResult struct {
	Message domain.Message
	// Count is the conversation's message count including this message.
	Count int64
	// TitleDue is true for exactly one append per conversation: the first
	// assistant message once the conversation holds at least two messages.
	TitleDue bool
}

// MessageQuery selects a window of a conversation's messages by sequence.
// AfterSeq pages forward in ascending order; BeforeSeq pages backward and the
// result is still returned ascending. Zero values mean unbounded.
type MessageQuery struct {
	AfterSeq  int64
	BeforeSeq int64
	Limit     int
}

// Store defines persistence operations for users, signup attempts,
// onboarding progress, conversations and messages.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	// DeleteUser removes the user with every conversation, message and
	// onboarding row it owns.
	DeleteUser(ctx context.Context, id string) error

	// signup attempts
	// ReplaceSignupAttempt deletes any attempt for the same email and inserts a.
	ReplaceSignupAttempt(ctx context.Context, a domain.SignupAttempt) error
	GetSignupAttempt(ctx context.Context, token string) (domain.SignupAttempt, bool, error)
	UpdateSignupAttempt(ctx context.Context, a domain.SignupAttempt) error
	DeleteSignupAttempt(ctx context.Context, token string) error
	// CompleteSignup creates u and deletes the attempt in one transaction.
	// It returns ErrNotFound when the attempt is gone and ErrConflict when
	// the email is already registered.
	CompleteSignup(ctx context.Context, token string, u domain.User) error

	// onboarding
	GetOnboardingProgress(ctx context.Context, userID string) (domain.OnboardingProgress, bool, error)
	SaveOnboardingProgress(ctx context.Context, p domain.OnboardingProgress) error
	// CompleteOnboarding saves p and sets the owner's onboarding flag atomically.
	CompleteOnboarding(ctx context.Context, p domain.OnboardingProgress) (domain.User, error)

	// conversations
	CreateConversation(ctx context.Context, c domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	// ListConversationsByUser orders by updated_at desc and returns the total.
	ListConversationsByUser(ctx context.Context, userID string, offset, limit int) ([]domain.Conversation, int64, error)
	UpdateConversation(ctx context.Context, c domain.Conversation) error
	// SetConversationTitle writes only the title; updated_at is untouched.
	SetConversationTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error

	// messages
	// AppendMessage assigns the next sequence number, bumps the
	// conversation's updated_at to msg.CreatedAt and evaluates the title
	// trigger, all under one lock on the conversation.
	AppendMessage(ctx context.Context, msg domain.Message) (AppendResult, error)
	ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]domain.Message, error)
	FirstMessageByRole(ctx context.Context, conversationID string, role domain.Role) (domain.Message, bool, error)
}

// SessionStore persists login sessions as opaque tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
