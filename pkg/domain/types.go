package domain

import "time"

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DefaultConversationTitle is shown until the title job renames a conversation.
const DefaultConversationTitle = "New Chat"

type User struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	PasswordHash       string     `json:"-"`
	FullName           string     `json:"fullName"`
	BirthDate          *time.Time `json:"birthDate,omitempty"`
	OnboardingComplete bool       `json:"onboardingComplete"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// SignupAttempt is a pending registration addressed by its token.
// The verification code is only ever stored hashed.
type SignupAttempt struct {
	Token        string    `json:"signupToken"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CodeHash     string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CodeSentAt   time.Time `json:"codeSentAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Expired reports whether the attempt is past its expiry at now.
func (a SignupAttempt) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

type OnboardingProgress struct {
	UserID    string    `json:"-"`
	Intent    string    `json:"intent"`
	Goals     []string  `json:"goals"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Conversation struct {
	ID             string    `json:"id"`
	UserID         string    `json:"-"`
	Title          string    `json:"title"`
	TitleRequested bool      `json:"-"`
	MessageCount   int64     `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"-"`
	Seq            int64     `json:"-"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}
