package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID                 string     `gorm:"primaryKey"`
	Email              string     `gorm:"uniqueIndex;not null"`
	PasswordHash       string     `gorm:"not null"`
	FullName           string     `gorm:"size:255;not null;default:''"`
	BirthDate          *time.Time `gorm:"type:date"`
	OnboardingComplete bool       `gorm:"not null;default:false"`
	CreatedAt          time.Time  `gorm:"not null"`
	UpdatedAt          time.Time  `gorm:"not null"`
}

type SignupAttemptModel struct {
	Token        string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CodeHash     string    `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"not null;index"`
	CodeSentAt   time.Time `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type OnboardingProgressModel struct {
	UserID    string         `gorm:"primaryKey"`
	Intent    string         `gorm:"type:text;not null;default:''"`
	Goals     datatypes.JSON `gorm:"type:jsonb"`
	UpdatedAt time.Time      `gorm:"not null"`
}

type ConversationModel struct {
	ID             string    `gorm:"primaryKey"`
	UserID         string    `gorm:"not null;index:idx_conversation_user_updated,priority:1"`
	Title          string    `gorm:"size:255;not null"`
	TitleRequested bool      `gorm:"not null;default:false"`
	MessageCount   int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;index:idx_conversation_user_updated,priority:2,sort:desc"`
}

type MessageModel struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;uniqueIndex:idx_message_conversation_seq,priority:1"`
	Seq            int64     `gorm:"not null;uniqueIndex:idx_message_conversation_seq,priority:2"`
	Role           string    `gorm:"size:16;not null"`
	Content        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null"`
}
