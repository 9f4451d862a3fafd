package chat

import "errors"

var (
	// ErrConversationNotFound also covers conversations owned by someone else.
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyContent         = errors.New("message content required")
	ErrInvalidTitle         = errors.New("title must be 1-255 characters")
	ErrInvalidCursor        = errors.New("invalid cursor")
	// ErrUpstream wraps language model failures. The user message of the
	// failed turn stays persisted.
	ErrUpstream       = errors.New("language model request failed")
	ErrExportDisabled = errors.New("conversation export is not configured")
)
