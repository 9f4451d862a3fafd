package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"navidai/internal/util"
	"navidai/pkg/ai"
	"navidai/pkg/domain"
	"navidai/pkg/queue"
	"navidai/pkg/storage"
	"navidai/pkg/store"
)

const (
	DefaultPageSize    = 20
	MaxPageSize        = 100
	MessagePageSize    = 50
	MaxTitleLength     = 255
	JobGenerateTitle   = "generate_title"
	defaultExportTTL   = 15 * time.Minute
	cursorAfterPrefix  = "a:"
	cursorBeforePrefix = "b:"
)

// Config wires the chat service.
type Config struct {
	Store    store.Store
	Provider ai.Provider
	Queue    queue.Queue
	// Exports is optional; export is disabled without it.
	Exports storage.ObjectStore
	// HistoryTurns is the number of earlier turns sent with each new user
	// message. Zero sends the new message alone.
	HistoryTurns int
	ExportURLTTL time.Duration
	Now          func() time.Time
}

// Service owns conversations, their messages and the turn pipeline.
type Service struct {
	store        store.Store
	provider     ai.Provider
	queue        queue.Queue
	exports      storage.ObjectStore
	historyTurns int
	exportTTL    time.Duration
	now          func() time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat: store required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("chat: llm provider required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("chat: job queue required")
	}
	s := &Service{
		store:        cfg.Store,
		provider:     cfg.Provider,
		queue:        cfg.Queue,
		exports:      cfg.Exports,
		historyTurns: max(cfg.HistoryTurns, 0),
		exportTTL:    cfg.ExportURLTTL,
		now:          cfg.Now,
	}
	if s.exportTTL <= 0 {
		s.exportTTL = defaultExportTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// ConversationPage is one page of a user's conversations, newest activity
// first. Next and Previous are page numbers, zero when absent.
type ConversationPage struct {
	Count    int64
	Next     int
	Previous int
	Results  []domain.Conversation
}

// MessagePage is a cursor window of messages in creation order.
type MessagePage struct {
	NextCursor     string
	PreviousCursor string
	Results        []domain.Message
}

func (s *Service) CreateConversation(ctx context.Context, user domain.User, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = domain.DefaultConversationTitle
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return domain.Conversation{}, ErrInvalidTitle
	}
	now := s.now().UTC()
	conv := domain.Conversation{
		ID:        util.NewUUID(),
		UserID:    user.ID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, user domain.User, page, size int) (ConversationPage, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	size = min(size, MaxPageSize)
	items, total, err := s.store.ListConversationsByUser(ctx, user.ID, (page-1)*size, size)
	if err != nil {
		return ConversationPage{}, fmt.Errorf("list conversations: %w", err)
	}
	out := ConversationPage{Count: total, Results: items}
	if int64(page*size) < total {
		out.Next = page + 1
	}
	if page > 1 {
		out.Previous = page - 1
	}
	return out, nil
}

// GetConversation loads a conversation owned by user.
func (s *Service) GetConversation(ctx context.Context, user domain.User, id string) (domain.Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Conversation{}, ErrConversationNotFound
	}
	conv, ok, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("fetch conversation: %w", err)
	}
	if !ok || conv.UserID != user.ID {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (s *Service) RenameConversation(ctx context.Context, user domain.User, id, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > MaxTitleLength {
		return domain.Conversation{}, ErrInvalidTitle
	}
	conv, err := s.GetConversation(ctx, user, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv.Title = title
	conv.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Conversation{}, ErrConversationNotFound
		}
		return domain.Conversation{}, fmt.Errorf("rename conversation: %w", err)
	}
	return conv, nil
}

// DeleteConversation removes the conversation, its messages and its exports.
func (s *Service) DeleteConversation(ctx context.Context, user domain.User, id string) error {
	conv, err := s.GetConversation(ctx, user, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, conv.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if s.exports != nil {
		if err := s.exports.DeletePrefix(ctx, storage.ExportPrefix(user.ID, conv.ID)); err != nil {
			util.LoggerFromContext(ctx).Warn("delete conversation exports failed", "conversation_id", conv.ID, "err", err)
		}
	}
	return nil
}

// ListMessages pages through a conversation in creation order. An empty
// cursor starts at the first message.
func (s *Service) ListMessages(ctx context.Context, user domain.User, id, cursor string) (MessagePage, error) {
	conv, err := s.GetConversation(ctx, user, id)
	if err != nil {
		return MessagePage{}, err
	}
	q, err := decodeCursor(cursor)
	if err != nil {
		return MessagePage{}, err
	}
	q.Limit = MessagePageSize + 1
	msgs, err := s.store.ListMessages(ctx, conv.ID, q)
	if err != nil {
		return MessagePage{}, fmt.Errorf("list messages: %w", err)
	}

	var page MessagePage
	backward := q.BeforeSeq > 0
	more := len(msgs) > MessagePageSize
	if more {
		if backward {
			msgs = msgs[1:]
		} else {
			msgs = msgs[:MessagePageSize]
		}
	}
	page.Results = msgs
	if len(msgs) == 0 {
		if backward {
			page.NextCursor = encodeCursor(cursorAfterPrefix, q.BeforeSeq-1)
		} else if q.AfterSeq > 0 {
			page.PreviousCursor = encodeCursor(cursorBeforePrefix, q.AfterSeq+1)
		}
		return page, nil
	}
	first, last := msgs[0].Seq, msgs[len(msgs)-1].Seq
	if backward {
		if more {
			page.PreviousCursor = encodeCursor(cursorBeforePrefix, first)
		}
		page.NextCursor = encodeCursor(cursorAfterPrefix, last)
	} else {
		if more {
			page.NextCursor = encodeCursor(cursorAfterPrefix, last)
		}
		if first > 1 {
			page.PreviousCursor = encodeCursor(cursorBeforePrefix, first)
		}
	}
	return page, nil
}

func encodeCursor(prefix string, seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(prefix + strconv.FormatInt(seq, 10)))
}

func decodeCursor(cursor string) (store.MessageQuery, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return store.MessageQuery{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return store.MessageQuery{}, ErrInvalidCursor
	}
	text := string(raw)
	var prefix string
	switch {
	case strings.HasPrefix(text, cursorAfterPrefix):
		prefix = cursorAfterPrefix
	case strings.HasPrefix(text, cursorBeforePrefix):
		prefix = cursorBeforePrefix
	default:
		return store.MessageQuery{}, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(text, prefix), 10, 64)
	if err != nil || seq < 0 {
		return store.MessageQuery{}, ErrInvalidCursor
	}
	if prefix == cursorAfterPrefix {
		return store.MessageQuery{AfterSeq: seq}, nil
	}
	if seq < 1 {
		return store.MessageQuery{}, ErrInvalidCursor
	}
	return store.MessageQuery{BeforeSeq: seq}, nil
}
