package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"navidai/internal/util"
	"navidai/pkg/ai"
	"navidai/pkg/domain"
	"navidai/pkg/queue"
	"navidai/pkg/store"
)

const titlePrompt = "Summarize the following user request in 3-5 words to be used as a chat title: %s"

// HandleJob is the queue handler for chat background jobs.
func (s *Service) HandleJob(ctx context.Context, job queue.Job) error {
	switch job.Type {
	case JobGenerateTitle:
		if err := s.GenerateTitle(ctx, job.Payload); err != nil {
			util.LoggerFromContext(ctx).Warn("title job failed",
				"job_id", job.ID, "attempt", job.Attempts, "conversation_id", job.Payload, "err", err)
			return err
		}
		return nil
	default:
		util.LoggerFromContext(ctx).Warn("unknown job type dropped", "job_id", job.ID, "job_type", job.Type)
		return nil
	}
}

// GenerateTitle summarizes the first user message into the conversation
// title. A deleted conversation or one without user messages is skipped.
// The title change does not count as conversation activity, so updated_at
// is left alone.
func (s *Service) GenerateTitle(ctx context.Context, conversationID string) error {
	logger := util.LoggerFromContext(ctx).With("conversation_id", conversationID)
	conv, ok, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("fetch conversation: %w", err)
	}
	if !ok {
		logger.Info("title job skipped: conversation gone")
		return nil
	}
	first, ok, err := s.store.FirstMessageByRole(ctx, conv.ID, domain.RoleUser)
	if err != nil {
		return fmt.Errorf("fetch first user message: %w", err)
	}
	if !ok {
		logger.Info("title job skipped: no user message")
		return nil
	}
	prompt := fmt.Sprintf(titlePrompt, first.Content)
	raw, err := s.provider.Complete(ctx, []ai.Message{{Role: string(domain.RoleUser), Content: prompt}})
	if err != nil {
		return fmt.Errorf("generate title: %w", err)
	}
	title := CleanTitle(raw)
	if title == "" {
		logger.Warn("title job produced empty title")
		return nil
	}
	if err := s.store.SetConversationTitle(ctx, conv.ID, title); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("title job skipped: conversation gone")
			return nil
		}
		return fmt.Errorf("save title: %w", err)
	}
	logger.Info("conversation titled")
	return nil
}

// CleanTitle strips surrounding whitespace and quote characters and caps the
// length.
func CleanTitle(raw string) string {
	title := strings.Trim(strings.TrimSpace(raw), "\"'“”‘’`")
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > MaxTitleLength {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:MaxTitleLength]))
	}
	return title
}
