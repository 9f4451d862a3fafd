package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"navidai/internal/util"
	"navidai/pkg/ai"
	"navidai/pkg/domain"
	"navidai/pkg/store"
)

const enqueueTimeout = 3 * time.Second

// StreamEvent is pushed to the caller during a streaming turn. Exactly one
// of Chunk or Done is meaningful; the Done event carries the persisted
// assistant message id.
type StreamEvent struct {
	Chunk     string
	Done      bool
	MessageID string
}

// EmitFunc delivers stream events. An error aborts the turn.
type EmitFunc func(StreamEvent) error

// SubmitTurn persists text as a user message, asks the model for a reply and
// persists the reply. The user message is durable before the model is
// called, so a failed turn keeps it.
func (s *Service) SubmitTurn(ctx context.Context, conv domain.Conversation, text string) (domain.Message, error) {
	history, err := s.beginTurn(ctx, conv, text)
	if err != nil {
		return domain.Message{}, err
	}
	reply, err := s.provider.Complete(ctx, history)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return s.finishTurn(ctx, conv, reply)
}

// StreamTurn is SubmitTurn with the reply forwarded to emit fragment by
// fragment. The assistant message is persisted only after the upstream
// stream finishes normally; cancellation or failure leaves no partial reply.
func (s *Service) StreamTurn(ctx context.Context, conv domain.Conversation, text string, emit EmitFunc) (domain.Message, error) {
	history, err := s.beginTurn(ctx, conv, text)
	if err != nil {
		return domain.Message{}, err
	}
	var full strings.Builder
	var emitErr error
	err = s.provider.Stream(ctx, history, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		full.WriteString(chunk)
		if err := emit(StreamEvent{Chunk: chunk}); err != nil {
			emitErr = err
			return err
		}
		return nil
	})
	if emitErr != nil {
		return domain.Message{}, fmt.Errorf("deliver chunk: %w", emitErr)
	}
	if err != nil {
		if ctx.Err() != nil {
			return domain.Message{}, ctx.Err()
		}
		return domain.Message{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	msg, err := s.finishTurn(ctx, conv, full.String())
	if err != nil {
		return domain.Message{}, err
	}
	if err := emit(StreamEvent{Done: true, MessageID: msg.ID}); err != nil {
		return msg, fmt.Errorf("deliver done event: %w", err)
	}
	return msg, nil
}

// beginTurn persists the user message and returns the model input.
func (s *Service) beginTurn(ctx context.Context, conv domain.Conversation, text string) ([]ai.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyContent
	}
	res, err := s.append(ctx, conv, domain.RoleUser, text)
	if err != nil {
		return nil, err
	}
	history, err := s.history(ctx, conv.ID, res.Message.Seq)
	if err != nil {
		return nil, err
	}
	return append(history, ai.Message{Role: string(domain.RoleUser), Content: text}), nil
}

func (s *Service) finishTurn(ctx context.Context, conv domain.Conversation, reply string) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	if strings.TrimSpace(reply) == "" {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrUpstream, ai.ErrEmptyResponse)
	}
	res, err := s.append(ctx, conv, domain.RoleAssistant, reply)
	if err != nil {
		return domain.Message{}, err
	}
	if res.TitleDue {
		s.enqueueTitle(ctx, conv.ID)
	}
	return res.Message, nil
}

func (s *Service) append(ctx context.Context, conv domain.Conversation, role domain.Role, content string) (store.AppendResult, error) {
	msg := domain.Message{
		ID:             util.NewUUID(),
		ConversationID: conv.ID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	res, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.AppendResult{}, ErrConversationNotFound
		}
		return store.AppendResult{}, fmt.Errorf("append %s message: %w", role, err)
	}
	return res, nil
}

// history returns up to historyTurns earlier turns preceding seq.
func (s *Service) history(ctx context.Context, conversationID string, seq int64) ([]ai.Message, error) {
	if s.historyTurns == 0 || seq <= 1 {
		return nil, nil
	}
	prior, err := s.store.ListMessages(ctx, conversationID, store.MessageQuery{BeforeSeq: seq, Limit: s.historyTurns * 2})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]ai.Message, 0, len(prior)+1)
	for _, m := range prior {
		out = append(out, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	return out, nil
}

// enqueueTitle schedules title generation. The turn has already committed,
// so a failure here is logged and not returned.
func (s *Service) enqueueTitle(ctx context.Context, conversationID string) {
	logger := util.LoggerFromContext(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	job, err := s.queue.Enqueue(ctx, JobGenerateTitle, conversationID)
	if err != nil {
		logger.Error("enqueue title job failed", "conversation_id", conversationID, "err", err)
		return
	}
	logger.Info("title job enqueued", "conversation_id", conversationID, "job_id", job.ID)
}
