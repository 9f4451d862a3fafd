package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"navidai/pkg/domain"
	"navidai/pkg/storage"
	"navidai/pkg/store"
)

const exportBatch = 500

// Export is a downloadable transcript.
type Export struct {
	Key       string
	URL       string
	ExpiresAt time.Time
}

type transcript struct {
	Conversation domain.Conversation `json:"conversation"`
	Messages     []domain.Message    `json:"messages"`
	ExportedAt   time.Time           `json:"exportedAt"`
}

// ExportConversation uploads the full transcript as JSON and returns a
// presigned download URL.
func (s *Service) ExportConversation(ctx context.Context, user domain.User, id string) (Export, error) {
	if s.exports == nil {
		return Export{}, ErrExportDisabled
	}
	conv, err := s.GetConversation(ctx, user, id)
	if err != nil {
		return Export{}, err
	}
	doc := transcript{Conversation: conv, Messages: []domain.Message{}, ExportedAt: s.now().UTC()}
	var after int64
	for {
		batch, err := s.store.ListMessages(ctx, conv.ID, store.MessageQuery{AfterSeq: after, Limit: exportBatch})
		if err != nil {
			return Export{}, fmt.Errorf("load messages: %w", err)
		}
		doc.Messages = append(doc.Messages, batch...)
		if len(batch) < exportBatch {
			break
		}
		after = batch[len(batch)-1].Seq
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Export{}, fmt.Errorf("encode transcript: %w", err)
	}
	key := fmt.Sprintf("%s%s.json", storage.ExportPrefix(user.ID, conv.ID), doc.ExportedAt.Format("20060102T150405Z"))
	if err := s.exports.PutBytes(ctx, key, data, "application/json"); err != nil {
		return Export{}, fmt.Errorf("upload transcript: %w", err)
	}
	url, err := s.exports.PresignGet(ctx, key, s.exportTTL)
	if err != nil {
		return Export{}, fmt.Errorf("presign transcript: %w", err)
	}
	return Export{Key: key, URL: url, ExpiresAt: doc.ExportedAt.Add(s.exportTTL)}, nil
}
