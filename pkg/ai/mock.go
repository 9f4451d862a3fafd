package ai

import (
	"context"
	"strings"
	"time"
)

const (
	mockReply       = "This is a mock response from the AI."
	mockStreamReply = "This is a streaming mock response from the AI."
)

// MockProvider answers with canned text. The stream yields one word at a
// time, each followed by a space.
type MockProvider struct {
	delay time.Duration
}

func NewMockProvider(delay time.Duration) *MockProvider {
	return &MockProvider{delay: delay}
}

func (p *MockProvider) Complete(ctx context.Context, _ []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return mockReply, nil
}

func (p *MockProvider) Stream(ctx context.Context, _ []Message, onChunk ChunkHandler) error {
	for _, word := range strings.Fields(mockStreamReply) {
		if p.delay > 0 {
			timer := time.NewTimer(p.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onChunk(word + " "); err != nil {
			return err
		}
	}
	return nil
}
