package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaProvider calls the Ollama /api/chat endpoint.
type OllamaProvider struct {
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewOllamaProvider constructs a provider for a local or remote Ollama.
func NewOllamaProvider(baseURL, model string, timeout time.Duration) (*OllamaProvider, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("ollama model required")
	}
	return &OllamaProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{},
	}, nil
}

func (p *OllamaProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.post(ctx, ollamaChatRequest{Model: p.model, Messages: messages, Stream: false})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ollama decode: %w", err)
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return out.Message.Content, nil
}

// Stream reads Ollama's newline-delimited JSON until a frame reports done.
func (p *OllamaProvider) Stream(ctx context.Context, messages []Message, onChunk ChunkHandler) error {
	resp, err := p.post(ctx, ollamaChatRequest{Model: p.model, Messages: messages, Stream: true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var frame ollamaChatResponse
		if err := dec.Decode(&frame); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				return errors.New("ollama stream ended before done")
			}
			return fmt.Errorf("ollama decode frame: %w", err)
		}
		if frame.Error != "" {
			return fmt.Errorf("ollama api error: %s", frame.Error)
		}
		if frame.Message.Content != "" {
			if err := onChunk(frame.Message.Content); err != nil {
				return err
			}
		}
		if frame.Done {
			return nil
		}
	}
}

func (p *OllamaProvider) post(ctx context.Context, payload ollamaChatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp ollamaChatResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return nil, fmt.Errorf("ollama api error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("ollama api error: %s", resp.Status)
	}
	return resp, nil
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}
