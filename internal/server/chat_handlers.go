package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"navidai/internal/chat"
	"navidai/internal/util"
	"navidai/pkg/domain"
)

type conversationView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newConversationView(c domain.Conversation) conversationView {
	return conversationView{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

type messageView struct {
	ID        string      `json:"id"`
	Role      domain.Role `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

func newMessageView(m domain.Message) messageView {
	return messageView{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
}

type conversationListResponse struct {
	Count    int64              `json:"count"`
	Next     *int               `json:"next"`
	Previous *int               `json:"previous"`
	Results  []conversationView `json:"results"`
}

type messageListResponse struct {
	NextCursor     *string       `json:"nextCursor"`
	PreviousCursor *string       `json:"previousCursor"`
	Results        []messageView `json:"results"`
}

type contentRequest struct {
	Content *string `json:"content"`
}

type titleRequest struct {
	Title *string `json:"title"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		page, ok := queryInt(w, r, "page")
		if !ok {
			return
		}
		size, ok := queryInt(w, r, "size")
		if !ok {
			return
		}
		res, err := s.chat.ListConversations(r.Context(), user, page, size)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		out := conversationListResponse{
			Count:    res.Count,
			Next:     optionalInt(res.Next),
			Previous: optionalInt(res.Previous),
			Results:  make([]conversationView, 0, len(res.Results)),
		}
		for _, c := range res.Results {
			out.Results = append(out.Results, newConversationView(c))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req titleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		title := ""
		if req.Title != nil {
			title = *req.Title
		}
		conv, err := s.chat.CreateConversation(r.Context(), user, title)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newConversationView(conv))
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		conv, err := s.chat.GetConversation(r.Context(), user, id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newConversationView(conv))
	case http.MethodPatch, http.MethodPut:
		var req titleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Title == nil {
			writeValidation(w, map[string]any{"title": []string{"This field is required."}})
			return
		}
		conv, err := s.chat.RenameConversation(r.Context(), user, id, *req.Title)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newConversationView(conv))
	case http.MethodDelete:
		if err := s.chat.DeleteConversation(r.Context(), user, id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPatch, http.MethodPut, http.MethodDelete)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		page, err := s.chat.ListMessages(r.Context(), user, id, r.URL.Query().Get("cursor"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		out := messageListResponse{
			NextCursor:     optionalString(page.NextCursor),
			PreviousCursor: optionalString(page.PreviousCursor),
			Results:        make([]messageView, 0, len(page.Results)),
		}
		for _, m := range page.Results {
			out.Results = append(out.Results, newMessageView(m))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		conv, content, ok := s.turnInput(w, r, user, id)
		if !ok {
			return
		}
		reply, err := s.chat.SubmitTurn(r.Context(), conv, content)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newMessageView(reply))
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	conv, content, ok := s.turnInput(w, r, user, r.PathValue("id"))
	if !ok {
		return
	}
	stream := newSSEWriter(w)
	_, err := s.chat.StreamTurn(r.Context(), conv, content, stream.emit)
	if err == nil {
		return
	}
	if r.Context().Err() != nil {
		util.LoggerFromContext(r.Context()).Info("stream cancelled by client", "conversation_id", conv.ID)
		return
	}
	if !stream.started {
		writeServiceError(w, r, err)
		return
	}
	util.LoggerFromContext(r.Context()).Warn("stream aborted", "conversation_id", conv.ID, "err", err)
	if errors.Is(err, chat.ErrUpstream) {
		stream.fail(codeUpstream, "The assistant is unavailable right now. Please try again.")
		return
	}
	stream.fail(codeInternal, "Internal server error.")
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	exp, err := s.chat.ExportConversation(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": exp.URL, "expiresAt": exp.ExpiresAt})
}

// turnInput validates the message body and resolves the owned conversation.
func (s *Server) turnInput(w http.ResponseWriter, r *http.Request, user domain.User, id string) (domain.Conversation, string, bool) {
	var req contentRequest
	if !decodeJSON(w, r, &req) {
		return domain.Conversation{}, "", false
	}
	if req.Content == nil {
		writeValidation(w, map[string]any{"content": []string{"This field is required."}})
		return domain.Conversation{}, "", false
	}
	if strings.TrimSpace(*req.Content) == "" {
		writeServiceError(w, r, chat.ErrEmptyContent)
		return domain.Conversation{}, "", false
	}
	conv, err := s.chat.GetConversation(r.Context(), user, id)
	if err != nil {
		writeServiceError(w, r, err)
		return domain.Conversation{}, "", false
	}
	return conv, *req.Content, true
}

// sseWriter frames stream events as server-sent events. Headers are sent
// with the first event so errors before it can still use the JSON envelope.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

type sseChunk struct {
	Chunk string `json:"chunk"`
}

type sseStatus struct {
	Status        string `json:"status"`
	FullMessageID string `json:"fullMessageId,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

func (s *sseWriter) emit(ev chat.StreamEvent) error {
	if ev.Done {
		return s.send(sseStatus{Status: "done", FullMessageID: ev.MessageID})
	}
	return s.send(sseChunk{Chunk: ev.Chunk})
}

func (s *sseWriter) fail(code, message string) {
	_ = s.send(sseStatus{Status: "error", Code: code, Message: message})
}

func (s *sseWriter) send(payload any) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeValidation(w, map[string]any{name: []string{"A valid positive integer is required."}})
		return 0, false
	}
	return n, true
}

func optionalInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
