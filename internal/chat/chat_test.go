package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"navidai/internal/util"
	"navidai/pkg/ai"
	"navidai/pkg/domain"
	"navidai/pkg/queue"
	"navidai/pkg/storage"
	"navidai/pkg/store"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, jobType, payload string) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Job{}, q.err
	}
	job := queue.Job{ID: fmt.Sprintf("job-%d", len(q.jobs)+1), Type: jobType, Payload: payload}
	q.jobs = append(q.jobs, job)
	return job, nil
}

func (q *recordingQueue) Run(ctx context.Context, _ int, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// scriptedProvider replays fixed chunks and records every request.
type scriptedProvider struct {
	mu        sync.Mutex
	reply     string
	chunks    []string
	failAfter int
	err       error
	calls     [][]ai.Message
}

func (p *scriptedProvider) record(msgs []ai.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, append([]ai.Message(nil), msgs...))
}

func (p *scriptedProvider) Complete(_ context.Context, msgs []ai.Message) (string, error) {
	p.record(msgs)
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, msgs []ai.Message, onChunk ai.ChunkHandler) error {
	p.record(msgs)
	for i, c := range p.chunks {
		if p.err != nil && i == p.failAfter {
			return p.err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return nil
}

type fixture struct {
	svc      *Service
	store    *store.MemoryStore
	queue    *recordingQueue
	provider *scriptedProvider
	exports  *storage.MemoryStore
	user     domain.User
}

func newFixture(t *testing.T, historyTurns int) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		queue:    &recordingQueue{},
		provider: &scriptedProvider{reply: "Hello there.", chunks: []string{"Hel", "lo ", "there."}},
		exports:  storage.NewMemoryStore(),
		user:     domain.User{ID: "u1", Email: "a@b.com"},
	}
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc, err := New(Config{
		Store:        f.store,
		Provider:     f.provider,
		Queue:        f.queue,
		Exports:      f.exports,
		HistoryTurns: historyTurns,
		Now:          clock.Now,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) conversation(t *testing.T) domain.Conversation {
	t.Helper()
	conv, err := f.svc.CreateConversation(context.Background(), f.user, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func (f *fixture) messages(t *testing.T, convID string) []domain.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), convID, store.MessageQuery{})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func TestSubmitTurnPersistsInOrderAndTitlesOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	conv := f.conversation(t)
	if conv.Title != domain.DefaultConversationTitle {
		t.Fatalf("default title = %q", conv.Title)
	}

	reply, err := f.svc.SubmitTurn(ctx, conv, "What is Go?")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if reply.Role != domain.RoleAssistant || reply.Content != "Hello there." {
		t.Fatalf("unexpected reply %+v", reply)
	}
	msgs := f.messages(t, conv.ID)
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if f.queue.count() != 1 || f.queue.jobs[0].Payload != conv.ID || f.queue.jobs[0].Type != JobGenerateTitle {
		t.Fatalf("expected one title job, got %+v", f.queue.jobs)
	}

	if _, err := f.svc.SubmitTurn(ctx, conv, "And Rust?"); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if f.queue.count() != 1 {
		t.Fatalf("title job enqueued again: %d", f.queue.count())
	}
	if got := f.provider.calls[1]; len(got) != 1 || got[0].Content != "And Rust?" {
		t.Fatalf("history should hold the current turn only, got %+v", got)
	}
	stored, _, _ := f.store.GetConversation(ctx, conv.ID)
	if !stored.UpdatedAt.Equal(f.messages(t, conv.ID)[3].CreatedAt) {
		t.Fatalf("updated_at not bumped to last message")
	}
}

func TestSubmitTurnIncludesConfiguredHistory(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	conv := f.conversation(t)
	for _, text := range []string{"one", "two", "three"} {
		if _, err := f.svc.SubmitTurn(ctx, conv, text); err != nil {
			t.Fatalf("submit %q: %v", text, err)
		}
	}
	last := f.provider.calls[2]
	if len(last) != 3 || last[0].Content != "two" || last[1].Role != "assistant" || last[2].Content != "three" {
		t.Fatalf("unexpected history %+v", last)
	}
}

func TestConcurrentTurnsTitleExactlyOnce(t *testing.T) {
	f := newFixture(t, 0)
	conv := f.conversation(t)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := f.svc.SubmitTurn(context.Background(), conv, fmt.Sprintf("turn %d", i))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f.queue.count() != 1 {
		t.Fatalf("expected exactly one title job, got %d", f.queue.count())
	}
	msgs := f.messages(t, conv.ID)
	if len(msgs) != 16 {
		t.Fatalf("expected 16 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("message %d has seq %d", i, m.Seq)
		}
	}
}

func TestSubmitTurnUpstreamFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t, 0)
	f.provider.err = errors.New("503 from model")
	conv := f.conversation(t)

	_, err := f.svc.SubmitTurn(context.Background(), conv, "hello")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	msgs := f.messages(t, conv.ID)
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("expected only the user message, got %+v", msgs)
	}
	if f.queue.count() != 0 {
		t.Fatalf("title job enqueued for failed turn")
	}
}

func TestSubmitTurnRejectsEmptyContent(t *testing.T) {
	f := newFixture(t, 0)
	conv := f.conversation(t)
	if _, err := f.svc.SubmitTurn(context.Background(), conv, "  \n"); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if len(f.messages(t, conv.ID)) != 0 {
		t.Fatalf("empty content persisted")
	}
}

func TestSubmitTurnEnqueueFailureDoesNotFailTurn(t *testing.T) {
	f := newFixture(t, 0)
	f.queue.err = errors.New("redis down")
	conv := f.conversation(t)
	if _, err := f.svc.SubmitTurn(context.Background(), conv, "hello"); err != nil {
		t.Fatalf("turn failed on enqueue error: %v", err)
	}
}

func TestStreamTurnEmitsChunksThenDone(t *testing.T) {
	f := newFixture(t, 0)
	conv := f.conversation(t)

	var events []StreamEvent
	msg, err := f.svc.StreamTurn(context.Background(), conv, "stream please", func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 3 chunks and done, got %+v", events)
	}
	var joined strings.Builder
	for _, ev := range events[:3] {
		joined.WriteString(ev.Chunk)
	}
	if joined.String() != "Hello there." || msg.Content != "Hello there." {
		t.Fatalf("content mismatch %q / %q", joined.String(), msg.Content)
	}
	if last := events[3]; !last.Done || last.MessageID != msg.ID {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	if f.queue.count() != 1 {
		t.Fatalf("expected title job after first streamed exchange")
	}
}

func TestStreamTurnAbortPersistsNoAssistantMessage(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *fixture) (context.Context, EmitFunc)
	}{
		{
			name: "upstream fails mid-stream",
			setup: func(f *fixture) (context.Context, EmitFunc) {
				f.provider.err = errors.New("connection reset")
				f.provider.failAfter = 2
				return context.Background(), func(StreamEvent) error { return nil }
			},
		},
		{
			name: "client cancels",
			setup: func(f *fixture) (context.Context, EmitFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				return ctx, func(StreamEvent) error { cancel(); return nil }
			},
		},
		{
			name: "client write fails",
			setup: func(f *fixture) (context.Context, EmitFunc) {
				return context.Background(), func(StreamEvent) error { return errors.New("broken pipe") }
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 0)
			conv := f.conversation(t)
			ctx, emit := tc.setup(f)
			var done bool
			_, err := f.svc.StreamTurn(ctx, conv, "hi", func(ev StreamEvent) error {
				if ev.Done {
					done = true
				}
				return emit(ev)
			})
			if err == nil {
				t.Fatalf("expected error")
			}
			if done {
				t.Fatalf("terminal event emitted for aborted stream")
			}
			msgs := f.messages(t, conv.ID)
			if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
				t.Fatalf("expected only the user message, got %+v", msgs)
			}
		})
	}
}

func TestListConversationsOrdersByActivity(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	c1 := f.conversation(t)
	c2 := f.conversation(t)
	c3 := f.conversation(t)
	if _, err := f.svc.SubmitTurn(ctx, c1, "bump"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	page, err := f.svc.ListConversations(ctx, f.user, 1, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := []string{page.Results[0].ID, page.Results[1].ID, page.Results[2].ID}
	want := []string{c1.ID, c3.ID, c2.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if page.Count != 3 || page.Next != 0 || page.Previous != 0 {
		t.Fatalf("unexpected page metadata %+v", page)
	}

	page, err = f.svc.ListConversations(ctx, f.user, 2, 1)
	if err != nil || len(page.Results) != 1 || page.Next != 3 || page.Previous != 1 {
		t.Fatalf("unexpected second page %+v err=%v", page, err)
	}
}

func TestConversationOwnership(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	conv := f.conversation(t)
	other := domain.User{ID: "u2"}

	if _, err := f.svc.GetConversation(ctx, other, conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("get: expected ErrConversationNotFound, got %v", err)
	}
	if _, err := f.svc.RenameConversation(ctx, other, conv.ID, "mine"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("rename: got %v", err)
	}
	if err := f.svc.DeleteConversation(ctx, other, conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("delete: got %v", err)
	}
	if _, err := f.svc.ListMessages(ctx, other, conv.ID, ""); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("messages: got %v", err)
	}
	page, _ := f.svc.ListConversations(ctx, other, 1, 20)
	if page.Count != 0 {
		t.Fatalf("other user sees %d conversations", page.Count)
	}
}

func TestRenameAndDeleteConversation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	conv := f.conversation(t)
	if _, err := f.svc.RenameConversation(ctx, f.user, conv.ID, " "); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle, got %v", err)
	}
	renamed, err := f.svc.RenameConversation(ctx, f.user, conv.ID, "Trip plans")
	if err != nil || renamed.Title != "Trip plans" || !renamed.UpdatedAt.After(conv.UpdatedAt) {
		t.Fatalf("rename: %+v err=%v", renamed, err)
	}
	if _, err := f.svc.SubmitTurn(ctx, conv, "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.svc.DeleteConversation(ctx, f.user, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.GetConversation(ctx, f.user, conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("conversation survived delete: %v", err)
	}
	if len(f.messages(t, conv.ID)) != 0 {
		t.Fatalf("messages survived delete")
	}
}

func TestListMessagesCursorPagination(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	conv := f.conversation(t)
	for i := 0; i < 120; i++ {
		if _, err := f.svc.append(ctx, conv, domain.RoleUser, fmt.Sprintf("m%d", i+1)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	first, err := f.svc.ListMessages(ctx, f.user, conv.ID, "")
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(first.Results) != 50 || first.Results[0].Content != "m1" || first.PreviousCursor != "" || first.NextCursor == "" {
		t.Fatalf("unexpected first page: n=%d prev=%q next=%q", len(first.Results), first.PreviousCursor, first.NextCursor)
	}
	second, err := f.svc.ListMessages(ctx, f.user, conv.ID, first.NextCursor)
	if err != nil || second.Results[0].Content != "m51" || second.PreviousCursor == "" {
		t.Fatalf("unexpected second page err=%v", err)
	}
	third, err := f.svc.ListMessages(ctx, f.user, conv.ID, second.NextCursor)
	if err != nil || len(third.Results) != 20 || third.NextCursor != "" || third.Results[19].Content != "m120" {
		t.Fatalf("unexpected third page n=%d next=%q err=%v", len(third.Results), third.NextCursor, err)
	}
	back, err := f.svc.ListMessages(ctx, f.user, conv.ID, third.PreviousCursor)
	if err != nil || len(back.Results) != 50 || back.Results[0].Content != "m51" || back.Results[49].Content != "m100" {
		t.Fatalf("unexpected backward page err=%v", err)
	}
	if _, err := f.svc.ListMessages(ctx, f.user, conv.ID, "not-a-cursor!"); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestGenerateTitle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	conv := f.conversation(t)
	if _, err := f.svc.SubmitTurn(ctx, conv, "Plan a week in Lisbon"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	before, _, _ := f.store.GetConversation(ctx, conv.ID)
	f.provider.reply = "  \"Lisbon Week Itinerary\"\n"

	if err := f.svc.HandleJob(ctx, queue.Job{Type: JobGenerateTitle, Payload: conv.ID}); err != nil {
		t.Fatalf("handle job: %v", err)
	}
	after, _, _ := f.store.GetConversation(ctx, conv.ID)
	if after.Title != "Lisbon Week Itinerary" {
		t.Fatalf("title = %q", after.Title)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("title job changed updated_at")
	}
	prompt := f.provider.calls[len(f.provider.calls)-1][0].Content
	if prompt != "Summarize the following user request in 3-5 words to be used as a chat title: Plan a week in Lisbon" {
		t.Fatalf("unexpected prompt %q", prompt)
	}
}

// gatedProvider blocks Complete until release is closed.
type gatedProvider struct {
	started chan struct{}
	release chan struct{}
	reply   string
}

func (p *gatedProvider) Complete(ctx context.Context, _ []ai.Message) (string, error) {
	close(p.started)
	select {
	case <-p.release:
		return p.reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *gatedProvider) Stream(context.Context, []ai.Message, ai.ChunkHandler) error {
	return errors.New("not used")
}

func TestGenerateTitleKeepsActivityFromConcurrentTurns(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	c1 := f.conversation(t)
	c2 := f.conversation(t)
	if _, err := f.svc.SubmitTurn(ctx, c1, "Plan a week in Lisbon"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	gate := &gatedProvider{started: make(chan struct{}), release: make(chan struct{}), reply: "Lisbon Week"}
	titler, err := New(Config{Store: f.store, Provider: gate, Queue: f.queue})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- titler.GenerateTitle(ctx, c1.ID) }()
	<-gate.started

	// c1 gets the newest message while its title is being generated.
	if _, err := f.svc.SubmitTurn(ctx, c2, "other"); err != nil {
		t.Fatalf("submit c2: %v", err)
	}
	if _, err := f.svc.SubmitTurn(ctx, c1, "and a day trip"); err != nil {
		t.Fatalf("submit c1: %v", err)
	}
	bumped, _, _ := f.store.GetConversation(ctx, c1.ID)

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("generate title: %v", err)
	}
	after, _, _ := f.store.GetConversation(ctx, c1.ID)
	if after.Title != "Lisbon Week" {
		t.Fatalf("title = %q", after.Title)
	}
	if !after.UpdatedAt.Equal(bumped.UpdatedAt) {
		t.Fatalf("updated_at rolled back from %v to %v", bumped.UpdatedAt, after.UpdatedAt)
	}
	page, err := f.svc.ListConversations(ctx, f.user, 1, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Results[0].ID != c1.ID {
		t.Fatalf("most recent conversation = %s, want %s", page.Results[0].ID, c1.ID)
	}
}

func TestHandleJobLogsTitleFailure(t *testing.T) {
	f := newFixture(t, 0)
	conv := f.conversation(t)
	if _, err := f.svc.SubmitTurn(context.Background(), conv, "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.provider.err = errors.New("llm down")

	var buf bytes.Buffer
	ctx := util.ContextWithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))
	err := f.svc.HandleJob(ctx, queue.Job{ID: "job-7", Type: JobGenerateTitle, Payload: conv.ID, Attempts: 2})
	if err == nil {
		t.Fatalf("expected error from failing model")
	}
	out := buf.String()
	for _, want := range []string{`"msg":"title job failed"`, `"job_id":"job-7"`, `"attempt":2`, `"conversation_id":"` + conv.ID + `"`, "llm down"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %q missing %s", out, want)
		}
	}
}

func TestGenerateTitleSkipsMissingInputs(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	if err := f.svc.GenerateTitle(ctx, "gone"); err != nil {
		t.Fatalf("missing conversation: %v", err)
	}
	conv := f.conversation(t)
	if err := f.svc.GenerateTitle(ctx, conv.ID); err != nil {
		t.Fatalf("no user message: %v", err)
	}
	if len(f.provider.calls) != 0 {
		t.Fatalf("model called without input")
	}
}

func TestCleanTitle(t *testing.T) {
	cases := []struct{ in, want string }{
		{`"Quoted"`, "Quoted"},
		{"  'Single'  ", "Single"},
		{"“Curly”", "Curly"},
		{"Plain title", "Plain title"},
		{`" "`, ""},
		{strings.Repeat("x", 300), strings.Repeat("x", 255)},
	}
	for _, tc := range cases {
		if got := CleanTitle(tc.in); got != tc.want {
			t.Fatalf("CleanTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExportConversation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	conv := f.conversation(t)
	if _, err := f.svc.SubmitTurn(ctx, conv, "export me"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	exp, err := f.svc.ExportConversation(ctx, f.user, conv.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(exp.Key, storage.ExportPrefix(f.user.ID, conv.ID)) || !strings.HasPrefix(exp.URL, "memory://") {
		t.Fatalf("unexpected export %+v", exp)
	}
	data, _, err := f.exports.Get(exp.Key)
	if err != nil {
		t.Fatalf("get export: %v", err)
	}
	var doc struct {
		Conversation struct{ ID string } `json:"conversation"`
		Messages     []struct{ Role, Content string }
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if doc.Conversation.ID != conv.ID || len(doc.Messages) != 2 || doc.Messages[0].Content != "export me" {
		t.Fatalf("unexpected transcript %+v", doc)
	}

	f.svc.exports = nil
	if _, err := f.svc.ExportConversation(ctx, f.user, conv.ID); !errors.Is(err, ErrExportDisabled) {
		t.Fatalf("expected ErrExportDisabled, got %v", err)
	}
}
