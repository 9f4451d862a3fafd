package store

import (
	"context"
	"slices"
	"sync"

	"navidai/pkg/domain"
)

// MemoryStore keeps everything in-process. One mutex serializes writers,
// which gives the same atomicity the Postgres transactions provide.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User // key: user ID
	emails        map[string]string      // email -> user ID
	attempts      map[string]domain.SignupAttempt
	attemptEmails map[string]string // email -> token
	onboarding    map[string]domain.OnboardingProgress
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // conversation ID -> ascending seq
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		emails:        make(map[string]string),
		attempts:      make(map[string]domain.SignupAttempt),
		attemptEmails: make(map[string]string),
		onboarding:    make(map[string]domain.OnboardingProgress),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.emails[u.Email]; ok && owner != u.ID {
		return ErrConflict
	}
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.emails, prev.Email)
	}
	m.users[u.ID] = u
	m.emails[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.emails[email]
	return ok, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	for convID, conv := range m.conversations {
		if conv.UserID == id {
			delete(m.messages, convID)
			delete(m.conversations, convID)
		}
	}
	delete(m.onboarding, id)
	delete(m.emails, u.Email)
	delete(m.users, id)
	return nil
}

func (m *MemoryStore) ReplaceSignupAttempt(_ context.Context, a domain.SignupAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.attemptEmails[a.Email]; ok {
		delete(m.attempts, prev)
	}
	m.attempts[a.Token] = a
	m.attemptEmails[a.Email] = a.Token
	return nil
}

func (m *MemoryStore) GetSignupAttempt(_ context.Context, token string) (domain.SignupAttempt, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[token]
	return a, ok, nil
}

func (m *MemoryStore) UpdateSignupAttempt(_ context.Context, a domain.SignupAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.attempts[a.Token]
	if !ok {
		return ErrNotFound
	}
	cur.CodeHash = a.CodeHash
	cur.ExpiresAt = a.ExpiresAt
	cur.CodeSentAt = a.CodeSentAt
	m.attempts[a.Token] = cur
	return nil
}

func (m *MemoryStore) DeleteSignupAttempt(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteAttemptLocked(token)
	return nil
}

func (m *MemoryStore) deleteAttemptLocked(token string) {
	a, ok := m.attempts[token]
	if !ok {
		return
	}
	delete(m.attempts, token)
	if m.attemptEmails[a.Email] == token {
		delete(m.attemptEmails, a.Email)
	}
}

func (m *MemoryStore) CompleteSignup(_ context.Context, token string, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[token]; !ok {
		return ErrNotFound
	}
	if _, taken := m.emails[u.Email]; taken {
		return ErrConflict
	}
	m.users[u.ID] = u
	m.emails[u.Email] = u.ID
	m.deleteAttemptLocked(token)
	return nil
}

func (m *MemoryStore) GetOnboardingProgress(_ context.Context, userID string) (domain.OnboardingProgress, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.onboarding[userID]
	if ok {
		p.Goals = slices.Clone(p.Goals)
	}
	return p, ok, nil
}

func (m *MemoryStore) SaveOnboardingProgress(_ context.Context, p domain.OnboardingProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveOnboardingLocked(p)
	return nil
}

func (m *MemoryStore) saveOnboardingLocked(p domain.OnboardingProgress) {
	p.Goals = slices.Clone(p.Goals)
	if p.Goals == nil {
		p.Goals = []string{}
	}
	m.onboarding[p.UserID] = p
}

func (m *MemoryStore) CompleteOnboarding(_ context.Context, p domain.OnboardingProgress) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[p.UserID]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	m.saveOnboardingLocked(p)
	u.OnboardingComplete = true
	u.UpdatedAt = p.UpdatedAt
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) CreateConversation(_ context.Context, c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[c.ID]; exists {
		return ErrConflict
	}
	m.conversations[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

func (m *MemoryStore) ListConversationsByUser(_ context.Context, userID string, offset, limit int) ([]domain.Conversation, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []domain.Conversation
	for _, c := range m.conversations {
		if c.UserID == userID {
			items = append(items, c)
		}
	}
	slices.SortFunc(items, func(a, b domain.Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	total := int64(len(items))
	if offset >= len(items) {
		return []domain.Conversation{}, total, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, total, nil
}

func (m *MemoryStore) UpdateConversation(_ context.Context, c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.conversations[c.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Title = c.Title
	cur.UpdatedAt = c.UpdatedAt
	m.conversations[c.ID] = cur
	return nil
}

func (m *MemoryStore) SetConversationTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	cur.Title = title
	m.conversations[id] = cur
	return nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.messages, id)
	delete(m.conversations, id)
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) (AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return AppendResult{}, ErrNotFound
	}
	msg.Seq = conv.MessageCount + 1
	due := titleDue(msg.Role, msg.Seq, conv.TitleRequested)
	m.messages[conv.ID] = append(m.messages[conv.ID], msg)
	conv.MessageCount = msg.Seq
	conv.UpdatedAt = msg.CreatedAt
	if due {
		conv.TitleRequested = true
	}
	m.conversations[conv.ID] = conv
	return AppendResult{Message: msg, Count: msg.Seq, TitleDue: due}, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string, q MessageQuery) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[conversationID]
	var window []domain.Message
	if q.BeforeSeq > 0 {
		end := 0
		for end < len(all) && all[end].Seq < q.BeforeSeq {
			end++
		}
		start := 0
		if q.Limit > 0 && end-q.Limit > 0 {
			start = end - q.Limit
		}
		window = all[start:end]
	} else {
		start := 0
		for start < len(all) && all[start].Seq <= q.AfterSeq {
			start++
		}
		window = all[start:]
		if q.Limit > 0 && q.Limit < len(window) {
			window = window[:q.Limit]
		}
	}
	return slices.Clone(window), nil
}

func (m *MemoryStore) FirstMessageByRole(_ context.Context, conversationID string, role domain.Role) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.messages[conversationID] {
		if msg.Role == role {
			return msg, true, nil
		}
	}
	return domain.Message{}, false, nil
}
