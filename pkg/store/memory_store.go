package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"chatline/pkg/domain"
)

// MemoryStore keeps all records in-process (single instance only).
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User         // key: user ID
	email    map[string]string              // email -> user ID
	chats    map[string]domain.Chat         // key: chat ID
	direct   map[string]string              // direct key -> chat ID
	members  map[string]map[string]struct{} // chat ID -> user IDs
	byUser   map[string]map[string]struct{} // user ID -> chat IDs
	messages map[string][]domain.Message    // chat ID -> messages in append order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		chats:    make(map[string]domain.Chat),
		direct:   make(map[string]string),
		members:  make(map[string]map[string]struct{}),
		byUser:   make(map[string]map[string]struct{}),
		messages: make(map[string][]domain.Message),
	}
}

// CreateUser registers a user.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrConstraintViolation
	}
	if _, ok := m.email[u.Email]; ok {
		return ErrConstraintViolation
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// SearchUsers matches a case-insensitive substring of name or email.
func (m *MemoryStore) SearchUsers(_ context.Context, query string, limit int) ([]domain.User, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" || limit <= 0 {
		return []domain.User{}, nil
	}
	m.mu.RLock()
	res := make([]domain.User, 0)
	for _, u := range m.users {
		if strings.Contains(strings.ToLower(u.Name), query) || strings.Contains(strings.ToLower(u.Email), query) {
			res = append(res, u)
		}
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].Name != res[j].Name {
			return res[i].Name < res[j].Name
		}
		return res[i].ID < res[j].ID
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// FindOtherUser returns the oldest user whose id differs from excludeID.
func (m *MemoryStore) FindOtherUser(_ context.Context, excludeID string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found domain.User
		ok    bool
	)
	for _, u := range m.users {
		if u.ID == excludeID {
			continue
		}
		if !ok || u.CreatedAt.Before(found.CreatedAt) {
			found, ok = u, true
		}
	}
	return found, ok, nil
}

// SetUserAvatar records the object key of a user's avatar.
func (m *MemoryStore) SetUserAvatar(_ context.Context, userID, avatarKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.AvatarKey = avatarKey
	m.users[userID] = u
	return nil
}

// GetChat retrieves a chat by ID.
func (m *MemoryStore) GetChat(_ context.Context, id string) (domain.Chat, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	return c, ok, nil
}

// ListChatsByUser returns the chats a user belongs to, newest first.
func (m *MemoryStore) ListChatsByUser(_ context.Context, userID string) ([]domain.Chat, error) {
	m.mu.RLock()
	res := make([]domain.Chat, 0, len(m.byUser[userID]))
	for chatID := range m.byUser[userID] {
		if c, ok := m.chats[chatID]; ok {
			res = append(res, c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// EnsureLobby creates the global lobby chat when missing.
func (m *MemoryStore) EnsureLobby(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[domain.LobbyChatID]; !ok {
		m.chats[domain.LobbyChatID] = domain.Chat{
			ID:      domain.LobbyChatID,
			Name:    domain.LobbyChatName,
			IsGroup: true,
		}
	}
	return nil
}

// JoinChat adds a membership row; joining twice is a no-op.
func (m *MemoryStore) JoinChat(_ context.Context, chatID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[chatID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	m.addMemberLocked(chatID, userID)
	return nil
}

// IsMember reports whether the user belongs to the chat.
func (m *MemoryStore) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[chatID][userID]
	return ok, nil
}

// ListChatMembers returns the membership rows of a chat.
func (m *MemoryStore) ListChatMembers(_ context.Context, chatID string) ([]domain.Membership, error) {
	m.mu.RLock()
	res := make([]domain.Membership, 0, len(m.members[chatID]))
	for userID := range m.members[chatID] {
		res = append(res, domain.Membership{ChatID: chatID, UserID: userID})
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res, nil
}

// FindDirectChat looks up the non-group chat shared by a and b.
func (m *MemoryStore) FindDirectChat(_ context.Context, a, b string) (domain.Chat, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var shared []string
	for chatID := range m.byUser[a] {
		c, ok := m.chats[chatID]
		if !ok || c.IsGroup {
			continue
		}
		if _, ok := m.members[chatID][b]; ok {
			shared = append(shared, chatID)
		}
	}
	if len(shared) == 0 {
		return domain.Chat{}, false, nil
	}
	sort.Strings(shared)
	return m.chats[shared[0]], true, nil
}

// CreateDirectChat inserts the chat and both memberships under one lock.
func (m *MemoryStore) CreateDirectChat(_ context.Context, chat domain.Chat, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a == b {
		return errors.New("direct chat needs two distinct users")
	}
	if _, ok := m.users[a]; !ok {
		return ErrNotFound
	}
	if _, ok := m.users[b]; !ok {
		return ErrNotFound
	}
	key := domain.DirectKey(a, b)
	if _, ok := m.direct[key]; ok {
		return ErrConstraintViolation
	}
	if _, ok := m.chats[chat.ID]; ok {
		return ErrConstraintViolation
	}
	chat.IsGroup = false
	m.chats[chat.ID] = chat
	m.direct[key] = chat.ID
	m.addMemberLocked(chat.ID, a)
	m.addMemberLocked(chat.ID, b)
	return nil
}

// AppendMessage records a message.
func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[msg.ChatID]; !ok {
		return ErrNotFound
	}
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], msg)
	return nil
}

// ListMessages returns the most recent messages of a chat in chronological order.
func (m *MemoryStore) ListMessages(_ context.Context, chatID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	m.mu.RLock()
	msgs := append([]domain.Message(nil), m.messages[chatID]...)
	m.mu.RUnlock()
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// ChatCount returns the number of chats, the lobby included.
func (m *MemoryStore) ChatCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chats)
}

// MembershipCount returns the number of membership rows.
func (m *MemoryStore) MembershipCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, users := range m.members {
		n += len(users)
	}
	return n
}

func (m *MemoryStore) addMemberLocked(chatID, userID string) {
	if m.members[chatID] == nil {
		m.members[chatID] = make(map[string]struct{})
	}
	m.members[chatID][userID] = struct{}{}
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][chatID] = struct{}{}
}
