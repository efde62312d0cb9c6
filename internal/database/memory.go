package database

import (
	"context"
	"slices"
	"sync"

	"github.com/npezzotti/kaichat/internal/types"
)

// MemoryChatRepository is an in-process ChatRepository. It backs tests that
// need real store semantics (uniqueness, counters) rather than scripted mocks.
type MemoryChatRepository struct {
	mu       sync.Mutex
	users    map[string]types.User
	groups   map[string]types.Group
	messages map[string]types.Message
	calls    map[string]types.Call
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		users:    make(map[string]types.User),
		groups:   make(map[string]types.Group),
		messages: make(map[string]types.Message),
		calls:    make(map[string]types.Call),
	}
}

func (m *MemoryChatRepository) PutUser(u types.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Id] = u
}

func (m *MemoryChatRepository) PutGroup(g types.Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.Members = slices.Clone(g.Members)
	m.groups[g.Id] = g
}

func (m *MemoryChatRepository) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryChatRepository) GetUserById(ctx context.Context, id string) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryChatRepository) GetUserByPhone(ctx context.Context, phone string) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Phone == phone {
			return u, nil
		}
	}
	return types.User{}, ErrNotFound
}

func (m *MemoryChatRepository) UpdatePresence(ctx context.Context, params UpdatePresenceParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[params.UserId]
	if !ok {
		return ErrNotFound
	}

	u.IsOnline = params.IsOnline
	u.Presence = params.Presence
	if params.LastSeenAt.After(u.LastSeenAt) {
		u.LastSeenAt = params.LastSeenAt
	}
	if params.ClearTyping {
		u.TypingInRoom = nil
	}
	m.users[u.Id] = u

	return nil
}

func (m *MemoryChatRepository) ResetPresence(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, u := range m.users {
		if !u.IsOnline && u.Presence == types.PresenceOffline && u.TypingInRoom == nil {
			continue
		}
		u.IsOnline = false
		u.Presence = types.PresenceOffline
		u.TypingInRoom = nil
		m.users[id] = u
		n++
	}

	return n, nil
}

func (m *MemoryChatRepository) GetGroup(ctx context.Context, id string) (types.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return types.Group{}, ErrNotFound
	}
	g.Members = slices.Clone(g.Members)
	return g, nil
}

func (m *MemoryChatRepository) IsGroupMember(ctx context.Context, groupId, userId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupId]
	if !ok {
		return false, ErrNotFound
	}
	return g.HasMember(userId), nil
}

func (m *MemoryChatRepository) UpdateGroupOnMessage(ctx context.Context, groupId, messageId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupId]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m.messages[messageId]; !ok {
		return ErrNotFound
	}

	g.MessageCount++
	g.LastMessageId = &messageId
	m.groups[groupId] = g

	return nil
}

func (m *MemoryChatRepository) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[msg.Id]; ok {
		return types.Message{}, ErrConflict
	}
	if _, ok := m.users[msg.SenderId]; !ok {
		return types.Message{}, ErrNotFound
	}

	msg.Reactions = []types.Reaction{}
	msg.ReadBy = []types.ReadReceipt{}
	m.messages[msg.Id] = msg

	return msg, nil
}

func (m *MemoryChatRepository) GetMessage(ctx context.Context, id string) (types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return types.Message{}, ErrNotFound
	}
	msg.Reactions = slices.Clone(msg.Reactions)
	msg.ReadBy = slices.Clone(msg.ReadBy)
	return msg, nil
}

func (m *MemoryChatRepository) AddReaction(ctx context.Context, messageId string, reaction types.Reaction) ([]types.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageId]
	if !ok {
		return nil, ErrNotFound
	}

	for _, r := range msg.Reactions {
		if r.UserId == reaction.UserId && r.Emoji == reaction.Emoji {
			return nil, ErrConflict
		}
	}

	msg.Reactions = append(msg.Reactions, reaction)
	m.messages[messageId] = msg

	return slices.Clone(msg.Reactions), nil
}

func (m *MemoryChatRepository) RemoveReaction(ctx context.Context, messageId, userId, emoji string) ([]types.Reaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageId]
	if !ok {
		return nil, false, ErrNotFound
	}

	n := len(msg.Reactions)
	msg.Reactions = slices.DeleteFunc(msg.Reactions, func(r types.Reaction) bool {
		return r.UserId == userId && r.Emoji == emoji
	})
	m.messages[messageId] = msg

	return slices.Clone(msg.Reactions), len(msg.Reactions) != n, nil
}

func (m *MemoryChatRepository) AddReadReceipt(ctx context.Context, messageId string, receipt types.ReadReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageId]
	if !ok {
		return ErrNotFound
	}

	for _, r := range msg.ReadBy {
		if r.UserId == receipt.UserId {
			return ErrConflict
		}
	}

	msg.ReadBy = append(msg.ReadBy, receipt)
	m.messages[messageId] = msg

	return nil
}

func (m *MemoryChatRepository) CreateCall(ctx context.Context, call types.Call) (types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.calls {
		if c.Id == call.Id || c.RoomId == call.RoomId {
			return types.Call{}, ErrConflict
		}
	}

	call.Participants = slices.Clone(call.Participants)
	m.calls[call.Id] = call

	return call, nil
}

func (m *MemoryChatRepository) GetCall(ctx context.Context, id string) (types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return types.Call{}, ErrNotFound
	}
	c.Participants = slices.Clone(c.Participants)
	return c, nil
}

func (m *MemoryChatRepository) UpdateCall(ctx context.Context, call types.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[call.Id]
	if !ok {
		return ErrNotFound
	}

	c.Status = call.Status
	c.EndTime = call.EndTime
	c.Duration = call.Duration
	c.Participants = slices.Clone(call.Participants)
	m.calls[call.Id] = c

	return nil
}
