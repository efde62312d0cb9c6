package database

import (
	"context"

	"github.com/npezzotti/kaichat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) GetUserById(ctx context.Context, id string) (types.User, error) {
	args := m.Called(id)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockChatRepository) GetUserByPhone(ctx context.Context, phone string) (types.User, error) {
	args := m.Called(phone)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockChatRepository) UpdatePresence(ctx context.Context, params UpdatePresenceParams) error {
	args := m.Called(params)
	return args.Error(0)
}
func (m *MockChatRepository) ResetPresence(ctx context.Context) (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockChatRepository) GetGroup(ctx context.Context, id string) (types.Group, error) {
	args := m.Called(id)
	return args.Get(0).(types.Group), args.Error(1)
}
func (m *MockChatRepository) IsGroupMember(ctx context.Context, groupId, userId string) (bool, error) {
	args := m.Called(groupId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) UpdateGroupOnMessage(ctx context.Context, groupId, messageId string) error {
	args := m.Called(groupId, messageId)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	args := m.Called(msg)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, id string) (types.Message, error) {
	args := m.Called(id)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) AddReaction(ctx context.Context, messageId string, reaction types.Reaction) ([]types.Reaction, error) {
	args := m.Called(messageId, reaction)
	if reactions, ok := args.Get(0).([]types.Reaction); ok {
		return reactions, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) RemoveReaction(ctx context.Context, messageId, userId, emoji string) ([]types.Reaction, bool, error) {
	args := m.Called(messageId, userId, emoji)
	if reactions, ok := args.Get(0).([]types.Reaction); ok {
		return reactions, args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) AddReadReceipt(ctx context.Context, messageId string, receipt types.ReadReceipt) error {
	args := m.Called(messageId, receipt)
	return args.Error(0)
}
func (m *MockChatRepository) CreateCall(ctx context.Context, call types.Call) (types.Call, error) {
	args := m.Called(call)
	return args.Get(0).(types.Call), args.Error(1)
}
func (m *MockChatRepository) GetCall(ctx context.Context, id string) (types.Call, error) {
	args := m.Called(id)
	return args.Get(0).(types.Call), args.Error(1)
}
func (m *MockChatRepository) UpdateCall(ctx context.Context, call types.Call) error {
	args := m.Called(call)
	return args.Error(0)
}
