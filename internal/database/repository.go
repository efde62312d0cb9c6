package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/kaichat/internal/types"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

type UpdatePresenceParams struct {
	UserId      string
	IsOnline    bool
	Presence    types.Presence
	LastSeenAt  time.Time
	ClearTyping bool
}

// ChatRepository is the keyed-record store the realtime server runs against.
// Users and groups are owned elsewhere; only the fields the server touches
// are exposed here.
type ChatRepository interface {
	Ping(ctx context.Context) error

	GetUserById(ctx context.Context, id string) (types.User, error)
	GetUserByPhone(ctx context.Context, phone string) (types.User, error)
	UpdatePresence(ctx context.Context, params UpdatePresenceParams) error
	// ResetPresence marks every user offline and returns how many changed.
	ResetPresence(ctx context.Context) (int64, error)

	GetGroup(ctx context.Context, id string) (types.Group, error)
	IsGroupMember(ctx context.Context, groupId, userId string) (bool, error)
	UpdateGroupOnMessage(ctx context.Context, groupId, messageId string) error

	CreateMessage(ctx context.Context, msg types.Message) (types.Message, error)
	GetMessage(ctx context.Context, id string) (types.Message, error)
	AddReaction(ctx context.Context, messageId string, reaction types.Reaction) ([]types.Reaction, error)
	RemoveReaction(ctx context.Context, messageId, userId, emoji string) ([]types.Reaction, bool, error)
	AddReadReceipt(ctx context.Context, messageId string, receipt types.ReadReceipt) error

	CreateCall(ctx context.Context, call types.Call) (types.Call, error)
	GetCall(ctx context.Context, id string) (types.Call, error)
	UpdateCall(ctx context.Context, call types.Call) error
}
