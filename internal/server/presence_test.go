package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/stats"
	"github.com/npezzotti/kaichat/internal/testutil"
	"github.com/npezzotti/kaichat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockMirror struct {
	mock.Mock
}

func (m *mockMirror) SetPresence(ctx context.Context, userId string, presence types.Presence, lastSeenAt time.Time) error {
	args := m.Called(userId, presence)
	return args.Error(0)
}

func (m *mockMirror) Reset(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}

func newTestPresence(t *testing.T, db *database.MockChatRepository, mirror PresenceMirror) (*PresenceTracker, *[]*PresenceChange) {
	var changes []*PresenceChange
	pt := NewPresenceTracker(testutil.TestLogger(t), db, stats.NopStats{}, mirror, func(pc *PresenceChange) {
		changes = append(changes, pc)
	})
	return pt, &changes
}

func TestPresenceTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("online with first connection, offline with last", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("UpdatePresence", mock.MatchedBy(func(p database.UpdatePresenceParams) bool {
			return p.UserId == alice.Id && p.IsOnline && p.Presence == types.PresenceOnline && !p.ClearTyping
		})).Return(nil).Once()
		db.On("UpdatePresence", mock.MatchedBy(func(p database.UpdatePresenceParams) bool {
			return p.UserId == alice.Id && !p.IsOnline && p.Presence == types.PresenceOffline && p.ClearTyping
		})).Return(nil).Once()

		mirror := &mockMirror{}
		defer mirror.AssertExpectations(t)
		mirror.On("SetPresence", alice.Id, types.PresenceOnline).Return(nil).Once()
		mirror.On("SetPresence", alice.Id, types.PresenceOffline).Return(errors.New("redis down")).Once()

		pt, changes := newTestPresence(t, db, mirror)

		assert.NoError(t, pt.Connect(ctx, alice.Id))
		assert.NoError(t, pt.Connect(ctx, alice.Id))
		assert.Equal(t, 2, pt.Connections(alice.Id))

		wentOffline, err := pt.Disconnect(ctx, alice.Id)
		assert.NoError(t, err)
		assert.False(t, wentOffline)
		assert.True(t, pt.IsOnline(alice.Id))

		wentOffline, err = pt.Disconnect(ctx, alice.Id)
		assert.NoError(t, err, "mirror failures are not fatal")
		assert.True(t, wentOffline)
		assert.False(t, pt.IsOnline(alice.Id))

		if assert.Len(t, *changes, 2) {
			assert.True(t, (*changes)[0].IsOnline)
			assert.Equal(t, types.PresenceOffline, (*changes)[1].Presence)
		}

		wentOffline, err = pt.Disconnect(ctx, alice.Id)
		assert.NoError(t, err)
		assert.False(t, wentOffline, "unknown connections are ignored")
	})

	t.Run("store failure suppresses the broadcast", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("UpdatePresence", mock.Anything).Return(errors.New("db down"))

		pt, changes := newTestPresence(t, db, nil)

		assert.Error(t, pt.Connect(ctx, alice.Id))
		assert.True(t, pt.IsOnline(alice.Id), "the connection still counts")
		assert.Empty(t, *changes)

		err := pt.Set(ctx, alice.Id, types.PresenceBusy)
		assert.Equal(t, KindInternal, asEventError(err).Kind)
		assert.Empty(t, *changes)
	})

	t.Run("explicit presence", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("UpdatePresence", mock.Anything).Return(nil)

		pt, changes := newTestPresence(t, db, nil)

		assert.NoError(t, pt.Set(ctx, alice.Id, types.PresenceBusy))
		assert.NoError(t, pt.Set(ctx, alice.Id, types.PresenceOffline))

		err := pt.Set(ctx, alice.Id, "invisible")
		assert.Equal(t, KindValidation, asEventError(err).Kind)

		if assert.Len(t, *changes, 2) {
			assert.True(t, (*changes)[0].IsOnline)
			assert.False(t, (*changes)[1].IsOnline)
		}
	})
}

func TestPresenceTracker_Reset(t *testing.T) {
	ctx := context.Background()

	t.Run("store and mirror", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("ResetPresence").Return(int64(2), nil).Once()

		mirror := &mockMirror{}
		defer mirror.AssertExpectations(t)
		mirror.On("Reset").Return(nil).Once()

		pt, changes := newTestPresence(t, db, mirror)
		assert.NoError(t, pt.Reset(ctx))
		assert.Empty(t, *changes, "a reset is not announced")
	})

	t.Run("store failure skips the mirror", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("ResetPresence").Return(int64(0), errors.New("db down")).Once()

		mirror := &mockMirror{}
		defer mirror.AssertExpectations(t)

		pt, _ := newTestPresence(t, db, mirror)
		assert.Error(t, pt.Reset(ctx))
	})

	t.Run("mirror failure", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("ResetPresence").Return(int64(0), nil).Once()

		mirror := &mockMirror{}
		mirror.On("Reset").Return(errors.New("redis down")).Once()

		pt, _ := newTestPresence(t, db, mirror)
		assert.Error(t, pt.Reset(ctx))
	})
}
