package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/stats"
	"github.com/npezzotti/kaichat/internal/types"
	"go.uber.org/zap"
)

// PresenceMirror receives every persisted presence change. It lets other
// processes observe presence without reaching into this server.
type PresenceMirror interface {
	SetPresence(ctx context.Context, userId string, presence types.Presence, lastSeenAt time.Time) error
	// Reset forgets every user the mirror holds as online.
	Reset(ctx context.Context) error
}

type presenceStore interface {
	UpdatePresence(ctx context.Context, params database.UpdatePresenceParams) error
	ResetPresence(ctx context.Context) (int64, error)
}

// PresenceTracker counts live connections per user. A user goes online with
// their first connection and offline when the last one closes. Changes for
// one user are serialized so the persisted state and the broadcasts agree.
type PresenceTracker struct {
	log    *zap.SugaredLogger
	db     presenceStore
	mirror PresenceMirror
	stats  stats.StatsProvider
	notify func(*PresenceChange)
	now    func() time.Time

	locks *keyLock
	mu    sync.Mutex
	conns map[string]int
}

func NewPresenceTracker(logger *zap.SugaredLogger, db presenceStore, su stats.StatsProvider, mirror PresenceMirror, notify func(*PresenceChange)) *PresenceTracker {
	return &PresenceTracker{
		log:    logger,
		db:     db,
		mirror: mirror,
		stats:  su,
		notify: notify,
		now:    Now,
		locks:  newKeyLock(),
		conns:  make(map[string]int),
	}
}

// Connect records a new connection for userId and marks the user online if
// it is their first.
func (pt *PresenceTracker) Connect(ctx context.Context, userId string) error {
	unlock := pt.locks.Lock(userId)
	defer unlock()

	pt.mu.Lock()
	pt.conns[userId]++
	first := pt.conns[userId] == 1
	pt.mu.Unlock()

	if !first {
		return nil
	}

	pt.stats.Incr(stats.NumOnlineUsers)
	return pt.update(ctx, userId, types.PresenceOnline, false)
}

// Disconnect removes a connection for userId. It reports whether that was
// the user's last connection, in which case the user is marked offline.
func (pt *PresenceTracker) Disconnect(ctx context.Context, userId string) (bool, error) {
	unlock := pt.locks.Lock(userId)
	defer unlock()

	pt.mu.Lock()
	n, ok := pt.conns[userId]
	if !ok {
		pt.mu.Unlock()
		return false, nil
	}
	if n > 1 {
		pt.conns[userId] = n - 1
		pt.mu.Unlock()
		return false, nil
	}
	delete(pt.conns, userId)
	pt.mu.Unlock()

	pt.stats.Decr(stats.NumOnlineUsers)
	return true, pt.update(ctx, userId, types.PresenceOffline, true)
}

// Set applies a presence chosen by the client.
func (pt *PresenceTracker) Set(ctx context.Context, userId string, presence types.Presence) error {
	if !presence.Valid() {
		return errValidation("invalid presence")
	}

	unlock := pt.locks.Lock(userId)
	defer unlock()

	if err := pt.update(ctx, userId, presence, false); err != nil {
		return errInternal(err)
	}
	return nil
}

// Reset marks everyone offline in the store and the mirror. It must run
// before any connection is admitted.
func (pt *PresenceTracker) Reset(ctx context.Context) error {
	n, err := pt.db.ResetPresence(ctx)
	if err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}

	if pt.mirror != nil {
		if err := pt.mirror.Reset(ctx); err != nil {
			return fmt.Errorf("reset presence mirror: %w", err)
		}
	}

	pt.log.Infow("presence reset", "users", n)
	return nil
}

func (pt *PresenceTracker) IsOnline(userId string) bool {
	return pt.Connections(userId) > 0
}

func (pt *PresenceTracker) Connections(userId string) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.conns[userId]
}

// update persists the presence and announces it. Nothing is announced when
// the store write fails.
func (pt *PresenceTracker) update(ctx context.Context, userId string, presence types.Presence, clearTyping bool) error {
	now := pt.now()
	params := database.UpdatePresenceParams{
		UserId:      userId,
		IsOnline:    presence != types.PresenceOffline,
		Presence:    presence,
		LastSeenAt:  now,
		ClearTyping: clearTyping,
	}

	if err := pt.db.UpdatePresence(ctx, params); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}

	if pt.mirror != nil {
		if err := pt.mirror.SetPresence(ctx, userId, presence, now); err != nil {
			pt.log.Warnw("mirror presence", "user_id", userId, "error", err)
		}
	}

	pt.notify(&PresenceChange{
		UserId:     userId,
		Presence:   presence,
		IsOnline:   params.IsOnline,
		LastSeenAt: now,
	})

	return nil
}
