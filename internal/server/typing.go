package server

import (
	"slices"
	"sync"
)

// TypingTracker holds the set of users typing in each room. Each entry
// remembers the connection that started it so a disconnect clears exactly
// the entries that connection owns.
type TypingTracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Client
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{rooms: make(map[string]map[string]*Client)}
}

// Start reports whether c's user was newly marked typing in room.
func (tt *TypingTracker) Start(room string, c *Client) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	users, ok := tt.rooms[room]
	if !ok {
		users = make(map[string]*Client)
		tt.rooms[room] = users
	}

	if _, ok := users[c.user.Id]; ok {
		return false
	}
	users[c.user.Id] = c
	return true
}

// Stop reports whether userId was typing in room.
func (tt *TypingTracker) Stop(room, userId string) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	users, ok := tt.rooms[room]
	if !ok {
		return false
	}
	if _, ok := users[userId]; !ok {
		return false
	}

	delete(users, userId)
	if len(users) == 0 {
		delete(tt.rooms, room)
	}
	return true
}

// ClearClient removes every entry started by c and returns the affected
// rooms, sorted.
func (tt *TypingTracker) ClearClient(c *Client) []string {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	var cleared []string
	for room, users := range tt.rooms {
		if origin, ok := users[c.user.Id]; ok && origin == c {
			delete(users, c.user.Id)
			cleared = append(cleared, room)
			if len(users) == 0 {
				delete(tt.rooms, room)
			}
		}
	}

	slices.Sort(cleared)
	return cleared
}

func (tt *TypingTracker) Typing(room string) []string {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	users := make([]string, 0, len(tt.rooms[room]))
	for id := range tt.rooms[room] {
		users = append(users, id)
	}
	slices.Sort(users)
	return users
}

func (tt *TypingTracker) len() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.rooms)
}
