package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/kaichat/internal/database"
	"go.uber.org/zap"
)

const idleRoomTimeout = time.Second * 5

const (
	globalRoomKey   = "global"
	groupRoomPrefix = "group-"
	callRoomPrefix  = "call-"
)

type roomKind int

const (
	roomGlobal roomKind = iota
	roomGroup
	roomCall
)

func (k roomKind) String() string {
	switch k {
	case roomGlobal:
		return "global"
	case roomGroup:
		return "group"
	case roomCall:
		return "call"
	}
	return "unknown"
}

var (
	errInvalidRoom  = errors.New("invalid room key")
	errRoomClosed   = errors.New("room closed")
	errClientClosed = errors.New("connection closed")
)

// parseRoomKey splits a room key into its kind and the id of the group or
// call it belongs to.
func parseRoomKey(key string) (roomKind, string, error) {
	if key == globalRoomKey {
		return roomGlobal, "", nil
	}
	if id, ok := strings.CutPrefix(key, groupRoomPrefix); ok && id != "" {
		return roomGroup, id, nil
	}
	if id, ok := strings.CutPrefix(key, callRoomPrefix); ok && id != "" {
		return roomCall, id, nil
	}
	return 0, "", fmt.Errorf("%w: %q", errInvalidRoom, key)
}

func groupRoomKey(groupId string) string {
	return groupRoomPrefix + groupId
}

func callRoomKey(callId string) string {
	return callRoomPrefix + callId
}

type Room struct {
	key   string
	kind  roomKind
	refId string
	cs    *ChatServer
	log   *zap.SugaredLogger
	// persistent rooms are never unloaded
	persistent    bool
	joinChan      chan *ClientMessage
	clientMsgChan chan *ClientMessage
	clients       map[*Client]struct{}
	userMap       map[string]map[*Client]struct{}
	clientLock    sync.RWMutex
	closed        bool
	// killTimer unloads the room once it has been empty for idleRoomTimeout
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func newRoom(cs *ChatServer, key string) (*Room, error) {
	kind, refId, err := parseRoomKey(key)
	if err != nil {
		return nil, err
	}

	r := &Room{
		key:           key,
		kind:          kind,
		refId:         refId,
		cs:            cs,
		log:           cs.log.With("room", key),
		persistent:    kind == roomGlobal,
		joinChan:      make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[string]map[*Client]struct{}),
		killTimer:     time.NewTimer(idleRoomTimeout),
		exit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if r.persistent {
		r.killTimer.Stop()
	}

	return r, nil
}

func (r *Room) start() {
	r.log.Debug("starting room")
	defer close(r.done)

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case msg := <-r.clientMsgChan:
			r.handleClientMessage(msg)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case <-r.exit:
			r.log.Debug("room exiting")
			return
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Debug("room timed out")
	select {
	case r.cs.unloadRoomChan <- r.key:
	case <-r.exit:
	}
}

func (r *Room) handleClientMessage(msg *ClientMessage) {
	switch {
	case msg.SendMessage != nil:
		r.saveAndBroadcast(msg)
	case msg.AddReaction != nil:
		r.handleAddReaction(msg)
	case msg.RemoveReaction != nil:
		r.handleRemoveReaction(msg)
	case msg.MarkRead != nil:
		r.handleRead(msg)
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	c := join.client
	name, _ := join.payload()

	ctx, cancel := storeContext()
	defer cancel()

	if err := r.authorize(ctx, c.user.Id); err != nil {
		c.reject(join.Id, name, err)
		r.resetIdle()
		return
	}

	switch err := r.addClient(c); {
	case errors.Is(err, errRoomClosed):
		// the room was unloaded while this join was queued
		r.cs.requeueJoin(join)
		return
	case errors.Is(err, errClientClosed):
		r.log.Debugw("dropping join from closed connection", "conn_id", c.id)
		r.resetIdle()
		return
	}

	c.queueMessage(NoErrOK(join.Id, map[string]any{"room_id": r.key}))
}

// authorize checks that userId may subscribe to the room.
func (r *Room) authorize(ctx context.Context, userId string) error {
	switch r.kind {
	case roomGroup:
		ok, err := r.cs.db.IsGroupMember(ctx, r.refId, userId)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return errNotFound("group not found")
			}
			return errInternal(err)
		}
		if !ok {
			return errAuthorization("not a member of this group")
		}
	case roomCall:
		return r.cs.calls.authorizeJoin(ctx, r.refId, userId)
	}

	return nil
}

// addClient subscribes c to the room. It fails with errRoomClosed once the
// room has been closed and with errClientClosed once c has disconnected.
func (r *Room) addClient(c *Client) error {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if r.closed {
		return errRoomClosed
	}
	if !c.addRoom(r) {
		return errClientClosed
	}

	r.killTimer.Stop()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	return nil
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.key)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 && !r.persistent {
		r.log.Debug("no clients in room, starting kill timer")
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) resetIdle() {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if len(r.clients) == 0 && !r.persistent && !r.closed {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// close marks the room closed if it is idle. It reports whether the room
// may be unloaded.
func (r *Room) close() bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if len(r.clients) > 0 || len(r.joinChan) > 0 || len(r.clientMsgChan) > 0 {
		return false
	}

	r.closed = true
	r.killTimer.Stop()
	return true
}

// shutdown closes the room unconditionally.
func (r *Room) shutdown() {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.closed = true
	r.killTimer.Stop()
}

func (r *Room) hasClient(c *Client) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	return ok
}

func (r *Room) clientCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients)
}

func (r *Room) snapshotClients() []*Client {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// enqueue hands msg to the room goroutine without blocking the caller.
func (r *Room) enqueue(msg *ClientMessage) bool {
	select {
	case r.clientMsgChan <- msg:
		return true
	default:
		r.log.Warn("clientMsgChan full")
		return false
	}
}

// broadcast delivers msg to every client currently in the room except
// msg.SkipClient.
func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
