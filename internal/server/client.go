package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/stats"
	"github.com/npezzotti/kaichat/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type Client struct {
	id        string
	conn      *websocket.Conn
	cs        *ChatServer
	log       *zap.SugaredLogger
	user      types.User
	limiter   *rate.Limiter
	send      chan *ServerMessage
	rooms     map[string]*Room
	roomsLock sync.RWMutex
	// closed is set under roomsLock once the connection is deregistered
	closed    bool
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *zap.SugaredLogger) *Client {
	id, err := shortid.Generate()
	if err != nil {
		id = user.Id
	}

	return &Client{
		id:      id,
		conn:    conn,
		cs:      cs,
		log:     l.With("conn_id", id, "user_id", user.Id),
		user:    user,
		limiter: rate.NewLimiter(cs.eventRate, cs.eventBurst),
		send:    make(chan *ServerMessage, 256),
		rooms:   make(map[string]*Room),
		stop:    make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) User() types.User {
	return c.user
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Errorw("serialize message", "error", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warnw("ws: read", "error", err)
			}
			break
		}

		c.handle(raw)
	}
}

// handle decodes and dispatches one inbound frame. A bad frame only ever
// produces an error response for this connection.
func (c *Client) handle(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Infow("error parsing message", "error", err)
		c.cs.stats.Incr(rejectedMetric(KindValidation))
		c.queueMessage(ErrInvalidMessage(0))
		return
	}

	if !c.limiter.Allow() {
		c.cs.stats.Incr(stats.EventsRateLimited)
		c.queueMessage(ErrRateLimited(msg.Id))
		return
	}

	name, payload := msg.payload()
	if name == "" {
		c.cs.stats.Incr(rejectedMetric(KindValidation))
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if err := c.cs.validate.Struct(payload); err != nil {
		c.reject(msg.Id, name, errValidation(ValidationMessage(err)))
		return
	}

	msg.client = c
	msg.UserId = c.user.Id
	msg.Timestamp = Now()

	c.dispatch(name, &msg)
}

func (c *Client) dispatch(name string, msg *ClientMessage) {
	switch {
	case msg.JoinGroup != nil, msg.Join != nil:
		c.joinRoom(msg)
	case msg.LeaveGroup != nil, msg.Leave != nil:
		c.leaveRoom(msg)
	case msg.SendMessage != nil:
		c.publishMessage(msg)
	case msg.StartTyping != nil:
		c.cs.startTyping(c, msg)
	case msg.StopTyping != nil:
		c.cs.stopTyping(c, msg)
	case msg.AddReaction != nil, msg.RemoveReaction != nil, msg.MarkRead != nil:
		c.routeToMessageRoom(name, msg)
	case msg.SetPresence != nil:
		c.setPresence(msg)
	case msg.RequestCall != nil:
		c.requestCall(msg)
	case msg.AcceptCall != nil:
		c.callAction(name, msg, c.cs.calls.Accept)
	case msg.RejectCall != nil:
		c.callAction(name, msg, c.cs.calls.Reject)
	case msg.EndCall != nil:
		c.callAction(name, msg, c.cs.calls.End)
	case msg.Offer != nil, msg.Answer != nil, msg.IceCandidate != nil:
		c.cs.relaySignal(c, name, msg)
	}
}

// reject reports a failed event to this connection only.
func (c *Client) reject(id int, context string, err error) {
	ee := asEventError(err)
	if ee.Kind == KindInternal {
		c.log.Errorw("event failed", "event", context, "error", err)
	} else {
		c.log.Infow("event rejected", "event", context, "kind", ee.Kind, "reason", ee.Reason)
	}

	c.cs.stats.Incr(rejectedMetric(ee.Kind))
	c.queueMessage(ErrResponse(id, context, ee))
}

func (c *Client) publishMessage(msg *ClientMessage) {
	if err := checkMessageShape(msg.SendMessage); err != nil {
		c.reject(msg.Id, "send_message", err)
		return
	}

	r := c.getRoom(msg.SendMessage.Room)
	if r == nil {
		c.reject(msg.Id, "send_message", errAuthorization("not joined to room"))
		return
	}

	if !r.enqueue(msg) {
		c.queueMessage(ErrServiceUnavailable(msg.Id, "send_message"))
	}
}

// routeToMessageRoom hands reaction and read events to the goroutine of the
// room the target message belongs to.
func (c *Client) routeToMessageRoom(name string, msg *ClientMessage) {
	var messageId string
	switch {
	case msg.AddReaction != nil:
		messageId = msg.AddReaction.MessageId
	case msg.RemoveReaction != nil:
		messageId = msg.RemoveReaction.MessageId
	default:
		messageId = msg.MarkRead.MessageId
	}

	ctx, cancel := storeContext()
	defer cancel()

	m, err := c.cs.db.GetMessage(ctx, messageId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.reject(msg.Id, name, errNotFound("message not found"))
			return
		}
		c.reject(msg.Id, name, errInternal(err))
		return
	}

	r := c.getRoom(m.Room)
	if r == nil {
		c.reject(msg.Id, name, errAuthorization("not joined to the message's room"))
		return
	}

	msg.target = &m
	if !r.enqueue(msg) {
		c.queueMessage(ErrServiceUnavailable(msg.Id, name))
	}
}

func (c *Client) setPresence(msg *ClientMessage) {
	ctx, cancel := storeContext()
	defer cancel()

	if err := c.cs.presence.Set(ctx, c.user.Id, msg.SetPresence.Presence); err != nil {
		c.reject(msg.Id, "set_presence", err)
	}
}

func (c *Client) requestCall(msg *ClientMessage) {
	ctx, cancel := storeContext()
	defer cancel()

	call, err := c.cs.calls.Request(ctx, c, *msg.RequestCall)
	if err != nil {
		c.reject(msg.Id, "request_call", err)
		return
	}

	c.queueMessage(NoErrCreated(msg.Id, map[string]any{
		"call_id": call.Id,
		"room_id": call.RoomId,
	}))
}

func (c *Client) callAction(name string, msg *ClientMessage, action func(ctx context.Context, c *Client, callId string) error) {
	var callId string
	switch {
	case msg.AcceptCall != nil:
		callId = msg.AcceptCall.CallId
	case msg.RejectCall != nil:
		callId = msg.RejectCall.CallId
	default:
		callId = msg.EndCall.CallId
	}

	ctx, cancel := storeContext()
	defer cancel()

	if err := action(ctx, c, callId); err != nil {
		c.reject(msg.Id, name, err)
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warnw("write message", "error", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.cs.DeregisterClient(c)
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.roomsLock.RUnlock()

	for _, r := range rooms {
		r.removeClient(c)
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	name, _ := msg.payload()

	if c.getRoom(msg.roomKey()) != nil {
		c.queueMessage(NoErrOK(msg.Id, map[string]any{"room_id": msg.roomKey()}))
		return
	}

	select {
	case c.cs.joinChan <- msg:
	default:
		c.log.Warn("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id, name))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	name, _ := msg.payload()
	key := msg.roomKey()

	if key == globalRoomKey {
		c.reject(msg.Id, name, errValidation("cannot leave the global room"))
		return
	}

	if r := c.getRoom(key); r != nil {
		r.removeClient(c)
		if c.cs.typing.Stop(key, c.user.Id) {
			c.cs.broadcastTypingStopped(key, c.user.Id, c)
		}
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"room_id": key}))
}

func (c *Client) delRoom(key string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, key)
}

// addRoom records the subscription to r. It reports false once the
// connection has been closed.
func (c *Client) addRoom(r *Room) bool {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if c.closed {
		return false
	}

	c.rooms[r.key] = r
	return true
}

func (c *Client) markClosed() {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.closed = true
}

func (c *Client) getRoom(key string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[key]
}
