package server

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/events"
	"github.com/npezzotti/kaichat/internal/stats"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const storeTimeout = 5 * time.Second

type Options struct {
	// RingTimeout moves unanswered calls to missed. Zero disables it.
	RingTimeout time.Duration
	EventRate   float64
	EventBurst  int
	Publisher   events.Publisher
	Presence    PresenceMirror
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log        *zap.SugaredLogger
	db         database.ChatRepository
	stats      stats.StatsProvider
	publisher  events.Publisher
	validate   *validator.Validate
	presence   *PresenceTracker
	typing     *TypingTracker
	calls      *CallCoordinator
	eventRate  rate.Limit
	eventBurst int

	clients     map[*Client]struct{}
	userMap     map[string]map[*Client]struct{}
	clientsLock sync.RWMutex

	global    *Room
	rooms     map[string]*Room
	roomsLock sync.Mutex

	joinChan       chan *ClientMessage
	unloadRoomChan chan string
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *zap.SugaredLogger, db database.ChatRepository, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if opts.EventRate <= 0 {
		opts.EventRate = 20
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 40
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}

	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          su,
		publisher:      opts.Publisher,
		validate:       NewValidator(),
		typing:         NewTypingTracker(),
		eventRate:      rate.Limit(opts.EventRate),
		eventBurst:     opts.EventBurst,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[string]map[*Client]struct{}),
		rooms:          make(map[string]*Room),
		joinChan:       make(chan *ClientMessage, 256),
		unloadRoomChan: make(chan string),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	cs.presence = NewPresenceTracker(logger, db, su, opts.Presence, cs.broadcastPresence)
	cs.calls = NewCallCoordinator(cs, opts.RingTimeout)

	for _, name := range []string{
		stats.NumConnections,
		stats.NumOnlineUsers,
		stats.NumActiveRooms,
		stats.NumActiveCalls,
		stats.MessagesSent,
		stats.CallsStarted,
		stats.EventsRateLimited,
	} {
		su.RegisterMetric(name)
	}
	for _, kind := range errorKinds {
		su.RegisterMetric(rejectedMetric(kind))
	}

	cs.roomsLock.Lock()
	global, err := cs.getOrCreateRoomLocked(globalRoomKey)
	cs.roomsLock.Unlock()
	if err != nil {
		return nil, err
	}
	cs.global = global

	return cs, nil
}

func (cs *ChatServer) Run() {
	defer close(cs.done)

	for {
		select {
		case join := <-cs.joinChan:
			cs.handleJoinRoom(join)
		case key := <-cs.unloadRoomChan:
			cs.unloadRoom(key)
		case req := <-cs.stop:
			cs.log.Info("shutting down rooms")
			cs.unloadAllRooms()
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoinRoom(join *ClientMessage) {
	c := join.client
	name, _ := join.payload()
	key := join.roomKey()

	if _, _, err := parseRoomKey(key); err != nil {
		c.reject(join.Id, name, errValidation("invalid room id"))
		return
	}

	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	r, err := cs.getOrCreateRoomLocked(key)
	if err != nil {
		c.reject(join.Id, name, errInternal(err))
		return
	}

	// sent under roomsLock so the room cannot be unloaded with the join
	// still in flight
	select {
	case r.joinChan <- join:
	default:
		cs.log.Warnw("join channel full", "room", key)
		c.queueMessage(ErrServiceUnavailable(join.Id, name))
	}
}

// getOrCreateRoomLocked returns the loaded room for key, starting it if
// needed. roomsLock must be held.
func (cs *ChatServer) getOrCreateRoomLocked(key string) (*Room, error) {
	if r, ok := cs.rooms[key]; ok {
		return r, nil
	}

	r, err := newRoom(cs, key)
	if err != nil {
		return nil, err
	}

	cs.rooms[key] = r
	cs.stats.Incr(stats.NumActiveRooms)
	go r.start()

	return r, nil
}

// joinRoomSync subscribes c to key without going through the room
// goroutine. Callers must have authorized the join already.
func (cs *ChatServer) joinRoomSync(c *Client, key string) (*Room, error) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	r, err := cs.getOrCreateRoomLocked(key)
	if err != nil {
		return nil, err
	}

	if err := r.addClient(c); err != nil {
		return nil, err
	}

	return r, nil
}

// requeueJoin sends a join back through Run after its room was unloaded.
func (cs *ChatServer) requeueJoin(join *ClientMessage) {
	select {
	case cs.joinChan <- join:
	default:
		name, _ := join.payload()
		join.client.queueMessage(ErrServiceUnavailable(join.Id, name))
	}
}

func (cs *ChatServer) unloadRoom(key string) {
	cs.roomsLock.Lock()
	r, ok := cs.rooms[key]
	if !ok || r.persistent {
		cs.roomsLock.Unlock()
		return
	}

	if !r.close() {
		cs.roomsLock.Unlock()
		r.log.Debug("room is busy, not unloading")
		return
	}

	delete(cs.rooms, key)
	close(r.exit)
	cs.roomsLock.Unlock()

	<-r.done
	cs.stats.Decr(stats.NumActiveRooms)
	r.log.Debug("room unloaded")
}

func (cs *ChatServer) unloadAllRooms() {
	cs.roomsLock.Lock()
	rooms := make([]*Room, 0, len(cs.rooms))
	for key, r := range cs.rooms {
		r.shutdown()
		close(r.exit)
		rooms = append(rooms, r)
		delete(cs.rooms, key)
	}
	cs.roomsLock.Unlock()

	for _, r := range rooms {
		<-r.done
		cs.stats.Decr(stats.NumActiveRooms)
	}
}

func (cs *ChatServer) getRoom(key string) *Room {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	return cs.rooms[key]
}

// ResetPresence clears presence left behind by a previous process. Call it
// before Run.
func (cs *ChatServer) ResetPresence(ctx context.Context) error {
	return cs.presence.Reset(ctx)
}

// RegisterClient admits an authenticated connection: it joins the global
// room and counts towards its user's presence.
func (cs *ChatServer) RegisterClient(c *Client) error {
	cs.addClient(c)

	if _, err := cs.joinRoomSync(c, globalRoomKey); err != nil {
		cs.removeClient(c)
		return err
	}

	ctx, cancel := storeContext()
	defer cancel()

	if err := cs.presence.Connect(ctx, c.user.Id); err != nil {
		c.log.Errorw("mark online", "error", err)
	}

	cs.broadcastUserCount()
	return nil
}

// DeregisterClient tears down everything bound to a closed connection. It is
// safe to call more than once.
func (cs *ChatServer) DeregisterClient(c *Client) {
	if !cs.removeClient(c) {
		return
	}

	// joins still queued for c are refused from here on
	c.markClosed()
	c.leaveAllRooms()

	for _, room := range cs.typing.ClearClient(c) {
		cs.broadcastTypingStopped(room, c.user.Id, c)
	}

	ctx, cancel := storeContext()
	defer cancel()

	wentOffline, err := cs.presence.Disconnect(ctx, c.user.Id)
	if err != nil {
		c.log.Errorw("mark offline", "error", err)
	}
	if wentOffline {
		cs.calls.HandleUserOffline(c.user.Id)
	}

	cs.broadcastUserCount()
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}

	cs.stats.Incr(stats.NumConnections)
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}

	delete(cs.clients, c)
	if userClients, ok := cs.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}

	cs.stats.Decr(stats.NumConnections)
	return true
}

func (cs *ChatServer) snapshotClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

func (cs *ChatServer) userCount() int {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	return len(cs.userMap)
}

// sendToUser delivers msg to every connection userId holds.
func (cs *ChatServer) sendToUser(userId string, msg *ServerMessage) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.userMap[userId] {
		c.queueMessage(msg)
	}
}

// sendToCallParties delivers msg once to each connection that is either in
// the call room or belongs to one of the call's users.
func (cs *ChatServer) sendToCallParties(roomKey string, userIds []string, msg *ServerMessage) {
	targets := make(map[*Client]struct{})

	if r := cs.getRoom(roomKey); r != nil {
		for _, c := range r.snapshotClients() {
			targets[c] = struct{}{}
		}
	}

	cs.clientsLock.RLock()
	for _, id := range userIds {
		for c := range cs.userMap[id] {
			targets[c] = struct{}{}
		}
	}
	cs.clientsLock.RUnlock()

	for c := range targets {
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) broadcastGlobal(msg *ServerMessage) {
	cs.global.broadcast(msg)
}

func (cs *ChatServer) broadcastPresence(pc *PresenceChange) {
	cs.broadcastGlobal(notification(&Notification{Presence: pc}, nil))
}

func (cs *ChatServer) broadcastUserCount() {
	cs.broadcastGlobal(notification(&Notification{
		UserCount: &UserCount{Count: cs.userCount()},
	}, nil))
}

func (cs *ChatServer) startTyping(c *Client, msg *ClientMessage) {
	room := msg.StartTyping.Room

	r := c.getRoom(room)
	if r == nil {
		c.reject(msg.Id, "start_typing", errAuthorization("not joined to room"))
		return
	}

	if cs.typing.Start(room, c) {
		r.broadcast(notification(&Notification{
			TypingStarted: &TypingChange{UserId: c.user.Id, Room: room},
		}, c))
	}
}

func (cs *ChatServer) stopTyping(c *Client, msg *ClientMessage) {
	room := msg.StopTyping.Room

	if cs.typing.Stop(room, c.user.Id) {
		cs.broadcastTypingStopped(room, c.user.Id, c)
	}
}

func (cs *ChatServer) broadcastTypingStopped(room, userId string, skip *Client) {
	r := cs.getRoom(room)
	if r == nil {
		return
	}

	r.broadcast(notification(&Notification{
		TypingStopped: &TypingChange{UserId: userId, Room: room},
	}, skip))
}

// relaySignal forwards a WebRTC payload verbatim to the rest of a call room.
func (cs *ChatServer) relaySignal(c *Client, name string, msg *ClientMessage) {
	var sig *Signal
	switch {
	case msg.Offer != nil:
		sig = msg.Offer
	case msg.Answer != nil:
		sig = msg.Answer
	default:
		sig = msg.IceCandidate
	}

	r := c.getRoom(sig.RoomId)
	if r == nil || r.kind != roomCall {
		c.reject(msg.Id, name, errAuthorization("not joined to call room"))
		return
	}

	relay := &SignalRelay{
		RoomId:  sig.RoomId,
		From:    c.user.Id,
		Payload: sig.Payload,
	}

	n := &Notification{}
	switch {
	case msg.Offer != nil:
		n.Offer = relay
	case msg.Answer != nil:
		n.Answer = relay
	default:
		n.IceCandidate = relay
	}

	r.broadcast(notification(n, c))
}

func (cs *ChatServer) publish(e events.Event) {
	ctx, cancel := storeContext()
	defer cancel()

	if err := cs.publisher.Publish(ctx, e); err != nil {
		cs.log.Warnw("publish event", "type", e.Type, "key", e.Key, "error", err)
	}
}

// Shutdown stops all clients and rooms. Run must be running.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")

	cs.calls.stopTimers()

	for _, c := range cs.snapshotClients() {
		c.stopClient()
	}

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func rejectedMetric(kind ErrorKind) string {
	return stats.EventsRejected + "_" + string(kind) + "_total"
}
