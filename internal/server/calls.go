package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/events"
	"github.com/npezzotti/kaichat/internal/stats"
	"github.com/npezzotti/kaichat/internal/types"
	"go.uber.org/zap"
)

type callAction string

const (
	actionAccept callAction = "accept"
	actionReject callAction = "reject"
	actionEnd    callAction = "end"
	actionMiss   callAction = "miss"
)

type callRole string

const (
	roleCaller      callRole = "caller"
	roleCallee      callRole = "callee"
	roleParticipant callRole = "participant"
	roleSystem      callRole = "system"
	roleOutsider    callRole = "outsider"
)

type transition struct {
	from   types.CallStatus
	action callAction
	role   callRole
}

// callTransitions lists every permitted move. Anything missing is refused.
var callTransitions = map[transition]types.CallStatus{
	{types.CallStatusRinging, actionAccept, roleCallee}:   types.CallStatusOngoing,
	{types.CallStatusRinging, actionReject, roleCallee}:   types.CallStatusDeclined,
	{types.CallStatusRinging, actionEnd, roleCaller}:      types.CallStatusEnded,
	{types.CallStatusRinging, actionEnd, roleCallee}:      types.CallStatusEnded,
	{types.CallStatusRinging, actionMiss, roleSystem}:     types.CallStatusMissed,
	{types.CallStatusOngoing, actionEnd, roleCaller}:      types.CallStatusEnded,
	{types.CallStatusOngoing, actionEnd, roleCallee}:      types.CallStatusEnded,
	{types.CallStatusOngoing, actionEnd, roleParticipant}: types.CallStatusEnded,
}

func roleOf(call types.Call, userId string) callRole {
	switch {
	case userId == call.CallerId:
		return roleCaller
	case userId == call.CalleeId:
		return roleCallee
	case call.IsMember(userId):
		return roleParticipant
	}
	return roleOutsider
}

type activeCall struct {
	callerId  string
	calleeId  string
	status    types.CallStatus
	ringTimer *time.Timer
}

// CallCoordinator owns the call lifecycle. Transitions for one call are
// serialized, and the resulting notifications go out before the next
// transition for that call can start.
type CallCoordinator struct {
	cs          *ChatServer
	log         *zap.SugaredLogger
	locks       *keyLock
	now         func() time.Time
	ringTimeout time.Duration

	mu     sync.Mutex
	active map[string]*activeCall
}

func NewCallCoordinator(cs *ChatServer, ringTimeout time.Duration) *CallCoordinator {
	return &CallCoordinator{
		cs:          cs,
		log:         cs.log.With("component", "calls"),
		locks:       newKeyLock(),
		now:         Now,
		ringTimeout: ringTimeout,
		active:      make(map[string]*activeCall),
	}
}

// Request rings req.CalleeId on behalf of c's user and puts c into the
// new call's room.
func (cc *CallCoordinator) Request(ctx context.Context, c *Client, req RequestCall) (types.Call, error) {
	if req.CalleeId == c.user.Id {
		return types.Call{}, errValidation("cannot call yourself")
	}

	callee, err := cc.cs.db.GetUserById(ctx, req.CalleeId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Call{}, errNotFound("callee not found")
		}
		return types.Call{}, errInternal(err)
	}

	id := uuid.NewString()
	unlock := cc.locks.Lock(id)
	defer unlock()

	call, err := cc.cs.db.CreateCall(ctx, types.Call{
		Id:           id,
		CallerId:     c.user.Id,
		CalleeId:     callee.Id,
		Type:         req.Type,
		Status:       types.CallStatusRinging,
		StartTime:    cc.now(),
		RoomId:       callRoomKey(id),
		IsGroupCall:  req.IsGroupCall,
		Participants: []types.CallParticipant{},
	})
	if err != nil {
		return types.Call{}, errInternal(err)
	}

	cc.track(call)
	cc.cs.stats.Incr(stats.CallsStarted)
	cc.cs.stats.Incr(stats.NumActiveCalls)

	if _, err := cc.cs.joinRoomSync(c, call.RoomId); err != nil {
		cc.log.Errorw("join caller to call room", "call_id", call.Id, "error", err)
	}

	cc.cs.sendToUser(callee.Id, notification(&Notification{
		IncomingCall: &IncomingCall{
			CallId:      call.Id,
			Caller:      c.user.Public(),
			Type:        call.Type,
			RoomId:      call.RoomId,
			IsGroupCall: call.IsGroupCall,
		},
	}, nil))

	cc.publish(call)
	return call, nil
}

// Accept moves a ringing call to ongoing. Only the callee may accept.
func (cc *CallCoordinator) Accept(ctx context.Context, c *Client, callId string) error {
	return cc.apply(ctx, callId, c.user.Id, always(actionAccept), func(call types.Call) {
		if _, err := cc.cs.joinRoomSync(c, call.RoomId); err != nil {
			cc.log.Errorw("join callee to call room", "call_id", call.Id, "error", err)
		}
	})
}

// Reject declines a ringing call. Rejects that lose a race, or come from
// anyone but the callee, are ignored.
func (cc *CallCoordinator) Reject(ctx context.Context, c *Client, callId string) error {
	return cc.apply(ctx, callId, c.user.Id, always(actionReject), nil)
}

// End hangs up a call that has not reached a terminal state yet.
func (cc *CallCoordinator) End(ctx context.Context, c *Client, callId string) error {
	return cc.apply(ctx, callId, c.user.Id, always(actionEnd), nil)
}

// MarkMissed is the hook for ring policies: it moves a call that is still
// ringing to missed and does nothing otherwise.
func (cc *CallCoordinator) MarkMissed(ctx context.Context, callId string) error {
	return cc.apply(ctx, callId, "", always(actionMiss), nil)
}

// HandleUserOffline applies the ring policy for a user whose last connection
// closed: a ringing caller misses, a ringing callee declines and an ongoing
// call ends.
func (cc *CallCoordinator) HandleUserOffline(userId string) {
	cc.mu.Lock()
	var ids []string
	for id, ac := range cc.active {
		if ac.callerId == userId || ac.calleeId == userId {
			ids = append(ids, id)
		}
	}
	cc.mu.Unlock()

	for _, id := range ids {
		ctx, cancel := storeContext()
		err := cc.apply(ctx, id, userId, func(call types.Call) callAction {
			role := roleOf(call, userId)
			switch {
			case call.Status == types.CallStatusRinging && role == roleCaller:
				return actionMiss
			case call.Status == types.CallStatusRinging && role == roleCallee:
				return actionReject
			case call.Status == types.CallStatusOngoing:
				return actionEnd
			}
			return ""
		}, nil)
		cancel()

		if err != nil {
			cc.log.Errorw("settle call for offline user", "call_id", id, "user_id", userId, "error", err)
		}
	}
}

func always(a callAction) func(types.Call) callAction {
	return func(types.Call) callAction { return a }
}

// apply runs one transition under the call's lock. decide picks the action
// from the current state; onApplied runs after the new state is stored and
// before it is announced.
func (cc *CallCoordinator) apply(ctx context.Context, callId, actorId string, decide func(types.Call) callAction, onApplied func(types.Call)) error {
	unlock := cc.locks.Lock(callId)
	defer unlock()

	call, err := cc.cs.db.GetCall(ctx, callId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errNotFound("call not found")
		}
		return errInternal(err)
	}

	action := decide(call)
	if action == "" {
		return nil
	}

	role := roleOf(call, actorId)
	if action == actionMiss {
		role = roleSystem
	}

	if action == actionAccept && role != roleCallee {
		return errAuthorization("only the callee can accept this call")
	}

	if call.Status.Terminal() {
		if action == actionAccept {
			return errStateConflict("call is no longer ringing")
		}
		return nil
	}

	next, ok := callTransitions[transition{call.Status, action, role}]
	if !ok {
		return refusal(action, role)
	}

	now := cc.now()
	if next == types.CallStatusOngoing {
		call.Participants = []types.CallParticipant{
			{UserId: call.CallerId, JoinedAt: now},
			{UserId: call.CalleeId, JoinedAt: now},
		}
	} else {
		call.EndTime = &now
		for i := range call.Participants {
			if call.Participants[i].LeftAt == nil {
				call.Participants[i].LeftAt = &now
			}
		}
		if next == types.CallStatusEnded {
			call.Duration = max(int(now.Sub(call.StartTime)/time.Second), 0)
		}
	}
	call.Status = next

	if err := cc.cs.db.UpdateCall(ctx, call); err != nil {
		return errInternal(err)
	}

	cc.log.Infow("call transition", "call_id", call.Id, "action", action, "role", role, "status", call.Status)

	cc.settle(call)
	if onApplied != nil {
		onApplied(call)
	}
	cc.announce(call)
	cc.publish(call)

	return nil
}

// refusal is the outcome of an action the table does not allow.
func refusal(action callAction, role callRole) error {
	switch action {
	case actionAccept:
		if role != roleCallee {
			return errAuthorization("only the callee can accept this call")
		}
		return errStateConflict("call is no longer ringing")
	case actionEnd:
		if role == roleOutsider {
			return errAuthorization("not a participant of this call")
		}
	}
	return nil
}

func (cc *CallCoordinator) announce(call types.Call) {
	n := &Notification{}
	switch call.Status {
	case types.CallStatusOngoing:
		n.CallAccepted = &CallAccepted{
			CallId:       call.Id,
			Participants: call.Participants,
		}
	case types.CallStatusDeclined:
		n.CallRejected = &CallRejected{CallId: call.Id}
	default:
		n.CallEnded = &CallEnded{
			CallId:   call.Id,
			Status:   call.Status,
			Duration: call.Duration,
		}
	}

	parties := []string{call.CallerId, call.CalleeId}
	for _, p := range call.Participants {
		parties = append(parties, p.UserId)
	}

	cc.cs.sendToCallParties(call.RoomId, parties, notification(n, nil))
}

func (cc *CallCoordinator) publish(call types.Call) {
	cc.cs.publish(events.Event{
		Type:       events.CallUpdated,
		Key:        call.Id,
		OccurredAt: cc.now(),
		Data:       call,
	})
}

// authorizeJoin checks that userId may enter the call's room.
func (cc *CallCoordinator) authorizeJoin(ctx context.Context, callId, userId string) error {
	call, err := cc.cs.db.GetCall(ctx, callId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errNotFound("call not found")
		}
		return errInternal(err)
	}

	if call.Status.Terminal() {
		return errStateConflict("call has ended")
	}
	if !call.IsMember(userId) {
		return errAuthorization("not a participant of this call")
	}

	return nil
}

func (cc *CallCoordinator) track(call types.Call) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	ac := &activeCall{
		callerId: call.CallerId,
		calleeId: call.CalleeId,
		status:   call.Status,
	}
	if cc.ringTimeout > 0 {
		id := call.Id
		ac.ringTimer = time.AfterFunc(cc.ringTimeout, func() {
			ctx, cancel := storeContext()
			defer cancel()

			if err := cc.MarkMissed(ctx, id); err != nil {
				cc.log.Errorw("mark call missed", "call_id", id, "error", err)
			}
		})
	}

	cc.active[call.Id] = ac
}

// settle mirrors a stored transition into the in-memory call table.
func (cc *CallCoordinator) settle(call types.Call) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	ac, ok := cc.active[call.Id]
	if !ok {
		return
	}

	if ac.ringTimer != nil && call.Status != types.CallStatusRinging {
		ac.ringTimer.Stop()
		ac.ringTimer = nil
	}

	if call.Status.Terminal() {
		delete(cc.active, call.Id)
		cc.cs.stats.Decr(stats.NumActiveCalls)
		return
	}

	ac.status = call.Status
}

func (cc *CallCoordinator) stopTimers() {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	for _, ac := range cc.active {
		if ac.ringTimer != nil {
			ac.ringTimer.Stop()
		}
	}
}

func (cc *CallCoordinator) activeCalls() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.active)
}
