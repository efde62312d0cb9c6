package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/kaichat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is an inbound event. Exactly one of the payload fields must
// be set.
type ClientMessage struct {
	BaseMessage
	JoinGroup      *JoinGroup     `json:"join_group,omitempty"`
	LeaveGroup     *LeaveGroup    `json:"leave_group,omitempty"`
	Join           *Join          `json:"join,omitempty"`
	Leave          *Leave         `json:"leave,omitempty"`
	SendMessage    *SendMessage   `json:"send_message,omitempty"`
	StartTyping    *Typing        `json:"start_typing,omitempty"`
	StopTyping     *Typing        `json:"stop_typing,omitempty"`
	AddReaction    *Reaction      `json:"add_reaction,omitempty"`
	RemoveReaction *Reaction      `json:"remove_reaction,omitempty"`
	MarkRead       *MarkRead      `json:"mark_read,omitempty"`
	SetPresence    *SetPresence   `json:"set_presence,omitempty"`
	RequestCall    *RequestCall   `json:"request_call,omitempty"`
	AcceptCall     *CallAction    `json:"accept_call,omitempty"`
	RejectCall     *CallAction    `json:"reject_call,omitempty"`
	EndCall        *CallAction    `json:"end_call,omitempty"`
	Offer          *Signal        `json:"offer,omitempty"`
	Answer         *Signal        `json:"answer,omitempty"`
	IceCandidate   *Signal        `json:"ice_candidate,omitempty"`
	UserId         string         `json:"-"`
	client         *Client        `json:"-"`
	target         *types.Message `json:"-"`
}

// payload returns the event name and its payload, or an empty name when the
// message does not carry exactly one event.
func (m *ClientMessage) payload() (string, any) {
	var (
		name  string
		value any
		count int
	)
	set := func(n string, v any, ok bool) {
		if ok {
			name, value = n, v
			count++
		}
	}

	set("join_group", m.JoinGroup, m.JoinGroup != nil)
	set("leave_group", m.LeaveGroup, m.LeaveGroup != nil)
	set("join", m.Join, m.Join != nil)
	set("leave", m.Leave, m.Leave != nil)
	set("send_message", m.SendMessage, m.SendMessage != nil)
	set("start_typing", m.StartTyping, m.StartTyping != nil)
	set("stop_typing", m.StopTyping, m.StopTyping != nil)
	set("add_reaction", m.AddReaction, m.AddReaction != nil)
	set("remove_reaction", m.RemoveReaction, m.RemoveReaction != nil)
	set("mark_read", m.MarkRead, m.MarkRead != nil)
	set("set_presence", m.SetPresence, m.SetPresence != nil)
	set("request_call", m.RequestCall, m.RequestCall != nil)
	set("accept_call", m.AcceptCall, m.AcceptCall != nil)
	set("reject_call", m.RejectCall, m.RejectCall != nil)
	set("end_call", m.EndCall, m.EndCall != nil)
	set("offer", m.Offer, m.Offer != nil)
	set("answer", m.Answer, m.Answer != nil)
	set("ice_candidate", m.IceCandidate, m.IceCandidate != nil)

	if count != 1 {
		return "", nil
	}
	return name, value
}

// roomKey returns the room addressed by a join or leave event.
func (m *ClientMessage) roomKey() string {
	switch {
	case m.JoinGroup != nil:
		return groupRoomKey(m.JoinGroup.GroupId)
	case m.LeaveGroup != nil:
		return groupRoomKey(m.LeaveGroup.GroupId)
	case m.Join != nil:
		return m.Join.RoomId
	case m.Leave != nil:
		return m.Leave.RoomId
	}
	return ""
}

type JoinGroup struct {
	GroupId string `json:"group_id" validate:"required,max=128"`
}

type LeaveGroup struct {
	GroupId string `json:"group_id" validate:"required,max=128"`
}

type Join struct {
	RoomId string `json:"room_id" validate:"required,max=160"`
}

type Leave struct {
	RoomId string `json:"room_id" validate:"required,max=160"`
}

type SendMessage struct {
	Room        string            `json:"room" validate:"required,max=160"`
	MessageType types.MessageType `json:"message_type" validate:"omitempty,oneof=text image video document voice"`
	Content     string            `json:"content" validate:"max=4096"`
	FileUrl     string            `json:"file_url" validate:"omitempty,url"`
	FileName    string            `json:"file_name" validate:"max=255"`
	FileSize    int64             `json:"file_size" validate:"gte=0"`
	MimeType    string            `json:"mime_type" validate:"max=255"`
	ReplyTo     *string           `json:"reply_to,omitempty" validate:"omitempty,min=1"`
	ThreadId    *string           `json:"thread_id,omitempty" validate:"omitempty,min=1"`
}

type Typing struct {
	Room string `json:"room" validate:"required,max=160"`
}

type Reaction struct {
	MessageId string `json:"message_id" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

type MarkRead struct {
	MessageId string `json:"message_id" validate:"required"`
}

type SetPresence struct {
	Presence types.Presence `json:"presence" validate:"required,oneof=online away busy offline"`
}

type RequestCall struct {
	CalleeId    string         `json:"callee_id" validate:"required"`
	Type        types.CallType `json:"type" validate:"required,oneof=voice video"`
	IsGroupCall bool           `json:"is_group_call,omitempty"`
}

type CallAction struct {
	CallId string `json:"call_id" validate:"required"`
}

// Signal carries an opaque WebRTC payload (SDP offer/answer or ICE
// candidate) that is relayed without interpretation.
type Signal struct {
	RoomId  string          `json:"room_id" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	SkipClient   *Client        `json:"-"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Context      string         `json:"context,omitempty"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type Notification struct {
	Presence        *PresenceChange `json:"presence,omitempty"`
	UserCount       *UserCount      `json:"user_count,omitempty"`
	TypingStarted   *TypingChange   `json:"typing_started,omitempty"`
	TypingStopped   *TypingChange   `json:"typing_stopped,omitempty"`
	ReactionUpdated *ReactionUpdate `json:"reaction_updated,omitempty"`
	ReadUpdated     *ReadUpdate     `json:"read_updated,omitempty"`
	IncomingCall    *IncomingCall   `json:"incoming_call,omitempty"`
	CallAccepted    *CallAccepted   `json:"call_accepted,omitempty"`
	CallRejected    *CallRejected   `json:"call_rejected,omitempty"`
	CallEnded       *CallEnded      `json:"call_ended,omitempty"`
	Offer           *SignalRelay    `json:"offer,omitempty"`
	Answer          *SignalRelay    `json:"answer,omitempty"`
	IceCandidate    *SignalRelay    `json:"ice_candidate,omitempty"`
}

type PresenceChange struct {
	UserId     string         `json:"user_id"`
	Presence   types.Presence `json:"presence"`
	IsOnline   bool           `json:"is_online"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}

type UserCount struct {
	Count int `json:"count"`
}

type TypingChange struct {
	UserId string `json:"user_id"`
	Room   string `json:"room"`
}

type ReactionUpdate struct {
	MessageId string           `json:"message_id"`
	Room      string           `json:"room"`
	Reactions []types.Reaction `json:"reactions"`
}

type ReadUpdate struct {
	MessageId string    `json:"message_id"`
	Room      string    `json:"room"`
	UserId    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type IncomingCall struct {
	CallId      string         `json:"call_id"`
	Caller      types.User     `json:"caller"`
	Type        types.CallType `json:"type"`
	RoomId      string         `json:"room_id"`
	IsGroupCall bool           `json:"is_group_call,omitempty"`
}

type CallAccepted struct {
	CallId       string                  `json:"call_id"`
	Participants []types.CallParticipant `json:"participants"`
}

type CallRejected struct {
	CallId string `json:"call_id"`
}

type CallEnded struct {
	CallId   string           `json:"call_id"`
	Status   types.CallStatus `json:"status"`
	Duration int              `json:"duration"`
}

type SignalRelay struct {
	RoomId  string          `json:"room_id"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrCreated(id int, data map[string]any) *ServerMessage {
	msg := NoErrOK(id, data)
	msg.Response.ResponseCode = http.StatusCreated
	return msg
}

func ErrServiceUnavailable(id int, context string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Context:      context,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrRateLimited(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusTooManyRequests,
			Error:        "too many events",
		},
	}
}

// ErrResponse renders err for the originator of the event named context.
// Errors that are not an *EventError are reported as internal errors.
func ErrResponse(id int, context string, err error) *ServerMessage {
	ee := asEventError(err)
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: ee.Kind.StatusCode(),
			Context:      context,
			Error:        ee.Reason,
		},
	}
}

func notification(n *Notification, skip *Client) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: n,
		SkipClient:   skip,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
