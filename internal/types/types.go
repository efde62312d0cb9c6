package types

import (
	"time"
)

type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceBusy    Presence = "busy"
	PresenceOffline Presence = "offline"
)

func (p Presence) Valid() bool {
	switch p {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

type User struct {
	Id           string    `json:"id"`
	Phone        string    `json:"phone,omitempty"`
	Username     string    `json:"username"`
	FullName     string    `json:"full_name,omitempty"`
	IsOnline     bool      `json:"is_online"`
	Presence     Presence  `json:"presence"`
	LastSeenAt   time.Time `json:"last_seen_at,omitempty"`
	TypingInRoom *string   `json:"typing_in_room,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// Public strips the fields only the user themself may see.
func (u User) Public() User {
	u.Phone = ""
	return u
}

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
	MessageTypeVoice    MessageType = "voice"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeDocument, MessageTypeVoice:
		return true
	}
	return false
}

// IsFile reports whether messages of this type carry a file instead of text.
func (t MessageType) IsFile() bool {
	return t.Valid() && t != MessageTypeText
}

type Reaction struct {
	UserId    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

type ReadReceipt struct {
	UserId    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Message struct {
	Id          string        `json:"id"`
	Room        string        `json:"room"`
	SenderId    string        `json:"sender_id"`
	MessageType MessageType   `json:"message_type"`
	Content     string        `json:"content,omitempty"`
	FileUrl     string        `json:"file_url,omitempty"`
	FileName    string        `json:"file_name,omitempty"`
	FileSize    int64         `json:"file_size,omitempty"`
	MimeType    string        `json:"mime_type,omitempty"`
	ReplyTo     *string       `json:"reply_to,omitempty"`
	ThreadId    *string       `json:"thread_id,omitempty"`
	Reactions   []Reaction    `json:"reactions"`
	ReadBy      []ReadReceipt `json:"read_by"`
	CreatedAt   time.Time     `json:"created_at"`
}

type GroupRole string

const (
	GroupRoleAdmin  GroupRole = "admin"
	GroupRoleMember GroupRole = "member"
)

type GroupMember struct {
	UserId   string    `json:"user_id"`
	Role     GroupRole `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type Group struct {
	Id            string        `json:"id"`
	Name          string        `json:"name"`
	Members       []GroupMember `json:"members"`
	LastMessageId *string       `json:"last_message_id,omitempty"`
	MessageCount  int           `json:"message_count"`
}

func (g Group) HasMember(userId string) bool {
	for _, m := range g.Members {
		if m.UserId == userId {
			return true
		}
	}
	return false
}

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusOngoing  CallStatus = "ongoing"
	CallStatusEnded    CallStatus = "ended"
	CallStatusMissed   CallStatus = "missed"
	CallStatusDeclined CallStatus = "declined"
)

// Terminal reports whether no further transitions are possible.
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusMissed || s == CallStatusDeclined
}

type CallParticipant struct {
	UserId   string     `json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

type Call struct {
	Id           string            `json:"id"`
	CallerId     string            `json:"caller_id"`
	CalleeId     string            `json:"callee_id"`
	Type         CallType          `json:"type"`
	Status       CallStatus        `json:"status"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Duration     int               `json:"duration"`
	RoomId       string            `json:"room_id"`
	IsGroupCall  bool              `json:"is_group_call"`
	Participants []CallParticipant `json:"participants"`
}

// IsMember reports whether userId may take part in the call's signaling room.
func (c Call) IsMember(userId string) bool {
	if c.CallerId == userId || c.CalleeId == userId {
		return true
	}
	for _, p := range c.Participants {
		if p.UserId == userId {
			return true
		}
	}
	return false
}
