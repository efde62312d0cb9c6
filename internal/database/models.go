package database

import (
	"database/sql"
	"time"

	"github.com/npezzotti/kaichat/internal/types"
)

type userRow struct {
	Id         string         `db:"id"`
	Phone      sql.NullString `db:"phone"`
	Username   string         `db:"username"`
	FullName   string         `db:"full_name"`
	IsOnline   bool           `db:"is_online"`
	Presence   string         `db:"presence"`
	LastSeenAt time.Time      `db:"last_seen_at"`
	TypingIn   sql.NullString `db:"typing_in"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r userRow) toUser() types.User {
	return types.User{
		Id:           r.Id,
		Phone:        r.Phone.String,
		Username:     r.Username,
		FullName:     r.FullName,
		IsOnline:     r.IsOnline,
		Presence:     types.Presence(r.Presence),
		LastSeenAt:   r.LastSeenAt,
		TypingInRoom: nullStringPtr(r.TypingIn),
		CreatedAt:    r.CreatedAt,
	}
}

type groupRow struct {
	Id            string         `db:"id"`
	Name          string         `db:"name"`
	LastMessageId sql.NullString `db:"last_message_id"`
	MessageCount  int            `db:"message_count"`
}

type groupMemberRow struct {
	UserId   string    `db:"user_id"`
	Role     string    `db:"role"`
	JoinedAt time.Time `db:"joined_at"`
}

type messageRow struct {
	Id          string         `db:"id"`
	Room        string         `db:"room"`
	SenderId    string         `db:"sender_id"`
	MessageType string         `db:"message_type"`
	Content     sql.NullString `db:"content"`
	FileUrl     sql.NullString `db:"file_url"`
	FileName    sql.NullString `db:"file_name"`
	FileSize    sql.NullInt64  `db:"file_size"`
	MimeType    sql.NullString `db:"mime_type"`
	ReplyTo     sql.NullString `db:"reply_to"`
	ThreadId    sql.NullString `db:"thread_id"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r messageRow) toMessage() types.Message {
	return types.Message{
		Id:          r.Id,
		Room:        r.Room,
		SenderId:    r.SenderId,
		MessageType: types.MessageType(r.MessageType),
		Content:     r.Content.String,
		FileUrl:     r.FileUrl.String,
		FileName:    r.FileName.String,
		FileSize:    r.FileSize.Int64,
		MimeType:    r.MimeType.String,
		ReplyTo:     nullStringPtr(r.ReplyTo),
		ThreadId:    nullStringPtr(r.ThreadId),
		Reactions:   []types.Reaction{},
		ReadBy:      []types.ReadReceipt{},
		CreatedAt:   r.CreatedAt,
	}
}

type reactionRow struct {
	UserId    string    `db:"user_id"`
	Emoji     string    `db:"emoji"`
	CreatedAt time.Time `db:"created_at"`
}

type readReceiptRow struct {
	UserId string    `db:"user_id"`
	ReadAt time.Time `db:"read_at"`
}

type callRow struct {
	Id          string       `db:"id"`
	CallerId    string       `db:"caller_id"`
	CalleeId    string       `db:"callee_id"`
	Type        string       `db:"type"`
	Status      string       `db:"status"`
	StartTime   time.Time    `db:"start_time"`
	EndTime     sql.NullTime `db:"end_time"`
	Duration    int          `db:"duration"`
	RoomId      string       `db:"room_id"`
	IsGroupCall bool         `db:"is_group_call"`
}

type callParticipantRow struct {
	UserId   string       `db:"user_id"`
	JoinedAt time.Time    `db:"joined_at"`
	LeftAt   sql.NullTime `db:"left_at"`
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func emptyAsNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
