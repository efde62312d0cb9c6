package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/npezzotti/kaichat/internal/types"
)

func (db *PgChatRepository) GetUserById(ctx context.Context, id string) (types.User, error) {
	var row userRow
	err := db.conn.GetContext(ctx, &row,
		"SELECT id, phone, username, full_name, is_online, presence, last_seen_at, typing_in, created_at "+
			"FROM users WHERE id = $1 LIMIT 1",
		id,
	)
	if err != nil {
		return types.User{}, translateErr(err)
	}

	return row.toUser(), nil
}

func (db *PgChatRepository) GetUserByPhone(ctx context.Context, phone string) (types.User, error) {
	var row userRow
	err := db.conn.GetContext(ctx, &row,
		"SELECT id, phone, username, full_name, is_online, presence, last_seen_at, typing_in, created_at "+
			"FROM users WHERE phone = $1 LIMIT 1",
		phone,
	)
	if err != nil {
		return types.User{}, translateErr(err)
	}

	return row.toUser(), nil
}

func (db *PgChatRepository) UpdatePresence(ctx context.Context, params UpdatePresenceParams) error {
	// last_seen_at never moves backwards
	query := "UPDATE users SET is_online = $2, presence = $3, " +
		"last_seen_at = GREATEST(last_seen_at, $4)"
	if params.ClearTyping {
		query += ", typing_in = NULL"
	}
	query += " WHERE id = $1"

	res, err := db.conn.ExecContext(ctx, query,
		params.UserId,
		params.IsOnline,
		string(params.Presence),
		params.LastSeenAt,
	)
	if err != nil {
		return translateErr(err)
	}

	return requireRows(res.RowsAffected())
}

func (db *PgChatRepository) ResetPresence(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE users SET is_online = false, presence = 'offline', typing_in = NULL "+
			"WHERE is_online OR presence <> 'offline' OR typing_in IS NOT NULL")
	if err != nil {
		return 0, translateErr(err)
	}

	return res.RowsAffected()
}

func (db *PgChatRepository) GetGroup(ctx context.Context, id string) (types.Group, error) {
	var row groupRow
	err := db.conn.GetContext(ctx, &row,
		"SELECT id, name, last_message_id, message_count FROM groups WHERE id = $1",
		id,
	)
	if err != nil {
		return types.Group{}, translateErr(err)
	}

	var members []groupMemberRow
	err = db.conn.SelectContext(ctx, &members,
		"SELECT user_id, role, joined_at FROM group_members WHERE group_id = $1 ORDER BY joined_at",
		id,
	)
	if err != nil {
		return types.Group{}, translateErr(err)
	}

	group := types.Group{
		Id:            row.Id,
		Name:          row.Name,
		LastMessageId: nullStringPtr(row.LastMessageId),
		MessageCount:  row.MessageCount,
		Members:       make([]types.GroupMember, len(members)),
	}
	for i, m := range members {
		group.Members[i] = types.GroupMember{
			UserId:   m.UserId,
			Role:     types.GroupRole(m.Role),
			JoinedAt: m.JoinedAt,
		}
	}

	return group, nil
}

// IsGroupMember returns ErrNotFound when the group itself does not exist.
func (db *PgChatRepository) IsGroupMember(ctx context.Context, groupId, userId string) (bool, error) {
	var res struct {
		GroupExists bool `db:"group_exists"`
		IsMember    bool `db:"is_member"`
	}
	err := db.conn.GetContext(ctx, &res,
		"SELECT EXISTS (SELECT 1 FROM groups WHERE id = $1) AS group_exists, "+
			"EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2) AS is_member",
		groupId, userId,
	)
	if err != nil {
		return false, translateErr(err)
	}

	if !res.GroupExists {
		return false, ErrNotFound
	}

	return res.IsMember, nil
}

// UpdateGroupOnMessage bumps the group's counter and last message in one
// statement. It must only be called once the message row is committed.
func (db *PgChatRepository) UpdateGroupOnMessage(ctx context.Context, groupId, messageId string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE groups SET message_count = message_count + 1, last_message_id = $2 WHERE id = $1",
		groupId, messageId,
	)
	if err != nil {
		return translateErr(err)
	}

	return requireRows(res.RowsAffected())
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	row := messageRow{
		Id:          msg.Id,
		Room:        msg.Room,
		SenderId:    msg.SenderId,
		MessageType: string(msg.MessageType),
		Content:     emptyAsNull(msg.Content),
		FileUrl:     emptyAsNull(msg.FileUrl),
		FileName:    emptyAsNull(msg.FileName),
		MimeType:    emptyAsNull(msg.MimeType),
		ReplyTo:     toNullString(msg.ReplyTo),
		ThreadId:    toNullString(msg.ThreadId),
		CreatedAt:   msg.CreatedAt,
	}
	if msg.MessageType.IsFile() {
		row.FileSize.Int64, row.FileSize.Valid = msg.FileSize, true
	}

	_, err := db.conn.NamedExecContext(ctx,
		"INSERT INTO messages (id, room, sender_id, message_type, content, file_url, file_name, "+
			"file_size, mime_type, reply_to, thread_id, created_at) "+
			"VALUES (:id, :room, :sender_id, :message_type, :content, :file_url, :file_name, "+
			":file_size, :mime_type, :reply_to, :thread_id, :created_at)",
		row,
	)
	if err != nil {
		return types.Message{}, translateErr(err)
	}

	return row.toMessage(), nil
}

func (db *PgChatRepository) GetMessage(ctx context.Context, id string) (types.Message, error) {
	var row messageRow
	err := db.conn.GetContext(ctx, &row,
		"SELECT id, room, sender_id, message_type, content, file_url, file_name, file_size, "+
			"mime_type, reply_to, thread_id, created_at FROM messages WHERE id = $1",
		id,
	)
	if err != nil {
		return types.Message{}, translateErr(err)
	}

	msg := row.toMessage()
	if msg.Reactions, err = db.listReactions(ctx, db.conn, id); err != nil {
		return types.Message{}, err
	}

	var reads []readReceiptRow
	err = db.conn.SelectContext(ctx, &reads,
		"SELECT user_id, read_at FROM message_reads WHERE message_id = $1 ORDER BY id",
		id,
	)
	if err != nil {
		return types.Message{}, translateErr(err)
	}
	for _, r := range reads {
		msg.ReadBy = append(msg.ReadBy, types.ReadReceipt{UserId: r.UserId, Timestamp: r.ReadAt})
	}

	return msg, nil
}

// AddReaction returns ErrConflict if the user already reacted with emoji.
func (db *PgChatRepository) AddReaction(ctx context.Context, messageId string, reaction types.Reaction) ([]types.Reaction, error) {
	var reactions []types.Reaction
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO message_reactions (message_id, user_id, emoji, created_at) "+
				"VALUES ($1, $2, $3, $4) ON CONFLICT (message_id, user_id, emoji) DO NOTHING",
			messageId, reaction.UserId, reaction.Emoji, reaction.Timestamp,
		)
		if err != nil {
			return translateErr(err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}

		reactions, err = db.listReactions(ctx, tx, messageId)
		return err
	})

	return reactions, err
}

func (db *PgChatRepository) RemoveReaction(ctx context.Context, messageId, userId, emoji string) ([]types.Reaction, bool, error) {
	var (
		reactions []types.Reaction
		removed   bool
	)
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3",
			messageId, userId, emoji,
		)
		if err != nil {
			return translateErr(err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0

		reactions, err = db.listReactions(ctx, tx, messageId)
		return err
	})

	return reactions, removed, err
}

// AddReadReceipt returns ErrConflict if the user already read the message.
func (db *PgChatRepository) AddReadReceipt(ctx context.Context, messageId string, receipt types.ReadReceipt) error {
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (message_id, user_id) DO NOTHING",
		messageId, receipt.UserId, receipt.Timestamp,
	)
	if err != nil {
		return translateErr(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}

	return nil
}

func (db *PgChatRepository) CreateCall(ctx context.Context, call types.Call) (types.Call, error) {
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx,
			"INSERT INTO calls (id, caller_id, callee_id, type, status, start_time, end_time, "+
				"duration, room_id, is_group_call) VALUES (:id, :caller_id, :callee_id, :type, "+
				":status, :start_time, :end_time, :duration, :room_id, :is_group_call)",
			toCallRow(call),
		)
		if err != nil {
			return translateErr(err)
		}

		return insertParticipants(ctx, tx, call)
	})
	if err != nil {
		return types.Call{}, err
	}

	return call, nil
}

func (db *PgChatRepository) GetCall(ctx context.Context, id string) (types.Call, error) {
	var row callRow
	err := db.conn.GetContext(ctx, &row,
		"SELECT id, caller_id, callee_id, type, status, start_time, end_time, duration, "+
			"room_id, is_group_call FROM calls WHERE id = $1",
		id,
	)
	if err != nil {
		return types.Call{}, translateErr(err)
	}

	var participants []callParticipantRow
	err = db.conn.SelectContext(ctx, &participants,
		"SELECT user_id, joined_at, left_at FROM call_participants WHERE call_id = $1 ORDER BY position",
		id,
	)
	if err != nil {
		return types.Call{}, translateErr(err)
	}

	call := types.Call{
		Id:           row.Id,
		CallerId:     row.CallerId,
		CalleeId:     row.CalleeId,
		Type:         types.CallType(row.Type),
		Status:       types.CallStatus(row.Status),
		StartTime:    row.StartTime,
		EndTime:      nullTimePtr(row.EndTime),
		Duration:     row.Duration,
		RoomId:       row.RoomId,
		IsGroupCall:  row.IsGroupCall,
		Participants: make([]types.CallParticipant, len(participants)),
	}
	for i, p := range participants {
		call.Participants[i] = types.CallParticipant{
			UserId:   p.UserId,
			JoinedAt: p.JoinedAt,
			LeftAt:   nullTimePtr(p.LeftAt),
		}
	}

	return call, nil
}

// UpdateCall persists the mutable call fields and replaces the participant list.
func (db *PgChatRepository) UpdateCall(ctx context.Context, call types.Call) error {
	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx,
			"UPDATE calls SET status = :status, end_time = :end_time, duration = :duration "+
				"WHERE id = :id",
			toCallRow(call),
		)
		if err != nil {
			return translateErr(err)
		}
		if err := requireRows(res.RowsAffected()); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM call_participants WHERE call_id = $1", call.Id); err != nil {
			return translateErr(err)
		}

		return insertParticipants(ctx, tx, call)
	})
}

func toCallRow(call types.Call) callRow {
	return callRow{
		Id:          call.Id,
		CallerId:    call.CallerId,
		CalleeId:    call.CalleeId,
		Type:        string(call.Type),
		Status:      string(call.Status),
		StartTime:   call.StartTime,
		EndTime:     toNullTime(call.EndTime),
		Duration:    call.Duration,
		RoomId:      call.RoomId,
		IsGroupCall: call.IsGroupCall,
	}
}

func insertParticipants(ctx context.Context, tx *sqlx.Tx, call types.Call) error {
	for _, p := range call.Participants {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO call_participants (call_id, user_id, joined_at, left_at) VALUES ($1, $2, $3, $4)",
			call.Id, p.UserId, p.JoinedAt, toNullTime(p.LeftAt),
		)
		if err != nil {
			return fmt.Errorf("insert participant %q: %w", p.UserId, translateErr(err))
		}
	}

	return nil
}

func (db *PgChatRepository) listReactions(ctx context.Context, q sqlx.QueryerContext, messageId string) ([]types.Reaction, error) {
	var rows []reactionRow
	err := sqlx.SelectContext(ctx, q, &rows,
		"SELECT user_id, emoji, created_at FROM message_reactions WHERE message_id = $1 ORDER BY id",
		messageId,
	)
	if err != nil {
		return nil, translateErr(err)
	}

	reactions := make([]types.Reaction, len(rows))
	for i, r := range rows {
		reactions[i] = types.Reaction{UserId: r.UserId, Emoji: r.Emoji, Timestamp: r.CreatedAt}
	}

	return reactions, nil
}

func requireRows(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
