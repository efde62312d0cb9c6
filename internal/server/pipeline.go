package server

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/events"
	"github.com/npezzotti/kaichat/internal/stats"
	"github.com/npezzotti/kaichat/internal/types"
)

// checkMessageShape enforces that text messages carry content and no file
// fields, and that every other type carries the full set of file fields and
// no content.
func checkMessageShape(sm *SendMessage) error {
	if sm.MessageType == "" {
		sm.MessageType = types.MessageTypeText
	}

	hasFileFields := sm.FileUrl != "" || sm.FileName != "" || sm.FileSize != 0 || sm.MimeType != ""

	if sm.MessageType == types.MessageTypeText {
		if strings.TrimSpace(sm.Content) == "" {
			return errValidation("content is required for text messages")
		}
		if hasFileFields {
			return errValidation("file fields are not allowed for text messages")
		}
		return nil
	}

	if sm.FileUrl == "" || sm.FileName == "" || sm.FileSize <= 0 || sm.MimeType == "" {
		return errValidation("file_url, file_name, file_size and mime_type are required for " +
			string(sm.MessageType) + " messages")
	}
	if sm.Content != "" {
		return errValidation("content is not allowed for " + string(sm.MessageType) + " messages")
	}

	return nil
}

// saveAndBroadcast runs the send pipeline for one message. It executes on the
// room goroutine, so messages from one sender are broadcast in the order they
// were received.
func (r *Room) saveAndBroadcast(msg *ClientMessage) {
	c := msg.client
	sm := msg.SendMessage

	ctx, cancel := storeContext()
	defer cancel()

	if r.kind == roomGroup {
		// membership can change after the join, so it is checked again here
		ok, err := r.cs.db.IsGroupMember(ctx, r.refId, c.user.Id)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			c.reject(msg.Id, "send_message", errInternal(err))
			return
		}
		if !ok {
			c.reject(msg.Id, "send_message", errAuthorization("not a member of this group"))
			return
		}
	}

	if err := r.checkReference(ctx, sm.ReplyTo, "reply_to"); err != nil {
		c.reject(msg.Id, "send_message", err)
		return
	}
	if err := r.checkReference(ctx, sm.ThreadId, "thread_id"); err != nil {
		c.reject(msg.Id, "send_message", err)
		return
	}

	saved, err := r.cs.db.CreateMessage(ctx, types.Message{
		Id:          uuid.NewString(),
		Room:        r.key,
		SenderId:    c.user.Id,
		MessageType: sm.MessageType,
		Content:     sm.Content,
		FileUrl:     sm.FileUrl,
		FileName:    sm.FileName,
		FileSize:    sm.FileSize,
		MimeType:    sm.MimeType,
		ReplyTo:     sm.ReplyTo,
		ThreadId:    sm.ThreadId,
		CreatedAt:   msg.Timestamp,
	})
	if err != nil {
		c.reject(msg.Id, "send_message", errInternal(err))
		return
	}

	if r.kind == roomGroup {
		// the message is durable at this point; a failed summary update is
		// logged and does not hold back delivery
		if err := r.cs.db.UpdateGroupOnMessage(ctx, r.refId, saved.Id); err != nil {
			r.log.Errorw("update group summary", "message_id", saved.Id, "error", err)
		}
	}

	// only the sender's copy carries the event id
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: saved.CreatedAt},
		Message:     &saved,
		SkipClient:  c,
	})
	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{
			Id:        msg.Id,
			Timestamp: saved.CreatedAt,
		},
		Message: &saved,
	})

	r.cs.stats.Incr(stats.MessagesSent)
	r.cs.publish(events.Event{
		Type:       events.MessageSent,
		Key:        r.key,
		OccurredAt: saved.CreatedAt,
		Data:       saved,
	})
}

// checkReference verifies that a reply or thread target exists in this room.
func (r *Room) checkReference(ctx context.Context, id *string, field string) error {
	if id == nil {
		return nil
	}

	ref, err := r.cs.db.GetMessage(ctx, *id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errNotFound(field + " message not found")
		}
		return errInternal(err)
	}

	if ref.Room != r.key {
		return errValidation(field + " must reference a message in the same room")
	}

	return nil
}

func (r *Room) handleAddReaction(msg *ClientMessage) {
	c := msg.client

	ctx, cancel := storeContext()
	defer cancel()

	reactions, err := r.cs.db.AddReaction(ctx, msg.target.Id, types.Reaction{
		UserId:    c.user.Id,
		Emoji:     msg.AddReaction.Emoji,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		c.reject(msg.Id, "add_reaction", reactionErr(err, "already reacted"))
		return
	}

	r.broadcastReactions(msg.target, reactions)
}

func (r *Room) handleRemoveReaction(msg *ClientMessage) {
	c := msg.client

	ctx, cancel := storeContext()
	defer cancel()

	reactions, removed, err := r.cs.db.RemoveReaction(ctx, msg.target.Id, c.user.Id, msg.RemoveReaction.Emoji)
	if err != nil {
		c.reject(msg.Id, "remove_reaction", reactionErr(err, ""))
		return
	}

	if !removed {
		return
	}

	r.broadcastReactions(msg.target, reactions)
}

func (r *Room) broadcastReactions(m *types.Message, reactions []types.Reaction) {
	if reactions == nil {
		reactions = []types.Reaction{}
	}

	r.broadcast(notification(&Notification{
		ReactionUpdated: &ReactionUpdate{
			MessageId: m.Id,
			Room:      m.Room,
			Reactions: reactions,
		},
	}, nil))
}

func (r *Room) handleRead(msg *ClientMessage) {
	c := msg.client

	ctx, cancel := storeContext()
	defer cancel()

	receipt := types.ReadReceipt{
		UserId:    c.user.Id,
		Timestamp: msg.Timestamp,
	}
	if err := r.cs.db.AddReadReceipt(ctx, msg.target.Id, receipt); err != nil {
		c.reject(msg.Id, "mark_read", reactionErr(err, "already read"))
		return
	}

	r.broadcast(notification(&Notification{
		ReadUpdated: &ReadUpdate{
			MessageId: msg.target.Id,
			Room:      msg.target.Room,
			UserId:    receipt.UserId,
			Timestamp: receipt.Timestamp,
		},
	}, nil))
}

func reactionErr(err error, conflict string) error {
	switch {
	case errors.Is(err, database.ErrConflict) && conflict != "":
		return errStateConflict(conflict)
	case errors.Is(err, database.ErrNotFound):
		return errNotFound("message not found")
	default:
		return errInternal(err)
	}
}
