package server

import (
	"testing"
	"time"

	"github.com/npezzotti/kaichat/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestParseRoomKey(t *testing.T) {
	cases := []struct {
		key   string
		kind  roomKind
		refId string
		err   bool
	}{
		{"global", roomGlobal, "", false},
		{"group-g1", roomGroup, "g1", false},
		{"group-with-dashes", roomGroup, "with-dashes", false},
		{"call-5f2c", roomCall, "5f2c", false},
		{"group-", 0, "", true},
		{"call-", 0, "", true},
		{"lobby", 0, "", true},
		{"", 0, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			kind, refId, err := parseRoomKey(tc.key)
			if tc.err {
				assert.ErrorIs(t, err, errInvalidRoom)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.refId, refId)
		})
	}

	assert.Equal(t, "group", roomGroup.String())
	assert.Equal(t, "call-9", callRoomKey("9"))
}

func Test_addClient_removeClient(t *testing.T) {
	cs := newTestChatServer(t)
	room, err := newRoom(cs, "group-g1")
	assert.NoError(t, err)

	c1 := NewClient(alice, nil, cs, cs.log)
	c2 := NewClient(alice, nil, cs, cs.log)

	assert.NoError(t, room.addClient(c1))
	assert.NoError(t, room.addClient(c2))
	assert.Equal(t, 2, room.clientCount())
	assert.Len(t, room.userMap[alice.Id], 2)
	assert.Same(t, room, c1.getRoom("group-g1"))

	room.removeClient(c1)
	assert.False(t, room.hasClient(c1))
	assert.Nil(t, c1.getRoom("group-g1"))
	assert.Len(t, room.userMap[alice.Id], 1)

	room.removeClient(c1)
	room.removeClient(c2)
	assert.Equal(t, 0, room.clientCount())
	assert.NotContains(t, room.userMap, alice.Id)
}

func TestRoomClose(t *testing.T) {
	cs := newTestChatServer(t)

	t.Run("busy room stays open", func(t *testing.T) {
		room, _ := newRoom(cs, "group-g1")
		c := NewClient(alice, nil, cs, cs.log)
		room.addClient(c)

		assert.False(t, room.close())
		assert.False(t, room.closed)
	})

	t.Run("pending events keep the room open", func(t *testing.T) {
		room, _ := newRoom(cs, "group-g1")
		assert.True(t, room.enqueue(&ClientMessage{}))

		assert.False(t, room.close())
	})

	t.Run("idle room closes and refuses new clients", func(t *testing.T) {
		room, _ := newRoom(cs, "group-g1")

		assert.True(t, room.close())
		assert.ErrorIs(t, room.addClient(NewClient(alice, nil, cs, cs.log)), errRoomClosed)
		assert.Equal(t, 0, room.clientCount())
	})
}

func Test_addClient_ClosedConnection(t *testing.T) {
	cs := newTestChatServer(t)
	room, err := newRoom(cs, "group-g1")
	assert.NoError(t, err)

	c := NewClient(alice, nil, cs, cs.log)
	c.markClosed()

	assert.ErrorIs(t, room.addClient(c), errClientClosed)
	assert.False(t, room.hasClient(c))
	assert.Nil(t, c.getRoom("group-g1"))
	assert.NotContains(t, room.userMap, alice.Id)
}

func Test_handleRoomTimeout(t *testing.T) {
	t.Run("requests unload", func(t *testing.T) {
		cs := newTestChatServer(t)
		room, _ := newRoom(cs, "group-g1")

		go room.handleRoomTimeout()

		select {
		case key := <-cs.unloadRoomChan:
			assert.Equal(t, "group-g1", key)
		case <-time.After(time.Second):
			t.Error("timeout: handleRoomTimeout did not send unload request")
		}
	})

	t.Run("gives up once the room exits", func(t *testing.T) {
		cs := newTestChatServer(t)
		room, _ := newRoom(cs, "group-g1")
		close(room.exit)

		done := make(chan struct{})
		go func() {
			room.handleRoomTimeout()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("timeout: handleRoomTimeout blocked after exit")
		}
	})
}

func Test_broadcast(t *testing.T) {
	cs := newTestChatServer(t)
	room, _ := newRoom(cs, "group-g1")

	sender := NewClient(alice, nil, cs, cs.log)
	other := NewClient(bob, nil, cs, cs.log)
	room.addClient(sender)
	room.addClient(other)

	room.broadcast(notification(&Notification{
		TypingStarted: &TypingChange{UserId: alice.Id, Room: room.key},
	}, sender))

	assert.Len(t, other.send, 1)
	assert.Len(t, sender.send, 0, "expected the skipped client to receive nothing")

	room.broadcast(&ServerMessage{Message: &types.Message{Id: "m1"}})
	assert.Len(t, other.send, 2)
	assert.Len(t, sender.send, 1)
}

func Test_enqueue(t *testing.T) {
	cs := newTestChatServer(t)
	room, _ := newRoom(cs, "group-g1")
	room.clientMsgChan = make(chan *ClientMessage, 1)

	assert.True(t, room.enqueue(&ClientMessage{}))
	assert.False(t, room.enqueue(&ClientMessage{}), "expected a full queue to refuse events")
}

func Test_checkMessageShape(t *testing.T) {
	cases := []struct {
		name string
		msg  SendMessage
		ok   bool
	}{
		{"text", SendMessage{Content: "hi"}, true},
		{"blank text", SendMessage{Content: "   "}, false},
		{"text with file", SendMessage{Content: "hi", MimeType: "image/png"}, false},
		{"voice", SendMessage{MessageType: types.MessageTypeVoice, FileUrl: "https://x/v.ogg", FileName: "v.ogg", FileSize: 1, MimeType: "audio/ogg"}, true},
		{"voice missing size", SendMessage{MessageType: types.MessageTypeVoice, FileUrl: "https://x/v.ogg", FileName: "v.ogg", MimeType: "audio/ogg"}, false},
		{"video with content", SendMessage{MessageType: types.MessageTypeVideo, Content: "look", FileUrl: "https://x/v.mp4", FileName: "v.mp4", FileSize: 1, MimeType: "video/mp4"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkMessageShape(&tc.msg)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, KindValidation, asEventError(err).Kind)
		})
	}

	sm := SendMessage{Content: "hi"}
	assert.NoError(t, checkMessageShape(&sm))
	assert.Equal(t, types.MessageTypeText, sm.MessageType, "expected text to be the default type")
}
