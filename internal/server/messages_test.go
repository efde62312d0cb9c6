package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientMessagePayload(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"join group", `{"id":1,"join_group":{"group_id":"g1"}}`, "join_group"},
		{"send message", `{"id":1,"send_message":{"room":"global","content":"hi"}}`, "send_message"},
		{"relay", `{"id":1,"ice_candidate":{"room_id":"call-1","payload":{}}}`, "ice_candidate"},
		{"empty", `{"id":1}`, ""},
		{"two events", `{"id":1,"join":{"room_id":"global"},"leave":{"room_id":"global"}}`, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg ClientMessage
			assert.NoError(t, json.Unmarshal([]byte(tc.raw), &msg))

			name, payload := msg.payload()
			assert.Equal(t, tc.want, name)
			if tc.want == "" {
				assert.Nil(t, payload)
			} else {
				assert.NotNil(t, payload)
			}
		})
	}
}

func TestClientMessageRoomKey(t *testing.T) {
	assert.Equal(t, "group-g1", (&ClientMessage{JoinGroup: &JoinGroup{GroupId: "g1"}}).roomKey())
	assert.Equal(t, "group-g1", (&ClientMessage{LeaveGroup: &LeaveGroup{GroupId: "g1"}}).roomKey())
	assert.Equal(t, "call-7", (&ClientMessage{Join: &Join{RoomId: "call-7"}}).roomKey())
	assert.Equal(t, "", (&ClientMessage{SendMessage: &SendMessage{}}).roomKey())
}

func TestNoErrOk(t *testing.T) {
	result := NoErrOK(1, map[string]any{
		"testkey": "testvalue",
	})

	assert.NotNil(t, result.Response, "expected response to be non-nil")
	assert.Equal(t, 1, result.Id, "expected Id to match")
	assert.WithinDuration(t, Now(), result.Timestamp, time.Second, "expected Timestamp to be within 1 second")
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode, "expected ResponseCode to match")
	assert.Equal(t, map[string]any{"testkey": "testvalue"}, result.Response.Data, "expected Data to match")
}

func TestNoErrCreated(t *testing.T) {
	result := NoErrCreated(2, map[string]any{"call_id": "c1"})

	assert.Equal(t, 2, result.Id)
	assert.Equal(t, http.StatusCreated, result.Response.ResponseCode)
	assert.Equal(t, "c1", result.Response.Data["call_id"])
}

func TestErrResponse(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   int
		reason string
	}{
		{"authorization", errAuthorization("not a member of this group"), http.StatusForbidden, "not a member of this group"},
		{"validation", errValidation("content is required"), http.StatusBadRequest, "content is required"},
		{"conflict", errStateConflict("already reacted"), http.StatusConflict, "already reacted"},
		{"not found", errNotFound("call not found"), http.StatusNotFound, "call not found"},
		{"internal", errInternal(errors.New("connection reset")), http.StatusInternalServerError, "internal server error"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := ErrResponse(3, "send_message", tc.err)

			assert.Equal(t, 3, result.Id)
			assert.Equal(t, tc.code, result.Response.ResponseCode)
			assert.Equal(t, "send_message", result.Response.Context)
			assert.Equal(t, tc.reason, result.Response.Error)
			assert.NotContains(t, result.Response.Error, "connection reset", "internal causes must not leak")
		})
	}
}

func TestErrServiceUnavailable(t *testing.T) {
	result := ErrServiceUnavailable(1, "join_group")

	assert.Equal(t, 1, result.Id)
	assert.Equal(t, http.StatusServiceUnavailable, result.Response.ResponseCode)
	assert.Equal(t, "join_group", result.Response.Context)
	assert.Equal(t, "service unavailable", result.Response.Error)
}

func TestErrorInvalidMessage(t *testing.T) {
	t.Run("with id", func(t *testing.T) {
		result := ErrInvalidMessage(4)
		assert.Equal(t, 4, result.Id)
		assert.Equal(t, http.StatusBadRequest, result.Response.ResponseCode)
		assert.Equal(t, "invalid message format", result.Response.Error)
	})

	t.Run("without id", func(t *testing.T) {
		result := ErrInvalidMessage(0)
		assert.Equal(t, 0, result.Id)
	})
}

func TestErrRateLimited(t *testing.T) {
	result := ErrRateLimited(5)
	assert.Equal(t, 5, result.Id)
	assert.Equal(t, http.StatusTooManyRequests, result.Response.ResponseCode)
}

func TestServerMessageJSON(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: ts},
		Notification: &Notification{
			TypingStarted: &TypingChange{UserId: "u1", Room: "global"},
		},
		SkipClient: &Client{},
	}

	bytes, err := json.Marshal(msg)
	assert.NoError(t, err)
	assert.JSONEq(t, `{
		"timestamp": "2024-05-01T12:00:00Z",
		"notification": {"typing_started": {"user_id": "u1", "room": "global"}}
	}`, string(bytes))
}
