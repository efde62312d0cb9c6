package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/kaichat/internal/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	occurred := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	e := Event{
		Type:       MessageSent,
		Key:        "group-1",
		OccurredAt: occurred,
		Data:       map[string]string{"id": "m1"},
	}

	t.Run("writes keyed message", func(t *testing.T) {
		w := &mockWriter{}
		defer w.AssertExpectations(t)

		var written []kafka.Message
		w.On("WriteMessages", mock.Anything).Run(func(args mock.Arguments) {
			written = args.Get(0).([]kafka.Message)
		}).Return(nil).Once()

		p := &KafkaPublisher{log: testutil.TestLogger(t), writer: w}
		require.NoError(t, p.Publish(context.Background(), e))

		require.Len(t, written, 1)
		assert.Equal(t, []byte("group-1"), written[0].Key)
		assert.Equal(t, occurred, written[0].Time)
		assert.Equal(t, []kafka.Header{{Key: "type", Value: []byte("message.sent")}}, written[0].Headers)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(written[0].Value, &decoded))
		assert.Equal(t, "message.sent", decoded["type"])
		assert.Equal(t, map[string]any{"id": "m1"}, decoded["data"])
	})

	t.Run("write error", func(t *testing.T) {
		w := &mockWriter{}
		defer w.AssertExpectations(t)
		w.On("WriteMessages", mock.Anything).Return(errors.New("broker down")).Once()

		p := &KafkaPublisher{log: testutil.TestLogger(t), writer: w}
		assert.Error(t, p.Publish(context.Background(), e))
	})
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &mockWriter{}
	defer w.AssertExpectations(t)
	w.On("Close").Return(nil).Once()

	p := &KafkaPublisher{log: testutil.TestLogger(t), writer: w}
	assert.NoError(t, p.Close())
}
