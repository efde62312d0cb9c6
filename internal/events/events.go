package events

import (
	"context"
	"time"
)

type Type string

const (
	MessageSent Type = "message.sent"
	CallUpdated Type = "call.updated"
)

// Event is a domain event emitted after the corresponding state change has
// been persisted. Key groups related events (room or call id) onto the same
// partition.
type Event struct {
	Type       Type      `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error { return nil }
