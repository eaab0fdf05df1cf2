// Package bus provides the event bus the control plane publishes task
// lifecycle notifications on. A NATS backend serves multi-replica
// deployments; an in-memory backend serves single-node runs and tests.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes one event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the publish/subscribe surface. Subjects use NATS conventions:
// dot-separated tokens, "*" matching one token and ">" matching the rest.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	// QueueSubscribe delivers each event to one member of the named group.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
