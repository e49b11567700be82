// Package eventbus carries execution lifecycle events between the orchestrator and its observers.
package eventbus

import (
	"context"

	"github.com/dukex/orkestra/pkg/events"
)

// Event is a lifecycle notification about one flow execution.
type Event interface {
	GetType() events.EventType
}

// EventPublisher emits lifecycle events. key is the flow execution id and travels in the message
// metadata.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber fans incoming events out to the handlers registered per type. Events of a type
// nobody handles are acknowledged and dropped.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler observes a decoded event. A returned error is logged and never redelivered.
type EventHandler func(ctx context.Context, event Event) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
}
