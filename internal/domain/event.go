package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMessageRouted   EventType = "message.routed"
	EventMessageRejected EventType = "message.rejected"

	EventDeliveryAttempt   EventType = "delivery.attempt"
	EventDeliverySucceeded EventType = "delivery.succeeded"
	EventDeliveryFailed    EventType = "delivery.failed"
	EventDeadLetter        EventType = "delivery.dead_letter"
	EventCircuitChanged    EventType = "circuit.state_changed"

	EventConversationCreated   EventType = "conversation.created"
	EventConversationCompleted EventType = "conversation.completed"
	EventConversationFailed    EventType = "conversation.failed"
	EventConversationExpired   EventType = "conversation.expired"

	EventEndpointRegistered   EventType = "endpoint.registered"
	EventEndpointDeregistered EventType = "endpoint.deregistered"
	EventEndpointHealth       EventType = "endpoint.health_changed"
	EventEndpointHeartbeat    EventType = "endpoint.heartbeat"

	EventSnapshotSaved    EventType = "snapshot.saved"
	EventSnapshotRestored EventType = "snapshot.restored"
)

// Event is the envelope published on the event bus. Delivery and
// conversation events carry their correlation ids inline so sinks can index
// without parsing the payload.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Target         string          `json:"target,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
