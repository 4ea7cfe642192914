package bus

import "context"

// Event is a domain event published by the host application
// (e.g. "contact.created", "deal.won").
type Event struct {
	TenantID string         `json:"tenant_id"`
	Type     string         `json:"event_type"`
	Data     map[string]any `json:"data,omitempty"`
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	TenantID   string   `json:"tenant_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventBus provides pub/sub for inbound domain events. The trigger
// dispatcher subscribes; the rest of the application publishes.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
