package shared

import "context"

// EventHandler consumes domain events once the change that raised them is
// committed. An empty EventTypes subscribes to everything.
type EventHandler interface {
	EventTypes() []string
	Handle(ctx context.Context, event DomainEvent) error
}

// EventPublisher is the only side of the bus the services see. A failing
// handler never fails Publish.
type EventPublisher interface {
	Publish(ctx context.Context, events ...DomainEvent) error
}

type EventBus interface {
	EventPublisher
	Subscribe(handler EventHandler, eventTypes ...string)
	Unsubscribe(handler EventHandler)
}
