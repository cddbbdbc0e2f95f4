package webhook

import (
	"context"

	"github.com/mwhitfield/payment-webhooks/internal/models"
)

// EventHandler performs the business effect for one event type. Handlers
// are the only seam into business logic; the dispatcher invokes a handler
// at most once per claimed event. Because operators may replay an event
// whose effects partially applied before a failure, handlers must be
// idempotent with respect to the same event_id.
type EventHandler interface {
	Handle(ctx context.Context, event *models.WebhookEvent) error
}

// Registry maps event types to their handlers. Registration happens at
// startup; lookups are read-only afterwards.
type Registry struct {
	handlers map[string]EventHandler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]EventHandler),
	}
}

// Register registers a handler for a specific event type
func (r *Registry) Register(eventType string, handler EventHandler) {
	r.handlers[eventType] = handler
}

// Lookup returns the handler for the event type, if any
func (r *Registry) Lookup(eventType string) (EventHandler, bool) {
	handler, ok := r.handlers[eventType]
	return handler, ok
}
