package handlers

import (
	"context"

	"github.com/mwhitfield/payment-webhooks/internal/models"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
)

// LoggingHandler acknowledges an event type with no business effect
// beyond a log line. Useful for event types we want claimed and audited
// but not acted on.
type LoggingHandler struct {
	logger logger.Logger
}

// NewLoggingHandler creates a new LoggingHandler
func NewLoggingHandler(logger logger.Logger) *LoggingHandler {
	return &LoggingHandler{
		logger: logger,
	}
}

// Handle logs the event
func (h *LoggingHandler) Handle(ctx context.Context, event *models.WebhookEvent) error {
	h.logger.Info("Handling event",
		"eventID", event.EventID,
		"eventType", event.EventType,
		"relatedEntityID", event.RelatedEntityID,
		"occurredAt", event.OccurredAt)

	return nil
}
