package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mwhitfield/payment-webhooks/internal/models"
	apperrors "github.com/mwhitfield/payment-webhooks/pkg/errors"
	"github.com/mwhitfield/payment-webhooks/pkg/kafka"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
	"github.com/mwhitfield/payment-webhooks/pkg/retry"
)

// Error codes surfaced in dead letter entries for checkout events
const (
	CodePaymentInvalid = "PAYMENT_INVALID"
	CodePublishFailed  = "PUBLISH_FAILED"
)

// checkoutPayload is the provider-specific shape inside event.Data
type checkoutPayload struct {
	PaymentID string  `json:"payment_id"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Customer  string  `json:"customer,omitempty"`
}

// paymentMessage is the normalized event published for downstream consumers
type paymentMessage struct {
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	PaymentID       string    `json:"payment_id"`
	RelatedEntityID string    `json:"related_entity_id,omitempty"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	Customer        string    `json:"customer,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// CheckoutCompletedHandler is the business effect for completed checkout
// events: it normalizes the provider payload and publishes it to Kafka.
// Republishing the same event_id yields an identical message, so the
// handler is safe to replay.
type CheckoutCompletedHandler struct {
	producer *kafka.Producer
	topic    string
	logger   logger.Logger
}

// NewCheckoutCompletedHandler creates a new CheckoutCompletedHandler
func NewCheckoutCompletedHandler(producer *kafka.Producer, topic string, logger logger.Logger) *CheckoutCompletedHandler {
	return &CheckoutCompletedHandler{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// Handle validates the checkout payload and publishes the normalized
// payment event, retrying transient broker failures with backoff.
func (h *CheckoutCompletedHandler) Handle(ctx context.Context, event *models.WebhookEvent) error {
	var payload checkoutPayload

	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return apperrors.NewInvalidInputError(CodePaymentInvalid, "malformed checkout payload: "+err.Error())
	}

	if payload.PaymentID == "" || payload.Amount <= 0 || payload.Currency == "" {
		return apperrors.NewInvalidInputError(CodePaymentInvalid, "checkout payload missing payment_id, amount or currency")
	}

	msg := paymentMessage{
		EventID:         event.EventID,
		EventType:       event.EventType,
		PaymentID:       payload.PaymentID,
		RelatedEntityID: event.RelatedEntityID,
		Amount:          payload.Amount,
		Currency:        payload.Currency,
		Customer:        payload.Customer,
		OccurredAt:      event.OccurredAt,
	}

	value, err := json.Marshal(msg)

	if err != nil {
		return apperrors.NewInternalError(CodePublishFailed, "failed to encode payment event: "+err.Error())
	}

	h.logger.Info("Publishing payment event",
		"topic", h.topic,
		"eventID", event.EventID,
		"paymentID", payload.PaymentID)

	// The event_id keys the message so duplicate replays land on the
	// same partition and downstream consumers can deduplicate.
	err = retry.Retry(ctx, func() error {
		return h.producer.SendMessage(ctx, h.topic, event.EventID, value)
	}, &retry.RetryConfig{
		MaxAttempts:     3,
		BackoffStrategy: retry.NewDefaultExponentialBackoff(),
		Logger:          h.logger,
	})

	if err != nil {
		return apperrors.NewTemporaryError(CodePublishFailed, "failed to publish payment event: "+err.Error())
	}

	return nil
}
