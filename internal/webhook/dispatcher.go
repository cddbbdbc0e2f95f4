package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/mwhitfield/payment-webhooks/internal/models"
	apperrors "github.com/mwhitfield/payment-webhooks/pkg/errors"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
)

// Outcome is the terminal state of one dispatch attempt
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Error codes attached to dead letter entries by the dispatcher itself
const (
	CodeClaimFailed    = "CLAIM_FAILED"
	CodeHandlerError   = "HANDLER_ERROR"
	CodeHandlerTimeout = "HANDLER_TIMEOUT"
)

// ClaimStore is the idempotency primitive: exactly one concurrent caller
// per event_id observes claimed == true. Release undoes a claim whose
// handler failed, so a later replay of the dead lettered event can claim
// again and actually re-run the handler.
type ClaimStore interface {
	Claim(ctx context.Context, event *models.ProcessedEvent) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// DeadLetterStore captures failed events for operator recovery
type DeadLetterStore interface {
	Record(ctx context.Context, entry *models.DeadLetterEntry) error
}

// Dispatcher orchestrates claim, handler invocation and failure capture
// for every accepted event. Handler errors never escape the dispatcher;
// they become dead letter entries. Only a failure to write the dead
// letter itself is returned as an error, because there is no lower layer
// left to catch it.
type Dispatcher struct {
	claims         ClaimStore
	deadLetters    DeadLetterStore
	registry       *Registry
	handlerTimeout time.Duration
	logger         logger.Logger
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(
	claims ClaimStore,
	deadLetters DeadLetterStore,
	registry *Registry,
	handlerTimeout time.Duration,
	logger logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		claims:         claims,
		deadLetters:    deadLetters,
		registry:       registry,
		handlerTimeout: handlerTimeout,
		logger:         logger,
	}
}

// Dispatch processes one verified event. rawBody is the original payload,
// preserved verbatim so a dead lettered event can be replayed.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.WebhookEvent, rawBody []byte) (Outcome, error) {
	claimed, err := d.claims.Claim(ctx, models.NewProcessedEvent(event))

	if err != nil {
		// Fail closed: an unavailable claim store must not drop the
		// event, so it goes to the dead letter store instead.
		d.logger.Error("Claim attempt failed, dead-lettering event",
			"error", err,
			"eventID", event.EventID,
			"eventType", event.EventType)
		return d.deadLetter(ctx, event, rawBody, err.Error(), CodeClaimFailed)
	}

	if !claimed {
		d.logger.Info("Duplicate event, skipping handler",
			"eventID", event.EventID,
			"eventType", event.EventType)
		return OutcomeDuplicate, nil
	}

	handler, ok := d.registry.Lookup(event.EventType)

	if !ok {
		d.logger.Info("No handler for event type, event claimed and skipped",
			"eventID", event.EventID,
			"eventType", event.EventType)
		return OutcomeSkipped, nil
	}

	handlerCtx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()

	if err := handler.Handle(handlerCtx, event); err != nil {
		code := apperrors.CodeOf(err, CodeHandlerError)
		if handlerCtx.Err() == context.DeadlineExceeded {
			code = CodeHandlerTimeout
		}

		d.logger.Error("Handler failed, dead-lettering event",
			"error", err,
			"errorCode", code,
			"eventID", event.EventID,
			"eventType", event.EventType)

		// The claim must not outlive the failed attempt: with the claim
		// row gone, a replay of the dead lettered payload claims again
		// and re-runs the handler instead of landing on the duplicate
		// path. The dead letter entry is the durable record from here.
		if relErr := d.claims.Release(ctx, event.EventID); relErr != nil {
			d.logger.Error("Failed to release claim for failed event",
				"error", relErr,
				"eventID", event.EventID)
		}

		return d.deadLetter(ctx, event, rawBody, err.Error(), code)
	}

	d.logger.Info("Event processed",
		"eventID", event.EventID,
		"eventType", event.EventType)

	return OutcomeProcessed, nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, event *models.WebhookEvent, rawBody []byte, errMsg, code string) (Outcome, error) {
	entry := models.NewDeadLetterEntry(event, rawBody, errMsg, code)

	if err := d.deadLetters.Record(ctx, entry); err != nil {
		return OutcomeDeadLettered, fmt.Errorf("failed to dead-letter event %s: %w", event.EventID, err)
	}

	return OutcomeDeadLettered, nil
}
