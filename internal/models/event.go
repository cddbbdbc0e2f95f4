package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// WebhookEvent is the decoded provider envelope. The raw body must be
// signature-verified before it is parsed into this struct.
type WebhookEvent struct {
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	SessionID       string          `json:"session_id,omitempty"`
	RelatedEntityID string          `json:"related_entity_id,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
	Data            json.RawMessage `json:"data"`
}

// ParseWebhookEvent decodes and validates a provider event payload
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent

	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}

	if ev.EventID == "" {
		return nil, fmt.Errorf("event is missing event_id")
	}

	if ev.EventType == "" {
		return nil, fmt.Errorf("event %s is missing event_type", ev.EventID)
	}

	return &ev, nil
}

// ProcessedEvent is a claim-store row: durable proof that an event_id has
// been claimed for processing. A row persists as long as its handler
// succeeded (or the event was skipped); the claim is released when the
// handler fails, so the event can be claimed again on replay.
type ProcessedEvent struct {
	EventID         string     `db:"event_id" json:"event_id"`
	EventType       string     `db:"event_type" json:"event_type"`
	RelatedEntityID *string    `db:"related_entity_id" json:"related_entity_id,omitempty"`
	SessionID       *string    `db:"session_id" json:"session_id,omitempty"`
	Metadata        []byte     `db:"metadata" json:"metadata,omitempty"`
	ClaimedAt       time.Time  `db:"claimed_at" json:"claimed_at"`
}

// NewProcessedEvent builds a claim row from an incoming event
func NewProcessedEvent(ev *WebhookEvent) *ProcessedEvent {
	p := &ProcessedEvent{
		EventID:   ev.EventID,
		EventType: ev.EventType,
		Metadata:  []byte(ev.Data),
		ClaimedAt: time.Now().UTC(),
	}

	if ev.RelatedEntityID != "" {
		p.RelatedEntityID = &ev.RelatedEntityID
	}

	if ev.SessionID != "" {
		p.SessionID = &ev.SessionID
	}

	return p
}
