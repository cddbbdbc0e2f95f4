package models

import (
	"time"
)

// DeadLetterEntry preserves an event whose handler failed, with enough
// diagnostics to fix the cause and the full payload to replay it.
type DeadLetterEntry struct {
	ID              string     `db:"id" json:"id"`
	EventID         string     `db:"event_id" json:"event_id"`
	EventType       string     `db:"event_type" json:"event_type"`
	CorrelationID   *string    `db:"correlation_id" json:"correlation_id,omitempty"`
	RelatedEntityID *string    `db:"related_entity_id" json:"related_entity_id,omitempty"`
	Payload         []byte     `db:"payload" json:"payload"`
	ErrorMessage    string     `db:"error_message" json:"error_message"`
	ErrorCode       string     `db:"error_code" json:"error_code"`
	RetryCount      int        `db:"retry_count" json:"retry_count"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy      *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionNotes *string    `db:"resolution_notes" json:"resolution_notes,omitempty"`
}

// Resolved reports whether the entry has reached its terminal state
func (e *DeadLetterEntry) Resolved() bool {
	return e.ResolvedAt != nil
}

// NewDeadLetterEntry creates an entry from a failed event
func NewDeadLetterEntry(ev *WebhookEvent, payload []byte, errMsg, errCode string) *DeadLetterEntry {
	entry := &DeadLetterEntry{
		ID:           GenerateID("dl"),
		EventID:      ev.EventID,
		EventType:    ev.EventType,
		Payload:      payload,
		ErrorMessage: errMsg,
		ErrorCode:    errCode,
		RetryCount:   0,
		CreatedAt:    time.Now().UTC(),
	}

	if ev.SessionID != "" {
		entry.CorrelationID = &ev.SessionID
	}

	if ev.RelatedEntityID != "" {
		entry.RelatedEntityID = &ev.RelatedEntityID
	}

	return entry
}
