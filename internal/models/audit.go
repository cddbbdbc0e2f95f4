package models

import (
	"time"
)

// Audit actions recorded for operator activity
const (
	AuditActionRetry      = "retry"
	AuditActionResolve    = "resolve"
	AuditActionResolveAll = "resolve_all"
)

// AuditRecord attributes a recovery action to an operator
type AuditRecord struct {
	ID            string    `db:"id" json:"id"`
	Actor         string    `db:"actor" json:"actor"`
	Action        string    `db:"action" json:"action"`
	EntryID       *string   `db:"entry_id" json:"entry_id,omitempty"`
	AffectedCount int       `db:"affected_count" json:"affected_count"`
	Notes         *string   `db:"notes" json:"notes,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// NewAuditRecord creates an audit record for a single-entry action
func NewAuditRecord(actor, action string, entryID, notes string, affected int) *AuditRecord {
	rec := &AuditRecord{
		ID:            GenerateID("aud"),
		Actor:         actor,
		Action:        action,
		AffectedCount: affected,
		CreatedAt:     time.Now().UTC(),
	}

	if entryID != "" {
		rec.EntryID = &entryID
	}

	if notes != "" {
		rec.Notes = &notes
	}

	return rec
}
