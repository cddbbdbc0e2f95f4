package repository

import (
	"context"
	"fmt"

	"github.com/mwhitfield/payment-webhooks/internal/database"
	"github.com/mwhitfield/payment-webhooks/internal/models"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
)

// AuditRepository is an append-only log of operator recovery actions
type AuditRepository struct {
	db     *database.Database
	logger logger.Logger
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *database.Database, logger logger.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Record appends an audit record
func (r *AuditRepository) Record(ctx context.Context, rec *models.AuditRecord) error {
	query := `
		INSERT INTO operator_audit_log (id, actor, action, entry_id, affected_count, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.DB.ExecContext(
		ctx,
		query,
		rec.ID,
		rec.Actor,
		rec.Action,
		rec.EntryID,
		rec.AffectedCount,
		rec.Notes,
		rec.CreatedAt,
	)

	if err != nil {
		r.logger.Error("Failed to record audit entry", "error", err, "actor", rec.Actor, "action", rec.Action)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

// ListRecent returns the newest audit records
func (r *AuditRepository) ListRecent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	query := `
		SELECT id, actor, action, entry_id, affected_count, notes, created_at
		FROM operator_audit_log
		ORDER BY created_at DESC
		LIMIT $1
	`

	var records []*models.AuditRecord
	err := r.db.DB.SelectContext(ctx, &records, query, limit)

	if err != nil {
		r.logger.Error("Failed to list audit records", "error", err, "limit", limit)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return records, nil
}
