package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mwhitfield/payment-webhooks/internal/database"
	"github.com/mwhitfield/payment-webhooks/internal/models"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
)

// DeadLetterRepository handles database operations for dead letter entries
type DeadLetterRepository struct {
	db     *database.Database
	logger logger.Logger
}

// NewDeadLetterRepository creates a new DeadLetterRepository
func NewDeadLetterRepository(db *database.Database, logger logger.Logger) *DeadLetterRepository {
	return &DeadLetterRepository{
		db:     db,
		logger: logger,
	}
}

// Record captures a failed event. The first failure for an event inserts
// a row; a repeat failure while an open entry exists updates its
// diagnostics in place, so there is at most one open entry per event_id.
func (r *DeadLetterRepository) Record(ctx context.Context, entry *models.DeadLetterEntry) error {
	query := `
		INSERT INTO dead_letter_entries (
			id, event_id, event_type, correlation_id, related_entity_id,
			payload, error_message, error_code, retry_count, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (event_id) WHERE resolved_at IS NULL
		DO UPDATE SET
			error_message = EXCLUDED.error_message,
			error_code = EXCLUDED.error_code,
			payload = EXCLUDED.payload
	`

	_, err := r.db.DB.ExecContext(
		ctx,
		query,
		entry.ID,
		entry.EventID,
		entry.EventType,
		entry.CorrelationID,
		entry.RelatedEntityID,
		entry.Payload,
		entry.ErrorMessage,
		entry.ErrorCode,
		entry.RetryCount,
		entry.CreatedAt,
	)

	if err != nil {
		r.logger.Error("Failed to record dead letter entry", "error", err, "eventID", entry.EventID)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

// GetByID retrieves an entry by its internal id
func (r *DeadLetterRepository) GetByID(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	query := `
		SELECT id, event_id, event_type, correlation_id, related_entity_id,
			payload, error_message, error_code, retry_count, created_at,
			resolved_at, resolved_by, resolution_notes
		FROM dead_letter_entries
		WHERE id = $1
	`

	var entry models.DeadLetterEntry
	err := r.db.DB.GetContext(ctx, &entry, query, id)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to get dead letter entry", "error", err, "entryID", id)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return &entry, nil
}

// List retrieves entries newest first. When resolved is non-nil the
// result is filtered on resolution state.
func (r *DeadLetterRepository) List(ctx context.Context, resolved *bool, limit int) ([]*models.DeadLetterEntry, error) {
	query := `
		SELECT id, event_id, event_type, correlation_id, related_entity_id,
			payload, error_message, error_code, retry_count, created_at,
			resolved_at, resolved_by, resolution_notes
		FROM dead_letter_entries
		WHERE ($1::BOOLEAN IS NULL OR (resolved_at IS NOT NULL) = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	var entries []*models.DeadLetterEntry
	err := r.db.DB.SelectContext(ctx, &entries, query, resolved, limit)

	if err != nil {
		r.logger.Error("Failed to list dead letter entries", "error", err, "limit", limit)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return entries, nil
}

// IncrementRetry bumps retry_count by one. The increment runs inside the
// database so concurrent retries never lose an update.
func (r *DeadLetterRepository) IncrementRetry(ctx context.Context, id string) error {
	query := `
		UPDATE dead_letter_entries
		SET retry_count = retry_count + 1
		WHERE id = $1
	`

	result, err := r.db.DB.ExecContext(ctx, query, id)

	if err != nil {
		r.logger.Error("Failed to increment retry count", "error", err, "entryID", id)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	rowsAffected, err := result.RowsAffected()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Resolve closes a single entry. Resolution is terminal: an entry that is
// already resolved is left untouched and reported as not updated.
func (r *DeadLetterRepository) Resolve(ctx context.Context, id, resolvedBy, notes string) (bool, error) {
	query := `
		UPDATE dead_letter_entries
		SET resolved_at = $1, resolved_by = $2, resolution_notes = $3
		WHERE id = $4 AND resolved_at IS NULL
	`

	result, err := r.db.DB.ExecContext(ctx, query, models.GetCurrentTime(), resolvedBy, notes, id)

	if err != nil {
		r.logger.Error("Failed to resolve dead letter entry", "error", err, "entryID", id)
		return false, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	rowsAffected, err := result.RowsAffected()

	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return rowsAffected == 1, nil
}

// ResolveAll closes every entry still unresolved at call time and returns
// how many were affected. Entries resolved concurrently are not counted.
func (r *DeadLetterRepository) ResolveAll(ctx context.Context, resolvedBy, notes string) (int64, error) {
	query := `
		UPDATE dead_letter_entries
		SET resolved_at = $1, resolved_by = $2, resolution_notes = $3
		WHERE resolved_at IS NULL
	`

	result, err := r.db.DB.ExecContext(ctx, query, models.GetCurrentTime(), resolvedBy, notes)

	if err != nil {
		r.logger.Error("Failed to bulk resolve dead letter entries", "error", err)
		return 0, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	rowsAffected, err := result.RowsAffected()

	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return rowsAffected, nil
}

// Counts returns the unresolved and total entry counts for dashboards
func (r *DeadLetterRepository) Counts(ctx context.Context) (unresolved int, total int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE resolved_at IS NULL) AS unresolved,
			COUNT(*) AS total
		FROM dead_letter_entries
	`

	row := r.db.DB.QueryRowxContext(ctx, query)

	if err := row.Scan(&unresolved, &total); err != nil {
		r.logger.Error("Failed to count dead letter entries", "error", err)
		return 0, 0, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return unresolved, total, nil
}
