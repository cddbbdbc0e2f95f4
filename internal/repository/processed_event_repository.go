package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mwhitfield/payment-webhooks/internal/database"
	"github.com/mwhitfield/payment-webhooks/internal/models"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrDatabase = errors.New("database error")
)

// Postgres error codes we branch on
const (
	pgUniqueViolation   = "23505"
	pgUndefinedFunction = "42883"
)

// ProcessedEventRepository is the claim store: it answers, atomically,
// whether an event_id has been seen before and records it if not.
type ProcessedEventRepository struct {
	db     *database.Database
	logger logger.Logger
}

// NewProcessedEventRepository creates a new ProcessedEventRepository
func NewProcessedEventRepository(db *database.Database, logger logger.Logger) *ProcessedEventRepository {
	return &ProcessedEventRepository{
		db:     db,
		logger: logger,
	}
}

// Claim attempts to claim the event for processing. It returns true for
// exactly one caller per event_id, no matter how many run concurrently.
// The primary path is the claim_event database function; if the function
// is missing (older schema) we fall back to a conditional insert where a
// unique violation is itself the "already claimed" signal.
func (r *ProcessedEventRepository) Claim(ctx context.Context, event *models.ProcessedEvent) (bool, error) {
	query := `SELECT claim_event($1, $2, $3, $4, $5)`

	var claimed bool
	err := r.db.DB.GetContext(
		ctx,
		&claimed,
		query,
		event.EventID,
		event.EventType,
		event.RelatedEntityID,
		event.SessionID,
		event.Metadata,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUndefinedFunction {
			r.logger.Warn("claim_event function missing, using fallback insert", "eventID", event.EventID)
			return r.claimFallback(ctx, event)
		}

		r.logger.Error("Failed to claim event", "error", err, "eventID", event.EventID)
		return false, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return claimed, nil
}

// claimFallback inserts with ON CONFLICT DO NOTHING and reads the row
// count. A conflicting concurrent insert is proof another caller won the
// claim, not an error.
func (r *ProcessedEventRepository) claimFallback(ctx context.Context, event *models.ProcessedEvent) (bool, error) {
	query := `
		INSERT INTO processed_events (event_id, event_type, related_entity_id, session_id, metadata, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`

	result, err := r.db.DB.ExecContext(
		ctx,
		query,
		event.EventID,
		event.EventType,
		event.RelatedEntityID,
		event.SessionID,
		event.Metadata,
		event.ClaimedAt,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return false, nil
		}

		r.logger.Error("Failed to claim event via fallback", "error", err, "eventID", event.EventID)
		return false, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	rowsAffected, err := result.RowsAffected()

	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return rowsAffected == 1, nil
}

// Release deletes the claim row for an event whose handler failed, so a
// replay of the dead lettered payload can claim it again. Releasing an
// unclaimed event is a no-op.
func (r *ProcessedEventRepository) Release(ctx context.Context, eventID string) error {
	query := `DELETE FROM processed_events WHERE event_id = $1`

	_, err := r.db.DB.ExecContext(ctx, query, eventID)

	if err != nil {
		r.logger.Error("Failed to release claim", "error", err, "eventID", eventID)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

// GetByEventID retrieves a processed event by its provider event id
func (r *ProcessedEventRepository) GetByEventID(ctx context.Context, eventID string) (*models.ProcessedEvent, error) {
	query := `
		SELECT event_id, event_type, related_entity_id, session_id, metadata, claimed_at
		FROM processed_events
		WHERE event_id = $1
	`

	var event models.ProcessedEvent
	err := r.db.DB.GetContext(ctx, &event, query, eventID)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to get processed event", "error", err, "eventID", eventID)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return &event, nil
}

// Count counts the total number of processed events
func (r *ProcessedEventRepository) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM processed_events`

	err := r.db.DB.GetContext(ctx, &count, query)

	if err != nil {
		r.logger.Error("Failed to count processed events", "error", err)
		return 0, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return count, nil
}
