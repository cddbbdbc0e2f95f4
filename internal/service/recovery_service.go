package service

import (
	"context"
	"fmt"

	"github.com/mwhitfield/payment-webhooks/internal/clients"
	"github.com/mwhitfield/payment-webhooks/internal/models"
	apperrors "github.com/mwhitfield/payment-webhooks/pkg/errors"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
)

// Resolution notes applied when the operator does not supply any
const (
	NotesSuccessfulRetry = "Successfully retried"
	NotesManualResolve   = "Manually resolved"
)

// DeadLetterStore is the slice of the dead letter repository the
// recovery service needs.
type DeadLetterStore interface {
	GetByID(ctx context.Context, id string) (*models.DeadLetterEntry, error)
	List(ctx context.Context, resolved *bool, limit int) ([]*models.DeadLetterEntry, error)
	IncrementRetry(ctx context.Context, id string) error
	Resolve(ctx context.Context, id, resolvedBy, notes string) (bool, error)
	ResolveAll(ctx context.Context, resolvedBy, notes string) (int64, error)
	Counts(ctx context.Context) (unresolved int, total int, err error)
}

// AuditLog records operator actions and serves them back for review
type AuditLog interface {
	Record(ctx context.Context, rec *models.AuditRecord) error
	ListRecent(ctx context.Context, limit int) ([]*models.AuditRecord, error)
}

// RecoveryService implements the operator recovery actions on top of the
// dead letter store and the replay path back into the dispatcher.
type RecoveryService struct {
	deadLetters DeadLetterStore
	audit       AuditLog
	replayer    clients.ReplayCaller
	logger      logger.Logger
}

// NewRecoveryService creates a new RecoveryService
func NewRecoveryService(
	deadLetters DeadLetterStore,
	audit AuditLog,
	replayer clients.ReplayCaller,
	logger logger.Logger,
) *RecoveryService {
	return &RecoveryService{
		deadLetters: deadLetters,
		audit:       audit,
		replayer:    replayer,
		logger:      logger,
	}
}

// Retry replays a dead lettered event. The retry counter is incremented
// before the replay so the attempt is recorded whatever the outcome; a
// successful replay also resolves the entry.
func (s *RecoveryService) Retry(ctx context.Context, entryID, actor string) (*models.DeadLetterEntry, error) {
	entry, err := s.deadLetters.GetByID(ctx, entryID)

	if err != nil {
		return nil, err
	}

	if entry.Resolved() {
		return nil, apperrors.NewInvalidInputError("ENTRY_RESOLVED", fmt.Sprintf("entry %s is already resolved", entryID))
	}

	if err := s.deadLetters.IncrementRetry(ctx, entryID); err != nil {
		return nil, err
	}

	replayErr := s.replayer.Replay(ctx, entry.EventID, entry.Payload)

	// The attempt happened and the counter moved; audit it before any
	// bookkeeping below gets a chance to fail.
	s.recordAudit(ctx, actor, models.AuditActionRetry, entryID, "", 1)

	if replayErr != nil {
		s.logger.Warn("Retry failed, entry remains unresolved",
			"entryID", entryID,
			"eventID", entry.EventID,
			"error", replayErr)
		return nil, replayErr
	}

	if _, err := s.deadLetters.Resolve(ctx, entryID, actor, NotesSuccessfulRetry); err != nil {
		// The replay went through; surface the bookkeeping failure so
		// the operator knows the entry is still open.
		return nil, err
	}

	return s.deadLetters.GetByID(ctx, entryID)
}

// Resolve closes a single entry without replaying it, for causes fixed
// out of band. Resolving an already-resolved entry is a no-op.
func (s *RecoveryService) Resolve(ctx context.Context, entryID, actor, notes string) (*models.DeadLetterEntry, error) {
	if notes == "" {
		notes = NotesManualResolve
	}

	// Existence check so a bad id is a 404 rather than a silent no-op.
	if _, err := s.deadLetters.GetByID(ctx, entryID); err != nil {
		return nil, err
	}

	updated, err := s.deadLetters.Resolve(ctx, entryID, actor, notes)

	if err != nil {
		return nil, err
	}

	if updated {
		s.recordAudit(ctx, actor, models.AuditActionResolve, entryID, notes, 1)
	}

	return s.deadLetters.GetByID(ctx, entryID)
}

// ResolveAll closes every currently-unresolved entry and returns how
// many were affected.
func (s *RecoveryService) ResolveAll(ctx context.Context, actor, notes string) (int64, error) {
	if notes == "" {
		notes = NotesManualResolve
	}

	affected, err := s.deadLetters.ResolveAll(ctx, actor, notes)

	if err != nil {
		return 0, err
	}

	s.recordAudit(ctx, actor, models.AuditActionResolveAll, "", notes, int(affected))

	s.logger.Info("Bulk resolved dead letter entries", "actor", actor, "affected", affected)

	return affected, nil
}

// List returns entries plus the dashboard counts
func (s *RecoveryService) List(ctx context.Context, resolved *bool, limit int) ([]*models.DeadLetterEntry, int, int, error) {
	entries, err := s.deadLetters.List(ctx, resolved, limit)

	if err != nil {
		return nil, 0, 0, err
	}

	unresolved, total, err := s.deadLetters.Counts(ctx)

	if err != nil {
		return nil, 0, 0, err
	}

	return entries, unresolved, total, nil
}

// AuditTrail returns the newest operator actions
func (s *RecoveryService) AuditTrail(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	return s.audit.ListRecent(ctx, limit)
}

// recordAudit logs the action to the audit trail. The action itself has
// already been applied, so an audit write failure is logged rather than
// returned.
func (s *RecoveryService) recordAudit(ctx context.Context, actor, action, entryID, notes string, affected int) {
	rec := models.NewAuditRecord(actor, action, entryID, notes, affected)

	if err := s.audit.Record(ctx, rec); err != nil {
		s.logger.Error("Failed to write audit record",
			"error", err,
			"actor", actor,
			"action", action,
			"entryID", entryID)
	}
}
