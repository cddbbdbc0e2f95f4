package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mwhitfield/payment-webhooks/internal/models"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
)

var errEntryNotFound = errors.New("record not found")

type memDeadLetterStore struct {
	mu         sync.Mutex
	entries    map[string]*models.DeadLetterEntry
	resolveErr error
}

func newMemDeadLetterStore() *memDeadLetterStore {
	return &memDeadLetterStore{entries: make(map[string]*models.DeadLetterEntry)}
}

func (s *memDeadLetterStore) add(entry *models.DeadLetterEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
}

func (s *memDeadLetterStore) GetByID(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, errEntryNotFound
	}
	copied := *entry
	return &copied, nil
}

func (s *memDeadLetterStore) List(ctx context.Context, resolved *bool, limit int) ([]*models.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.DeadLetterEntry
	for _, entry := range s.entries {
		if resolved != nil && entry.Resolved() != *resolved {
			continue
		}
		if len(out) >= limit {
			break
		}
		copied := *entry
		out = append(out, &copied)
	}
	return out, nil
}

func (s *memDeadLetterStore) IncrementRetry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return errEntryNotFound
	}
	entry.RetryCount++
	return nil
}

func (s *memDeadLetterStore) Resolve(ctx context.Context, id, resolvedBy, notes string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resolveErr != nil {
		return false, s.resolveErr
	}

	entry, ok := s.entries[id]
	if !ok || entry.Resolved() {
		return false, nil
	}
	now := time.Now().UTC()
	entry.ResolvedAt = &now
	entry.ResolvedBy = &resolvedBy
	entry.ResolutionNotes = &notes
	return true, nil
}

func (s *memDeadLetterStore) ResolveAll(ctx context.Context, resolvedBy, notes string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	now := time.Now().UTC()
	for _, entry := range s.entries {
		if entry.Resolved() {
			continue
		}
		entry.ResolvedAt = &now
		entry.ResolvedBy = &resolvedBy
		entry.ResolutionNotes = &notes
		affected++
	}
	return affected, nil
}

func (s *memDeadLetterStore) Counts(ctx context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unresolved := 0
	for _, entry := range s.entries {
		if !entry.Resolved() {
			unresolved++
		}
	}
	return unresolved, len(s.entries), nil
}

type memAuditLog struct {
	mu      sync.Mutex
	records []*models.AuditRecord
}

func (l *memAuditLog) Record(ctx context.Context, rec *models.AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *memAuditLog) ListRecent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*models.AuditRecord, 0, limit)
	for i := len(l.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.records[i])
	}
	return out, nil
}

type fakeReplayer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeReplayer) Replay(ctx context.Context, eventID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func unresolvedEntry(id, eventID string) *models.DeadLetterEntry {
	return &models.DeadLetterEntry{
		ID:           id,
		EventID:      eventID,
		EventType:    "checkout.completed",
		Payload:      []byte(`{"event_id":"` + eventID + `"}`),
		ErrorMessage: "Intake not found",
		ErrorCode:    "INTAKE_NOT_FOUND",
		CreatedAt:    time.Now().UTC(),
	}
}

func newTestService(store *memDeadLetterStore, replayer *fakeReplayer) (*RecoveryService, *memAuditLog) {
	audit := &memAuditLog{}
	svc := NewRecoveryService(store, audit, replayer, logger.NewLogger("error"))
	return svc, audit
}

func TestRetry_SuccessResolvesEntry(t *testing.T) {
	store := newMemDeadLetterStore()
	store.add(unresolvedEntry("dl-1", "evt_456"))
	replayer := &fakeReplayer{}
	svc, audit := newTestService(store, replayer)

	entry, err := svc.Retry(context.Background(), "dl-1", "ops@example.com")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", entry.RetryCount)
	}
	if !entry.Resolved() {
		t.Fatal("entry should be resolved after a successful retry")
	}
	if *entry.ResolutionNotes != NotesSuccessfulRetry {
		t.Fatalf("expected notes %q, got %q", NotesSuccessfulRetry, *entry.ResolutionNotes)
	}
	if *entry.ResolvedBy != "ops@example.com" {
		t.Fatalf("wrong resolved_by: %s", *entry.ResolvedBy)
	}
	if replayer.calls != 1 {
		t.Fatalf("expected 1 replay call, got %d", replayer.calls)
	}
	if len(audit.records) != 1 || audit.records[0].Action != models.AuditActionRetry {
		t.Fatal("retry must be audited")
	}
}

func TestRetry_FailureLeavesEntryUnresolved(t *testing.T) {
	store := newMemDeadLetterStore()
	store.add(unresolvedEntry("dl-1", "evt_456"))
	replayer := &fakeReplayer{err: errors.New("handler failed again")}
	svc, _ := newTestService(store, replayer)

	_, err := svc.Retry(context.Background(), "dl-1", "ops@example.com")

	if err == nil {
		t.Fatal("expected the replay error to surface")
	}

	entry, _ := store.GetByID(context.Background(), "dl-1")
	if entry.RetryCount != 1 {
		t.Fatalf("the attempt must still be counted, got %d", entry.RetryCount)
	}
	if entry.Resolved() {
		t.Fatal("a failed retry must leave the entry unresolved")
	}
	if entry.ErrorCode != "INTAKE_NOT_FOUND" {
		t.Fatal("original diagnostics must be preserved")
	}
}

func TestRetry_CounterIsMonotonic(t *testing.T) {
	store := newMemDeadLetterStore()
	store.add(unresolvedEntry("dl-1", "evt_456"))
	replayer := &fakeReplayer{err: errors.New("still broken")}
	svc, _ := newTestService(store, replayer)

	const attempts = 5
	for i := 0; i < attempts; i++ {
		svc.Retry(context.Background(), "dl-1", "ops@example.com")
	}

	entry, _ := store.GetByID(context.Background(), "dl-1")
	if entry.RetryCount != attempts {
		t.Fatalf("expected retry_count %d, got %d", attempts, entry.RetryCount)
	}
}

func TestRetry_AuditedWhenResolveFails(t *testing.T) {
	store := newMemDeadLetterStore()
	store.add(unresolvedEntry("dl-1", "evt_456"))
	store.resolveErr = errors.New("connection refused")
	svc, audit := newTestService(store, &fakeReplayer{})

	_, err := svc.Retry(context.Background(), "dl-1", "ops@example.com")

	if err == nil {
		t.Fatal("expected the bookkeeping failure to surface")
	}
	if len(audit.records) != 1 {
		t.Fatalf("the attempt must be audited even when resolve fails, got %d records", len(audit.records))
	}

	entry, _ := store.GetByID(context.Background(), "dl-1")
	if entry.RetryCount != 1 {
		t.Fatalf("the attempt must still be counted, got %d", entry.RetryCount)
	}
}

func TestAuditTrail_ReturnsNewestFirst(t *testing.T) {
	store := newMemDeadLetterStore()
	store.add(unresolvedEntry("dl-1", "evt_1"))
	store.add(unresolvedEntry("dl-2", "evt_2"))
	svc, _ := newTestService(store, &fakeReplayer{})

	svc.Resolve(context.Background(), "dl-1", "ops@example.com", "first")
	svc.Resolve(context.Background(), "dl-2", "ops@example.com", "second")

	records, err := svc.AuditTrail(context.Background(), 10)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if *records[0].EntryID != "dl-2" || *records[1].EntryID != "dl-1" {
		t.Fatal("expected newest record first")
	}
}

func TestRetry_ResolvedEntryRejected(t *testing.T) {
	store := newMemDeadLetterStore()
	entry := unresolvedEntry("dl-1", "evt_456")
	store.add(entry)
	store.Resolve(context.Background(), "dl-1", "ops@example.com", "fixed")

	replayer := &fakeReplayer{}
	svc, _ := newTestService(store, replayer)

	if _, err := svc.Retry(context.Background(), "dl-1", "ops@example.com"); err == nil {
		t.Fatal("expected error retrying a resolved entry")
	}
	if replayer.calls != 0 {
		t.Fatal("resolved entries must not be replayed")
	}

	got, _ := store.GetByID(context.Background(), "dl-1")
	if got.RetryCount != 0 {
		t.Fatal("retry_count must not change for resolved entries")
	}
}

func TestRetry_UnknownEntry(t *testing.T) {
	svc, _ := newTestService(newMemDeadLetterStore(), &fakeReplayer{})

	if _, err := svc.Retry(context.Background(), "dl-missing", "ops@example.com"); err == nil {
		t.Fatal("expected error for unknown entry")
	}
}

func TestResolve_DefaultNotes(t *testing.T) {
	store := newMemDeadLetterStore()
	store.add(unresolvedEntry("dl-1", "evt_456"))
	svc, audit := newTestService(store, &fakeReplayer{})

	entry, err := svc.Resolve(context.Background(), "dl-1", "ops@example.com", "")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !entry.Resolved() {
		t.Fatal("entry should be resolved")
	}
	if *entry.ResolutionNotes != NotesManualResolve {
		t.Fatalf("expected default notes, got %q", *entry.ResolutionNotes)
	}
	if len(audit.records) != 1 {
		t.Fatal("resolve must be audited")
	}
}

func TestResolve_IsTerminal(t *testing.T) {
	store := newMemDeadLetterStore()
	store.add(unresolvedEntry("dl-1", "evt_456"))
	svc, audit := newTestService(store, &fakeReplayer{})

	first, err := svc.Resolve(context.Background(), "dl-1", "alice@example.com", "root cause fixed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := svc.Resolve(context.Background(), "dl-1", "bob@example.com", "different notes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *second.ResolvedBy != *first.ResolvedBy || *second.ResolutionNotes != *first.ResolutionNotes {
		t.Fatal("a resolved entry must not be mutated by a second resolve")
	}
	if !second.ResolvedAt.Equal(*first.ResolvedAt) {
		t.Fatal("resolved_at must not change")
	}
	if len(audit.records) != 1 {
		t.Fatalf("the no-op resolve must not be audited as a change, got %d records", len(audit.records))
	}
}

func TestResolveAll_ScopedToUnresolved(t *testing.T) {
	store := newMemDeadLetterStore()
	for i := 0; i < 7; i++ {
		store.add(unresolvedEntry(fmt.Sprintf("dl-open-%d", i), fmt.Sprintf("evt_open_%d", i)))
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("dl-closed-%d", i)
		store.add(unresolvedEntry(id, fmt.Sprintf("evt_closed_%d", i)))
		store.Resolve(context.Background(), id, "earlier@example.com", "already handled")
	}

	svc, audit := newTestService(store, &fakeReplayer{})

	affected, err := svc.ResolveAll(context.Background(), "ops@example.com", "bulk cleanup")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if affected != 7 {
		t.Fatalf("expected 7 affected, got %d", affected)
	}

	for i := 0; i < 3; i++ {
		entry, _ := store.GetByID(context.Background(), fmt.Sprintf("dl-closed-%d", i))
		if *entry.ResolvedBy != "earlier@example.com" {
			t.Fatal("already-resolved entries must be untouched")
		}
	}

	unresolved, total, _ := store.Counts(context.Background())
	if unresolved != 0 || total != 10 {
		t.Fatalf("expected 0 unresolved of 10, got %d of %d", unresolved, total)
	}

	if len(audit.records) != 1 || audit.records[0].AffectedCount != 7 {
		t.Fatal("resolve_all must be audited with the affected count")
	}
}

func TestList_ReturnsCounts(t *testing.T) {
	store := newMemDeadLetterStore()
	store.add(unresolvedEntry("dl-1", "evt_1"))
	store.add(unresolvedEntry("dl-2", "evt_2"))
	store.Resolve(context.Background(), "dl-2", "ops@example.com", "done")

	svc, _ := newTestService(store, &fakeReplayer{})

	resolvedFilter := false
	entries, unresolved, total, err := svc.List(context.Background(), &resolvedFilter, 50)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 unresolved entry, got %d", len(entries))
	}
	if unresolved != 1 || total != 2 {
		t.Fatalf("expected counts 1/2, got %d/%d", unresolved, total)
	}
}
