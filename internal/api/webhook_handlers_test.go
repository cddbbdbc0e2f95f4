package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/mwhitfield/payment-webhooks/internal/clients"
	"github.com/mwhitfield/payment-webhooks/internal/config"
	"github.com/mwhitfield/payment-webhooks/internal/models"
	"github.com/mwhitfield/payment-webhooks/internal/repository"
	"github.com/mwhitfield/payment-webhooks/internal/service"
	"github.com/mwhitfield/payment-webhooks/internal/webhook"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
	"github.com/mwhitfield/payment-webhooks/pkg/ratelimit"
)

const (
	testSigningSecret = "test-signing-secret"
	testReplaySecret  = "test-replay-secret"
	testOperatorToken = "test-operator-token"
)

type stubClaimStore struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func (s *stubClaimStore) Claim(ctx context.Context, event *models.ProcessedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[event.EventID] {
		return false, nil
	}
	s.claimed[event.EventID] = true
	return true, nil
}

func (s *stubClaimStore) Release(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, eventID)
	return nil
}

// stubDeadLetterStore backs both the dispatcher and the recovery service
type stubDeadLetterStore struct {
	mu        sync.Mutex
	entries   map[string]*models.DeadLetterEntry
	lastLimit int
}

func newStubDeadLetterStore() *stubDeadLetterStore {
	return &stubDeadLetterStore{entries: make(map[string]*models.DeadLetterEntry)}
}

func (s *stubDeadLetterStore) Record(ctx context.Context, entry *models.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

func (s *stubDeadLetterStore) GetByID(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

func (s *stubDeadLetterStore) List(ctx context.Context, resolved *bool, limit int) ([]*models.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit

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

func (s *stubDeadLetterStore) IncrementRetry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	entry.RetryCount++
	return nil
}

func (s *stubDeadLetterStore) Resolve(ctx context.Context, id, resolvedBy, notes string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *stubDeadLetterStore) ResolveAll(ctx context.Context, resolvedBy, notes string) (int64, error) {
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

func (s *stubDeadLetterStore) Counts(ctx context.Context) (int, int, error) {
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

type stubAudit struct {
	mu      sync.Mutex
	records []*models.AuditRecord
}

func (a *stubAudit) Record(ctx context.Context, rec *models.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *stubAudit) ListRecent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*models.AuditRecord, 0, limit)
	for i := len(a.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, a.records[i])
	}
	return out, nil
}

type stubReplayer struct {
	err error
}

func (r *stubReplayer) Replay(ctx context.Context, eventID string, payload []byte) error {
	return r.err
}

type failingHandler struct{}

func (failingHandler) Handle(ctx context.Context, event *models.WebhookEvent) error {
	return context.DeadlineExceeded
}

type okHandler struct{}

func (okHandler) Handle(ctx context.Context, event *models.WebhookEvent) error { return nil }

// flakyHandler fails its first N calls, then succeeds
type flakyHandler struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (h *flakyHandler) Handle(ctx context.Context, event *models.WebhookEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls++
	if h.calls <= h.failures {
		return errors.New("intake not found")
	}
	return nil
}

func (h *flakyHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newTestServer(t *testing.T, handler webhook.EventHandler, replayErr error) (*Server, *stubDeadLetterStore) {
	t.Helper()

	cfg := &config.Config{
		Webhook: config.WebhookConfig{
			SigningSecret:  testSigningSecret,
			ReplaySecret:   testReplaySecret,
			OperatorToken:  testOperatorToken,
			HandlerTimeout: time.Second,
		},
	}

	l := logger.NewLogger("error")
	claims := &stubClaimStore{claimed: make(map[string]bool)}
	dlq := newStubDeadLetterStore()

	registry := webhook.NewRegistry()
	if handler != nil {
		registry.Register("checkout.completed", handler)
	}

	s := &Server{
		config:          cfg,
		logger:          l,
		router:          mux.NewRouter(),
		dispatcher:      webhook.NewDispatcher(claims, dlq, registry, cfg.Webhook.HandlerTimeout, l),
		recoveryService: service.NewRecoveryService(dlq, &stubAudit{}, &stubReplayer{err: replayErr}, l),
		ipLimiter:       ratelimit.NewIPRateLimiter(1000, 1000),
	}
	s.setupRoutes()

	return s, dlq
}

func signedRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, webhook.SignPayload(testSigningSecret, ts, body))
	return req
}

func eventBody(t *testing.T, id, eventType string) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"event_id":   id,
		"event_type": eventType,
		"data":       map[string]interface{}{"payment_id": "pay_1", "amount": 25.0, "currency": "USD"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var parsed struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
		Error   string                 `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("malformed response %q: %v", rec.Body.String(), err)
	}
	return parsed.Data
}

func TestWebhook_ValidSignatureProcessed(t *testing.T) {
	s, _ := newTestServer(t, okHandler{}, nil)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, signedRequest(t, eventBody(t, "evt_1", "checkout.completed")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if data := decodeResponse(t, rec); data["outcome"] != "processed" {
		t.Fatalf("expected processed, got %v", data["outcome"])
	}
}

func TestWebhook_DuplicateDeliveryReturnsSuccess(t *testing.T) {
	s, _ := newTestServer(t, okHandler{}, nil)
	body := eventBody(t, "evt_123", "checkout.completed")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, signedRequest(t, body))

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, signedRequest(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on duplicate, got %d", rec.Code)
	}
	if data := decodeResponse(t, rec); data["outcome"] != "duplicate" {
		t.Fatalf("expected duplicate, got %v", data["outcome"])
	}
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	s, _ := newTestServer(t, okHandler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(eventBody(t, "evt_1", "checkout.completed")))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	s, _ := newTestServer(t, okHandler{}, nil)
	body := eventBody(t, "evt_1", "checkout.completed")

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, webhook.SignPayload("wrong-secret", ts, body))

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWebhook_StaleTimestampRejected(t *testing.T) {
	s, _ := newTestServer(t, okHandler{}, nil)
	body := eventBody(t, "evt_1", "checkout.completed")

	ts := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, webhook.SignPayload(testSigningSecret, ts, body))

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_FailedHandlerDeadLettersButAcks(t *testing.T) {
	s, dlq := newTestServer(t, failingHandler{}, nil)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, signedRequest(t, eventBody(t, "evt_456", "checkout.completed")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if data := decodeResponse(t, rec); data["outcome"] != "dead_lettered" {
		t.Fatalf("expected dead_lettered, got %v", data["outcome"])
	}
	if len(dlq.entries) != 1 {
		t.Fatalf("expected 1 dead letter entry, got %d", len(dlq.entries))
	}
}

func TestWebhook_ReplayWithBadSecretRejected(t *testing.T) {
	s, _ := newTestServer(t, okHandler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(eventBody(t, "evt_1", "checkout.completed")))
	req.Header.Set(clients.HeaderInternalReplay, "true")
	req.Header.Set(clients.HeaderReplaySecret, "wrong")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestWebhook_ReplayWithValidSecretAccepted(t *testing.T) {
	s, _ := newTestServer(t, okHandler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(eventBody(t, "evt_replay", "checkout.completed")))
	req.Header.Set(clients.HeaderInternalReplay, "true")
	req.Header.Set(clients.HeaderReplaySecret, testReplaySecret)
	req.Header.Set(clients.HeaderOriginalEventID, "evt_replay")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_ReplayEventIDMismatchRejected(t *testing.T) {
	s, _ := newTestServer(t, okHandler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(eventBody(t, "evt_a", "checkout.completed")))
	req.Header.Set(clients.HeaderInternalReplay, "true")
	req.Header.Set(clients.HeaderReplaySecret, testReplaySecret)
	req.Header.Set(clients.HeaderOriginalEventID, "evt_b")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_RedeliveryAfterHandlerFailureReprocesses(t *testing.T) {
	handler := &flakyHandler{failures: 1}
	s, dlq := newTestServer(t, handler, nil)
	body := eventBody(t, "evt_flaky", "checkout.completed")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, signedRequest(t, body))

	if data := decodeResponse(t, rec); data["outcome"] != "dead_lettered" {
		t.Fatalf("expected dead_lettered on first delivery, got %v", data["outcome"])
	}
	if len(dlq.entries) != 1 {
		t.Fatalf("expected 1 dead letter entry, got %d", len(dlq.entries))
	}

	// With the cause gone, delivering the same payload again must run
	// the handler, not short-circuit as a duplicate.
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, signedRequest(t, body))

	if data := decodeResponse(t, rec); data["outcome"] != "processed" {
		t.Fatalf("expected processed on redelivery, got %v", data["outcome"])
	}
	if handler.callCount() != 2 {
		t.Fatalf("expected 2 handler calls, got %d", handler.callCount())
	}
}

func TestWebhook_MalformedPayloadRejected(t *testing.T) {
	s, _ := newTestServer(t, okHandler{}, nil)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, signedRequest(t, []byte(`{"event_type":"checkout.completed"}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for event without event_id, got %d", rec.Code)
	}
}
