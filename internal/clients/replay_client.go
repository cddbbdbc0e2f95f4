package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mwhitfield/payment-webhooks/pkg/circuitbreaker"
	apperrors "github.com/mwhitfield/payment-webhooks/pkg/errors"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
)

// Replay request headers. The replay secret is a distinct internal
// credential; provider signature verification is bypassed for replays
// because stored payloads cannot be re-signed.
const (
	HeaderInternalReplay  = "X-Internal-Replay"
	HeaderReplaySecret    = "X-Replay-Secret"
	HeaderOriginalEventID = "X-Original-Event-Id"
)

// ReplayCaller re-submits a stored payload through the ingest path
type ReplayCaller interface {
	Replay(ctx context.Context, eventID string, payload []byte) error
}

// ReplayClient posts a dead lettered payload back to the service's own
// webhook endpoint with the internal replay credential. A circuit
// breaker keeps a broken ingest path from being hammered by retries.
type ReplayClient struct {
	baseURL      string
	replaySecret string
	httpClient   *http.Client
	breaker      *circuitbreaker.CircuitBreaker
	logger       logger.Logger
}

// replayResponse is the relevant slice of the webhook endpoint response
type replayResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    struct {
		Outcome string `json:"outcome"`
	} `json:"data"`
}

// NewReplayClient creates a new ReplayClient
func NewReplayClient(baseURL, replaySecret string, logger logger.Logger) *ReplayClient {
	return &ReplayClient{
		baseURL:      baseURL,
		replaySecret: replaySecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			HalfOpenMaxCalls: 2,
		}),
		logger: logger,
	}
}

// Replay re-submits the payload. It fails when the ingest call cannot be
// made, returns a non-2xx status, or reports a dead-lettered outcome.
func (c *ReplayClient) Replay(ctx context.Context, eventID string, payload []byte) error {
	if !c.breaker.Allow() {
		return apperrors.NewTemporaryError("REPLAY_CIRCUIT_OPEN", "replay circuit breaker is open")
	}

	url := fmt.Sprintf("%s/api/v1/webhooks/payments", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))

	if err != nil {
		return apperrors.NewInternalError("REPLAY_REQUEST_FAILED", fmt.Sprintf("failed to create replay request: %v", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderInternalReplay, "true")
	req.Header.Set(HeaderReplaySecret, c.replaySecret)
	req.Header.Set(HeaderOriginalEventID, eventID)

	resp, err := c.httpClient.Do(req)

	if err != nil {
		c.breaker.Failure()
		return apperrors.NewTemporaryError("REPLAY_REQUEST_FAILED", fmt.Sprintf("replay request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)

	if err != nil {
		c.breaker.Failure()
		return apperrors.NewInternalError("REPLAY_REQUEST_FAILED", fmt.Sprintf("failed to read replay response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.Failure()
		return apperrors.NewTemporaryError("REPLAY_REJECTED", fmt.Sprintf("replay rejected with status %d: %s", resp.StatusCode, string(body)))
	}

	c.breaker.Success()

	var parsed replayResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return apperrors.NewInternalError("REPLAY_REQUEST_FAILED", fmt.Sprintf("malformed replay response: %v", err))
	}

	// A dead-lettered outcome means the handler failed again; the entry
	// stays open for another attempt.
	if parsed.Data.Outcome == "dead_lettered" {
		return apperrors.NewTemporaryError("REPLAY_HANDLER_FAILED", "replayed event was dead-lettered again")
	}

	c.logger.Info("Replay succeeded", "eventID", eventID, "outcome", parsed.Data.Outcome)

	return nil
}
