package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mwhitfield/payment-webhooks/internal/clients"
	"github.com/mwhitfield/payment-webhooks/internal/models"
	"github.com/mwhitfield/payment-webhooks/internal/webhook"
)

// Provider signature headers
const (
	headerTimestamp = "X-Webhook-Timestamp"
	headerSignature = "X-Webhook-Signature"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// webhookResponse is the payload returned once an event is accepted
type webhookResponse struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
}

// paymentWebhookHandler is the ingress gate plus dispatch for provider
// events and internal operator replays. Authentication runs against the
// raw body before anything is parsed or written.
func (s *Server) paymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	defer r.Body.Close()

	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if len(body) > maxBodyBytes {
		s.respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if r.Header.Get(clients.HeaderInternalReplay) == "true" {
		if err := webhook.VerifyReplaySecret(r.Header.Get(clients.HeaderReplaySecret), s.config.Webhook.ReplaySecret); err != nil {
			s.logger.Warn("Replay call with bad secret", "remoteAddr", r.RemoteAddr)
			s.respondWithError(w, http.StatusForbidden, "invalid replay credentials")
			return
		}
	} else {
		err := webhook.VerifySignature(webhook.SignatureInput{
			Secret:          s.config.Webhook.SigningSecret,
			TimestampHeader: r.Header.Get(headerTimestamp),
			SignatureHeader: r.Header.Get(headerSignature),
			Body:            body,
			Now:             time.Now(),
		})

		if err != nil {
			switch {
			case errors.Is(err, webhook.ErrMissingSignature),
				errors.Is(err, webhook.ErrInvalidTimestamp),
				errors.Is(err, webhook.ErrTimestampOutsideWindow):
				s.respondWithError(w, http.StatusBadRequest, err.Error())
			default:
				s.respondWithError(w, http.StatusUnauthorized, err.Error())
			}
			return
		}
	}

	event, err := models.ParseWebhookEvent(body)

	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	// On replay the stored payload must still describe the event the
	// operator asked to retry.
	if originalID := r.Header.Get(clients.HeaderOriginalEventID); originalID != "" && originalID != event.EventID {
		s.respondWithError(w, http.StatusBadRequest, "replay payload does not match original event id")
		return
	}

	outcome, err := s.dispatcher.Dispatch(r.Context(), event, body)

	if err != nil {
		// The event was neither processed nor durably dead lettered;
		// a non-2xx tells the provider to redeliver.
		s.logger.Error("Dispatch failed", "error", err, "eventID", event.EventID)
		s.respondWithError(w, http.StatusInternalServerError, "failed to record event")
		return
	}

	s.respondWithJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: webhookResponse{
			EventID: event.EventID,
			Outcome: string(outcome),
		},
	})
}
