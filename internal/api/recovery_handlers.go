package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/mwhitfield/payment-webhooks/internal/models"
	"github.com/mwhitfield/payment-webhooks/internal/repository"
	apperrors "github.com/mwhitfield/payment-webhooks/pkg/errors"
)

// Operator identity and credential headers
const (
	headerOperatorToken = "X-Operator-Token"
	headerOperatorID    = "X-Operator-Id"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Recovery actions accepted by the action endpoint
const (
	actionRetry      = "retry"
	actionResolve    = "resolve"
	actionResolveAll = "resolve_all"
)

type actionRequest struct {
	Action  string `json:"action"`
	EntryID string `json:"entryId,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type listResponse struct {
	Entries    []*models.DeadLetterEntry `json:"entries"`
	Unresolved int                       `json:"unresolved"`
	Total      int                       `json:"total"`
}

// operatorAuthMiddleware rejects callers without the operator token. The
// replay secret is deliberately not accepted here: it authenticates the
// internal replay hop only, never the operator surface.
func (s *Server) operatorAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(headerOperatorToken)

		if token == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Webhook.OperatorToken)) != 1 {
			s.logger.Warn("Rejected admin call without operator credentials",
				"path", r.URL.Path,
				"remoteAddr", r.RemoteAddr)
			s.respondWithError(w, http.StatusForbidden, "operator credentials required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getDeadLettersHandler lists entries with counts for the dashboard
func (s *Server) getDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var resolved *bool
	if v := r.URL.Query().Get("resolved"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			s.respondWithError(w, http.StatusBadRequest, "invalid resolved filter")
			return
		}
		resolved = &parsed
	}

	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))

	if err != nil || limit < 1 {
		limit = defaultListLimit
	}

	if limit > maxListLimit {
		limit = maxListLimit
	}

	entries, unresolved, total, err := s.recoveryService.List(ctx, resolved, limit)

	if err != nil {
		s.logger.Error("Failed to list dead letter entries", "error", err)
		s.respondWithError(w, http.StatusInternalServerError, "failed to list dead letter entries")
		return
	}

	if entries == nil {
		entries = []*models.DeadLetterEntry{}
	}

	s.respondWithJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: listResponse{
			Entries:    entries,
			Unresolved: unresolved,
			Total:      total,
		},
	})
}

// getAuditLogHandler lists recent operator actions, newest first
func (s *Server) getAuditLogHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))

	if err != nil || limit < 1 {
		limit = defaultListLimit
	}

	if limit > maxListLimit {
		limit = maxListLimit
	}

	records, err := s.recoveryService.AuditTrail(ctx, limit)

	if err != nil {
		s.logger.Error("Failed to list audit records", "error", err)
		s.respondWithError(w, http.StatusInternalServerError, "failed to list audit records")
		return
	}

	if records == nil {
		records = []*models.AuditRecord{}
	}

	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: records})
}

// deadLetterActionHandler executes retry, resolve or resolve_all
func (s *Server) deadLetterActionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := strings.TrimSpace(r.Header.Get(headerOperatorID))

	if actor == "" {
		s.respondWithError(w, http.StatusBadRequest, "missing "+headerOperatorID+" header")
		return
	}

	var req actionRequest
	decoder := json.NewDecoder(r.Body)

	if err := decoder.Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	defer r.Body.Close()

	switch req.Action {
	case actionRetry, actionResolve:
		if req.EntryID == "" {
			s.respondWithError(w, http.StatusBadRequest, "entryId is required for "+req.Action)
			return
		}
	case actionResolveAll:
	default:
		s.respondWithError(w, http.StatusBadRequest, "unknown action")
		return
	}

	switch req.Action {
	case actionRetry:
		entry, err := s.recoveryService.Retry(ctx, req.EntryID, actor)
		if err != nil {
			s.respondWithActionError(w, err, req.EntryID)
			return
		}
		s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: entry})

	case actionResolve:
		entry, err := s.recoveryService.Resolve(ctx, req.EntryID, actor, req.Notes)
		if err != nil {
			s.respondWithActionError(w, err, req.EntryID)
			return
		}
		s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: entry})

	case actionResolveAll:
		affected, err := s.recoveryService.ResolveAll(ctx, actor, req.Notes)
		if err != nil {
			s.respondWithActionError(w, err, "")
			return
		}
		s.respondWithJSON(w, http.StatusOK, ApiResponse{
			Success: true,
			Data:    map[string]int64{"affected": affected},
		})
	}
}

// respondWithActionError maps recovery errors onto HTTP statuses
func (s *Server) respondWithActionError(w http.ResponseWriter, err error, entryID string) {
	if errors.Is(err, repository.ErrNotFound) {
		s.respondWithError(w, http.StatusNotFound, "dead letter entry not found")
		return
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		if appErr.StatusCode >= 500 {
			s.logger.Error("Recovery action failed", "error", err, "entryID", entryID)
		}
		s.respondWithError(w, appErr.StatusCode, appErr.Error())
		return
	}

	s.logger.Error("Recovery action failed", "error", err, "entryID", entryID)
	s.respondWithError(w, http.StatusInternalServerError, err.Error())
}
