package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/1Mochiyuki/unsub/internal/batch"
	"github.com/1Mochiyuki/unsub/internal/crypto"
	"github.com/1Mochiyuki/unsub/internal/observability"
	"github.com/1Mochiyuki/unsub/internal/session"
	"github.com/1Mochiyuki/unsub/internal/token"
)

const maxJSONBodyBytes = 1 << 20

// UnsubscribeLogger records a completed unsubscribe in the user's history.
type UnsubscribeLogger interface {
	LogUnsubscribe(ctx context.Context, userID, channelID, channelTitle, channelThumbnail string) error
}

type Handler struct {
	service *Service
	history UnsubscribeLogger
	logger  *observability.Logger
}

func NewHandler(service *Service, history UnsubscribeLogger, logger *observability.Logger) *Handler {
	return &Handler{service: service, history: history, logger: logger}
}

func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("pageToken")))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type subscribeRequest struct {
	ChannelID string `json:"channelId"`
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body subscribeRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	sub, err := h.service.Subscribe(r.Context(), strings.TrimSpace(body.ChannelID))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Unsubscribe(r.Context(), strings.TrimSpace(r.PathValue("id"))); err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// BulkItem identifies one subscription to remove, with enough channel
// metadata to write the history entry when it succeeds.
type BulkItem struct {
	SubscriptionID   string `json:"subscriptionId"`
	ChannelID        string `json:"channelId"`
	ChannelTitle     string `json:"channelTitle"`
	ChannelThumbnail string `json:"channelThumbnail,omitempty"`
}

type bulkUnsubscribeRequest struct {
	Items []BulkItem `json:"items"`
}

// BulkResult is the full per-item partition the UI needs to roll back
// optimistic removals and offer a retry for the failed set.
type BulkResult struct {
	Succeeded []BulkItem                `json:"succeeded"`
	Failed    []batch.Failure[BulkItem] `json:"failed"`
}

func (h *Handler) BulkUnsubscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body bulkUnsubscribeRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(body.Items) == 0 {
		writeError(w, http.StatusBadRequest, "no items to unsubscribe")
		return
	}

	userID, ok := session.UserID(r.Context())
	if !ok {
		WriteDomainError(w, ErrNotAuthenticated)
		return
	}

	result, err := batch.Run(r.Context(), body.Items, func(ctx context.Context, item BulkItem) error {
		if strings.TrimSpace(item.SubscriptionID) == "" {
			return errors.New("missing subscription id")
		}
		return h.service.Unsubscribe(ctx, item.SubscriptionID)
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	for _, item := range result.Succeeded {
		if err := h.history.LogUnsubscribe(r.Context(), userID, item.ChannelID, item.ChannelTitle, item.ChannelThumbnail); err != nil {
			// History is best-effort bookkeeping; the unsubscribe itself
			// already happened.
			h.logger.Error("history_log_failed", map[string]any{
				"user_id":    userID,
				"channel_id": item.ChannelID,
				"error":      err.Error(),
			})
		}
	}

	h.logger.Info("bulk_unsubscribe", map[string]any{
		"user_id":   userID,
		"requested": len(body.Items),
		"succeeded": len(result.Succeeded),
		"failed":    len(result.Failed),
	})

	writeJSON(w, http.StatusOK, BulkResult{Succeeded: result.Succeeded, Failed: result.Failed})
}

// WriteDomainError maps the closed error taxonomy onto HTTP responses. Every
// branch produces a single actionable message; unexpected errors go to
// Sentry and come back as a generic failure.
func WriteDomainError(w http.ResponseWriter, err error) {
	var rateErr *RateLimitedError
	var apiErr *APIError

	switch {
	case errors.Is(err, ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "not authenticated, please sign in")
	case errors.Is(err, token.ErrAuthenticationRequired):
		writeError(w, http.StatusUnauthorized, "authentication required, please sign in")
	case errors.Is(err, token.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, "session expired, please sign in again")
	case errors.Is(err, ErrInvalidInput), errors.Is(err, batch.ErrTooManyItems):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(rateErr), 10))
		writeError(w, http.StatusTooManyRequests, rateErr.Error())
	case errors.As(err, &apiErr):
		writeError(w, apiStatus(apiErr), apiErr.UserMessage())
	case errors.Is(err, token.ErrConfiguration), errors.Is(err, crypto.ErrInvalidKey):
		sentry.CaptureException(err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "something went wrong, please try again")
	}
}

// apiStatus picks the status this service answers with for a provider-side
// failure; provider statuses are not forwarded blindly.
func apiStatus(err *APIError) int {
	switch err.StatusCode {
	case http.StatusUnauthorized:
		return http.StatusUnauthorized
	case http.StatusForbidden:
		return http.StatusForbidden
	case http.StatusNotFound:
		return http.StatusNotFound
	case http.StatusTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func retryAfterSeconds(err *RateLimitedError) int64 {
	seconds := int64(err.RetryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
