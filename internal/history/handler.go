package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/1Mochiyuki/unsub/internal/batch"
	"github.com/1Mochiyuki/unsub/internal/observability"
	"github.com/1Mochiyuki/unsub/internal/session"
	"github.com/1Mochiyuki/unsub/internal/youtube"
)

const maxJSONBodyBytes = 1 << 20

// Subscriber recreates a subscription to a channel. Satisfied by the guarded
// YouTube service.
type Subscriber interface {
	Subscribe(ctx context.Context, channelID string) (*youtube.Subscription, error)
}

type Handler struct {
	repo       *Repository
	subscriber Subscriber
	logger     *observability.Logger
}

func NewHandler(repo *Repository, subscriber Subscriber, logger *observability.Logger) *Handler {
	return &Handler{repo: repo, subscriber: subscriber, logger: logger}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.UserID(r.Context())
	if !ok {
		youtube.WriteDomainError(w, youtube.ErrNotAuthenticated)
		return
	}

	entries, err := h.repo.List(r.Context(), userID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.UserID(r.Context())
	if !ok {
		youtube.WriteDomainError(w, youtube.ErrNotAuthenticated)
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid history entry id")
		return
	}

	if err := h.repo.Delete(r.Context(), userID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "history entry not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete history entry")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type bulkIDsRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.UserID(r.Context())
	if !ok {
		youtube.WriteDomainError(w, youtube.ErrNotAuthenticated)
		return
	}

	ids, ok := parseIDs(w, r, BulkDeleteLimit)
	if !ok {
		return
	}

	deleted, err := h.repo.BulkDelete(r.Context(), userID, ids)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete history entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// resubscribeResult partitions a bulk resubscribe the same way bulk
// unsubscribe does, so the UI can retry just the failed channels.
type resubscribeResult struct {
	Succeeded []Entry                `json:"succeeded"`
	Failed    []batch.Failure[Entry] `json:"failed"`
}

func (h *Handler) BulkResubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.UserID(r.Context())
	if !ok {
		youtube.WriteDomainError(w, youtube.ErrNotAuthenticated)
		return
	}

	ids, ok := parseIDs(w, r, ResubscribeLimit)
	if !ok {
		return
	}

	entries, err := h.repo.TakeForResubscribe(r.Context(), userID, ids)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load history entries")
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "no matching history entries")
		return
	}

	result, err := batch.Run(r.Context(), entries, func(ctx context.Context, entry Entry) error {
		_, err := h.subscriber.Subscribe(ctx, entry.ChannelID)
		return err
	})
	if err != nil {
		youtube.WriteDomainError(w, err)
		return
	}

	// A resubscribed channel leaves the history; the entry has served its
	// purpose.
	if len(result.Succeeded) > 0 {
		succeededIDs := make([]string, 0, len(result.Succeeded))
		for _, entry := range result.Succeeded {
			succeededIDs = append(succeededIDs, entry.ID)
		}
		if _, err := h.repo.BulkDelete(r.Context(), userID, succeededIDs); err != nil {
			sentry.CaptureException(err)
			h.logger.Error("resubscribe_cleanup_failed", map[string]any{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}

	h.logger.Info("bulk_resubscribe", map[string]any{
		"user_id":   userID,
		"requested": len(ids),
		"succeeded": len(result.Succeeded),
		"failed":    len(result.Failed),
	})

	writeJSON(w, http.StatusOK, resubscribeResult{Succeeded: result.Succeeded, Failed: result.Failed})
}

func parseIDs(w http.ResponseWriter, r *http.Request, limit int) ([]string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body bulkIDsRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return nil, false
	}

	ids := make([]string, 0, len(body.IDs))
	for _, id := range body.IDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			writeError(w, http.StatusBadRequest, "invalid history entry id")
			return nil, false
		}
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "no entry ids provided")
		return nil, false
	}
	if len(ids) > limit {
		writeError(w, http.StatusBadRequest, "too many entry ids")
		return nil, false
	}

	return ids, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
