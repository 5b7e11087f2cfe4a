package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/1Mochiyuki/unsub/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

// ProfileStore persists the Google profile captured at sign-in.
type ProfileStore interface {
	Upsert(ctx context.Context, id, email, name, picture string) error
}

// CredentialStore persists the OAuth tokens captured at sign-in.
type CredentialStore interface {
	Store(ctx context.Context, userID, accessToken string, refreshToken *string, expiresAtMs int64) error
}

// CaptureHandler turns a completed Google consent into a stored user and a
// session token. The consent flow runs elsewhere; whoever runs it calls this
// endpoint with a shared secret, so the handler trusts the payload's identity
// claims.
type CaptureHandler struct {
	issuer        *Issuer
	profiles      ProfileStore
	creds         CredentialStore
	logger        *observability.Logger
	captureSecret string
}

func NewCaptureHandler(issuer *Issuer, profiles ProfileStore, creds CredentialStore, logger *observability.Logger, captureSecret string) *CaptureHandler {
	return &CaptureHandler{
		issuer:        issuer,
		profiles:      profiles,
		creds:         creds,
		logger:        logger,
		captureSecret: strings.TrimSpace(captureSecret),
	}
}

type captureRequest struct {
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Picture      string `json:"picture"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAtMs  int64  `json:"expiresAtMs"`
}

func (h *CaptureHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.captureSecret == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.captureSecret {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body captureRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.UserID = strings.TrimSpace(body.UserID)
	body.Email = strings.TrimSpace(body.Email)
	if body.UserID == "" || body.Email == "" {
		writeError(w, http.StatusBadRequest, "userId and email are required")
		return
	}
	if body.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "accessToken is required")
		return
	}

	if err := h.profiles.Upsert(r.Context(), body.UserID, body.Email, strings.TrimSpace(body.Name), strings.TrimSpace(body.Picture)); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to store profile")
		return
	}

	var refreshToken *string
	if body.RefreshToken != "" {
		refreshToken = &body.RefreshToken
	}
	if err := h.creds.Store(r.Context(), body.UserID, body.AccessToken, refreshToken, body.ExpiresAtMs); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}

	token, expiresIn, err := h.issuer.Issue(body.UserID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}

	h.logger.Info("session_captured", map[string]any{
		"user_id":           body.UserID,
		"has_refresh_token": refreshToken != nil,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": expiresIn,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
