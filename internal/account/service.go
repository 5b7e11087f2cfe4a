// Package account handles the two destructive flows: signing out, which
// revokes the Google grant and clears the stored credential, and account
// deletion, which removes everything the service knows about the user.
package account

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/1Mochiyuki/unsub/internal/observability"
	"github.com/1Mochiyuki/unsub/internal/vault"
)

// DefaultRevokeURL is Google's OAuth token revocation endpoint. Revoking
// either token of a pair invalidates both on Google's side.
const DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"

const revokeTimeout = 10 * time.Second

// RevokeOutcome reports which of the stored tokens Google confirmed revoked.
// Revocation is best effort: the local credential is cleared either way.
type RevokeOutcome struct {
	AccessRevoked  bool
	RefreshRevoked bool
}

// CredentialVault is the slice of the vault this package needs.
type CredentialVault interface {
	Get(ctx context.Context, userID string) (vault.Credential, error)
	Clear(ctx context.Context, userID string) error
}

// HistoryStore removes a user's unsubscribe history.
type HistoryStore interface {
	DeleteForUser(ctx context.Context, userID string) error
}

// ProfileStore removes the user row itself.
type ProfileStore interface {
	Delete(ctx context.Context, userID string) error
}

// LimitStore clears a user's rate-limit records.
type LimitStore interface {
	Reset(ctx context.Context, userID string) error
}

type Service struct {
	creds     CredentialVault
	history   HistoryStore
	profiles  ProfileStore
	limits    LimitStore
	logger    *observability.Logger
	client    *http.Client
	revokeURL string
}

func NewService(creds CredentialVault, history HistoryStore, profiles ProfileStore, limits LimitStore, logger *observability.Logger) *Service {
	return &Service{
		creds:     creds,
		history:   history,
		profiles:  profiles,
		limits:    limits,
		logger:    logger,
		client:    &http.Client{Timeout: revokeTimeout},
		revokeURL: DefaultRevokeURL,
	}
}

// WithRevokeURL overrides the revocation endpoint.
func (s *Service) WithRevokeURL(revokeURL string) *Service {
	if revokeURL != "" {
		s.revokeURL = revokeURL
	}
	return s
}

// SignOut revokes the user's Google grant and clears the stored credential.
// A user with no stored credential signs out successfully with nothing to do.
// Revocation failures are logged and swallowed; the local clear is what
// actually ends the session.
func (s *Service) SignOut(ctx context.Context, userID string) (RevokeOutcome, error) {
	var outcome RevokeOutcome

	cred, err := s.creds.Get(ctx, userID)
	switch {
	case errors.Is(err, vault.ErrNoCredential):
		return outcome, nil
	case err != nil:
		// Unreadable ciphertext still must not block sign-out.
		s.logger.Error("signout_credential_unreadable", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
	default:
		outcome.AccessRevoked = s.revokeToken(ctx, cred.AccessToken)
		if cred.RefreshToken != "" {
			outcome.RefreshRevoked = s.revokeToken(ctx, cred.RefreshToken)
		}
	}

	if err := s.creds.Clear(ctx, userID); err != nil {
		return outcome, fmt.Errorf("clear credential: %w", err)
	}

	s.logger.Info("signed_out", map[string]any{
		"user_id":         userID,
		"access_revoked":  outcome.AccessRevoked,
		"refresh_revoked": outcome.RefreshRevoked,
	})

	return outcome, nil
}

// DeleteAccount removes everything stored for the user: the Google grant,
// unsubscribe history, rate-limit records, and the profile row. Each step is
// idempotent, so a retry after a partial failure finishes the job.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	if _, err := s.SignOut(ctx, userID); err != nil {
		return err
	}

	if err := s.history.DeleteForUser(ctx, userID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}

	if err := s.limits.Reset(ctx, userID); err != nil {
		return fmt.Errorf("reset rate limits: %w", err)
	}

	if err := s.profiles.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}

	s.logger.Info("account_deleted", map[string]any{"user_id": userID})
	return nil
}

// revokeToken posts one token to the revocation endpoint. Google answers 200
// for a live token and 400 for one that is already dead; both mean the token
// is no longer usable.
func (s *Service) revokeToken(ctx context.Context, token string) bool {
	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		s.logger.Error("revoke_request_failed", map[string]any{"error": err.Error()})
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("revoke_call_failed", map[string]any{"error": err.Error()})
		return false
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK || res.StatusCode == http.StatusBadRequest {
		return true
	}

	s.logger.Error("revoke_rejected", map[string]any{"status": res.StatusCode})
	return false
}
