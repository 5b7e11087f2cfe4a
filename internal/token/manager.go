// Package token decides whether a stored access token is still usable and
// refreshes it against the Google token endpoint when it is not.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/1Mochiyuki/unsub/internal/crypto"
	"github.com/1Mochiyuki/unsub/internal/observability"
	"github.com/1Mochiyuki/unsub/internal/vault"
)

// ExpirySkew is subtracted from the stored expiry so a token is refreshed
// before Google's own clock considers it dead.
const ExpirySkew = 5 * time.Minute

const refreshTimeout = 10 * time.Second

// ErrAuthenticationRequired means no credential exists for the user at all.
var ErrAuthenticationRequired = errors.New("authentication required")

// ErrSessionExpired means the access token is expired and cannot be
// refreshed; the user has to re-authenticate.
var ErrSessionExpired = errors.New("session expired")

// ErrConfiguration means the OAuth client credentials are missing on the
// server side. Never shown verbatim to users.
var ErrConfiguration = errors.New("oauth client is not configured")

// RefreshError carries the provider's response to a failed refresh call.
type RefreshError struct {
	Status  int
	Message string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: status %d: %s", e.Status, e.Message)
}

// CredentialStore is the vault surface the manager needs.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (vault.Credential, error)
	Store(ctx context.Context, userID, accessToken string, refreshToken *string, expiresAtMs int64) error
}

type Manager struct {
	creds  CredentialStore
	oauth  *oauth2.Config
	client *http.Client
	logger *observability.Logger
	now    func() time.Time
}

func NewManager(creds CredentialStore, oauth *oauth2.Config, logger *observability.Logger) *Manager {
	return &Manager{
		creds:  creds,
		oauth:  oauth,
		client: &http.Client{Timeout: refreshTimeout},
		now:    time.Now,
		logger: logger,
	}
}

// WithNow overrides the manager's clock.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// ValidAccessToken returns a plaintext access token that is good for at least
// the skew margin, refreshing and re-persisting the credential when needed.
func (m *Manager) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	cred, err := m.creds.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, vault.ErrNoCredential) {
			return "", ErrAuthenticationRequired
		}
		if errors.Is(err, crypto.ErrDecrypt) {
			// Unreadable ciphertext is fatal for this credential. The user
			// sees an expired session; the real cause is logged for ops.
			m.logger.Error("credential_unreadable", map[string]any{
				"user_id": userID,
				"error":   err.Error(),
			})
			return "", ErrSessionExpired
		}
		return "", fmt.Errorf("load credential: %w", err)
	}

	nowMs := m.now().UTC().UnixMilli()
	expired := cred.ExpiresAtMs != 0 && nowMs >= cred.ExpiresAtMs-ExpirySkew.Milliseconds()
	if !expired {
		return cred.AccessToken, nil
	}

	if cred.RefreshToken == "" {
		// No refresh path. This is terminal: the caller must force
		// re-authentication, and no network call is made.
		return "", ErrSessionExpired
	}

	return m.refresh(ctx, userID, cred.RefreshToken)
}

// refresh exchanges the refresh token at the provider's token endpoint and
// persists the result in exactly one vault write. A failed exchange writes
// nothing.
func (m *Manager) refresh(ctx context.Context, userID, refreshToken string) (string, error) {
	if m.oauth.ClientID == "" || m.oauth.ClientSecret == "" {
		return "", ErrConfiguration
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	source := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return "", &RefreshError{
				Status:  retrieveErr.Response.StatusCode,
				Message: retrieveErr.ErrorDescription,
			}
		}
		return "", fmt.Errorf("token refresh: %w", err)
	}

	var rotated *string
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		// Google occasionally rotates the refresh token; losing it would
		// permanently break offline access, so a rotation always persists.
		rotated = &tok.RefreshToken
	}

	var expiresAtMs int64
	if !tok.Expiry.IsZero() {
		expiresAtMs = tok.Expiry.UTC().UnixMilli()
	}

	if err := m.creds.Store(ctx, userID, tok.AccessToken, rotated, expiresAtMs); err != nil {
		return "", fmt.Errorf("persist refreshed credential: %w", err)
	}

	m.logger.Info("token_refreshed", map[string]any{
		"user_id": userID,
		"rotated": rotated != nil,
	})

	return tok.AccessToken, nil
}
