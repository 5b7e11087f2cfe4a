package token_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/1Mochiyuki/unsub/internal/crypto"
	"github.com/1Mochiyuki/unsub/internal/observability"
	"github.com/1Mochiyuki/unsub/internal/token"
	"github.com/1Mochiyuki/unsub/internal/vault"
)

type storeCall struct {
	userID      string
	accessToken string
	refresh     *string
	expiresAtMs int64
}

type fakeCreds struct {
	cred    vault.Credential
	getErr  error
	stored  []storeCall
	saveErr error
}

func (f *fakeCreds) Get(ctx context.Context, userID string) (vault.Credential, error) {
	if f.getErr != nil {
		return vault.Credential{}, f.getErr
	}
	return f.cred, nil
}

func (f *fakeCreds) Store(ctx context.Context, userID, accessToken string, refreshToken *string, expiresAtMs int64) error {
	f.stored = append(f.stored, storeCall{userID: userID, accessToken: accessToken, refresh: refreshToken, expiresAtMs: expiresAtMs})
	return f.saveErr
}

type tokenEndpoint struct {
	*httptest.Server
	calls atomic.Int64
}

func newTokenEndpoint(t *testing.T, status int, body string) *tokenEndpoint {
	t.Helper()
	endpoint := &tokenEndpoint{}
	endpoint.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint.calls.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.FormValue("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(endpoint.Close)
	return endpoint
}

func newManager(t *testing.T, creds *fakeCreds, tokenURL string, now time.Time) *token.Manager {
	t.Helper()
	cfg := &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return token.NewManager(creds, cfg, observability.NewLogger()).
		WithNow(func() time.Time { return now })
}

func TestFreshTokenSkipsRefresh(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	endpoint := newTokenEndpoint(t, http.StatusOK, `{}`)

	creds := &fakeCreds{cred: vault.Credential{
		AccessToken: "still-good",
		ExpiresAtMs: now.Add(10 * time.Minute).UnixMilli(), // outside the 5 minute skew
	}}
	manager := newManager(t, creds, endpoint.URL, now)

	got, err := manager.ValidAccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "still-good", got)
	require.Zero(t, endpoint.calls.Load(), "no refresh call expected")
	require.Empty(t, creds.stored)
}

func TestTokenInsideSkewTriggersRefresh(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	endpoint := newTokenEndpoint(t, http.StatusOK,
		`{"access_token":"fresh-access","expires_in":3600,"token_type":"Bearer"}`)

	creds := &fakeCreds{cred: vault.Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAtMs:  now.Add(10 * time.Second).UnixMilli(), // inside the skew
	}}
	manager := newManager(t, creds, endpoint.URL, now)

	got, err := manager.ValidAccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "fresh-access", got)
	require.Equal(t, int64(1), endpoint.calls.Load())

	require.Len(t, creds.stored, 1, "exactly one persistence write per refresh")
	call := creds.stored[0]
	require.Equal(t, "user-1", call.userID)
	require.Equal(t, "fresh-access", call.accessToken)
	require.Nil(t, call.refresh, "unrotated refresh token must stay untouched")
	require.Greater(t, call.expiresAtMs, now.UnixMilli())
}

func TestRotatedRefreshTokenIsPersisted(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	endpoint := newTokenEndpoint(t, http.StatusOK,
		`{"access_token":"fresh-access","expires_in":3600,"refresh_token":"refresh-2"}`)

	creds := &fakeCreds{cred: vault.Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAtMs:  now.UnixMilli(),
	}}
	manager := newManager(t, creds, endpoint.URL, now)

	_, err := manager.ValidAccessToken(context.Background(), "user-1")
	require.NoError(t, err)

	require.Len(t, creds.stored, 1)
	require.NotNil(t, creds.stored[0].refresh)
	require.Equal(t, "refresh-2", *creds.stored[0].refresh)
}

func TestExpiredWithoutRefreshTokenIsTerminal(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	endpoint := newTokenEndpoint(t, http.StatusOK, `{}`)

	creds := &fakeCreds{cred: vault.Credential{
		AccessToken: "stale",
		ExpiresAtMs: now.Add(-time.Hour).UnixMilli(),
	}}
	manager := newManager(t, creds, endpoint.URL, now)

	_, err := manager.ValidAccessToken(context.Background(), "user-1")
	require.ErrorIs(t, err, token.ErrSessionExpired)
	require.Zero(t, endpoint.calls.Load(), "terminal expiry must not hit the network")
	require.Empty(t, creds.stored)
}

func TestMissingCredential(t *testing.T) {
	now := time.Now()
	creds := &fakeCreds{getErr: vault.ErrNoCredential}
	manager := newManager(t, creds, "http://127.0.0.1:0", now)

	_, err := manager.ValidAccessToken(context.Background(), "user-1")
	require.ErrorIs(t, err, token.ErrAuthenticationRequired)
}

func TestUnreadableCiphertextForcesReauth(t *testing.T) {
	now := time.Now()
	creds := &fakeCreds{getErr: crypto.ErrDecrypt}
	manager := newManager(t, creds, "http://127.0.0.1:0", now)

	_, err := manager.ValidAccessToken(context.Background(), "user-1")
	require.ErrorIs(t, err, token.ErrSessionExpired)
}

func TestFailedRefreshWritesNothing(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	endpoint := newTokenEndpoint(t, http.StatusBadRequest,
		`{"error":"invalid_grant","error_description":"Token has been revoked."}`)

	creds := &fakeCreds{cred: vault.Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAtMs:  now.UnixMilli(),
	}}
	manager := newManager(t, creds, endpoint.URL, now)

	_, err := manager.ValidAccessToken(context.Background(), "user-1")

	var refreshErr *token.RefreshError
	require.ErrorAs(t, err, &refreshErr)
	require.Equal(t, http.StatusBadRequest, refreshErr.Status)
	require.Empty(t, creds.stored, "failed refresh must not mutate stored credentials")
}

func TestMissingOAuthClientConfig(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	creds := &fakeCreds{cred: vault.Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAtMs:  now.UnixMilli(),
	}}

	cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: "http://127.0.0.1:0"}}
	manager := token.NewManager(creds, cfg, observability.NewLogger()).
		WithNow(func() time.Time { return now })

	_, err := manager.ValidAccessToken(context.Background(), "user-1")
	require.ErrorIs(t, err, token.ErrConfiguration)
}
