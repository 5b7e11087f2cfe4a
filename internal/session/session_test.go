package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/1Mochiyuki/unsub/internal/observability"
)

const testSecret = "test-session-secret"

func protectedEcho(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r.Context())
		require.True(t, ok)
		seen = userID
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(testSecret, next), &seen
}

func TestIssuedTokenPassesMiddleware(t *testing.T) {
	token, expiresIn, err := NewIssuer(testSecret).Issue("user-1")
	require.NoError(t, err)
	require.Equal(t, int64((7*24*time.Hour)/time.Second), expiresIn)

	handler, seen := protectedEcho(t)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user-1", *seen)
}

func TestMiddlewareRejectsMissingAndMalformedHeaders(t *testing.T) {
	handler, _ := protectedEcho(t)

	for _, header := range []string{"", "Bearer", "Basic abc", "token-without-scheme"} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	claims := jwt.MapClaims{
		"sub": "user-1",
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
		"typ": "session",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	handler, _ := protectedEcho(t)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsWrongTokenType(t *testing.T) {
	claims := jwt.MapClaims{
		"sub": "user-1",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
		"typ": "refresh",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	handler, _ := protectedEcho(t)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsWrongSecret(t *testing.T) {
	token, _, err := NewIssuer("some-other-secret").Issue("user-1")
	require.NoError(t, err)

	handler, _ := protectedEcho(t)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

type fakeProfiles struct {
	upserts []string
	err     error
}

func (f *fakeProfiles) Upsert(ctx context.Context, id, email, name, picture string) error {
	f.upserts = append(f.upserts, id)
	return f.err
}

type fakeCreds struct {
	userID  string
	access  string
	refresh *string
	err     error
}

func (f *fakeCreds) Store(ctx context.Context, userID, accessToken string, refreshToken *string, expiresAtMs int64) error {
	f.userID = userID
	f.access = accessToken
	f.refresh = refreshToken
	return f.err
}

const captureSecret = "capture-secret"

func captureReq(body string, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/session", strings.NewReader(body))
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	return req
}

func TestCaptureStoresProfileCredentialAndIssuesSession(t *testing.T) {
	profiles := &fakeProfiles{}
	creds := &fakeCreds{}
	handler := NewCaptureHandler(NewIssuer(testSecret), profiles, creds, observability.NewLogger(), captureSecret)

	body := `{"userId": "google-sub-1", "email": "a@example.com", "name": "Ada", "accessToken": "at-1", "refreshToken": "rt-1", "expiresAtMs": 1700000000000}`
	rec := httptest.NewRecorder()
	handler.Handle(rec, captureReq(body, captureSecret))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"google-sub-1"}, profiles.upserts)
	require.Equal(t, "google-sub-1", creds.userID)
	require.Equal(t, "at-1", creds.access)
	require.NotNil(t, creds.refresh)
	require.Equal(t, "rt-1", *creds.refresh)

	// The returned token must open the protected surface.
	var payload struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	}
	require.NoError(t, jsonDecode(rec, &payload))
	require.Positive(t, payload.ExpiresIn)

	protected, seen := protectedEcho(t)
	authed := httptest.NewRequest(http.MethodGet, "/me", nil)
	authed.Header.Set("Authorization", "Bearer "+payload.Token)
	authedRec := httptest.NewRecorder()
	protected.ServeHTTP(authedRec, authed)
	require.Equal(t, http.StatusOK, authedRec.Code)
	require.Equal(t, "google-sub-1", *seen)
}

func TestCaptureWithoutRefreshTokenStoresNil(t *testing.T) {
	creds := &fakeCreds{}
	handler := NewCaptureHandler(NewIssuer(testSecret), &fakeProfiles{}, creds, observability.NewLogger(), captureSecret)

	body := `{"userId": "google-sub-1", "email": "a@example.com", "accessToken": "at-1", "expiresAtMs": 1}`
	rec := httptest.NewRecorder()
	handler.Handle(rec, captureReq(body, captureSecret))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, creds.refresh)
}

func TestCaptureRejectsWrongSecret(t *testing.T) {
	profiles := &fakeProfiles{}
	handler := NewCaptureHandler(NewIssuer(testSecret), profiles, &fakeCreds{}, observability.NewLogger(), captureSecret)

	rec := httptest.NewRecorder()
	handler.Handle(rec, captureReq(`{}`, "wrong"))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, profiles.upserts)
}

func TestCaptureDisabledWithoutConfiguredSecret(t *testing.T) {
	handler := NewCaptureHandler(NewIssuer(testSecret), &fakeProfiles{}, &fakeCreds{}, observability.NewLogger(), "")

	rec := httptest.NewRecorder()
	handler.Handle(rec, captureReq(`{}`, "anything"))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCaptureRequiresIdentityAndAccessToken(t *testing.T) {
	handler := NewCaptureHandler(NewIssuer(testSecret), &fakeProfiles{}, &fakeCreds{}, observability.NewLogger(), captureSecret)

	for _, body := range []string{
		`{"email": "a@example.com", "accessToken": "at"}`,
		`{"userId": "u", "accessToken": "at"}`,
		`{"userId": "u", "email": "a@example.com"}`,
	} {
		rec := httptest.NewRecorder()
		handler.Handle(rec, captureReq(body, captureSecret))
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func jsonDecode(rec *httptest.ResponseRecorder, out any) error {
	return json.NewDecoder(rec.Body).Decode(out)
}
