package youtube_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/1Mochiyuki/unsub/internal/youtube"
)

func TestUnsubscribeTreatsNoContentAsSuccess(t *testing.T) {
	var gotAuth, gotID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotID = r.URL.Query().Get("id")
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := youtube.NewClient(server.URL)
	err := client.Unsubscribe(context.Background(), "tok-1", "sub-42")
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-1", gotAuth)
	require.Equal(t, "sub-42", gotID)
}

func TestListSubscriptionsDecodesPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("mine"))
		require.Equal(t, "50", r.URL.Query().Get("maxResults"))
		require.Equal(t, "page-2", r.URL.Query().Get("pageToken"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"items": [{"id": "s1", "snippet": {"title": "Channel One", "resourceId": {"kind": "youtube#channel", "channelId": "UCabc"}}}],
			"nextPageToken": "page-3",
			"pageInfo": {"totalResults": 120, "resultsPerPage": 50}
		}`))
	}))
	defer server.Close()

	client := youtube.NewClient(server.URL)
	list, err := client.ListSubscriptions(context.Background(), "tok", "page-2")
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	require.Equal(t, "Channel One", list.Items[0].Snippet.Title)
	require.Equal(t, "page-3", list.NextPageToken)
	require.Equal(t, 120, list.PageInfo.TotalResults)
}

func TestErrorEnvelopeBecomesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": {"message": "The request cannot be completed because you have exceeded your quota.", "errors": [{"reason": "quotaExceeded"}]}}`))
	}))
	defer server.Close()

	client := youtube.NewClient(server.URL)
	_, err := client.ListSubscriptions(context.Background(), "tok", "")

	var apiErr *youtube.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	require.Equal(t, "quotaExceeded", apiErr.Reason)
	require.Equal(t, "youtube quota exceeded, try again later", apiErr.UserMessage())
}

func TestGarbageErrorBodyStillYieldsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("<html>gateway</html>"))
	}))
	defer server.Close()

	client := youtube.NewClient(server.URL)
	err := client.Unsubscribe(context.Background(), "tok", "missing")

	var apiErr *youtube.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, "not found", apiErr.UserMessage())
}
