// Package youtube talks to the YouTube Data API v3 on behalf of a signed-in
// user, with every call funneled through the guard in Service.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://www.googleapis.com/youtube/v3"

const clientTimeout = 10 * time.Second

// Client is the thin HTTP layer. It knows bearer tokens and wire shapes,
// nothing about users, limits, or storage.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

type Thumbnail struct {
	URL string `json:"url"`
}

type Thumbnails struct {
	Default *Thumbnail `json:"default,omitempty"`
	Medium  *Thumbnail `json:"medium,omitempty"`
}

type ResourceID struct {
	Kind      string `json:"kind"`
	ChannelID string `json:"channelId"`
}

type Snippet struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	ResourceID  ResourceID `json:"resourceId"`
	Thumbnails  Thumbnails `json:"thumbnails,omitempty"`
}

// Subscription is one entry in the user's subscription list.
type Subscription struct {
	ID      string  `json:"id"`
	Snippet Snippet `json:"snippet"`
}

type PageInfo struct {
	TotalResults   int `json:"totalResults"`
	ResultsPerPage int `json:"resultsPerPage"`
}

type SubscriptionList struct {
	Items         []Subscription `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
	PageInfo      PageInfo       `json:"pageInfo"`
}

// ListSubscriptions fetches one page (50 entries) of the user's
// subscriptions.
func (c *Client) ListSubscriptions(ctx context.Context, accessToken, pageToken string) (*SubscriptionList, error) {
	query := url.Values{}
	query.Set("mine", "true")
	query.Set("part", "snippet,contentDetails")
	query.Set("maxResults", "50")
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/subscriptions?"+query.Encode(), accessToken, nil)
	if err != nil {
		return nil, err
	}

	var list SubscriptionList
	if err := c.do(req, http.StatusOK, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Subscribe creates a subscription to the channel and returns the created
// resource.
func (c *Client) Subscribe(ctx context.Context, accessToken, channelID string) (*Subscription, error) {
	body := map[string]any{
		"snippet": map[string]any{
			"resourceId": map[string]any{
				"kind":      "youtube#channel",
				"channelId": channelID,
			},
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode subscribe body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/subscriptions?part=snippet", accessToken, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var sub Subscription
	if err := c.do(req, http.StatusOK, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Unsubscribe deletes a subscription by its subscription ID. The API answers
// 204 with no body; that is success.
func (c *Client) Unsubscribe(ctx context.Context, accessToken, subscriptionID string) error {
	query := url.Values{}
	query.Set("id", subscriptionID)

	req, err := c.newRequest(ctx, http.MethodDelete, "/subscriptions?"+query.Encode(), accessToken, nil)
	if err != nil {
		return err
	}

	return c.do(req, http.StatusNoContent, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path, accessToken string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return req, nil
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call youtube api: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != wantStatus && !(res.StatusCode >= 200 && res.StatusCode < 300) {
		return parseAPIError(res)
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode youtube response: %w", err)
		}
	}
	return nil
}

// parseAPIError reduces Google's error envelope to an APIError. Bodies that
// do not parse still produce a well-formed error from the status code.
func parseAPIError(res *http.Response) error {
	apiErr := &APIError{StatusCode: res.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err != nil {
		return apiErr
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Errors  []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		apiErr.Message = envelope.Error.Message
		if len(envelope.Error.Errors) > 0 {
			apiErr.Reason = envelope.Error.Errors[0].Reason
		}
	}

	return apiErr
}
