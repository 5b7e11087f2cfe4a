package youtube

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/1Mochiyuki/unsub/internal/cache"
	"github.com/1Mochiyuki/unsub/internal/ratelimit"
	"github.com/1Mochiyuki/unsub/internal/session"
	"github.com/1Mochiyuki/unsub/internal/token"
)

// Per-user call budget shared by all three operation classes. A fixed window
// of 100 calls per minute sits comfortably under YouTube's own quota while
// leaving room for a full bulk batch.
const (
	DefaultCallLimit  = 100
	DefaultCallWindow = time.Minute
)

var channelIDPattern = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)

// API is the remote surface the guard protects.
type API interface {
	ListSubscriptions(ctx context.Context, accessToken, pageToken string) (*SubscriptionList, error)
	Subscribe(ctx context.Context, accessToken, channelID string) (*Subscription, error)
	Unsubscribe(ctx context.Context, accessToken, subscriptionID string) error
}

// TokenSource yields a usable plaintext access token for a user.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, userID string) (string, error)
}

// Admitter is the rate-limit admission check.
type Admitter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Decision, error)
}

// Service guards every outbound YouTube call. The order is fixed:
// authenticated user, validated input, rate-limit admission, fresh token,
// then the call itself with its error translated at the boundary.
type Service struct {
	api     API
	tokens  TokenSource
	limiter Admitter
	pages   *cache.Cache
	limit   int
	window  time.Duration
}

func NewService(api API, tokens TokenSource, limiter Admitter, pages *cache.Cache) *Service {
	return &Service{
		api:     api,
		tokens:  tokens,
		limiter: limiter,
		pages:   pages,
		limit:   DefaultCallLimit,
		window:  DefaultCallWindow,
	}
}

// WithBudget overrides the per-user admission budget.
func (s *Service) WithBudget(limit int, window time.Duration) *Service {
	if limit > 0 {
		s.limit = limit
	}
	if window > 0 {
		s.window = window
	}
	return s
}

// List returns one page of the user's subscriptions, serving a recent cached
// copy when one exists.
func (s *Service) List(ctx context.Context, pageToken string) (*SubscriptionList, error) {
	userID, ok := session.UserID(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	cacheKey := pageCacheKey(userID, pageToken)
	if s.pages != nil {
		if cached, ok := s.pages.Get(cacheKey); ok {
			if list, ok := cached.(*SubscriptionList); ok {
				return list, nil
			}
		}
	}

	accessToken, err := s.admit(ctx, "list", userID)
	if err != nil {
		return nil, err
	}

	list, err := s.api.ListSubscriptions(ctx, accessToken, pageToken)
	if err != nil {
		return nil, translate(err)
	}

	if s.pages != nil {
		s.pages.Set(cacheKey, list)
	}
	return list, nil
}

// Subscribe subscribes the user to a channel. The channel ID shape is
// checked before anything remote happens, so a typo never costs a quota
// unit.
func (s *Service) Subscribe(ctx context.Context, channelID string) (*Subscription, error) {
	userID, ok := session.UserID(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	if !channelIDPattern.MatchString(channelID) {
		return nil, fmt.Errorf("%w: invalid channel id", ErrInvalidInput)
	}

	accessToken, err := s.admit(ctx, "sub", userID)
	if err != nil {
		return nil, err
	}

	sub, err := s.api.Subscribe(ctx, accessToken, channelID)
	if err != nil {
		return nil, translate(err)
	}

	s.invalidatePages(userID)
	return sub, nil
}

// Unsubscribe removes one subscription by ID.
func (s *Service) Unsubscribe(ctx context.Context, subscriptionID string) error {
	userID, ok := session.UserID(ctx)
	if !ok {
		return ErrNotAuthenticated
	}

	if subscriptionID == "" {
		return fmt.Errorf("%w: missing subscription id", ErrInvalidInput)
	}

	accessToken, err := s.admit(ctx, "unsub", userID)
	if err != nil {
		return err
	}

	if err := s.api.Unsubscribe(ctx, accessToken, subscriptionID); err != nil {
		return translate(err)
	}

	s.invalidatePages(userID)
	return nil
}

// admit runs the rate-limit check for one operation class, then resolves a
// valid access token. Token validity is always re-established after
// admission and before the guarded call fires.
func (s *Service) admit(ctx context.Context, operation, userID string) (string, error) {
	decision, err := s.limiter.Allow(ctx, ratelimit.Key(operation, userID), s.limit, s.window)
	if err != nil {
		return "", fmt.Errorf("admission check: %w", err)
	}
	if !decision.Allowed {
		return "", &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	accessToken, err := s.tokens.ValidAccessToken(ctx, userID)
	if err != nil {
		return "", translate(err)
	}
	return accessToken, nil
}

// translate keeps the error taxonomy closed at the guard boundary: refresh
// failures collapse into an expired session, everything else passes through
// as one of the package's own kinds.
func translate(err error) error {
	var refreshErr *token.RefreshError
	if errors.As(err, &refreshErr) {
		return fmt.Errorf("%w: %v", token.ErrSessionExpired, refreshErr)
	}
	return err
}

func (s *Service) invalidatePages(userID string) {
	if s.pages != nil {
		s.pages.InvalidatePrefix(pageCachePrefix(userID))
	}
}

func pageCacheKey(userID, pageToken string) string {
	return pageCachePrefix(userID) + pageToken
}

func pageCachePrefix(userID string) string {
	return "subs:" + userID + ":"
}
