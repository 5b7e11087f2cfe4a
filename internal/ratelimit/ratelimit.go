// Package ratelimit implements a fixed-window request counter persisted per
// (operation, user) key. Windows are coarse on purpose: a burst straddling a
// window boundary can see up to 2x the budget, and that tradeoff is part of
// the contract.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Record is one persisted counter window.
type Record struct {
	Key             string
	Count           int
	WindowExpiresAt int64 // epoch milliseconds
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Store runs an atomic read-modify-write for a single key. Implementations
// must guarantee that fn never races with another call for the same key:
// two concurrent admissions may not both observe the same count.
type Store interface {
	// Update invokes fn with the current record (nil when absent) and
	// persists the returned record; a nil return leaves the row untouched.
	Update(ctx context.Context, key string, fn func(rec *Record) (*Record, error)) error
	// DeleteByUserID removes every window belonging to a user.
	DeleteByUserID(ctx context.Context, userID string) error
}

// Limiter applies the fixed-window policy over an atomic Store.
type Limiter struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WithNow overrides the limiter's clock.
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Key builds the composite admission key for an operation and user.
func Key(operation, userID string) string {
	return fmt.Sprintf("%s:%s", operation, userID)
}

// Allow admits or rejects one request against the key's current window.
// An absent or lapsed window is replaced with a fresh one of count 1; a full
// window rejects without writing and reports how long until it lapses.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	nowMs := l.now().UTC().UnixMilli()

	var decision Decision
	err := l.store.Update(ctx, key, func(rec *Record) (*Record, error) {
		if rec == nil || rec.WindowExpiresAt <= nowMs {
			decision = Decision{Allowed: true}
			return &Record{
				Key:             key,
				Count:           1,
				WindowExpiresAt: nowMs + window.Milliseconds(),
			}, nil
		}

		if rec.Count >= limit {
			decision = Decision{
				Allowed:    false,
				RetryAfter: time.Duration(rec.WindowExpiresAt-nowMs) * time.Millisecond,
			}
			return nil, nil
		}

		rec.Count++
		decision = Decision{Allowed: true}
		return rec, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	return decision, nil
}

// Reset removes every window recorded for a user, as part of account-data
// deletion. Safe to call when nothing exists.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	return l.store.DeleteByUserID(ctx, userID)
}
