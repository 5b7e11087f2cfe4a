package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLStore serializes per-key updates through a row lock, so concurrent
// admissions for the same key cannot lose increments. The database is the
// only serialization point; there is no in-process locking.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Update(ctx context.Context, key string, fn func(rec *Record) (*Record, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rate limit tx: %w", err)
	}
	defer tx.Rollback()

	rec, err := lockRecord(ctx, tx, key)
	if err != nil {
		return err
	}

	if rec == nil {
		// Two requests can race on first use of a key. Whoever loses the
		// insert re-reads under the winner's lock.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO rate_limits (key, count, window_expires_at_ms, updated_at)
			VALUES ($1, 0, 0, NOW())
			ON CONFLICT (key) DO NOTHING
		`, key)
		if err != nil {
			return fmt.Errorf("insert rate limit row: %w", err)
		}
		if inserted, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rate limit insert rows affected: %w", err)
		} else if inserted == 0 {
			// Lost the race; block on the winner's row lock and re-read.
			if rec, err = lockRecord(ctx, tx, key); err != nil {
				return err
			}
		}
	}

	next, err := fn(rec)
	if err != nil {
		return err
	}

	if next != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rate_limits (key, count, window_expires_at_ms, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (key) DO UPDATE SET
				count = EXCLUDED.count,
				window_expires_at_ms = EXCLUDED.window_expires_at_ms,
				updated_at = EXCLUDED.updated_at
		`, next.Key, next.Count, next.WindowExpiresAt)
		if err != nil {
			return fmt.Errorf("write rate limit window: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rate limit tx: %w", err)
	}

	return nil
}

func lockRecord(ctx context.Context, tx *sql.Tx, key string) (*Record, error) {
	rec := Record{Key: key}
	err := tx.QueryRowContext(ctx, `
		SELECT count, window_expires_at_ms
		FROM rate_limits
		WHERE key = $1
		FOR UPDATE
	`, key).Scan(&rec.Count, &rec.WindowExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock rate limit row: %w", err)
	}
	if rec.WindowExpiresAt == 0 {
		return nil, nil
	}
	return &rec, nil
}

// DeleteByUserID removes all windows whose key ends in ":<userID>", covering
// every operation class for that user.
func (s *SQLStore) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limits
		WHERE key LIKE '%:' || $1
	`, userID)
	if err != nil {
		return fmt.Errorf("delete rate limits for user: %w", err)
	}
	return nil
}
