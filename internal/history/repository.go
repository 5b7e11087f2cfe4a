// Package history keeps the record of completed unsubscribes so a user can
// review them and resubscribe later. Every query is scoped by user ID; one
// user can never read or delete another user's entries.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ListLimit caps how many entries one page returns.
const ListLimit = 100

// BulkDeleteLimit caps how many entries one bulk delete may name.
const BulkDeleteLimit = 100

// ResubscribeLimit caps how many entries one bulk resubscribe may name.
const ResubscribeLimit = 50

// Entry is one recorded unsubscribe.
type Entry struct {
	ID               string    `json:"id"`
	ChannelID        string    `json:"channelId"`
	ChannelTitle     string    `json:"channelTitle"`
	ChannelThumbnail string    `json:"channelThumbnail,omitempty"`
	UnsubscribedAt   time.Time `json:"unsubscribedAt"`
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// LogUnsubscribe records one completed unsubscribe.
func (r *Repository) LogUnsubscribe(ctx context.Context, userID, channelID, channelTitle, channelThumbnail string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO unsubscribe_history (id, user_id, channel_id, channel_title, channel_thumbnail, unsubscribed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id.String(), userID, channelID, channelTitle, channelThumbnail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}

	return nil
}

// List returns the user's most recent entries, newest first.
func (r *Repository) List(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, channel_id, channel_title, channel_thumbnail, unsubscribed_at
		FROM unsubscribe_history
		WHERE user_id = $1
		ORDER BY unsubscribed_at DESC
		LIMIT $2
	`, userID, ListLimit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var thumbnail sql.NullString
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.ChannelTitle, &thumbnail, &e.UnsubscribedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.ChannelThumbnail = thumbnail.String
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	return entries, nil
}

// Delete removes one entry owned by the user. Returns sql.ErrNoRows when the
// entry does not exist or belongs to someone else.
func (r *Repository) Delete(ctx context.Context, userID, entryID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM unsubscribe_history
		WHERE id = $1 AND user_id = $2
	`, entryID, userID)
	if err != nil {
		return fmt.Errorf("delete history entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// BulkDelete removes the named entries owned by the user and reports how many
// actually went away. IDs that do not exist or belong to someone else are
// skipped silently.
func (r *Repository) BulkDelete(ctx context.Context, userID string, entryIDs []string) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}
	if len(entryIDs) > BulkDeleteLimit {
		return 0, fmt.Errorf("at most %d entries per delete, got %d", BulkDeleteLimit, len(entryIDs))
	}

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM unsubscribe_history
		WHERE user_id = $1 AND id = ANY($2)
	`, userID, entryIDs)
	if err != nil {
		return 0, fmt.Errorf("bulk delete history: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return affected, nil
}

// TakeForResubscribe loads the named entries owned by the user so their
// channels can be resubscribed. Entries the user does not own are simply
// absent from the result.
func (r *Repository) TakeForResubscribe(ctx context.Context, userID string, entryIDs []string) ([]Entry, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	if len(entryIDs) > ResubscribeLimit {
		return nil, fmt.Errorf("at most %d entries per resubscribe, got %d", ResubscribeLimit, len(entryIDs))
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, channel_id, channel_title, channel_thumbnail, unsubscribed_at
		FROM unsubscribe_history
		WHERE user_id = $1 AND id = ANY($2)
	`, userID, entryIDs)
	if err != nil {
		return nil, fmt.Errorf("query resubscribe entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, len(entryIDs))
	for rows.Next() {
		var e Entry
		var thumbnail sql.NullString
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.ChannelTitle, &thumbnail, &e.UnsubscribedAt); err != nil {
			return nil, fmt.Errorf("scan resubscribe entry: %w", err)
		}
		e.ChannelThumbnail = thumbnail.String
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resubscribe entries: %w", err)
	}

	return entries, nil
}

// DeleteForUser removes every entry the user has. Used by account deletion.
func (r *Repository) DeleteForUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM unsubscribe_history WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete user history: %w", err)
	}
	return nil
}
