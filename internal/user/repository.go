// Package user stores the Google profile of each signed-in user. Credential
// columns on the same row belong to the vault package and are never touched
// here.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound means no profile exists for the user ID.
var ErrNotFound = errors.New("user not found")

// Profile is what the UI shows about the signed-in account.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Picture   string    `json:"picture,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Upsert creates the profile on first sign-in and refreshes it on every later
// one. The ID is the Google account subject, so re-auth always lands on the
// same row.
func (r *Repository) Upsert(ctx context.Context, id, email, name, picture string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, picture, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email,
			name = EXCLUDED.name,
			picture = EXCLUDED.picture,
			updated_at = EXCLUDED.updated_at
	`, id, email, name, picture, now)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Profile, error) {
	var p Profile
	var picture sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, name, picture, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Email, &p.Name, &picture, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("query user: %w", err)
	}

	p.Picture = picture.String
	return p, nil
}

// Delete removes the user row, credential columns included.
func (r *Repository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}
