// Package vault reads and writes a user's stored OAuth credential. It is the
// only code that touches the ciphertext columns: callers hand it plaintext
// and it encrypts before every write, so a plaintext token can never reach
// the database through any code path.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/1Mochiyuki/unsub/internal/crypto"
)

// ErrNoCredential means the user has no stored access token: either they
// never granted one or it was cleared on revoke.
var ErrNoCredential = errors.New("no stored credential")

// Credential is a decrypted credential as the rest of the system sees it.
type Credential struct {
	AccessToken  string
	RefreshToken string // empty when the grant had no offline access
	ExpiresAtMs  int64  // epoch milliseconds; 0 when the provider gave no expiry
}

type Accessor struct {
	db  *sql.DB
	key crypto.Key
}

func New(db *sql.DB, key crypto.Key) *Accessor {
	return &Accessor{db: db, key: key}
}

// Get loads and decrypts the user's credential. Ciphertext that no longer
// decrypts (rotated key, corruption) surfaces as crypto.ErrDecrypt so callers
// can force re-authentication while logging the real cause.
func (a *Accessor) Get(ctx context.Context, userID string) (Credential, error) {
	var accessEnc, refreshEnc sql.NullString
	var expiresAt sql.NullInt64

	err := a.db.QueryRowContext(ctx, `
		SELECT access_token_enc, refresh_token_enc, token_expires_at_ms
		FROM users
		WHERE id = $1
	`, userID).Scan(&accessEnc, &refreshEnc, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNoCredential
		}
		return Credential{}, fmt.Errorf("query credential: %w", err)
	}

	if !accessEnc.Valid || accessEnc.String == "" {
		return Credential{}, ErrNoCredential
	}

	access, err := crypto.Decrypt(a.key, accessEnc.String)
	if err != nil {
		return Credential{}, err
	}

	cred := Credential{AccessToken: access}
	if expiresAt.Valid {
		cred.ExpiresAtMs = expiresAt.Int64
	}
	if refreshEnc.Valid && refreshEnc.String != "" {
		refresh, err := crypto.Decrypt(a.key, refreshEnc.String)
		if err != nil {
			return Credential{}, err
		}
		cred.RefreshToken = refresh
	}

	return cred, nil
}

// Store encrypts and persists a credential in a single write. A nil
// refreshToken means "provider did not rotate it, keep what is stored";
// a non-nil one always replaces the stored value.
func (a *Accessor) Store(ctx context.Context, userID, accessToken string, refreshToken *string, expiresAtMs int64) error {
	accessEnc, err := crypto.Encrypt(a.key, accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	var refreshEnc sql.NullString
	if refreshToken != nil {
		enc, err := crypto.Encrypt(a.key, *refreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		refreshEnc = sql.NullString{String: enc, Valid: true}
	}

	res, err := a.db.ExecContext(ctx, `
		UPDATE users
		SET access_token_enc = $2,
			refresh_token_enc = COALESCE($3, refresh_token_enc),
			token_expires_at_ms = $4,
			updated_at = $5
		WHERE id = $1
	`, userID, accessEnc, refreshEnc, expiresAtMs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store credential rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("store credential: unknown user %s", userID)
	}

	return nil
}

// Clear removes all three credential fields together.
func (a *Accessor) Clear(ctx context.Context, userID string) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE users
		SET access_token_enc = NULL,
			refresh_token_enc = NULL,
			token_expires_at_ms = NULL,
			updated_at = $2
		WHERE id = $1
	`, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}
