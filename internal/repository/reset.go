package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"studenthub/auth-identity/internal/model"
)

// ReplaceResetToken deletes any prior live reset token for the user before
// inserting the new one, so only the newest link is ever redeemable.
func (s *Store) ReplaceResetToken(ctx context.Context, token model.PasswordResetToken) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM password_reset_tokens WHERE user_id = $1`, token.UserID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO password_reset_tokens (id, user_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.ID, token.UserID, token.TokenHash, token.CreatedAt, token.ExpiresAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) GetResetToken(ctx context.Context, tokenHash string) (model.PasswordResetToken, error) {
	var token model.PasswordResetToken
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at
		FROM password_reset_tokens WHERE token_hash = $1
	`, tokenHash)
	err := row.Scan(&token.ID, &token.UserID, &token.TokenHash, &token.CreatedAt, &token.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PasswordResetToken{}, ErrNotFound
	}
	return token, err
}

// ConsumeResetToken destroys the matched row and returns it; the single
// DELETE makes consumption single-winner under concurrency.
func (s *Store) ConsumeResetToken(ctx context.Context, tokenHash string) (model.PasswordResetToken, error) {
	var token model.PasswordResetToken
	row := s.pool.QueryRow(ctx, `
		DELETE FROM password_reset_tokens WHERE token_hash = $1
		RETURNING id, user_id, token_hash, created_at, expires_at
	`, tokenHash)
	err := row.Scan(&token.ID, &token.UserID, &token.TokenHash, &token.CreatedAt, &token.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PasswordResetToken{}, ErrNotFound
	}
	return token, err
}
